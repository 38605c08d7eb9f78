package session

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/camlab/label3d/label"
)

func TestWriteAndReadSessionFile(t *testing.T) {
	store := testStore(t, 2, 2, 1)
	handLabel(t, store, 0, 0, 0, r2.Point{X: 270, Y: 280})
	handLabel(t, store, 0, 1, 0, r2.Point{X: 370, Y: 280})
	test.That(t, store.SetWorldPoint(0, 0, r3.Vector{X: -50, Y: -40, Z: 0}), test.ShouldBeNil)

	snap, err := Capture(store, testRecords(), nil, nil, "20260115_093000")
	test.That(t, err, test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "session.json")
	test.That(t, snap.WriteFile(path), test.ShouldBeNil)

	// Absent values are null on disk, not NaN.
	raw, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(raw), test.ShouldContainSubstring, `"data_3D":[[-50,-40,0`)
	test.That(t, string(raw), test.ShouldContainSubstring, "null")

	loaded, err := NewSnapshotFromFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Validate(), test.ShouldBeNil)
	test.That(t, loaded.CameraNames, test.ShouldResemble, snap.CameraNames)
	test.That(t, loaded.SessionTimestamp, test.ShouldEqual, "20260115_093000")
	test.That(t, float64(loaded.CamPoints[0][0][0][0]), test.ShouldEqual, 270)
	test.That(t, math.IsNaN(float64(loaded.CamPoints[1][0][0][0])), test.ShouldBeTrue)
	test.That(t, float64(loaded.Data3D[0][1]), test.ShouldEqual, -40)
}

func TestWriteAndReadCompressedSessionFile(t *testing.T) {
	store := testStore(t, 2, 1, 1)
	handLabel(t, store, 1, 2, 0, r2.Point{X: 12, Y: 34})

	snap, err := Capture(store, testRecords(), nil, nil, "")
	test.That(t, err, test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "session.json.gz")
	test.That(t, snap.WriteFile(path), test.ShouldBeNil)

	// The payload really is gzip, not JSON with a misleading name.
	raw, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(raw), test.ShouldBeGreaterThan, 2)
	test.That(t, raw[0], test.ShouldEqual, 0x1f)
	test.That(t, raw[1], test.ShouldEqual, 0x8b)

	loaded, err := NewSnapshotFromFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Status[1][2][0], test.ShouldEqual, int(label.Labeled))
	test.That(t, float64(loaded.HandLabeled2D[1][2][1][0]), test.ShouldEqual, 34)
}

func TestNewSnapshotFromFileErrors(t *testing.T) {
	_, err := NewSnapshotFromFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "error opening session file")

	bad := filepath.Join(t.TempDir(), "bad.json")
	test.That(t, os.WriteFile(bad, []byte("{"), 0o640), test.ShouldBeNil)
	_, err = NewSnapshotFromFile(bad)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "error parsing session JSON")

	notGz := filepath.Join(t.TempDir(), "bad.json.gz")
	test.That(t, os.WriteFile(notGz, []byte("plain text"), 0o640), test.ShouldBeNil)
	_, err = NewSnapshotFromFile(notGz)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "error decompressing session")
}
