package calib

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func testRecord() CameraRecord {
	return CameraRecord{
		Name: "Camera1",
		K: [3][3]float64{
			{1000, 0, 0},
			{0, 1100, 0},
			{320, 240, 1},
		},
		R:         [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		T:         [3]float64{0, 0, 500},
		RDistort:  []float64{0, 0, 0},
		TDistort:  []float64{0, 0},
		ImageSize: [2]int{480, 640},
	}
}

func TestNewCamera(t *testing.T) {
	cam, err := NewCamera(testRecord())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cam.Name(), test.ShouldEqual, "Camera1")
	test.That(t, cam.Width(), test.ShouldEqual, 640)
	test.That(t, cam.Height(), test.ShouldEqual, 480)
	fx, fy, cx, cy := cam.Intrinsics()
	test.That(t, fx, test.ShouldEqual, 1000)
	test.That(t, fy, test.ShouldEqual, 1100)
	test.That(t, cx, test.ShouldEqual, 320)
	test.That(t, cy, test.ShouldEqual, 240)

	// The optical axis passes through the principal point.
	pt := cam.Project(r3.Vector{}, true)
	test.That(t, pt.X, test.ShouldAlmostEqual, 320, 1e-9)
	test.That(t, pt.Y, test.ShouldAlmostEqual, 240, 1e-9)

	pt = cam.Project(r3.Vector{X: 10, Y: 20}, true)
	test.That(t, pt.X, test.ShouldAlmostEqual, 340, 1e-9)
	test.That(t, pt.Y, test.ShouldAlmostEqual, 284, 1e-9)
}

func TestNewCameraRotated(t *testing.T) {
	// Stored rotation is the transpose of the canonical world→camera matrix,
	// here a 90° turn about the optical axis.
	rec := testRecord()
	rec.R = [3][3]float64{{0, 1, 0}, {-1, 0, 0}, {0, 0, 1}}
	rec.T = [3]float64{0, 0, 1000}
	cam, err := NewCamera(rec)
	test.That(t, err, test.ShouldBeNil)

	pt := cam.Project(r3.Vector{X: 100}, true)
	test.That(t, pt.X, test.ShouldAlmostEqual, 320, 1e-9)
	test.That(t, pt.Y, test.ShouldAlmostEqual, 350, 1e-9)

	rw, center := cam.WorldPose()
	test.That(t, center.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, center.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, center.Z, test.ShouldAlmostEqual, -1000, 1e-9)
	// World-from-camera is the transpose of the canonical rotation, which is
	// the stored form again.
	test.That(t, rw.At(0, 1), test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, rw.At(1, 0), test.ShouldAlmostEqual, -1, 1e-9)

	// The camera center projects to nothing; it has zero depth.
	pt = cam.Project(center, true)
	test.That(t, math.IsNaN(pt.X), test.ShouldBeTrue)
}

func TestProjectBehindCamera(t *testing.T) {
	cam, err := NewCamera(testRecord())
	test.That(t, err, test.ShouldBeNil)
	pt := cam.Project(r3.Vector{Z: -600}, true)
	test.That(t, math.IsNaN(pt.X), test.ShouldBeTrue)
	test.That(t, math.IsNaN(pt.Y), test.ShouldBeTrue)
}

func TestProjectionMatrix(t *testing.T) {
	rec := testRecord()
	rec.R = [3][3]float64{{0, 1, 0}, {-1, 0, 0}, {0, 0, 1}}
	rec.T = [3]float64{30, -40, 800}
	cam, err := NewCamera(rec)
	test.That(t, err, test.ShouldBeNil)

	p := cam.ProjectionMatrix()
	r, c := p.Dims()
	test.That(t, r, test.ShouldEqual, 3)
	test.That(t, c, test.ShouldEqual, 4)

	// Dehomogenizing P·[X 1]ᵀ must agree with the undistorted projection.
	var res mat.VecDense
	res.MulVec(p, mat.NewVecDense(4, []float64{25, -60, 12, 1}))
	want := cam.Project(r3.Vector{X: 25, Y: -60, Z: 12}, false)
	test.That(t, res.AtVec(0)/res.AtVec(2), test.ShouldAlmostEqual, want.X, 1e-9)
	test.That(t, res.AtVec(1)/res.AtVec(2), test.ShouldAlmostEqual, want.Y, 1e-9)
}

func TestProjectDistorted(t *testing.T) {
	rec := testRecord()
	rec.RDistort = []float64{-0.25, 0.08, -0.002}
	rec.TDistort = []float64{0.0005, -0.0004}
	cam, err := NewCamera(rec)
	test.That(t, err, test.ShouldBeNil)

	clean := cam.Project(r3.Vector{X: 30, Y: -20}, false)
	distorted := cam.Project(r3.Vector{X: 30, Y: -20}, true)
	test.That(t, math.Abs(distorted.X-clean.X), test.ShouldBeGreaterThan, 0.01)

	// Undistorting the distorted pixel recovers the ideal projection.
	recovered, err := cam.Undistort(distorted)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, recovered.X, test.ShouldAlmostEqual, clean.X, 1e-6)
	test.That(t, recovered.Y, test.ShouldAlmostEqual, clean.Y, 1e-6)
}

func TestCheckValid(t *testing.T) {
	rec := testRecord()
	test.That(t, rec.CheckValid(), test.ShouldBeNil)

	// A standard-layout matrix with the principal point in the last column
	// must be rejected, not silently reinterpreted.
	rec = testRecord()
	rec.K = [3][3]float64{{1000, 0, 320}, {0, 1100, 240}, {0, 0, 1}}
	err := rec.CheckValid()
	test.That(t, errors.Is(err, ErrInvalidCalibration), test.ShouldBeTrue)

	rec = testRecord()
	rec.K[0][1] = 2
	test.That(t, errors.Is(rec.CheckValid(), ErrInvalidCalibration), test.ShouldBeTrue)

	rec = testRecord()
	rec.K[0][0] = -1000
	test.That(t, errors.Is(rec.CheckValid(), ErrInvalidCalibration), test.ShouldBeTrue)

	rec = testRecord()
	rec.K[2][2] = 0.5
	test.That(t, errors.Is(rec.CheckValid(), ErrInvalidCalibration), test.ShouldBeTrue)

	rec = testRecord()
	rec.ImageSize = [2]int{0, 640}
	test.That(t, errors.Is(rec.CheckValid(), ErrInvalidCalibration), test.ShouldBeTrue)
}

func TestNewCameraRejectsBadRecords(t *testing.T) {
	rec := testRecord()
	rec.R = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, -1}}
	_, err := NewCamera(rec)
	test.That(t, errors.Is(err, ErrInvalidCalibration), test.ShouldBeTrue)

	rec = testRecord()
	rec.RDistort = []float64{0.1}
	_, err = NewCamera(rec)
	test.That(t, errors.Is(err, ErrInvalidCalibration), test.ShouldBeTrue)

	rec = testRecord()
	rec.TDistort = []float64{0.1}
	_, err = NewCamera(rec)
	test.That(t, errors.Is(err, ErrInvalidCalibration), test.ShouldBeTrue)
}

func TestNewCameraFromOpenCV(t *testing.T) {
	k := [3][3]float64{{1000, 0, 320}, {0, 1100, 240}, {0, 0, 1}}
	r := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	cam, err := NewCameraFromOpenCV("opencv", k, r, [3]float64{0, 0, 500}, []float64{0, 0, 0}, []float64{0, 0}, 640, 480)
	test.That(t, err, test.ShouldBeNil)

	// Same geometry as the session-form record; projections must agree.
	recCam, err := NewCamera(testRecord())
	test.That(t, err, test.ShouldBeNil)
	for _, world := range []r3.Vector{{}, {X: 10, Y: 20}, {X: -55, Y: 31, Z: 120}} {
		got := cam.Project(world, true)
		want := recCam.Project(world, true)
		test.That(t, got.X, test.ShouldAlmostEqual, want.X, 1e-9)
		test.That(t, got.Y, test.ShouldAlmostEqual, want.Y, 1e-9)
	}

	// Session-layout intrinsics are not valid input here.
	_, err = NewCameraFromOpenCV("bad", testRecord().K, r, [3]float64{0, 0, 500}, []float64{0, 0}, nil, 640, 480)
	test.That(t, errors.Is(err, ErrInvalidCalibration), test.ShouldBeTrue)
}

func TestResolveCameras(t *testing.T) {
	good := testRecord()
	cams, err := ResolveCameras([]CameraRecord{good, good})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cams, test.ShouldHaveLength, 2)

	bad := testRecord()
	bad.Name = "Camera2"
	bad.K[0][0] = 0
	_, err = ResolveCameras([]CameraRecord{good, bad})
	test.That(t, errors.Is(err, ErrInvalidCalibration), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "camera 1 (Camera2)")
}

func TestNewCameraRecordsFromJSONFile(t *testing.T) {
	content := `[
		{
			"name": "Camera1",
			"K": [[1000, 0, 0], [0, 1100, 0], [320, 240, 1]],
			"r": [[1, 0, 0], [0, 1, 0], [0, 0, 1]],
			"t": [10, -20, 500],
			"RDistort": [-0.1, 0.02],
			"TDistort": [0.001, -0.002],
			"image_size": [480, 640]
		}
	]`
	path := filepath.Join(t.TempDir(), "cameras.json")
	test.That(t, os.WriteFile(path, []byte(content), 0o640), test.ShouldBeNil)

	records, err := NewCameraRecordsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records, test.ShouldHaveLength, 1)
	test.That(t, records[0].Name, test.ShouldEqual, "Camera1")
	test.That(t, records[0].K[2][0], test.ShouldEqual, 320)
	test.That(t, records[0].T[2], test.ShouldEqual, 500)
	test.That(t, records[0].RDistort, test.ShouldResemble, []float64{-0.1, 0.02})
	test.That(t, records[0].ImageSize, test.ShouldResemble, [2]int{480, 640})

	_, err = NewCameraRecordsFromJSONFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}
