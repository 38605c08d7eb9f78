package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/camlab/label3d/label"
)

const videoPredictions = `{
	"instance_info": [
		{"frame_id": 3, "instances": [
			{"instance_id": "0", "keypoints": [[10, 20], [30, 40]], "keypoint_scores": [0.9, 0.3]},
			{"instance_id": 1, "keypoints": [[50, 60], [70, 80]]}
		]},
		{"frame_id": 5, "instances": [
			{"instance_id": "0", "keypoints": [[11, 21], [31, 41]], "keypoint_scores": [0.6, 0.7]},
			{"instance_id": 1, "keypoints": [[1, 2], [3, 4], [5, 6]], "keypoint_scores": [1, 1, 1]}
		]}
	]
}`

const imagePredictions = `{
	"image_predictions": [
		{"image_path": "imgs/frame_000003.png", "instances": [
			{"instance_id": "0", "keypoints": [[100, 200], [300, 400]], "keypoint_scores": [0.55, 0.45]}
		]},
		{"image_path": "imgs/frame_000007.jpg", "instances": [
			{"instance_id": 1, "keypoints": [[500, 600], [700, 800]], "keypoint_scores": [1, 1]}
		]}
	]
}`

func writePredictions(t *testing.T, dir, name, content string) {
	t.Helper()
	test.That(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o640), test.ShouldBeNil)
}

func TestImportDetections(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()
	writePredictions(t, dir, "Cam_1_results.json", videoPredictions)
	writePredictions(t, dir, "Cam_2_results.json", imagePredictions)
	writePredictions(t, dir, "Cam_3_results.json", "not json at all")

	det, err := ImportDetections(dir, 2, 0.5, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, det.CameraNames, test.ShouldResemble, []string{"Cam_1", "Cam_2"})
	test.That(t, det.FrameIDs, test.ShouldResemble, []int{3, 5, 7})
	test.That(t, det.InstanceIDs, test.ShouldResemble, []string{"0", "1"})

	nMarkers, nCams, nFrames := det.Store.Dims()
	test.That(t, nMarkers, test.ShouldEqual, 4)
	test.That(t, nCams, test.ShouldEqual, 2)
	test.That(t, nFrames, test.ShouldEqual, 3)
	test.That(t, det.Store.Animals(), test.ShouldEqual, 2)

	// Instance "0" joint 0 in Cam_1 at frame 3 scored above threshold.
	obs, err := det.Store.Observation(0, 0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Status, test.ShouldEqual, label.Initialized)
	test.That(t, obs.HandLabeled, test.ShouldBeFalse)
	test.That(t, obs.Position, test.ShouldResemble, r2.Point{X: 10, Y: 20})
	initial, ok, err := det.Store.Initial(0, 0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, initial, test.ShouldResemble, obs.Position)

	// Joint 1 scored 0.3 and was dropped.
	obs, err = det.Store.Observation(1, 0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Status, test.ShouldEqual, label.Unlabeled)

	// Instance 1 carried no scores, which passes the threshold.
	obs, err = det.Store.Observation(2, 0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Position, test.ShouldResemble, r2.Point{X: 50, Y: 60})
	obs, err = det.Store.Observation(3, 0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Position, test.ShouldResemble, r2.Point{X: 70, Y: 80})

	// At frame 5 instance 1 had three keypoints instead of two.
	obs, err = det.Store.Observation(2, 0, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Status, test.ShouldEqual, label.Unlabeled)
	obs, err = det.Store.Observation(0, 0, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Position, test.ShouldResemble, r2.Point{X: 11, Y: 21})

	// Cam_2's frame ids came from the image file names.
	obs, err = det.Store.Observation(0, 1, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Position, test.ShouldResemble, r2.Point{X: 100, Y: 200})
	obs, err = det.Store.Observation(1, 1, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Status, test.ShouldEqual, label.Unlabeled)
	obs, err = det.Store.Observation(2, 1, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Position, test.ShouldResemble, r2.Point{X: 500, Y: 600})

	// Frame 7 never appears in Cam_1.
	obs, err = det.Store.Observation(0, 0, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.Status, test.ShouldEqual, label.Unlabeled)
}

func TestImportDetectionsErrors(t *testing.T) {
	logger := golog.NewTestLogger(t)

	_, err := ImportDetections(t.TempDir(), 0, 0.5, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "jointsPerInstance must be positive")

	_, err = ImportDetections(t.TempDir(), 2, 0.5, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no Cam_*_results.json files found")

	dir := t.TempDir()
	writePredictions(t, dir, "Cam_1_results.json", "{{{")
	_, err = ImportDetections(dir, 2, 0.5, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no prediction file could be parsed")

	dir = t.TempDir()
	writePredictions(t, dir, "Cam_1_results.json", `{"instance_info": [{"frame_id": 1, "instances": [
		{"keypoints": [[1, 2], [3, 4]]}
	]}]}`)
	_, err = ImportDetections(dir, 2, 0.5, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no instances with instance_id")
}

func TestParseFrameNumber(t *testing.T) {
	for _, tc := range []struct {
		path string
		want int
		ok   bool
	}{
		{"imgs/frame_000042.png", 42, true},
		{"FRAME_7.JPG", 7, true},
		{"cam0/000013.jpeg", 13, true},
		{"frame_12.tiff", 12, true},
		{"notes.txt", 0, false},
		{"frame_abc.png", 0, false},
	} {
		got, ok := parseFrameNumber(tc.path)
		test.That(t, ok, test.ShouldEqual, tc.ok)
		test.That(t, got, test.ShouldEqual, tc.want)
	}
}
