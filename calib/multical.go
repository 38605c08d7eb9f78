package calib

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// refPoseTolerance bounds how far the reference camera's pose may drift from
// identity before it no longer counts as the world origin.
const refPoseTolerance = 1e-6

// metersToMillimeters converts multical translations into session units.
const metersToMillimeters = 1000.0

type multicalCamera struct {
	K         [3][3]float64 `json:"K"`
	Dist      [][]float64   `json:"dist"`
	ImageSize [2]int        `json:"image_size"` // width, height
}

type multicalPose struct {
	R [3][3]float64 `json:"R"`
	T [3]float64    `json:"T"`
}

type multicalCalibration struct {
	Cameras     map[string]multicalCamera `json:"cameras"`
	CameraPoses map[string]multicalPose   `json:"camera_poses"`
}

// NewCameraRecordsFromMulticalFile reads a multical calibration.json and
// converts each camera into a session-form record. Records come back sorted
// by camera name.
func NewCameraRecordsFromMulticalFile(jsonPath string) ([]CameraRecord, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	return NewCameraRecordsFromMulticalJSON(byteValue)
}

// NewCameraRecordsFromMulticalJSON converts raw multical calibration JSON
// into session-form records.
func NewCameraRecordsFromMulticalJSON(data []byte) ([]CameraRecord, error) {
	var cal multicalCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if len(cal.Cameras) == 0 || len(cal.CameraPoses) == 0 {
		return nil, NewInvalidCalibrationError("multical file missing cameras or camera_poses")
	}
	refCam, err := detectReferenceCamera(cal.CameraPoses)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cal.Cameras))
	for name := range cal.Cameras {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]CameraRecord, 0, len(names))
	for _, name := range names {
		rec, err := multicalRecord(name, cal.Cameras[name], cal.CameraPoses, refCam)
		if err != nil {
			return nil, errors.Wrapf(err, "camera %s", name)
		}
		records = append(records, rec)
	}
	return records, nil
}

// detectReferenceCamera finds the pose entry that defines the world origin:
// a key without the relative "_to_" marker whose pose is identity.
func detectReferenceCamera(poses map[string]multicalPose) (string, error) {
	keys := make([]string, 0, len(poses))
	for key := range poses {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.Contains(key, "_to_") {
			continue
		}
		if isIdentityPose(poses[key]) {
			return key, nil
		}
	}
	return "", NewInvalidCalibrationError("could not detect reference camera in camera_poses")
}

func isIdentityPose(pose multicalPose) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(pose.R[i][j]-want) > refPoseTolerance {
				return false
			}
		}
		if math.Abs(pose.T[i]) > refPoseTolerance {
			return false
		}
	}
	return true
}

func multicalRecord(name string, cam multicalCamera, poses map[string]multicalPose, refCam string) (CameraRecord, error) {
	pose, err := lookupWorldPose(name, poses, refCam)
	if err != nil {
		return CameraRecord{}, err
	}
	radial, tangential := splitOpenCVDistortion(cam.Dist)

	rec := CameraRecord{
		Name:     name,
		RDistort: radial,
		TDistort: tangential,
		// multical stores width then height.
		ImageSize: [2]int{cam.ImageSize[1], cam.ImageSize[0]},
	}
	// Standard intrinsics become the bottom-row layout the session format uses.
	rec.K[0][0] = cam.K[0][0]
	rec.K[1][1] = cam.K[1][1]
	rec.K[2][0] = cam.K[0][2]
	rec.K[2][1] = cam.K[1][2]
	rec.K[2][2] = 1
	// The stored rotation is the transpose of the world→camera matrix, and
	// the translation moves from meters into millimeters.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rec.R[i][j] = pose.R[j][i]
		}
		rec.T[i] = pose.T[i] * metersToMillimeters
	}
	if err := rec.CheckValid(); err != nil {
		return CameraRecord{}, err
	}
	return rec, nil
}

// lookupWorldPose returns the world→camera pose for name. The reference
// camera sits at the world origin; other cameras are keyed relative to it.
func lookupWorldPose(name string, poses map[string]multicalPose, refCam string) (multicalPose, error) {
	if name == refCam {
		if pose, ok := poses[name]; ok {
			return pose, nil
		}
		return multicalPose{R: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}, nil
	}
	if pose, ok := poses[name]; ok && !strings.Contains(name, "_to_") {
		return pose, nil
	}
	poseKey := name + "_to_" + refCam
	pose, ok := poses[poseKey]
	if !ok {
		return multicalPose{}, NewInvalidCalibrationError("missing camera_poses entry " + poseKey)
	}
	return pose, nil
}

// splitOpenCVDistortion maps OpenCV-ordered coefficients [k1 k2 p1 p2 k3 ...]
// into radial [k1 k2 k3] and tangential [p1 p2], zero-padding short inputs.
func splitOpenCVDistortion(dist [][]float64) ([]float64, []float64) {
	var coeffs []float64
	if len(dist) > 0 {
		coeffs = dist[0]
	}
	at := func(i int) float64 {
		if i < len(coeffs) {
			return coeffs[i]
		}
		return 0
	}
	return []float64{at(0), at(1), at(4)}, []float64{at(2), at(3)}
}
