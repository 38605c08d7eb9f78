package calib

import (
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// CameraRecord is the raw calibration of one camera as stored in session
// files. The layout carries the row-vector heritage of the format:
//
//   - K is transposed relative to the standard form, with the principal
//     point in the bottom row: [[fx 0 0], [0 fy 0], [cx cy 1]].
//   - R is the world→camera rotation in row convention, so a world point
//     maps into the camera frame as x_row·R + T.
//   - T is a 1×3 row vector, the world origin in camera coordinates.
//
// NewCamera resolves this into the canonical column-vector form; nothing
// else should interpret these fields directly.
type CameraRecord struct {
	Name      string        `json:"name,omitempty"`
	K         [3][3]float64 `json:"K"`
	R         [3][3]float64 `json:"r"`
	T         [3]float64    `json:"t"`
	RDistort  []float64     `json:"RDistort"`
	TDistort  []float64     `json:"TDistort"`
	ImageSize [2]int        `json:"image_size"` // height, width
}

// CheckValid verifies the record is in the documented layout. Rotations are
// trusted beyond the determinant sign; intrinsics must have zero skew and the
// principal point in the bottom row.
func (rec *CameraRecord) CheckValid() error {
	if rec == nil {
		return NewInvalidCalibrationError("record is nil")
	}
	if rec.K[0][0] <= 0 || rec.K[1][1] <= 0 {
		return NewInvalidCalibrationError(errors.Errorf("focal lengths must be positive, got (%v, %v)", rec.K[0][0], rec.K[1][1]).Error())
	}
	if math.Abs(rec.K[0][1]) > skewTolerance || math.Abs(rec.K[1][0]) > skewTolerance {
		return NewInvalidCalibrationError("intrinsic matrix has nonzero skew")
	}
	// A principal point in the last column means the matrix was stored in the
	// standard layout; resolving it silently would shift every projection.
	if math.Abs(rec.K[0][2]) > skewTolerance || math.Abs(rec.K[1][2]) > skewTolerance {
		return NewInvalidCalibrationError("intrinsic matrix principal point must be in the bottom row")
	}
	if math.Abs(rec.K[2][2]-1) > skewTolerance {
		return NewInvalidCalibrationError(errors.Errorf("intrinsic matrix K[2][2] must be 1, got %v", rec.K[2][2]).Error())
	}
	if rec.ImageSize[0] <= 0 || rec.ImageSize[1] <= 0 {
		return NewInvalidCalibrationError(errors.Errorf("invalid image size (%d, %d)", rec.ImageSize[0], rec.ImageSize[1]).Error())
	}
	return nil
}

// NewCameraRecordsFromJSONFile reads a list of camera records from a JSON
// file.
func NewCameraRecordsFromJSONFile(jsonPath string) ([]CameraRecord, error) {
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
	var records []CameraRecord
	if err := json.Unmarshal(byteValue, &records); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return records, nil
}

// ResolveCameras resolves every record in order, failing on the first record
// that cannot be resolved.
func ResolveCameras(records []CameraRecord) ([]*Camera, error) {
	cams := make([]*Camera, 0, len(records))
	for i, rec := range records {
		cam, err := NewCamera(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "camera %d (%s)", i, rec.Name)
		}
		cams = append(cams, cam)
	}
	return cams, nil
}
