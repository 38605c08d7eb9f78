// Package session persists and revives the full state of an annotation
// session: calibration records, per-slot observations, world points and
// skeleton metadata in one JSON document, plus exchange formats (COCO
// keypoint export, 2-D detection import).
package session

import (
	"encoding/json"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/camlab/label3d/calib"
	"github.com/camlab/label3d/label"
	"github.com/camlab/label3d/skeleton"
)

// ErrInvalidSnapshot is returned when a session document's arrays are
// missing or disagree about their dimensions.
var ErrInvalidSnapshot = errors.New("invalid session snapshot")

// Float is a float64 whose JSON form uses null for NaN, matching how the
// session arrays mark absent values.
type Float float64

// MarshalJSON writes null for NaN.
func (f Float) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

// UnmarshalJSON reads null as NaN.
func (f *Float) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Snapshot is the on-disk session document. Array shapes follow the
// original format: status is [marker][camera][frame], camPoints and
// handLabeled2D are [marker][camera][xy][frame], data_3D holds one row per
// frame of marker-major [x y z] triplets, and imageSize rows are
// [height, width]. framesToLabel carries the 1-based original-video frame
// ids behind the 0-based frame axis.
type Snapshot struct {
	CameraParameters []calib.CameraRecord `json:"cameraParameters"`
	CameraNames      []string             `json:"cameraNames"`
	ImageSize        [][2]int             `json:"imageSize"`
	NAnimals         int                  `json:"nAnimals"`
	FramesToLabel    []int                `json:"framesToLabel"`
	SessionTimestamp string               `json:"sessionTimestamp,omitempty"`
	Skeleton         *skeleton.Skeleton   `json:"skeleton,omitempty"`
	Status           [][][]int            `json:"status"`
	CamPoints        [][][][]Float        `json:"camPoints"`
	HandLabeled2D    [][][][]Float        `json:"handLabeled2D"`
	Data3D           [][]Float            `json:"data_3D"`
}

// Capture freezes a store into a snapshot. framesToLabel may be nil, in
// which case frames are numbered 1..nFrames. A world point is persisted in
// data_3D only when at least two cameras contributed to it and every
// contributing camera is hand-labeled; anything less stays NaN so partial
// triangulations never masquerade as ground truth.
func Capture(store *label.Store, records []calib.CameraRecord, skel *skeleton.Skeleton,
	framesToLabel []int, timestamp string,
) (*Snapshot, error) {
	nMarkers, nCams, nFrames := store.Dims()
	if len(records) != nCams {
		return nil, errors.Wrapf(ErrInvalidSnapshot, "%d calibration records for %d cameras", len(records), nCams)
	}
	if framesToLabel == nil {
		framesToLabel = make([]int, nFrames)
		for i := range framesToLabel {
			framesToLabel[i] = i + 1
		}
	}
	if len(framesToLabel) != nFrames {
		return nil, errors.Wrapf(ErrInvalidSnapshot, "%d framesToLabel entries for %d frames", len(framesToLabel), nFrames)
	}

	snap := &Snapshot{
		CameraParameters: records,
		CameraNames:      make([]string, nCams),
		ImageSize:        make([][2]int, nCams),
		NAnimals:         store.Animals(),
		FramesToLabel:    framesToLabel,
		SessionTimestamp: timestamp,
		Skeleton:         skel,
		Status:           make([][][]int, nMarkers),
		CamPoints:        make([][][][]Float, nMarkers),
		HandLabeled2D:    make([][][][]Float, nMarkers),
		Data3D:           make([][]Float, nFrames),
	}
	for cam, rec := range records {
		snap.CameraNames[cam] = rec.Name
		snap.ImageSize[cam] = rec.ImageSize
	}

	for marker := 0; marker < nMarkers; marker++ {
		snap.Status[marker] = make([][]int, nCams)
		snap.CamPoints[marker] = make([][][]Float, nCams)
		snap.HandLabeled2D[marker] = make([][][]Float, nCams)
		for cam := 0; cam < nCams; cam++ {
			snap.Status[marker][cam] = make([]int, nFrames)
			snap.CamPoints[marker][cam] = newNaNPlane(nFrames)
			snap.HandLabeled2D[marker][cam] = newNaNPlane(nFrames)
			for frame := 0; frame < nFrames; frame++ {
				obs, err := store.Observation(marker, cam, frame)
				if err != nil {
					return nil, err
				}
				snap.Status[marker][cam][frame] = int(obs.Status)
				if obs.HasPosition {
					snap.CamPoints[marker][cam][0][frame] = Float(obs.Position.X)
					snap.CamPoints[marker][cam][1][frame] = Float(obs.Position.Y)
					if obs.HandLabeled {
						snap.HandLabeled2D[marker][cam][0][frame] = Float(obs.Position.X)
						snap.HandLabeled2D[marker][cam][1][frame] = Float(obs.Position.Y)
					}
				}
			}
		}
	}

	for frame := 0; frame < nFrames; frame++ {
		row := make([]Float, 3*nMarkers)
		for i := range row {
			row[i] = Float(math.NaN())
		}
		for marker := 0; marker < nMarkers; marker++ {
			pt, ok, err := store.WorldPoint(marker, frame)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			grounded, err := fullyHandLabeled(store, marker, frame)
			if err != nil {
				return nil, err
			}
			if !grounded {
				continue
			}
			row[3*marker] = Float(pt.X)
			row[3*marker+1] = Float(pt.Y)
			row[3*marker+2] = Float(pt.Z)
		}
		snap.Data3D[frame] = row
	}
	return snap, nil
}

func newNaNPlane(nFrames int) [][]Float {
	plane := make([][]Float, 2)
	for i := range plane {
		plane[i] = make([]Float, nFrames)
		for j := range plane[i] {
			plane[i][j] = Float(math.NaN())
		}
	}
	return plane
}

func fullyHandLabeled(store *label.Store, marker, frame int) (bool, error) {
	eligible, err := store.EligibleCameras(marker, frame)
	if err != nil {
		return false, err
	}
	if len(eligible) < 2 {
		return false, nil
	}
	for _, cam := range eligible {
		obs, err := store.Observation(marker, cam, frame)
		if err != nil {
			return false, err
		}
		if !obs.HandLabeled {
			return false, nil
		}
	}
	return true, nil
}

// Validate checks the snapshot's arrays for dimensional consistency.
func (s *Snapshot) Validate() error {
	nMarkers := len(s.Status)
	if nMarkers == 0 {
		return errors.Wrap(ErrInvalidSnapshot, "empty status array")
	}
	nCams := len(s.Status[0])
	if nCams == 0 {
		return errors.Wrap(ErrInvalidSnapshot, "status array has no cameras")
	}
	nFrames := len(s.Status[0][0])
	if nFrames == 0 {
		return errors.Wrap(ErrInvalidSnapshot, "status array has no frames")
	}
	for marker := range s.Status {
		if len(s.Status[marker]) != nCams {
			return errors.Wrapf(ErrInvalidSnapshot, "status marker %d has %d cameras, want %d", marker, len(s.Status[marker]), nCams)
		}
		for cam := range s.Status[marker] {
			if len(s.Status[marker][cam]) != nFrames {
				return errors.Wrapf(ErrInvalidSnapshot, "status marker %d camera %d has %d frames, want %d",
					marker, cam, len(s.Status[marker][cam]), nFrames)
			}
		}
	}
	for name, arr := range map[string][][][][]Float{"camPoints": s.CamPoints, "handLabeled2D": s.HandLabeled2D} {
		if len(arr) != nMarkers {
			return errors.Wrapf(ErrInvalidSnapshot, "%s has %d markers, want %d", name, len(arr), nMarkers)
		}
		for marker := range arr {
			if len(arr[marker]) != nCams {
				return errors.Wrapf(ErrInvalidSnapshot, "%s marker %d has %d cameras, want %d", name, marker, len(arr[marker]), nCams)
			}
			for cam := range arr[marker] {
				if len(arr[marker][cam]) != 2 {
					return errors.Wrapf(ErrInvalidSnapshot, "%s marker %d camera %d has %d axes, want 2",
						name, marker, cam, len(arr[marker][cam]))
				}
				for axis := range arr[marker][cam] {
					if len(arr[marker][cam][axis]) != nFrames {
						return errors.Wrapf(ErrInvalidSnapshot, "%s marker %d camera %d has %d frames, want %d",
							name, marker, cam, len(arr[marker][cam][axis]), nFrames)
					}
				}
			}
		}
	}
	if len(s.Data3D) != nFrames {
		return errors.Wrapf(ErrInvalidSnapshot, "data_3D has %d frames, want %d", len(s.Data3D), nFrames)
	}
	for frame := range s.Data3D {
		if len(s.Data3D[frame]) != 3*nMarkers {
			return errors.Wrapf(ErrInvalidSnapshot, "data_3D frame %d has %d values, want %d", frame, len(s.Data3D[frame]), 3*nMarkers)
		}
	}
	if len(s.CameraParameters) != nCams {
		return errors.Wrapf(ErrInvalidSnapshot, "%d calibration records for %d cameras", len(s.CameraParameters), nCams)
	}
	if len(s.FramesToLabel) != 0 && len(s.FramesToLabel) != nFrames {
		return errors.Wrapf(ErrInvalidSnapshot, "%d framesToLabel entries for %d frames", len(s.FramesToLabel), nFrames)
	}
	nAnimals := s.NAnimals
	if nAnimals == 0 {
		nAnimals = 1
	}
	if nMarkers%nAnimals != 0 {
		return errors.Wrapf(ErrInvalidSnapshot, "%d markers do not divide across %d animals", nMarkers, nAnimals)
	}
	return nil
}

// Restore revives a snapshot into a live store with resolved cameras,
// wrapped in an engine. Prior world points are back-projected into views
// the file had no 2-D for, and statuses are re-derived, so an old session
// opens ready to refine rather than blank.
func (s *Snapshot) Restore(logger golog.Logger) (*label.Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	nMarkers := len(s.Status)
	nCams := len(s.Status[0])
	nFrames := len(s.Status[0][0])
	nAnimals := s.NAnimals
	if nAnimals == 0 {
		nAnimals = 1
	}

	cams, err := calib.ResolveCameras(s.CameraParameters)
	if err != nil {
		return nil, err
	}
	store, err := label.NewStore(nMarkers, nCams, nFrames, nAnimals)
	if err != nil {
		return nil, err
	}

	for marker := 0; marker < nMarkers; marker++ {
		for cam := 0; cam < nCams; cam++ {
			for frame := 0; frame < nFrames; frame++ {
				status, err := label.StatusFromInt(s.Status[marker][cam][frame])
				if err != nil {
					return nil, errors.Wrapf(err, "marker %d camera %d frame %d", marker, cam, frame)
				}
				pos := r2.Point{
					X: float64(s.CamPoints[marker][cam][0][frame]),
					Y: float64(s.CamPoints[marker][cam][1][frame]),
				}
				hasPos := !math.IsNaN(pos.X) && !math.IsNaN(pos.Y)
				switch {
				case status == label.Unlabeled:
				case status == label.Invisible:
					if err := store.SetObservation(marker, cam, frame, r2.Point{}, status); err != nil {
						return nil, err
					}
				case !hasPos:
					logger.Warnw("observation marked labeled without a position, dropping to unlabeled",
						"marker", marker, "camera", cam, "frame", frame, "status", status.String())
				default:
					if err := store.SetObservation(marker, cam, frame, pos, status); err != nil {
						return nil, err
					}
					if status == label.Initialized {
						if err := store.SetInitial(marker, cam, frame, pos); err != nil {
							return nil, err
						}
					}
					handX := float64(s.HandLabeled2D[marker][cam][0][frame])
					if !math.IsNaN(handX) {
						if err := store.SetHandLabeled(marker, cam, frame, true); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	}

	for frame := 0; frame < nFrames; frame++ {
		row := s.Data3D[frame]
		for marker := 0; marker < nMarkers; marker++ {
			pt := r3.Vector{
				X: float64(row[3*marker]),
				Y: float64(row[3*marker+1]),
				Z: float64(row[3*marker+2]),
			}
			if math.IsNaN(pt.X) || math.IsNaN(pt.Y) || math.IsNaN(pt.Z) {
				continue
			}
			if err := store.SetWorldPoint(marker, frame, pt); err != nil {
				return nil, err
			}
		}
	}

	engine, err := label.NewEngine(store, cams, logger)
	if err != nil {
		return nil, err
	}
	for frame := 0; frame < nFrames; frame++ {
		for marker := 0; marker < nMarkers; marker++ {
			if err := engine.BackfillFromWorld(marker, frame); err != nil {
				return nil, err
			}
		}
		if err := store.DeriveStatuses(frame); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
