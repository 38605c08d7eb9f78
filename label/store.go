// Package label maintains the authoritative correspondence state of an
// annotation session: per (marker, camera, frame) 2-D observations carrying
// a provenance status, per (marker, frame) triangulated world points, and
// the workflow operations that keep the two consistent.
package label

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/camlab/label3d/utils"
)

// ErrInvalidRange is returned when an index or marker range lies outside the
// store's dimensions. The request is rejected before any state changes.
var ErrInvalidRange = errors.New("invalid index range")

// statusTolerancePlaces is the decimal rounding applied before comparing a
// current position against its initial prior, absorbing float noise from
// projection round trips.
const statusTolerancePlaces = 3

type observation struct {
	pos         r2.Point
	hasPos      bool
	initial     r2.Point
	hasInitial  bool
	status      Status
	handLabeled bool
}

// frameState is the per-frame arena slice. Frames share nothing, so distinct
// frames can be processed concurrently; access within one frame must stay
// serialized.
type frameState struct {
	obs      []observation // cameras × markers, camera-major
	world    []r3.Vector
	hasWorld []bool
}

// Observation is the read view of one (marker, camera, frame) slot.
type Observation struct {
	Position    r2.Point
	HasPosition bool
	Status      Status
	HandLabeled bool
}

// Store is the single source of truth for annotation state. All indices are
// 0-based; session files that count from 1 are converted at the boundary.
type Store struct {
	nMarkers int
	nCams    int
	nFrames  int
	nAnimals int
	frames   []frameState
}

// NewStore allocates an empty store. Every observation starts Unlabeled and
// every world point absent. nMarkers must split evenly across nAnimals.
func NewStore(nMarkers, nCams, nFrames, nAnimals int) (*Store, error) {
	if nMarkers <= 0 || nCams <= 0 || nFrames <= 0 || nAnimals <= 0 {
		return nil, errors.Wrapf(ErrInvalidRange,
			"dimensions must be positive, got %d markers, %d cameras, %d frames, %d animals",
			nMarkers, nCams, nFrames, nAnimals)
	}
	if nMarkers%nAnimals != 0 {
		return nil, errors.Wrapf(ErrInvalidRange,
			"%d markers cannot split evenly across %d animals", nMarkers, nAnimals)
	}
	frames := make([]frameState, nFrames)
	for i := range frames {
		frames[i] = frameState{
			obs:      make([]observation, nCams*nMarkers),
			world:    make([]r3.Vector, nMarkers),
			hasWorld: make([]bool, nMarkers),
		}
	}
	return &Store{
		nMarkers: nMarkers,
		nCams:    nCams,
		nFrames:  nFrames,
		nAnimals: nAnimals,
		frames:   frames,
	}, nil
}

// Dims returns the marker, camera and frame counts.
func (s *Store) Dims() (nMarkers, nCams, nFrames int) {
	return s.nMarkers, s.nCams, s.nFrames
}

// Animals returns the animal count of the session.
func (s *Store) Animals() int { return s.nAnimals }

// MarkersPerAnimal returns the size of one animal's contiguous marker block.
func (s *Store) MarkersPerAnimal() int { return s.nMarkers / s.nAnimals }

func (s *Store) checkMarkerFrame(marker, frame int) error {
	if marker < 0 || marker >= s.nMarkers {
		return errors.Wrapf(ErrInvalidRange, "marker %d of %d", marker, s.nMarkers)
	}
	if frame < 0 || frame >= s.nFrames {
		return errors.Wrapf(ErrInvalidRange, "frame %d of %d", frame, s.nFrames)
	}
	return nil
}

func (s *Store) checkIndex(marker, cam, frame int) error {
	if err := s.checkMarkerFrame(marker, frame); err != nil {
		return err
	}
	if cam < 0 || cam >= s.nCams {
		return errors.Wrapf(ErrInvalidRange, "camera %d of %d", cam, s.nCams)
	}
	return nil
}

func (s *Store) obsAt(marker, cam, frame int) *observation {
	return &s.frames[frame].obs[cam*s.nMarkers+marker]
}

func finitePoint(p r2.Point) bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

func finiteVector(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// Observation returns the current state of one slot.
func (s *Store) Observation(marker, cam, frame int) (Observation, error) {
	if err := s.checkIndex(marker, cam, frame); err != nil {
		return Observation{}, err
	}
	o := s.obsAt(marker, cam, frame)
	return Observation{
		Position:    o.pos,
		HasPosition: o.hasPos,
		Status:      o.status,
		HandLabeled: o.handLabeled,
	}, nil
}

// SetObservation stores a position and status. An eligible status requires a
// finite position; Unlabeled and Invisible force the position absent and
// drop the hand-labeled flag. The initial prior is untouched.
func (s *Store) SetObservation(marker, cam, frame int, pos r2.Point, status Status) error {
	if err := s.checkIndex(marker, cam, frame); err != nil {
		return err
	}
	o := s.obsAt(marker, cam, frame)
	if status.Eligible() {
		if !finitePoint(pos) {
			return errors.Errorf("status %v requires a finite position, got (%v, %v)", status, pos.X, pos.Y)
		}
		o.pos = pos
		o.hasPos = true
	} else {
		o.pos = r2.Point{}
		o.hasPos = false
		o.handLabeled = false
	}
	o.status = status
	return nil
}

// ClearObservation resets one slot to Unlabeled with no position. The
// initial prior survives; observations are reset, never destroyed.
func (s *Store) ClearObservation(marker, cam, frame int) error {
	return s.SetObservation(marker, cam, frame, r2.Point{}, Unlabeled)
}

// SetHandLabeled marks whether the current position came from direct user
// interaction. Setting it requires a present position.
func (s *Store) SetHandLabeled(marker, cam, frame int, handLabeled bool) error {
	if err := s.checkIndex(marker, cam, frame); err != nil {
		return err
	}
	o := s.obsAt(marker, cam, frame)
	if handLabeled && !o.hasPos {
		return errors.Errorf("cannot hand-label marker %d camera %d frame %d without a position", marker, cam, frame)
	}
	o.handLabeled = handLabeled
	return nil
}

// SetInitial records the prior position that status derivation compares
// against: the loaded estimate or the latest reprojection.
func (s *Store) SetInitial(marker, cam, frame int, pos r2.Point) error {
	if err := s.checkIndex(marker, cam, frame); err != nil {
		return err
	}
	if !finitePoint(pos) {
		return errors.Errorf("initial position must be finite, got (%v, %v)", pos.X, pos.Y)
	}
	o := s.obsAt(marker, cam, frame)
	o.initial = pos
	o.hasInitial = true
	return nil
}

// Initial returns the stored prior position, if any.
func (s *Store) Initial(marker, cam, frame int) (r2.Point, bool, error) {
	if err := s.checkIndex(marker, cam, frame); err != nil {
		return r2.Point{}, false, err
	}
	o := s.obsAt(marker, cam, frame)
	return o.initial, o.hasInitial, nil
}

// MarkInvisible declares the marker not visible in this frame: every
// camera's observation becomes Invisible with its position cleared.
func (s *Store) MarkInvisible(marker, frame int) error {
	if err := s.checkMarkerFrame(marker, frame); err != nil {
		return err
	}
	for cam := 0; cam < s.nCams; cam++ {
		o := s.obsAt(marker, cam, frame)
		o.pos = r2.Point{}
		o.hasPos = false
		o.handLabeled = false
		o.status = Invisible
	}
	return nil
}

// ClearInvisible lifts an invisibility declaration: every Invisible
// observation of the marker in this frame returns to Unlabeled. Positions
// stay absent; nothing is promoted back to Labeled or Initialized.
func (s *Store) ClearInvisible(marker, frame int) error {
	if err := s.checkMarkerFrame(marker, frame); err != nil {
		return err
	}
	for cam := 0; cam < s.nCams; cam++ {
		o := s.obsAt(marker, cam, frame)
		if o.status == Invisible {
			o.status = Unlabeled
		}
	}
	return nil
}

// EligibleCameras returns, in ascending order, the cameras whose observation
// of the marker in this frame can contribute to triangulation.
func (s *Store) EligibleCameras(marker, frame int) ([]int, error) {
	if err := s.checkMarkerFrame(marker, frame); err != nil {
		return nil, err
	}
	var cams []int
	for cam := 0; cam < s.nCams; cam++ {
		if s.obsAt(marker, cam, frame).status.Eligible() {
			cams = append(cams, cam)
		}
	}
	return cams, nil
}

// DeriveStatus recomputes and applies the status of one slot from its
// current and initial positions: Unlabeled without a position, Labeled when
// there is no prior or the position moved beyond the rounding tolerance,
// Initialized otherwise. Invisible is sticky and left untouched.
func (s *Store) DeriveStatus(marker, cam, frame int) (Status, error) {
	if err := s.checkIndex(marker, cam, frame); err != nil {
		return Unlabeled, err
	}
	o := s.obsAt(marker, cam, frame)
	if o.status == Invisible {
		return Invisible, nil
	}
	if !o.hasPos {
		o.status = Unlabeled
		o.handLabeled = false
		return Unlabeled, nil
	}
	if !o.hasInitial ||
		!utils.SameRounded(o.pos.X, o.initial.X, statusTolerancePlaces) ||
		!utils.SameRounded(o.pos.Y, o.initial.Y, statusTolerancePlaces) {
		o.status = Labeled
		return Labeled, nil
	}
	o.status = Initialized
	return Initialized, nil
}

// DeriveMarkerStatuses re-derives every camera's status for one marker and
// frame.
func (s *Store) DeriveMarkerStatuses(marker, frame int) error {
	if err := s.checkMarkerFrame(marker, frame); err != nil {
		return err
	}
	for cam := 0; cam < s.nCams; cam++ {
		if _, err := s.DeriveStatus(marker, cam, frame); err != nil {
			return err
		}
	}
	return nil
}

// DeriveStatuses re-derives every non-Invisible observation of a frame.
func (s *Store) DeriveStatuses(frame int) error {
	if frame < 0 || frame >= s.nFrames {
		return errors.Wrapf(ErrInvalidRange, "frame %d of %d", frame, s.nFrames)
	}
	for marker := 0; marker < s.nMarkers; marker++ {
		if err := s.DeriveMarkerStatuses(marker, frame); err != nil {
			return err
		}
	}
	return nil
}

// SetWorldPoint stores the triangulated position of a marker in a frame.
func (s *Store) SetWorldPoint(marker, frame int, pt r3.Vector) error {
	if err := s.checkMarkerFrame(marker, frame); err != nil {
		return err
	}
	if !finiteVector(pt) {
		return errors.Errorf("world point must be finite, got (%v, %v, %v)", pt.X, pt.Y, pt.Z)
	}
	fs := &s.frames[frame]
	fs.world[marker] = pt
	fs.hasWorld[marker] = true
	return nil
}

// WorldPoint returns the triangulated position of a marker in a frame, if
// one exists.
func (s *Store) WorldPoint(marker, frame int) (r3.Vector, bool, error) {
	if err := s.checkMarkerFrame(marker, frame); err != nil {
		return r3.Vector{}, false, err
	}
	fs := &s.frames[frame]
	return fs.world[marker], fs.hasWorld[marker], nil
}

// ClearWorldPoint drops the triangulated position of a marker in a frame.
func (s *Store) ClearWorldPoint(marker, frame int) error {
	if err := s.checkMarkerFrame(marker, frame); err != nil {
		return err
	}
	fs := &s.frames[frame]
	fs.world[marker] = r3.Vector{}
	fs.hasWorld[marker] = false
	return nil
}
