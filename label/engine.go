package label

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/camlab/label3d/calib"
	"github.com/camlab/label3d/triangulate"
	"github.com/camlab/label3d/utils"
)

// Engine drives the annotation workflow over a store and the session's
// cameras: recording clicks, the triangulate→reproject→restore cycle, and
// batch recomputation. Operations are synchronous; only RetriangulateAll
// fans out, and only across frames.
type Engine struct {
	store    *Store
	cams     []*calib.Camera
	logger   golog.Logger
	selected int
}

// NewEngine pairs a store with the session's resolved cameras. The camera
// count must match the store's camera dimension.
func NewEngine(store *Store, cams []*calib.Camera, logger golog.Logger) (*Engine, error) {
	_, nCams, _ := store.Dims()
	if len(cams) != nCams {
		return nil, errors.Errorf("store expects %d cameras, got %d", nCams, len(cams))
	}
	return &Engine{store: store, cams: cams, logger: logger, selected: -1}, nil
}

// Store returns the engine's correspondence store.
func (e *Engine) Store() *Store { return e.store }

// Cameras returns the session's cameras in store order.
func (e *Engine) Cameras() []*calib.Camera { return e.cams }

// HandleClick records a direct user click: the observation becomes Labeled
// and hand-labeled at the clicked pixel. A click overrides Invisible; the
// user just demonstrated the keypoint is visible there.
func (e *Engine) HandleClick(marker, cam, frame int, pixel r2.Point) error {
	if err := e.store.SetObservation(marker, cam, frame, pixel, Labeled); err != nil {
		return err
	}
	return e.store.SetHandLabeled(marker, cam, frame, true)
}

// Triangulate solves the marker's world point in a frame from its eligible
// cameras, then refreshes every other view from the result. At most one
// anchor camera may be named; its equations dominate the solve (the drag
// case). Raw clicks survive the refresh: the anchor and every hand-labeled
// eligible camera are restored verbatim after reprojection, then statuses
// are re-derived. Insufficient views and degenerate geometry fail without
// touching state, leaving any prior world point in place.
func (e *Engine) Triangulate(marker, frame int, anchor ...int) error {
	if len(anchor) > 1 {
		return errors.Errorf("at most one anchor camera, got %d", len(anchor))
	}
	return e.triangulateOne(marker, frame, false, anchor)
}

func (e *Engine) triangulateOne(marker, frame int, refine bool, anchors []int) error {
	eligible, err := e.store.EligibleCameras(marker, frame)
	if err != nil {
		return err
	}
	if len(eligible) < 2 {
		return errors.Wrapf(triangulate.ErrInsufficientViews,
			"marker %d frame %d has %d eligible cameras", marker, frame, len(eligible))
	}
	anchorView := -1
	for _, cam := range anchors {
		found := false
		for i, el := range eligible {
			if el == cam {
				anchorView = i
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("anchor camera %d has no eligible observation of marker %d frame %d", cam, marker, frame)
		}
	}

	views, err := e.viewsFor(marker, frame, eligible)
	if err != nil {
		return err
	}
	var pt r3.Vector
	if anchorView >= 0 {
		pt, err = triangulate.TriangulateAnchored(views, anchorView)
	} else {
		pt, err = triangulate.Triangulate(views)
	}
	if err != nil {
		return err
	}
	if refine {
		refined, err := triangulate.Refine(pt, views)
		if err != nil {
			e.logger.Debugw("refinement failed, keeping linear solution",
				"marker", marker, "frame", frame, "error", err)
		} else {
			pt = refined
		}
	}
	return e.commit(marker, frame, pt, anchors)
}

// viewsFor builds the solver input for the given cameras, undistorting each
// stored pixel. A non-converged undistortion falls back to the distorted
// pixel with a warning.
func (e *Engine) viewsFor(marker, frame int, cams []int) ([]triangulate.View, error) {
	views := make([]triangulate.View, 0, len(cams))
	for _, cam := range cams {
		obs, err := e.store.Observation(marker, cam, frame)
		if err != nil {
			return nil, err
		}
		pix, err := e.cams[cam].Undistort(obs.Position)
		if err != nil {
			if !errors.Is(err, calib.ErrUndistortionDidNotConverge) {
				return nil, err
			}
			e.logger.Warnw("undistortion did not converge, using distorted pixel",
				"camera", e.cams[cam].Name(), "marker", marker, "frame", frame)
			pix = obs.Position
		}
		views = append(views, triangulate.View{Camera: e.cams[cam], Pixel: pix})
	}
	return views, nil
}

// commit writes a solved world point and runs the reproject→restore→derive
// tail of the workflow.
func (e *Engine) commit(marker, frame int, pt r3.Vector, anchors []int) error {
	saved, err := e.snapshotProtected(marker, frame, anchors)
	if err != nil {
		return err
	}
	if err := e.store.SetWorldPoint(marker, frame, pt); err != nil {
		return err
	}
	if err := e.ReprojectAll(marker, frame); err != nil {
		return err
	}
	for cam, obs := range saved {
		*e.store.obsAt(marker, cam, frame) = obs
	}
	return e.store.DeriveMarkerStatuses(marker, frame)
}

// snapshotProtected captures the observations whose raw 2-D must survive
// reprojection: the anchors plus every hand-labeled eligible camera.
func (e *Engine) snapshotProtected(marker, frame int, anchors []int) (map[int]observation, error) {
	saved := make(map[int]observation)
	for _, cam := range anchors {
		saved[cam] = *e.store.obsAt(marker, cam, frame)
	}
	for cam := 0; cam < len(e.cams); cam++ {
		obs, err := e.store.Observation(marker, cam, frame)
		if err != nil {
			return nil, err
		}
		if obs.HandLabeled && obs.Status.Eligible() {
			saved[cam] = *e.store.obsAt(marker, cam, frame)
		}
	}
	return saved, nil
}

// ReprojectAll recomputes every camera's 2-D for one marker and frame from
// the current world point. Invisible views are skipped and stay absent;
// views the point falls behind are cleared to Unlabeled. A reprojected
// position becomes the new initial prior with status Initialized, and the
// hand-labeled flag drops since the machine produced the pixel. Without a
// world point this is a no-op.
func (e *Engine) ReprojectAll(marker, frame int) error {
	pt, ok, err := e.store.WorldPoint(marker, frame)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for cam := range e.cams {
		obs, err := e.store.Observation(marker, cam, frame)
		if err != nil {
			return err
		}
		if obs.Status == Invisible {
			continue
		}
		pix := e.cams[cam].Project(pt, true)
		if !finitePoint(pix) {
			if err := e.store.ClearObservation(marker, cam, frame); err != nil {
				return err
			}
			continue
		}
		if err := e.store.SetObservation(marker, cam, frame, pix, Initialized); err != nil {
			return err
		}
		if err := e.store.SetHandLabeled(marker, cam, frame, false); err != nil {
			return err
		}
		if err := e.store.SetInitial(marker, cam, frame, pix); err != nil {
			return err
		}
	}
	return nil
}

// BackfillFromWorld fills only the absent views of one marker and frame
// from its world point, leaving every existing observation and invisibility
// mark alone. Loaded sessions use this to resurrect 2-D for views the file
// did not carry. Without a world point this is a no-op.
func (e *Engine) BackfillFromWorld(marker, frame int) error {
	pt, ok, err := e.store.WorldPoint(marker, frame)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for cam := range e.cams {
		obs, err := e.store.Observation(marker, cam, frame)
		if err != nil {
			return err
		}
		if obs.Status != Unlabeled || obs.HasPosition {
			continue
		}
		pix := e.cams[cam].Project(pt, true)
		if !finitePoint(pix) {
			continue
		}
		if err := e.store.SetObservation(marker, cam, frame, pix, Initialized); err != nil {
			return err
		}
		if err := e.store.SetInitial(marker, cam, frame, pix); err != nil {
			return err
		}
	}
	return nil
}

// RetriangulateFrame recomputes the world point of every triangulatable
// marker in a frame through the full workflow. Markers with fewer than two
// eligible cameras keep their prior point; degenerate geometry keeps the
// prior point with a warning.
func (e *Engine) RetriangulateFrame(frame int, refine bool) error {
	nMarkers, _, _ := e.store.Dims()
	for marker := 0; marker < nMarkers; marker++ {
		err := e.triangulateOne(marker, frame, refine, nil)
		switch {
		case err == nil:
		case errors.Is(err, triangulate.ErrInsufficientViews):
		case errors.Is(err, triangulate.ErrDegenerateGeometry):
			e.logger.Warnw("degenerate geometry, keeping prior point", "marker", marker, "frame", frame)
		default:
			return err
		}
	}
	return nil
}

// RetriangulateAll runs RetriangulateFrame for every frame, fanned out
// across workers. Frames share no state, so this is the one safe
// parallelization boundary. Cancelling the context stops scheduling new
// frames; frames already being processed complete, so no frame is left
// partially written.
func (e *Engine) RetriangulateAll(ctx context.Context, refine bool) error {
	_, _, nFrames := e.store.Dims()
	fs := make([]utils.SimpleFunc, 0, nFrames)
	for frame := 0; frame < nFrames; frame++ {
		fs = append(fs, func(_ context.Context) error {
			return e.RetriangulateFrame(frame, refine)
		})
	}
	return utils.RunInParallel(ctx, fs)
}

// CameraResiduals summarizes, for one camera, the pixel disagreement
// between hand-labeled clicks and the reprojection of the world points they
// produced.
type CameraResiduals struct {
	Camera string
	Count  int
	Mean   float64
	Median float64
	Max    float64
}

// ResidualReport computes per-camera residual summaries across the whole
// session. Cameras without any hand-labeled observation of a triangulated
// marker report a zero count.
func (e *Engine) ResidualReport() ([]CameraResiduals, error) {
	nMarkers, nCams, nFrames := e.store.Dims()
	perCam := make([][]float64, nCams)
	for frame := 0; frame < nFrames; frame++ {
		for marker := 0; marker < nMarkers; marker++ {
			pt, ok, err := e.store.WorldPoint(marker, frame)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			for cam := 0; cam < nCams; cam++ {
				obs, err := e.store.Observation(marker, cam, frame)
				if err != nil {
					return nil, err
				}
				if !obs.HandLabeled || !obs.HasPosition {
					continue
				}
				proj := e.cams[cam].Project(pt, true)
				if !finitePoint(proj) {
					continue
				}
				perCam[cam] = append(perCam[cam], math.Hypot(proj.X-obs.Position.X, proj.Y-obs.Position.Y))
			}
		}
	}
	out := make([]CameraResiduals, nCams)
	for cam := range perCam {
		cr := CameraResiduals{Camera: e.cams[cam].Name(), Count: len(perCam[cam])}
		if cr.Count > 0 {
			var err error
			if cr.Mean, err = stats.Mean(perCam[cam]); err != nil {
				return nil, err
			}
			if cr.Median, err = stats.Median(perCam[cam]); err != nil {
				return nil, err
			}
			if cr.Max, err = stats.Max(perCam[cam]); err != nil {
				return nil, err
			}
		}
		out[cam] = cr
	}
	return out, nil
}
