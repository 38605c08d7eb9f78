package label

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// EventType represents the kind of UI gesture being dispatched to the engine.
type EventType string

// EventType list, mirroring the gestures of the annotation surface.
const (
	// Chooses the marker subsequent gestures apply to.
	SelectMarker EventType = "SelectMarker"
	// A click in one camera view, placing the selected marker.
	Click EventType = "Click"
	// Solves the selected marker's world point for the frame.
	Triangulate EventType = "Triangulate"
	// Refreshes every view of the selected marker from its world point.
	Reproject EventType = "Reproject"
	// Exchanges the two animals' markers in one camera view.
	SwapAnimals EventType = "SwapAnimals"
	// Flips the selected marker between invisible and unlabeled for the frame.
	ToggleInvisible EventType = "ToggleInvisible"
	// Moves selection to the next marker, wrapping at the end.
	Advance EventType = "Advance"
)

// Event is one gesture from the annotation surface. Fields beyond Type are
// read only where the gesture needs them: Marker for SelectMarker, Position
// for Click, Camera for Click and SwapAnimals, Frame for everything
// frame-bound.
type Event struct {
	Type     EventType
	Marker   int
	Camera   int
	Frame    int
	Position r2.Point
}

// SelectedMarker returns the marker subsequent gestures apply to, or -1
// when nothing is selected yet.
func (e *Engine) SelectedMarker() int { return e.selected }

// Handle dispatches one gesture. Gestures other than SelectMarker and
// Advance require a selected marker. Unknown event types are rejected.
func (e *Engine) Handle(ev Event) error {
	nMarkers, _, _ := e.store.Dims()
	switch ev.Type {
	case SelectMarker:
		if ev.Marker < 0 || ev.Marker >= nMarkers {
			return errors.Wrapf(ErrInvalidRange, "marker %d of %d", ev.Marker, nMarkers)
		}
		e.selected = ev.Marker
		return nil
	case Advance:
		e.selected = (e.selected + 1) % nMarkers
		return nil
	case SwapAnimals:
		return e.store.SwapAnimalsDefault(ev.Camera, ev.Frame)
	}

	if e.selected < 0 {
		return errors.Errorf("no marker selected for %s event", ev.Type)
	}
	switch ev.Type {
	case Click:
		return e.HandleClick(e.selected, ev.Camera, ev.Frame, ev.Position)
	case Triangulate:
		return e.Triangulate(e.selected, ev.Frame)
	case Reproject:
		return e.ReprojectAll(e.selected, ev.Frame)
	case ToggleInvisible:
		return e.toggleInvisible(e.selected, ev.Frame)
	default:
		return errors.Errorf("unknown event type %q", ev.Type)
	}
}

// toggleInvisible marks the marker invisible, or clears the mark if any
// camera already carries it.
func (e *Engine) toggleInvisible(marker, frame int) error {
	for cam := range e.cams {
		obs, err := e.store.Observation(marker, cam, frame)
		if err != nil {
			return err
		}
		if obs.Status == Invisible {
			return e.store.ClearInvisible(marker, frame)
		}
	}
	return e.store.MarkInvisible(marker, frame)
}
