package label

import "github.com/pkg/errors"

// ErrUnsupportedAnimalCount is returned by identity correction when the
// session does not have exactly two animals; with more, the caller must
// choose the two marker spans itself and the default block split is
// ambiguous.
var ErrUnsupportedAnimalCount = errors.New("identity correction requires exactly two animals")

// Span is a contiguous half-open block of marker indices.
type Span struct {
	Start int
	End   int
}

// Len returns the number of markers in the span.
func (sp Span) Len() int { return sp.End - sp.Start }

func (sp Span) overlaps(other Span) bool {
	return sp.Start < other.End && other.Start < sp.End
}

// SwapAnimals exchanges, for one camera and frame only, the full observation
// tuple of every marker in span a with the marker at the same offset in span
// b. World points and every other camera are untouched; the caller is
// expected to re-triangulate afterward so 3-D and the other views catch up.
// The request is validated in full before any state changes, so a failed
// swap mutates nothing.
func (s *Store) SwapAnimals(cam, frame int, a, b Span) error {
	if cam < 0 || cam >= s.nCams {
		return errors.Wrapf(ErrInvalidRange, "camera %d of %d", cam, s.nCams)
	}
	if frame < 0 || frame >= s.nFrames {
		return errors.Wrapf(ErrInvalidRange, "frame %d of %d", frame, s.nFrames)
	}
	if s.nAnimals != 2 {
		return errors.Wrapf(ErrUnsupportedAnimalCount, "session has %d animals", s.nAnimals)
	}
	if a.Len() != b.Len() {
		return errors.Wrapf(ErrInvalidRange, "span lengths differ, %d vs %d", a.Len(), b.Len())
	}
	for _, sp := range []Span{a, b} {
		if sp.Len() <= 0 || sp.Start < 0 || sp.End > s.nMarkers {
			return errors.Wrapf(ErrInvalidRange, "span [%d, %d) of %d markers", sp.Start, sp.End, s.nMarkers)
		}
	}
	if a.overlaps(b) {
		return errors.Wrapf(ErrInvalidRange, "spans [%d, %d) and [%d, %d) overlap", a.Start, a.End, b.Start, b.End)
	}
	for i := 0; i < a.Len(); i++ {
		oa := s.obsAt(a.Start+i, cam, frame)
		ob := s.obsAt(b.Start+i, cam, frame)
		*oa, *ob = *ob, *oa
	}
	return nil
}

// SwapAnimalsDefault swaps the two animals' contiguous marker blocks for
// one camera and frame.
func (s *Store) SwapAnimalsDefault(cam, frame int) error {
	half := s.nMarkers / 2
	return s.SwapAnimals(cam, frame, Span{0, half}, Span{half, s.nMarkers})
}
