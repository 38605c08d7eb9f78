package label

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status classifies how one observation's 2-D position was obtained. The
// numeric values are the wire form used in session files.
type Status uint8

const (
	// Unlabeled means no usable position exists.
	Unlabeled Status = iota
	// Initialized means the position came from a prior (a loaded estimate or
	// a reprojection) and has not been touched by the user.
	Initialized
	// Labeled means the position was placed or moved by direct user
	// interaction.
	Labeled
	// Invisible means the user declared the keypoint not visible in this
	// view and frame; the position is forced absent and the observation is
	// excluded from triangulation.
	Invisible
)

// Eligible reports whether an observation with this status can contribute
// to triangulation.
func (s Status) Eligible() bool {
	return s == Initialized || s == Labeled
}

func (s Status) String() string {
	switch s {
	case Unlabeled:
		return "unlabeled"
	case Initialized:
		return "initialized"
	case Labeled:
		return "labeled"
	case Invisible:
		return "invisible"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// StatusFromInt converts the integer form found in session files.
func StatusFromInt(v int) (Status, error) {
	if v < int(Unlabeled) || v > int(Invisible) {
		return Unlabeled, errors.Errorf("invalid status value %d", v)
	}
	return Status(v), nil
}
