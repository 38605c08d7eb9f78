// Package video provides frame-indexed access to the per-camera footage
// behind a labeling session.
package video

import "image"

// Source serves decoded frames for the camera views of a session. Frame
// indices are 0-based positions on the session's frame axis, not original
// video frame ids.
type Source interface {
	// Views returns the number of camera views.
	Views() int
	// Frames returns the number of frames available in every view.
	Frames() int
	// Frame returns the decoded image for one view of one frame.
	Frame(view, frame int) (image.Image, error)
}
