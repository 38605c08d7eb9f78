// Package triangulate recovers world points from multi-view pixel
// observations with the direct linear transform. An anchored variant lets a
// single view dominate the fit, and a nonlinear polish can tighten the
// linear solution against the true geometric reprojection error.
package triangulate

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/camlab/label3d/calib"
)

// ErrInsufficientViews is returned when fewer than two views are given;
// one ray does not determine a point.
var ErrInsufficientViews = errors.New("triangulation requires at least two views")

// ErrDegenerateGeometry is returned when the stacked system has no usable
// solution, for example when all camera rays are parallel and the point sits
// at infinity. Callers keep whatever prior point they had.
var ErrDegenerateGeometry = errors.New("degenerate triangulation geometry")

const (
	// anchorReplication is the number of times the anchor view's equation
	// pair is repeated in the stacked system. A fixed replication factor, not
	// a per-observation weight.
	anchorReplication = 100
	// homogeneousTolerance is the threshold under which the homogeneous
	// coordinate of the solution counts as a point at infinity.
	homogeneousTolerance = 1e-9
	// rankTolerance is the near-zero condition threshold for the rank check.
	rankTolerance = 1e-15
)

// View pairs a camera with a pixel observation of one marker. Pixels must
// already be undistorted; the linear model carries no distortion term.
type View struct {
	Camera *calib.Camera
	Pixel  r2.Point
}

// Triangulate solves for the world point minimizing the algebraic
// reprojection error across all views. Each view contributes the two
// equations u·P₂-P₀ and v·P₂-P₁ of its projection matrix P; the stacked
// homogeneous system is solved by SVD and dehomogenized.
func Triangulate(views []View) (r3.Vector, error) {
	return solve(views, -1)
}

// TriangulateAnchored is Triangulate with the anchor view's equations
// replicated so the solution tracks that view, used while the observation in
// one view is being dragged and should dominate.
func TriangulateAnchored(views []View, anchor int) (r3.Vector, error) {
	if anchor < 0 || anchor >= len(views) {
		return r3.Vector{}, errors.Errorf("anchor index %d out of range for %d views", anchor, len(views))
	}
	return solve(views, anchor)
}

func solve(views []View, anchor int) (r3.Vector, error) {
	if len(views) < 2 {
		return r3.Vector{}, errors.Wrapf(ErrInsufficientViews, "got %d", len(views))
	}
	nRows := 2 * len(views)
	if anchor >= 0 {
		nRows += 2 * (anchorReplication - 1)
	}
	a := mat.NewDense(nRows, 4, nil)
	row := 0
	for i, v := range views {
		p := v.Camera.ProjectionMatrix()
		repeat := 1
		if i == anchor {
			repeat = anchorReplication
		}
		for n := 0; n < repeat; n++ {
			for j := 0; j < 4; j++ {
				a.Set(row, j, v.Pixel.X*p.At(2, j)-p.At(0, j))
				a.Set(row+1, j, v.Pixel.Y*p.At(2, j)-p.At(1, j))
			}
			row += 2
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, errors.Wrap(ErrDegenerateGeometry, "failed to factorize stacked system")
	}
	if svd.Rank(rankTolerance) == 0 {
		return r3.Vector{}, errors.Wrap(ErrDegenerateGeometry, "zero rank system")
	}
	var v mat.Dense
	svd.VTo(&v)
	// The right singular vector of the smallest singular value is the
	// homogeneous solution.
	w := v.At(3, 3)
	if math.Abs(w) < homogeneousTolerance {
		return r3.Vector{}, errors.Wrap(ErrDegenerateGeometry, "solution at infinity")
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, nil
}
