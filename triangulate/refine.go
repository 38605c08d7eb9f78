package triangulate

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"
)

// Residuals returns the per-view reprojection error in pixels for a world
// point: the distance between the observed pixel and the point's
// undistorted projection. A view the point sits behind gets a NaN residual.
func Residuals(pt r3.Vector, views []View) []float64 {
	res := make([]float64, len(views))
	for i, v := range views {
		proj := v.Camera.Project(pt, false)
		res[i] = math.Hypot(proj.X-v.Pixel.X, proj.Y-v.Pixel.Y)
	}
	return res
}

// Refine polishes a linear solution by minimizing the summed squared
// reprojection error with Nelder-Mead. The algebraic minimum of the DLT is
// close to, but not exactly, the geometric one. On failure the input point
// comes back unchanged with the error.
func Refine(pt r3.Vector, views []View) (r3.Vector, error) {
	if len(views) < 2 {
		return pt, errors.Wrapf(ErrInsufficientViews, "got %d", len(views))
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			cand := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
			var sum float64
			for _, v := range views {
				proj := v.Camera.Project(cand, false)
				if math.IsNaN(proj.X) {
					// Candidate moved behind a camera.
					return math.Inf(1)
				}
				dx := proj.X - v.Pixel.X
				dy := proj.Y - v.Pixel.Y
				sum += dx*dx + dy*dy
			}
			return sum
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 10000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 50,
		},
	}
	result, err := optimize.Minimize(problem, []float64{pt.X, pt.Y, pt.Z}, settings, &optimize.NelderMead{})
	if err != nil {
		return pt, errors.Wrap(err, "nonlinear refinement failed")
	}
	if err := result.Status.Err(); err != nil {
		return pt, errors.Wrap(err, "nonlinear refinement did not converge")
	}
	return r3.Vector{X: result.X[0], Y: result.X[1], Z: result.X[2]}, nil
}
