package calib

import (
	"github.com/pkg/errors"
)

// ErrUndistortionDidNotConverge is returned when the iterative inverse of the
// distortion model fails to reach tolerance within the iteration bound. It is
// recoverable; callers fall back to the distorted coordinate.
var ErrUndistortionDidNotConverge = errors.New("undistortion did not converge")

const (
	// undistortMaxIterations bounds the Newton-Raphson solve.
	undistortMaxIterations = 25
	// undistortTolerance is the convergence threshold on the normalized
	// residual; at typical focal lengths this is far below a hundredth of a
	// pixel.
	undistortTolerance = 1e-10
)

// Invert solves the forward model for the undistorted normalized point that
// maps to (xd, yd), using Newton-Raphson with the analytic Jacobian of
// Transform. The forward polynomial has no closed-form inverse.
func (bc *BrownConrady) Invert(xd, yd float64) (float64, float64, error) {
	if bc.IsZero() {
		return xd, yd, nil
	}

	// The distorted point is a good starting guess for narrow-field lenses.
	xu, yu := xd, yd

	for i := 0; i < undistortMaxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2

		xdEst, ydEst := bc.Transform(xu, yu)
		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < undistortTolerance*undistortTolerance {
			return xu, yu, nil
		}

		radial := 1.0 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r4*r2
		dRadialDxu := 2.0 * xu * (bc.RadialK1 + 2.0*bc.RadialK2*r2 + 3.0*bc.RadialK3*r4)
		dRadialDyu := 2.0 * yu * (bc.RadialK1 + 2.0*bc.RadialK2*r2 + 3.0*bc.RadialK3*r4)

		j00 := radial + xu*dRadialDxu + 2.0*bc.TangentialP1*yu + 6.0*bc.TangentialP2*xu
		j01 := xu*dRadialDyu + 2.0*bc.TangentialP1*xu + 2.0*bc.TangentialP2*yu
		j10 := yu*dRadialDxu + 2.0*bc.TangentialP2*yu + 2.0*bc.TangentialP1*xu
		j11 := radial + yu*dRadialDyu + 2.0*bc.TangentialP2*xu + 6.0*bc.TangentialP1*yu

		det := j00*j11 - j01*j10
		if det == 0 {
			break
		}
		xu -= (j11*errX - j01*errY) / det
		yu -= (-j10*errX + j00*errY) / det
	}

	// Report the best estimate along with the failure so callers can choose
	// their fallback.
	return xu, yu, errors.Wrapf(ErrUndistortionDidNotConverge,
		"point (%v, %v) after %d iterations", xd, yd, undistortMaxIterations)
}
