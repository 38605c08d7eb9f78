package calib

import (
	"github.com/pkg/errors"
)

// BrownConrady is the radial (k1..k3) plus tangential (p1, p2) lens
// distortion model. Transform operates on normalized image coordinates, the
// point already divided by depth but not yet scaled by the intrinsics.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewBrownConrady builds the model from the split coefficient lists of a
// calibration record: at least two radial terms (a missing k3 is zero) and
// either both or none of the tangential terms.
func NewBrownConrady(radial, tangential []float64) (*BrownConrady, error) {
	if len(radial) < 2 || len(radial) > 3 {
		return nil, NewInvalidCalibrationError(errors.Errorf("expected 2 or 3 radial distortion terms, got %d", len(radial)).Error())
	}
	if len(tangential) != 0 && len(tangential) != 2 {
		return nil, NewInvalidCalibrationError(errors.Errorf("expected 0 or 2 tangential distortion terms, got %d", len(tangential)).Error())
	}
	bc := &BrownConrady{RadialK1: radial[0], RadialK2: radial[1]}
	if len(radial) == 3 {
		bc.RadialK3 = radial[2]
	}
	if len(tangential) == 2 {
		bc.TangentialP1 = tangential[0]
		bc.TangentialP2 = tangential[1]
	}
	return bc, nil
}

// Parameters returns the coefficients as [k1 k2 k3 p1 p2].
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// IsZero reports whether the model is the identity (an undistorted camera).
func (bc *BrownConrady) IsZero() bool {
	if bc == nil {
		return true
	}
	return bc.RadialK1 == 0 && bc.RadialK2 == 0 && bc.RadialK3 == 0 &&
		bc.TangentialP1 == 0 && bc.TangentialP2 == 0
}

// Transform applies the forward distortion to a normalized point:
//
//	x_d = x·(1 + k1·r² + k2·r⁴ + k3·r⁶) + 2·p1·x·y + p2·(r² + 2·x²)
//	y_d = y·(1 + k1·r² + k2·r⁴ + k3·r⁶) + 2·p2·x·y + p1·(r² + 2·y²)
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := 1.0 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r6
	xd := x*radial + 2.0*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2.0*x*x)
	yd := y*radial + 2.0*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2.0*y*y)
	return xd, yd
}
