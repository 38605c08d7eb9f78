// Package calib models the calibrated cameras of a multi-view recording rig:
// raw calibration records as they appear in session files, the canonical
// in-memory pose form, perspective projection with Brown-Conrady lens
// distortion, and iterative undistortion.
package calib

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidCalibration is returned when a raw calibration record cannot be
// resolved into a usable camera.
var ErrInvalidCalibration = errors.New("invalid camera calibration")

// NewInvalidCalibrationError annotates ErrInvalidCalibration with the reason
// the record was rejected.
func NewInvalidCalibrationError(msg string) error {
	return errors.Wrap(ErrInvalidCalibration, msg)
}

const (
	// skewTolerance bounds the intrinsic matrix entries that must be zero
	// (skew and the off-layout principal point slots).
	skewTolerance = 1e-3
	// detTolerance bounds |det(R) - 1| for the rotation of a record.
	detTolerance = 1e-3
)

// Camera is an immutable calibrated camera in the canonical column-vector
// convention: a world point X maps into the camera frame as R·X + t, with R
// rotating world into camera coordinates. This is the single place the
// row-vector heritage of session records is resolved; no other code should
// re-derive pose conventions.
type Camera struct {
	name           string
	fx, fy, cx, cy float64
	width, height  int
	dist           *BrownConrady
	rot            *mat.Dense // 3×3 world→camera
	trans          r3.Vector
}

// NewCamera resolves a raw session-format record (see CameraRecord for the
// stored layout) into a canonical Camera.
func NewCamera(rec CameraRecord) (*Camera, error) {
	if err := rec.CheckValid(); err != nil {
		return nil, err
	}
	dist, err := NewBrownConrady(rec.RDistort, rec.TDistort)
	if err != nil {
		return nil, err
	}
	// The record keeps K transposed (principal point in the bottom row) and
	// the rotation in row-vector form; both resolve by transposition.
	rot := mat.NewDense(3, 3, []float64{
		rec.R[0][0], rec.R[1][0], rec.R[2][0],
		rec.R[0][1], rec.R[1][1], rec.R[2][1],
		rec.R[0][2], rec.R[1][2], rec.R[2][2],
	})
	cam := &Camera{
		name:   rec.Name,
		fx:     rec.K[0][0],
		fy:     rec.K[1][1],
		cx:     rec.K[2][0],
		cy:     rec.K[2][1],
		width:  rec.ImageSize[1],
		height: rec.ImageSize[0],
		dist:   dist,
		rot:    rot,
		trans:  r3.Vector{X: rec.T[0], Y: rec.T[1], Z: rec.T[2]},
	}
	if err := cam.checkRotation(); err != nil {
		return nil, err
	}
	return cam, nil
}

// NewCameraFromOpenCV builds a Camera from calibration output already in the
// standard column-vector convention: k with the principal point in the last
// column, r mapping world into camera coordinates, t a column translation.
func NewCameraFromOpenCV(name string, k, r [3][3]float64, t [3]float64, radial, tangential []float64, width, height int) (*Camera, error) {
	if math.Abs(k[0][1]) > skewTolerance || math.Abs(k[1][0]) > skewTolerance {
		return nil, NewInvalidCalibrationError("intrinsic matrix has nonzero skew")
	}
	if math.Abs(k[2][0]) > skewTolerance || math.Abs(k[2][1]) > skewTolerance || math.Abs(k[2][2]-1) > skewTolerance {
		return nil, NewInvalidCalibrationError("intrinsic matrix bottom row must be [0 0 1]")
	}
	if k[0][0] <= 0 || k[1][1] <= 0 {
		return nil, NewInvalidCalibrationError("focal lengths must be positive")
	}
	if width <= 0 || height <= 0 {
		return nil, NewInvalidCalibrationError("image size must be positive")
	}
	dist, err := NewBrownConrady(radial, tangential)
	if err != nil {
		return nil, err
	}
	cam := &Camera{
		name:   name,
		fx:     k[0][0],
		fy:     k[1][1],
		cx:     k[0][2],
		cy:     k[1][2],
		width:  width,
		height: height,
		dist:   dist,
		rot: mat.NewDense(3, 3, []float64{
			r[0][0], r[0][1], r[0][2],
			r[1][0], r[1][1], r[1][2],
			r[2][0], r[2][1], r[2][2],
		}),
		trans: r3.Vector{X: t[0], Y: t[1], Z: t[2]},
	}
	if err := cam.checkRotation(); err != nil {
		return nil, err
	}
	return cam, nil
}

func (c *Camera) checkRotation() error {
	if math.Abs(mat.Det(c.rot)-1) > detTolerance {
		return NewInvalidCalibrationError("rotation determinant is not +1")
	}
	return nil
}

// Name returns the camera name from the calibration record.
func (c *Camera) Name() string { return c.name }

// Width returns the image width in pixels.
func (c *Camera) Width() int { return c.width }

// Height returns the image height in pixels.
func (c *Camera) Height() int { return c.height }

// Distortion returns the lens distortion model of this camera.
func (c *Camera) Distortion() *BrownConrady { return c.dist }

// Intrinsics returns the focal lengths and principal point in pixels.
func (c *Camera) Intrinsics() (fx, fy, cx, cy float64) {
	return c.fx, c.fy, c.cx, c.cy
}

// Project maps a world point to pixel coordinates. Distortion is applied in
// normalized image coordinates before the intrinsic scaling when requested.
// Points on or behind the camera plane project to NaN pixels.
func (c *Camera) Project(pt r3.Vector, applyDistortion bool) r2.Point {
	xc := c.rot.At(0, 0)*pt.X + c.rot.At(0, 1)*pt.Y + c.rot.At(0, 2)*pt.Z + c.trans.X
	yc := c.rot.At(1, 0)*pt.X + c.rot.At(1, 1)*pt.Y + c.rot.At(1, 2)*pt.Z + c.trans.Y
	zc := c.rot.At(2, 0)*pt.X + c.rot.At(2, 1)*pt.Y + c.rot.At(2, 2)*pt.Z + c.trans.Z
	if zc <= 0 || math.IsNaN(zc) {
		return r2.Point{X: math.NaN(), Y: math.NaN()}
	}
	x := xc / zc
	y := yc / zc
	if applyDistortion {
		x, y = c.dist.Transform(x, y)
	}
	return r2.Point{X: x*c.fx + c.cx, Y: y*c.fy + c.cy}
}

// WorldPose returns the world-from-camera rotation Rᵀ and the camera center
// -Rᵀ·t in world coordinates.
func (c *Camera) WorldPose() (*mat.Dense, r3.Vector) {
	rw := mat.NewDense(3, 3, nil)
	rw.CloneFrom(c.rot.T())
	center := r3.Vector{
		X: -(rw.At(0, 0)*c.trans.X + rw.At(0, 1)*c.trans.Y + rw.At(0, 2)*c.trans.Z),
		Y: -(rw.At(1, 0)*c.trans.X + rw.At(1, 1)*c.trans.Y + rw.At(1, 2)*c.trans.Z),
		Z: -(rw.At(2, 0)*c.trans.X + rw.At(2, 1)*c.trans.Y + rw.At(2, 2)*c.trans.Z),
	}
	return rw, center
}

// ProjectionMatrix returns the 3×4 matrix K[R|t] used by the linear
// triangulation solver. Distortion is not part of the linear model; pixels
// fed to the solver must already be undistorted.
func (c *Camera) ProjectionMatrix() *mat.Dense {
	k := mat.NewDense(3, 3, []float64{
		c.fx, 0, c.cx,
		0, c.fy, c.cy,
		0, 0, 1,
	})
	rt := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, c.rot.At(i, j))
		}
	}
	rt.Set(0, 3, c.trans.X)
	rt.Set(1, 3, c.trans.Y)
	rt.Set(2, 3, c.trans.Z)
	p := mat.NewDense(3, 4, nil)
	p.Mul(k, rt)
	return p
}

// Undistort maps a distorted pixel to its undistorted pixel position by
// inverting the distortion model iteratively. On ErrUndistortionDidNotConverge
// the returned point is the best estimate; callers typically log and fall
// back to the distorted coordinate.
func (c *Camera) Undistort(pt r2.Point) (r2.Point, error) {
	xn := (pt.X - c.cx) / c.fx
	yn := (pt.Y - c.cy) / c.fy
	xu, yu, err := c.dist.Invert(xn, yn)
	return r2.Point{X: xu*c.fx + c.cx, Y: yu*c.fy + c.cy}, err
}
