package triangulate

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/camlab/label3d/calib"
)

// testRig builds three undistorted cameras a meter from the origin looking
// along +z, +x and +y.
func testRig(t *testing.T) []*calib.Camera {
	t.Helper()
	k := [3][3]float64{{1000, 0, 320}, {0, 1000, 240}, {0, 0, 1}}
	configs := []struct {
		name string
		r    [3][3]float64
	}{
		{"front", [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}},
		{"side", [3][3]float64{{0, 0, -1}, {0, 1, 0}, {1, 0, 0}}},
		{"below", [3][3]float64{{1, 0, 0}, {0, 0, -1}, {0, 1, 0}}},
	}
	cams := make([]*calib.Camera, 0, len(configs))
	for _, cfg := range configs {
		cam, err := calib.NewCameraFromOpenCV(cfg.name, k, cfg.r, [3]float64{0, 0, 1000}, []float64{0, 0}, nil, 640, 480)
		test.That(t, err, test.ShouldBeNil)
		cams = append(cams, cam)
	}
	return cams
}

func viewsOf(cams []*calib.Camera, world r3.Vector) []View {
	views := make([]View, 0, len(cams))
	for _, cam := range cams {
		views = append(views, View{Camera: cam, Pixel: cam.Project(world, false)})
	}
	return views
}

func TestTriangulateRecoversPoint(t *testing.T) {
	cams := testRig(t)
	world := r3.Vector{X: 37, Y: -21, Z: 55}

	got, err := Triangulate(viewsOf(cams, world))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.X, test.ShouldAlmostEqual, world.X, 1e-6)
	test.That(t, got.Y, test.ShouldAlmostEqual, world.Y, 1e-6)
	test.That(t, got.Z, test.ShouldAlmostEqual, world.Z, 1e-6)

	// Two views are already enough.
	got, err = Triangulate(viewsOf(cams[:2], world))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.X, test.ShouldAlmostEqual, world.X, 1e-6)
	test.That(t, got.Y, test.ShouldAlmostEqual, world.Y, 1e-6)
	test.That(t, got.Z, test.ShouldAlmostEqual, world.Z, 1e-6)
}

func TestTriangulateInsufficientViews(t *testing.T) {
	cams := testRig(t)
	world := r3.Vector{X: 10, Y: 10, Z: 10}

	_, err := Triangulate(nil)
	test.That(t, errors.Is(err, ErrInsufficientViews), test.ShouldBeTrue)
	_, err = Triangulate(viewsOf(cams[:1], world))
	test.That(t, errors.Is(err, ErrInsufficientViews), test.ShouldBeTrue)
}

func TestTriangulateParallelRays(t *testing.T) {
	// Two cameras offset sideways, both claiming the marker sits exactly on
	// their optical axis: the rays are parallel and meet at infinity.
	k := [3][3]float64{{1000, 0, 320}, {0, 1000, 240}, {0, 0, 1}}
	ident := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	camA, err := calib.NewCameraFromOpenCV("a", k, ident, [3]float64{0, 0, 0}, []float64{0, 0}, nil, 640, 480)
	test.That(t, err, test.ShouldBeNil)
	camB, err := calib.NewCameraFromOpenCV("b", k, ident, [3]float64{-100, 0, 0}, []float64{0, 0}, nil, 640, 480)
	test.That(t, err, test.ShouldBeNil)

	axis := r2.Point{X: 320, Y: 240}
	_, err = Triangulate([]View{{Camera: camA, Pixel: axis}, {Camera: camB, Pixel: axis}})
	test.That(t, errors.Is(err, ErrDegenerateGeometry), test.ShouldBeTrue)
}

func TestTriangulateAnchored(t *testing.T) {
	cams := testRig(t)
	world := r3.Vector{X: 20, Y: 15, Z: -30}
	views := viewsOf(cams, world)
	// The first view disagrees with the others by ten pixels.
	views[0].Pixel.X += 10

	plain, err := Triangulate(views)
	test.That(t, err, test.ShouldBeNil)
	anchored, err := TriangulateAnchored(views, 0)
	test.That(t, err, test.ShouldBeNil)

	// The anchored solution reprojects almost exactly onto the dragged
	// pixel; the unanchored one splits the disagreement across views.
	plainRes := Residuals(plain, views)[0]
	anchoredRes := Residuals(anchored, views)[0]
	test.That(t, anchoredRes, test.ShouldBeLessThan, 1.0)
	test.That(t, plainRes, test.ShouldBeGreaterThan, 2.0)

	_, err = TriangulateAnchored(views, 3)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = TriangulateAnchored(views[:1], 0)
	test.That(t, errors.Is(err, ErrInsufficientViews), test.ShouldBeTrue)
}

func TestResiduals(t *testing.T) {
	cams := testRig(t)
	world := r3.Vector{X: -12, Y: 40, Z: 80}
	views := viewsOf(cams, world)

	for _, r := range Residuals(world, views) {
		test.That(t, r, test.ShouldAlmostEqual, 0, 1e-9)
	}

	views[1].Pixel.Y += 3
	res := Residuals(world, views)
	test.That(t, res[1], test.ShouldAlmostEqual, 3, 1e-9)

	// A point behind the front camera has no projection there.
	behind := r3.Vector{Z: -2000}
	res = Residuals(behind, viewsOf(cams, world))
	test.That(t, math.IsNaN(res[0]), test.ShouldBeTrue)
	test.That(t, math.IsNaN(res[1]), test.ShouldBeFalse)
}

func TestRefine(t *testing.T) {
	cams := testRig(t)
	world := r3.Vector{X: 42, Y: -8, Z: 17}
	views := viewsOf(cams, world)

	start := world.Add(r3.Vector{X: 25, Y: -18, Z: 40})
	refined, err := Refine(start, views)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, refined.Sub(world).Norm(), test.ShouldBeLessThan, 1e-3)

	_, err = Refine(world, views[:1])
	test.That(t, errors.Is(err, ErrInsufficientViews), test.ShouldBeTrue)
}

func TestRefineNeverWorsens(t *testing.T) {
	cams := testRig(t)
	world := r3.Vector{X: 5, Y: 25, Z: 60}
	views := viewsOf(cams, world)
	// Independent pixel noise in every view, so no point reprojects exactly.
	views[0].Pixel.X += 2.5
	views[1].Pixel.Y -= 1.5
	views[2].Pixel.X -= 3.0

	linear, err := Triangulate(views)
	test.That(t, err, test.ShouldBeNil)
	refined, err := Refine(linear, views)
	test.That(t, err, test.ShouldBeNil)

	sumSq := func(pt r3.Vector) float64 {
		var s float64
		for _, r := range Residuals(pt, views) {
			s += r * r
		}
		return s
	}
	test.That(t, sumSq(refined), test.ShouldBeLessThanOrEqualTo, sumSq(linear)+1e-9)
}
