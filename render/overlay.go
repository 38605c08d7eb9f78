// Package render rasterizes label overlays onto video frames for QC.
package render

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/camlab/label3d/label"
	"github.com/camlab/label3d/skeleton"
)

var font *truetype.Font

// init sets up the font used for joint names.
func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

var statusColors = map[label.Status]color.NRGBA{
	label.Initialized: {R: 255, G: 170, B: 0, A: 255},
	label.Labeled:     {R: 0, G: 210, B: 80, A: 255},
}

// Overlay draws one camera view of one frame: skeleton edges in their
// colors under marker dots colored by status, hand-labeled dots ringed in
// white. The zero value draws with default sizes.
type Overlay struct {
	// Skeleton, when set, must have one joint per store marker. Its edges
	// are drawn and its joint names label the dots when JointNames is set.
	Skeleton   *skeleton.Skeleton
	DotRadius  float64
	LineWidth  float64
	FontSize   float64
	JointNames bool
}

func (o *Overlay) dotRadius() float64 {
	if o.DotRadius > 0 {
		return o.DotRadius
	}
	return 4
}

func (o *Overlay) lineWidth() float64 {
	if o.LineWidth > 0 {
		return o.LineWidth
	}
	return 2
}

func (o *Overlay) fontSize() float64 {
	if o.FontSize > 0 {
		return o.FontSize
	}
	return 12
}

func (o *Overlay) draw(img image.Image, store *label.Store, cam, frame int) (*gg.Context, error) {
	nMarkers, _, _ := store.Dims()
	if o.Skeleton != nil && o.Skeleton.NumJoints() != nMarkers {
		return nil, errors.Errorf("skeleton has %d joints for %d markers", o.Skeleton.NumJoints(), nMarkers)
	}

	dc := gg.NewContext(img.Bounds().Dx(), img.Bounds().Dy())
	dc.DrawImage(img, 0, 0)

	if o.Skeleton != nil {
		for i, edge := range o.Skeleton.Edges {
			a, err := store.Observation(edge[0], cam, frame)
			if err != nil {
				return nil, err
			}
			b, err := store.Observation(edge[1], cam, frame)
			if err != nil {
				return nil, err
			}
			if !a.HasPosition || !b.HasPosition {
				continue
			}
			col := o.Skeleton.Colors[i]
			dc.SetRGBA(col[0], col[1], col[2], 0.9)
			dc.DrawLine(a.Position.X, a.Position.Y, b.Position.X, b.Position.Y)
			dc.SetLineWidth(o.lineWidth())
			dc.Stroke()
		}
	}

	for marker := 0; marker < nMarkers; marker++ {
		obs, err := store.Observation(marker, cam, frame)
		if err != nil {
			return nil, err
		}
		if !obs.HasPosition {
			continue
		}
		c, ok := statusColors[obs.Status]
		if !ok {
			continue
		}
		dc.SetColor(c)
		dc.DrawCircle(obs.Position.X, obs.Position.Y, o.dotRadius())
		dc.Fill()
		if obs.HandLabeled {
			dc.SetRGBA(1, 1, 1, 1)
			dc.DrawCircle(obs.Position.X, obs.Position.Y, o.dotRadius()+1.5)
			dc.SetLineWidth(1.5)
			dc.Stroke()
		}
		if o.JointNames && o.Skeleton != nil {
			dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: o.fontSize()}))
			dc.SetRGBA(1, 1, 1, 1)
			dc.DrawString(o.Skeleton.JointNames[marker], obs.Position.X+o.dotRadius()+2, obs.Position.Y)
		}
	}
	return dc, nil
}

// Draw composes the overlay for one camera view of one frame and returns
// the result.
func (o *Overlay) Draw(img image.Image, store *label.Store, cam, frame int) (image.Image, error) {
	dc, err := o.draw(img, store, cam, frame)
	if err != nil {
		return nil, err
	}
	return dc.Image(), nil
}

// DrawToFile composes the overlay and writes it as a PNG.
func (o *Overlay) DrawToFile(path string, img image.Image, store *label.Store, cam, frame int) error {
	dc, err := o.draw(img, store, cam, frame)
	if err != nil {
		return err
	}
	return errors.Wrap(dc.SavePNG(path), "error writing overlay PNG")
}
