// Package overlay composites detection results onto raw frames and serves a
// motion-JPEG preview of the annotated picture.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/zsiec/mirador/internal/detect"
)

// Frames are rgb24, while OpenCV draws in BGR channel order. Colours are
// given in RGB and swapped before drawing.
var (
	boxColor  = color.RGBA{R: 255, A: 255}
	textColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

func channelOrder(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.B, G: c.G, B: c.R, A: c.A}
}

// BoxDrawer draws a rectangle and label for every detection.
type BoxDrawer struct {
	Thickness int
	FontScale float64
}

// NewBoxDrawer returns a BoxDrawer with the default stroke and font size.
func NewBoxDrawer() *BoxDrawer {
	return &BoxDrawer{Thickness: 2, FontScale: 0.6}
}

// Draw implements detect.Drawer. The frame is modified in place.
func (d *BoxDrawer) Draw(f detect.Frame, dets []detect.Detection) error {
	if len(f.Data) != f.Width*f.Height*3 {
		return fmt.Errorf("overlay: frame is %d bytes, want %dx%dx3", len(f.Data), f.Width, f.Height)
	}
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return fmt.Errorf("overlay: wrap frame: %w", err)
	}
	defer mat.Close()

	bounds := image.Rect(0, 0, f.Width, f.Height)
	for _, det := range dets {
		box := det.Box.Intersect(bounds)
		if box.Empty() {
			continue
		}
		gocv.Rectangle(&mat, box, channelOrder(boxColor), d.Thickness)

		origin := image.Pt(box.Min.X+2, box.Min.Y-6)
		if origin.Y < 12 {
			origin.Y = box.Min.Y + 16
		}
		gocv.PutText(&mat, Label(det), origin, gocv.FontHersheySimplex, d.FontScale, channelOrder(textColor), 1)
	}

	copy(f.Data, mat.ToBytes())
	return nil
}

// Label formats a detection as "<label> <score>%".
func Label(det detect.Detection) string {
	name := det.Label
	if name == "" {
		name = fmt.Sprintf("class %d", det.ClassID)
	}
	return fmt.Sprintf("%s %.0f%%", name, det.Score*100)
}
