package viewer

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"cloudreg/align"
)

// PreviewOptions controls raster preview rendering.
type PreviewOptions struct {
	// Image size in pixels.
	Width, Height int
	Background    color.RGBA
	// Label is drawn in the top-left corner when non-empty.
	Label string
	// MaxPoints caps how many points are plotted; larger clouds are
	// strided down. Zero means the default cap.
	MaxPoints int
}

// DefaultPreviewOptions renders a 640x640 preview on white.
func DefaultPreviewOptions() PreviewOptions {
	return PreviewOptions{
		Width:      640,
		Height:     640,
		Background: color.RGBA{255, 255, 255, 255},
		MaxPoints:  200_000,
	}
}

// RenderPreview plots an orthographic top view of the cloud directly into
// a raster image, optionally under a rigid transform. It trades the
// vector snapshot's quality for speed, which suits interactive polling.
func RenderPreview(buf *Buffers, t align.Mat4, opts PreviewOptions) (*image.RGBA, error) {
	if buf.Count() == 0 {
		return nil, fmt.Errorf("viewer: empty cloud")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("viewer: invalid preview size %dx%d", opts.Width, opts.Height)
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 200_000
	}

	stride := 1
	if buf.Count() > opts.MaxPoints {
		stride = buf.Count() / opts.MaxPoints
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < buf.Count(); i += stride {
		p := t.Apply(buf.Point(i))
		minX = math.Min(minX, p[0])
		maxX = math.Max(maxX, p[0])
		minY = math.Min(minY, p[1])
		maxY = math.Max(maxY, p[1])
	}
	spanX, spanY := maxX-minX, maxY-minY
	if spanX == 0 {
		spanX = 1
	}
	if spanY == 0 {
		spanY = 1
	}

	const margin = 16
	scale := math.Min(
		float64(opts.Width-2*margin)/spanX,
		float64(opts.Height-2*margin)/spanY,
	)

	img := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	for y := 0; y < opts.Height; y++ {
		for x := 0; x < opts.Width; x++ {
			img.SetRGBA(x, y, opts.Background)
		}
	}

	for i := 0; i < buf.Count(); i += stride {
		p := t.Apply(buf.Point(i))
		x := margin + int((p[0]-minX)*scale)
		// Image y grows downward.
		y := opts.Height - margin - int((p[1]-minY)*scale)
		if x < 0 || x >= opts.Width || y < 0 || y >= opts.Height {
			continue
		}
		img.SetRGBA(x, y, pointColor(buf, i))
	}

	if opts.Label != "" {
		drawLabel(img, margin, margin, opts.Label, color.RGBA{0, 0, 0, 255})
	}
	return img, nil
}

// SavePreview renders and writes a PNG preview.
func SavePreview(path string, buf *Buffers, t align.Mat4, opts PreviewOptions) error {
	img, err := RenderPreview(buf, t, opts)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing preview %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encoding preview %s: %w", path, err)
	}
	return nil
}

// drawLabel renders text onto the image at the given position.
func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
