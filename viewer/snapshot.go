package viewer

import (
	"fmt"
	"image/color"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers"

	"cloudreg/align"
)

// SnapshotOptions controls top-view rendering.
type SnapshotOptions struct {
	// Canvas size in millimeters.
	Width, Height float64
	// PointRadius in millimeters.
	PointRadius float64
	Background  color.RGBA
	// MaxPoints caps how many points are drawn; larger clouds are
	// strided down. Zero means the default cap.
	MaxPoints int
}

// DefaultSnapshotOptions renders a 200x200 mm top view on white.
func DefaultSnapshotOptions() SnapshotOptions {
	return SnapshotOptions{
		Width:       200,
		Height:      200,
		PointRadius: 0.3,
		Background:  color.RGBA{255, 255, 255, 255},
		MaxPoints:   50_000,
	}
}

// RenderTopView draws an orthographic projection of the cloud onto the
// xy plane, optionally under a rigid transform. Points keep their scan
// color when present, otherwise intensity maps to grayscale.
func RenderTopView(buf *Buffers, t align.Mat4, opts SnapshotOptions) (*canvas.Canvas, error) {
	if buf.Count() == 0 {
		return nil, fmt.Errorf("viewer: empty cloud")
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 50_000
	}

	stride := 1
	if buf.Count() > opts.MaxPoints {
		stride = buf.Count() / opts.MaxPoints
	}

	// Projected extent under t.
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

	const margin = 5.0
	scale := math.Min((opts.Width-2*margin)/spanX, (opts.Height-2*margin)/spanY)

	c := canvas.New(opts.Width, opts.Height)
	ctx := canvas.NewContext(c)
	ctx.SetFillColor(opts.Background)
	ctx.DrawPath(0, 0, canvas.Rectangle(opts.Width, opts.Height))

	dot := canvas.Circle(opts.PointRadius)
	for i := 0; i < buf.Count(); i += stride {
		p := t.Apply(buf.Point(i))
		x := margin + (p[0]-minX)*scale
		y := margin + (p[1]-minY)*scale
		ctx.SetFillColor(pointColor(buf, i))
		ctx.DrawPath(x, y, dot)
	}
	return c, nil
}

// SaveSnapshot renders and writes a snapshot; the format follows the file
// extension (png, svg).
func SaveSnapshot(path string, buf *Buffers, t align.Mat4, opts SnapshotOptions) error {
	c, err := RenderTopView(buf, t, opts)
	if err != nil {
		return err
	}
	if err := renderers.Write(path, c, canvas.DPMM(3.2)); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", path, err)
	}
	return nil
}

func pointColor(buf *Buffers, i int) color.RGBA {
	if len(buf.Colors) > 0 {
		return color.RGBA{buf.Colors[3*i], buf.Colors[3*i+1], buf.Colors[3*i+2], 255}
	}
	if len(buf.Intensities) > 0 {
		v := buf.Intensities[i]
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		g := uint8(v * 255)
		return color.RGBA{g, g, g, 255}
	}
	return color.RGBA{40, 40, 40, 255}
}
