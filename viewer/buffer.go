// Package viewer prepares decoded point clouds for display: flat vertex
// buffers, a level-of-detail octree, top-view snapshot rendering and
// ground footprint extraction.
package viewer

import (
	"cloudreg/align"
	"cloudreg/e57"
)

// Buffers holds point data in the flat interleaved-free layout a renderer
// uploads directly: xyz triples, rgb triples and one intensity per point.
// Colors and Intensities are empty when the scan lacks those attributes.
type Buffers struct {
	Positions   []float32
	Colors      []uint8
	Intensities []float32
}

// Count returns the number of points in the buffers.
func (b *Buffers) Count() int { return len(b.Positions) / 3 }

// Point returns position i.
func (b *Buffers) Point(i int) align.Vec3 {
	return align.Vec3{
		float64(b.Positions[3*i]),
		float64(b.Positions[3*i+1]),
		float64(b.Positions[3*i+2]),
	}
}

// BuildBuffers flattens a decode result.
func BuildBuffers(res *e57.DecodeResult) *Buffers {
	b := &Buffers{Positions: make([]float32, 0, 3*len(res.Points))}
	if res.HasColor {
		b.Colors = make([]uint8, 0, 3*len(res.Points))
	}
	if res.HasIntensity {
		b.Intensities = make([]float32, 0, len(res.Points))
	}
	for _, p := range res.Points {
		b.Positions = append(b.Positions, float32(p.X), float32(p.Y), float32(p.Z))
		if res.HasColor {
			b.Colors = append(b.Colors, p.R, p.G, p.B)
		}
		if res.HasIntensity {
			b.Intensities = append(b.Intensities, float32(p.Intensity))
		}
	}
	return b
}

// Cloud converts the positions to an alignment cloud.
func (b *Buffers) Cloud() *align.PointCloud {
	c := &align.PointCloud{Points: make([]align.Vec3, b.Count())}
	for i := range c.Points {
		c.Points[i] = b.Point(i)
	}
	return c
}

// ApplyTransform bakes a rigid transform into the positions, for
// previewing an alignment without re-decoding.
func (b *Buffers) ApplyTransform(t align.Mat4) {
	for i := 0; i < b.Count(); i++ {
		p := t.Apply(b.Point(i))
		b.Positions[3*i] = float32(p[0])
		b.Positions[3*i+1] = float32(p[1])
		b.Positions[3*i+2] = float32(p[2])
	}
}
