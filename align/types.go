// Package align implements rigid registration of point clouds: nearest
// neighbour search, closed-form rigid fits, iterative closest point
// refinement and the alignment engine coordinating them.
package align

import "math"

// Vec3 is a point or direction in scan coordinates.
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

func (v Vec3) Normalize() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Dist returns the Euclidean distance to o.
func (v Vec3) Dist(o Vec3) float64 { return v.Sub(o).Norm() }

// Mat4 is a 4x4 homogeneous transform in row-major order. Rigid fits
// produce matrices whose upper-left 3x3 is a rotation.
type Mat4 [16]float64

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mul returns m * o, so (m.Mul(o)).Apply(p) == m.Apply(o.Apply(p)).
func (m Mat4) Mul(o Mat4) Mat4 {
	var r Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[i*4+k] * o[k*4+j]
			}
			r[i*4+j] = s
		}
	}
	return r
}

// Apply transforms a point.
func (m Mat4) Apply(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2] + m[3],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2] + m[7],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2] + m[11],
	}
}

// ApplyDir rotates a direction, ignoring translation.
func (m Mat4) ApplyDir(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2],
	}
}

// Translation returns the translation column.
func (m Mat4) Translation() Vec3 { return Vec3{m[3], m[7], m[11]} }

// IsFinite reports whether every entry is a finite number.
func (m Mat4) IsFinite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// IsRigid reports whether the upper-left 3x3 block is a proper rotation
// within tol: orthonormal columns and determinant near +1. Reflections
// and scaled or non-finite matrices fail.
func (m Mat4) IsRigid(tol float64) bool {
	if !m.IsFinite() {
		return false
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += m[k*4+i] * m[k*4+j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	det := m[0]*(m[5]*m[10]-m[6]*m[9]) -
		m[1]*(m[4]*m[10]-m[6]*m[8]) +
		m[2]*(m[4]*m[9]-m[5]*m[8])
	return math.Abs(det-1) <= tol
}

// composeRT builds a Mat4 from a row-major 3x3 rotation and a translation.
func composeRT(r [9]float64, t Vec3) Mat4 {
	return Mat4{
		r[0], r[1], r[2], t[0],
		r[3], r[4], r[5], t[1],
		r[6], r[7], r[8], t[2],
		0, 0, 0, 1,
	}
}

// PointCloud is a set of points with optional per-point normals. Normals
// is either empty or the same length as Points.
type PointCloud struct {
	Points  []Vec3
	Normals []Vec3
}

// Centroid returns the mean of the points, or the zero vector for an
// empty cloud.
func (c *PointCloud) Centroid() Vec3 {
	if len(c.Points) == 0 {
		return Vec3{}
	}
	var s Vec3
	for _, p := range c.Points {
		s = s.Add(p)
	}
	return s.Scale(1 / float64(len(c.Points)))
}

// BoundingDiagonal returns the diagonal length of the axis-aligned
// bounding box.
func (c *PointCloud) BoundingDiagonal() float64 {
	if len(c.Points) == 0 {
		return 0
	}
	lo, hi := c.Points[0], c.Points[0]
	for _, p := range c.Points[1:] {
		for a := 0; a < 3; a++ {
			lo[a] = math.Min(lo[a], p[a])
			hi[a] = math.Max(hi[a], p[a])
		}
	}
	return hi.Sub(lo).Norm()
}

// Transformed returns a copy of the cloud under m. Normals are rotated.
func (c *PointCloud) Transformed(m Mat4) *PointCloud {
	out := &PointCloud{Points: make([]Vec3, len(c.Points))}
	for i, p := range c.Points {
		out.Points[i] = m.Apply(p)
	}
	if len(c.Normals) == len(c.Points) {
		out.Normals = make([]Vec3, len(c.Normals))
		for i, n := range c.Normals {
			out.Normals[i] = m.ApplyDir(n)
		}
	}
	return out
}

// PointPair is one manual correspondence between the source and target
// clouds.
type PointPair struct {
	Source Vec3
	Target Vec3
}
