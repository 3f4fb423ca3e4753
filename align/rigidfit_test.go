package align

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rotationZ builds a transform rotating by angle about z plus a
// translation.
func rotationZ(angle float64, t Vec3) Mat4 {
	c, s := math.Cos(angle), math.Sin(angle)
	return composeRT([9]float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	}, t)
}

func rotationAxis(axis Vec3, angle float64, t Vec3) Mat4 {
	u := axis.Normalize()
	c, s := math.Cos(angle), math.Sin(angle)
	oc := 1 - c
	return composeRT([9]float64{
		c + u[0]*u[0]*oc, u[0]*u[1]*oc - u[2]*s, u[0]*u[2]*oc + u[1]*s,
		u[1]*u[0]*oc + u[2]*s, c + u[1]*u[1]*oc, u[1]*u[2]*oc - u[0]*s,
		u[2]*u[0]*oc - u[1]*s, u[2]*u[1]*oc + u[0]*s, c + u[2]*u[2]*oc,
	}, t)
}

func transformAll(pts []Vec3, m Mat4) []Vec3 {
	out := make([]Vec3, len(pts))
	for i, p := range pts {
		out[i] = m.Apply(p)
	}
	return out
}

func assertMatClose(t *testing.T, want, got Mat4, tol float64) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "entry %d", i)
	}
}

func rotationDeterminant(m Mat4) float64 {
	return m[0]*(m[5]*m[10]-m[6]*m[9]) -
		m[1]*(m[4]*m[10]-m[6]*m[8]) +
		m[2]*(m[4]*m[9]-m[5]*m[8])
}

func TestMat4IsRigid(t *testing.T) {
	assert.True(t, Identity().IsRigid(1e-9))
	assert.True(t, rotationAxis(Vec3{1, 2, 3}, 0.7, Vec3{4, 5, 6}).IsRigid(1e-9))

	scaled := Identity()
	scaled[0] = 2
	assert.False(t, scaled.IsRigid(1e-6))

	reflected := Identity()
	reflected[10] = -1
	assert.False(t, reflected.IsRigid(1e-6))

	var bad Mat4
	bad[0] = math.NaN()
	assert.False(t, bad.IsRigid(1e-6))
}

func TestRigidFitRecoversKnownTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	src := randomCloud(rng, 30, 5)
	want := rotationAxis(Vec3{1, 2, 3}, 0.7, Vec3{0.5, -1.2, 2.0})
	dst := transformAll(src, want)

	got, err := RigidFit(src, dst)
	require.NoError(t, err)
	assertMatClose(t, want, got, 1e-9)
}

func TestRigidFitIdentity(t *testing.T) {
	src := []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	got, err := RigidFit(src, src)
	require.NoError(t, err)
	assertMatClose(t, Identity(), got, 1e-9)
}

func TestRigidFitTranslationOnly(t *testing.T) {
	src := []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	shift := Vec3{3, -2, 7}
	dst := make([]Vec3, len(src))
	for i, p := range src {
		dst[i] = p.Add(shift)
	}
	got, err := RigidFit(src, dst)
	require.NoError(t, err)
	assert.InDelta(t, shift[0], got.Translation()[0], 1e-9)
	assert.InDelta(t, shift[1], got.Translation()[1], 1e-9)
	assert.InDelta(t, shift[2], got.Translation()[2], 1e-9)
}

func TestRigidFitPlanarPoints(t *testing.T) {
	// A flat grid still determines a unique rigid transform and must not
	// be treated as degenerate.
	var src []Vec3
	for x := 0; x < 5; x++ {
		for y := 0; y < 5; y++ {
			src = append(src, Vec3{float64(x), float64(y), 0})
		}
	}
	want := rotationZ(0.3, Vec3{1, 2, 0.5})
	dst := transformAll(src, want)

	got, err := RigidFit(src, dst)
	require.NoError(t, err)
	assertMatClose(t, want, got, 1e-9)
}

func TestRigidFitNeverReflects(t *testing.T) {
	// Mirrored targets cannot be reached by a rotation; the fit must
	// still return a proper rotation with determinant +1.
	src := []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 1}}
	dst := make([]Vec3, len(src))
	for i, p := range src {
		dst[i] = Vec3{p[0], p[1], -p[2]}
	}
	got, err := RigidFit(src, dst)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rotationDeterminant(got), 1e-9)
}

func TestRigidFitInsufficient(t *testing.T) {
	src := []Vec3{{0, 0, 0}, {1, 0, 0}}
	_, err := RigidFit(src, src)
	assert.ErrorIs(t, err, ErrInsufficientCorrespondences)
}

func TestRigidFitLengthMismatch(t *testing.T) {
	_, err := RigidFit(make([]Vec3, 4), make([]Vec3, 3))
	assert.Error(t, err)
}

func TestRigidFitCoincident(t *testing.T) {
	src := []Vec3{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}, {1, 1, 1}}
	dst := []Vec3{{2, 2, 2}, {2, 2, 2}, {2, 2, 2}, {2, 2, 2}}
	_, err := RigidFit(src, dst)
	assert.ErrorIs(t, err, ErrDegenerateConfiguration)
}

func TestRigidFitCollinear(t *testing.T) {
	var src, dst []Vec3
	for i := 0; i < 6; i++ {
		src = append(src, Vec3{float64(i), 0, 0})
		dst = append(dst, Vec3{float64(i), 1, 1})
	}
	_, err := RigidFit(src, dst)
	assert.ErrorIs(t, err, ErrDegenerateConfiguration)
}

func TestRigidFitPairs(t *testing.T) {
	want := rotationZ(0.15, Vec3{0.2, 0.1, 0})
	pairs := []PointPair{
		{Source: Vec3{0, 0, 0}, Target: want.Apply(Vec3{0, 0, 0})},
		{Source: Vec3{2, 0, 0}, Target: want.Apply(Vec3{2, 0, 0})},
		{Source: Vec3{0, 2, 0}, Target: want.Apply(Vec3{0, 2, 0})},
		{Source: Vec3{0, 0, 2}, Target: want.Apply(Vec3{0, 0, 2})},
	}
	got, err := RigidFitPairs(pairs)
	require.NoError(t, err)
	assertMatClose(t, want, got, 1e-9)
}

func TestMat4Compose(t *testing.T) {
	a := rotationZ(0.5, Vec3{1, 0, 0})
	b := rotationZ(-0.2, Vec3{0, 2, 0})
	p := Vec3{1, 2, 3}
	assert.InDelta(t, a.Apply(b.Apply(p))[0], a.Mul(b).Apply(p)[0], 1e-12)
	assert.InDelta(t, a.Apply(b.Apply(p))[1], a.Mul(b).Apply(p)[1], 1e-12)
	assert.InDelta(t, a.Apply(b.Apply(p))[2], a.Mul(b).Apply(p)[2], 1e-12)
}
