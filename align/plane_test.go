package align

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sphereCloud(n int, radius float64) *PointCloud {
	c := &PointCloud{}
	// Fibonacci sphere sampling: roughly uniform, fully deterministic.
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		y := 1 - 2*float64(i)/float64(n-1)
		r := math.Sqrt(1 - y*y)
		theta := golden * float64(i)
		c.Points = append(c.Points, Vec3{
			radius * r * math.Cos(theta),
			radius * y,
			radius * r * math.Sin(theta),
		})
	}
	return c
}

func TestEstimateNormalsOnSphere(t *testing.T) {
	cloud := sphereCloud(500, 2)
	EstimateNormals(cloud, 10)
	require.Len(t, cloud.Normals, len(cloud.Points))

	for i, p := range cloud.Points {
		n := cloud.Normals[i]
		assert.InDelta(t, 1.0, n.Norm(), 1e-9, "normal %d not unit length", i)
		// Sphere normals are radial; orientation away from the centroid
		// means pointing outward.
		radial := p.Normalize()
		assert.Greater(t, n.Dot(radial), 0.8, "normal %d badly oriented", i)
	}
}

func TestEstimateNormalsOnPlane(t *testing.T) {
	cloud := gridCloud(10, 10, 0.2)
	EstimateNormals(cloud, 8)
	require.Len(t, cloud.Normals, len(cloud.Points))
	for i, n := range cloud.Normals {
		assert.InDelta(t, 1.0, math.Abs(n[2]), 1e-9, "normal %d not along z", i)
	}
}

func TestEstimateNormalsTinyCloud(t *testing.T) {
	cloud := &PointCloud{Points: []Vec3{{0, 0, 0}, {1, 0, 0}}}
	EstimateNormals(cloud, 8)
	assert.Nil(t, cloud.Normals)
}

// cornerCloud samples three mutually orthogonal planes meeting at the
// origin, so every rigid degree of freedom is constrained.
func cornerCloud(n int, spacing float64) *PointCloud {
	c := &PointCloud{}
	for i := 1; i <= n; i++ {
		for j := 1; j <= n; j++ {
			a, b := float64(i)*spacing, float64(j)*spacing
			c.Points = append(c.Points,
				Vec3{a, b, 0},
				Vec3{0, a, b},
				Vec3{a, 0, b},
			)
		}
	}
	return c
}

func TestPointToPlaneICPConverges(t *testing.T) {
	target := cornerCloud(8, 0.3)
	EstimateNormals(target, 8)
	source := target.Transformed(rotationZ(0.03, Vec3{0.04, -0.02, 0.01}))

	params := DefaultICPParams()
	params.MaxCorrespondenceDistance = 0.4
	params.UsePointToPlane = true

	res, err := NewICP(params).Run(source, target, Identity())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Less(t, res.FinalRMS, 1e-3)
}

func TestPointToPlaneEstimatesMissingNormals(t *testing.T) {
	target := cornerCloud(8, 0.3) // no normals installed
	source := target.Transformed(rotationZ(0.02, Vec3{0.03, 0.01, 0}))

	params := DefaultICPParams()
	params.MaxCorrespondenceDistance = 0.4
	params.UsePointToPlane = true

	res, err := NewICP(params).Run(source, target, Identity())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Less(t, res.FinalRMS, 1e-3)

	// The run works on its own copy; the caller's cloud is untouched.
	assert.Nil(t, target.Normals)
}

func TestPointToPlaneResidualIgnoresInPlaneSlip(t *testing.T) {
	// A flat grid slid within its own plane has zero point-to-plane
	// error even though every nearest neighbour sits some distance away.
	target := gridCloud(8, 8, 0.2)
	EstimateNormals(target, 8)
	source := target.Transformed(rotationZ(0, Vec3{0.07, 0.11, 0}))

	params := DefaultICPParams()
	params.MaxCorrespondenceDistance = 1
	params.UsePointToPlane = true

	var firstRMS float64
	icp := NewICP(params)
	seen := false
	icp.Progress = func(iter int, rms float64, t Mat4) {
		if !seen {
			firstRMS = rms
			seen = true
		}
	}

	_, err := icp.Run(source, target, Identity())
	require.NoError(t, err)
	require.True(t, seen)
	assert.Less(t, firstRMS, 1e-9)
}

func TestTransformedRotatesNormals(t *testing.T) {
	cloud := &PointCloud{
		Points:  []Vec3{{1, 0, 0}},
		Normals: []Vec3{{1, 0, 0}},
	}
	rot := rotationZ(math.Pi/2, Vec3{5, 5, 5})
	out := cloud.Transformed(rot)
	require.Len(t, out.Normals, 1)
	// Translation must not leak into the normal.
	assert.InDelta(t, 0.0, out.Normals[0][0], 1e-12)
	assert.InDelta(t, 1.0, out.Normals[0][1], 1e-12)
}
