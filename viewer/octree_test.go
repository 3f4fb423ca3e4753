package viewer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudreg/align"
)

func randomBuffers(rng *rand.Rand, n int, extent float64) *Buffers {
	b := &Buffers{}
	for i := 0; i < n; i++ {
		b.Positions = append(b.Positions,
			float32(rng.Float64()*extent),
			float32(rng.Float64()*extent),
			float32(rng.Float64()*extent))
		b.Colors = append(b.Colors, uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)))
		b.Intensities = append(b.Intensities, rng.Float32())
	}
	return b
}

func TestOctreeEmpty(t *testing.T) {
	tree := BuildOctree(&Buffers{}, 8, 64)
	_, ok := tree.Root()
	assert.False(t, ok)
	assert.Equal(t, 0, tree.LeafCount())
	assert.Empty(t, tree.NodesAtDepth(0))
}

func TestOctreeRootAggregate(t *testing.T) {
	b := &Buffers{Positions: []float32{
		0, 0, 0,
		2, 0, 0,
		0, 2, 0,
		0, 0, 2,
	}}
	tree := BuildOctree(b, 4, 64)

	root, ok := tree.Root()
	require.True(t, ok)
	assert.Equal(t, 4, root.Count)
	assert.Equal(t, align.Vec3{0.5, 0.5, 0.5}, root.Centroid)
	assert.Equal(t, align.Vec3{0, 0, 0}, root.Min)
	assert.Equal(t, align.Vec3{2, 2, 2}, root.Max)
	assert.Greater(t, root.Radius, 0.0)
}

func TestOctreeCoverageAtEveryDepth(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	b := randomBuffers(rng, 2000, 10)
	tree := BuildOctree(b, 6, 32)

	// At every level the aggregates partition the cloud: counts sum to
	// the total exactly.
	for depth := 0; depth <= 6; depth++ {
		total := 0
		for _, nd := range tree.NodesAtDepth(depth) {
			total += nd.Count
		}
		assert.Equal(t, 2000, total, "depth %d", depth)
	}
}

func TestOctreeLeafCap(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	b := randomBuffers(rng, 1000, 5)
	tree := BuildOctree(b, 10, 50)

	leaves := 0
	var walk func(n *octNode)
	walk = func(n *octNode) {
		if n == nil {
			return
		}
		if n.isLeaf() {
			leaves++
			assert.LessOrEqual(t, len(n.indices), 50)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(tree.root)
	assert.Equal(t, leaves, tree.LeafCount())
	assert.Greater(t, leaves, 1)
}

func TestOctreeAverageAppearance(t *testing.T) {
	b := &Buffers{
		Positions:   []float32{0, 0, 0, 1, 1, 1},
		Colors:      []uint8{100, 0, 0, 200, 0, 0},
		Intensities: []float32{0.2, 0.6},
	}
	tree := BuildOctree(b, 2, 64)
	root, ok := tree.Root()
	require.True(t, ok)
	assert.Equal(t, uint8(150), root.AvgColor[0])
	assert.InDelta(t, 0.4, float64(root.AvgIntensity), 1e-6)
}

func TestOctreeDepthLimit(t *testing.T) {
	// All identical points can never split below the cap; the depth
	// limit must stop recursion.
	b := &Buffers{}
	for i := 0; i < 100; i++ {
		b.Positions = append(b.Positions, 1, 1, 1)
	}
	tree := BuildOctree(b, 3, 10)
	assert.GreaterOrEqual(t, tree.LeafCount(), 1)
	root, ok := tree.Root()
	require.True(t, ok)
	assert.Equal(t, 100, root.Count)
	assert.Equal(t, 0.0, root.Radius)
}
