package viewer

import (
	"math"

	"cloudreg/align"
)

// NodeData is the aggregate a coarse level of detail renders in place of
// a node's points: one splat at the centroid with the averaged
// appearance.
type NodeData struct {
	Count        int
	Centroid     align.Vec3
	Min, Max     align.Vec3
	Radius       float64
	AvgColor     [3]uint8
	AvgIntensity float32
}

// Octree is a static spatial subdivision over display buffers, built once
// per scan for level-of-detail rendering and picking.
type Octree struct {
	buf     *Buffers
	root    *octNode
	maxDep  int
	leafCap int
}

type octNode struct {
	data     NodeData
	children [8]*octNode // all nil at a leaf
	indices  []int       // populated only at leaves
}

// BuildOctree subdivides until a node holds at most leafCap points or
// maxDepth is reached. Empty buffers produce a tree with a nil root.
func BuildOctree(buf *Buffers, maxDepth, leafCap int) *Octree {
	t := &Octree{buf: buf, maxDep: maxDepth, leafCap: leafCap}
	n := buf.Count()
	if n == 0 {
		return t
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	lo, hi := bounds(buf, idx)
	t.root = t.build(idx, lo, hi, 0)
	return t
}

func (t *Octree) build(idx []int, lo, hi align.Vec3, depth int) *octNode {
	n := &octNode{data: t.aggregate(idx, lo, hi)}
	if len(idx) <= t.leafCap || depth >= t.maxDep {
		n.indices = idx
		return n
	}

	mid := lo.Add(hi).Scale(0.5)
	var buckets [8][]int
	for _, i := range idx {
		p := t.buf.Point(i)
		oct := 0
		if p[0] >= mid[0] {
			oct |= 1
		}
		if p[1] >= mid[1] {
			oct |= 2
		}
		if p[2] >= mid[2] {
			oct |= 4
		}
		buckets[oct] = append(buckets[oct], i)
	}

	for o, b := range buckets {
		if len(b) == 0 {
			continue
		}
		clo, chi := lo, mid
		if o&1 != 0 {
			clo[0], chi[0] = mid[0], hi[0]
		}
		if o&2 != 0 {
			clo[1], chi[1] = mid[1], hi[1]
		}
		if o&4 != 0 {
			clo[2], chi[2] = mid[2], hi[2]
		}
		n.children[o] = t.build(b, clo, chi, depth+1)
	}
	return n
}

// aggregate summarizes a point set for coarse rendering. The bounding box
// is tightened to the points rather than the cell.
func (t *Octree) aggregate(idx []int, lo, hi align.Vec3) NodeData {
	d := NodeData{Count: len(idx)}
	d.Min, d.Max = bounds(t.buf, idx)

	var sum align.Vec3
	var cr, cg, cb, ci float64
	for _, i := range idx {
		sum = sum.Add(t.buf.Point(i))
		if len(t.buf.Colors) > 0 {
			cr += float64(t.buf.Colors[3*i])
			cg += float64(t.buf.Colors[3*i+1])
			cb += float64(t.buf.Colors[3*i+2])
		}
		if len(t.buf.Intensities) > 0 {
			ci += float64(t.buf.Intensities[i])
		}
	}
	inv := 1 / float64(len(idx))
	d.Centroid = sum.Scale(inv)
	if len(t.buf.Colors) > 0 {
		d.AvgColor = [3]uint8{uint8(cr * inv), uint8(cg * inv), uint8(cb * inv)}
	}
	if len(t.buf.Intensities) > 0 {
		d.AvgIntensity = float32(ci * inv)
	}

	for _, i := range idx {
		if r := t.buf.Point(i).Dist(d.Centroid); r > d.Radius {
			d.Radius = r
		}
	}
	return d
}

// NodesAtDepth collects the aggregates of every node living at the given
// depth, plus shallower leaves; together they cover the whole cloud
// exactly once.
func (t *Octree) NodesAtDepth(depth int) []NodeData {
	var out []NodeData
	var walk func(n *octNode, d int)
	walk = func(n *octNode, d int) {
		if n == nil {
			return
		}
		if d == depth || n.isLeaf() {
			out = append(out, n.data)
			return
		}
		for _, c := range n.children {
			walk(c, d+1)
		}
	}
	walk(t.root, 0)
	return out
}

// Root returns the whole-cloud aggregate; ok is false for an empty tree.
func (t *Octree) Root() (NodeData, bool) {
	if t.root == nil {
		return NodeData{}, false
	}
	return t.root.data, true
}

// LeafCount returns the number of leaves.
func (t *Octree) LeafCount() int {
	var count func(n *octNode) int
	count = func(n *octNode) int {
		if n == nil {
			return 0
		}
		if n.isLeaf() {
			return 1
		}
		total := 0
		for _, c := range n.children {
			total += count(c)
		}
		return total
	}
	return count(t.root)
}

func (n *octNode) isLeaf() bool {
	for _, c := range n.children {
		if c != nil {
			return false
		}
	}
	return true
}

func bounds(buf *Buffers, idx []int) (align.Vec3, align.Vec3) {
	lo := align.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := align.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, i := range idx {
		p := buf.Point(i)
		for a := 0; a < 3; a++ {
			lo[a] = math.Min(lo[a], p[a])
			hi[a] = math.Max(hi[a], p[a])
		}
	}
	return lo, hi
}
