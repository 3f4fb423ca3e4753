package align

import (
	"math"
	"sort"
)

// KdTree is a static three-dimensional k-d tree over a point slice. The
// split axis cycles with depth; each node splits at the median, with ties
// broken toward the lower original index so builds are deterministic.
type KdTree struct {
	pts  []Vec3
	root *kdNode
}

type kdNode struct {
	idx         int
	axis        int
	left, right *kdNode
}

// NewKdTree builds a tree over points. The slice is referenced, not
// copied; it must not change while the tree is in use.
func NewKdTree(points []Vec3) *KdTree {
	t := &KdTree{pts: points}
	if len(points) > 0 {
		order := make([]int, len(points))
		for i := range order {
			order[i] = i
		}
		t.root = t.build(order, 0)
	}
	return t
}

func (t *KdTree) build(order []int, depth int) *kdNode {
	if len(order) == 0 {
		return nil
	}
	axis := depth % 3
	sort.Slice(order, func(a, b int) bool {
		pa, pb := t.pts[order[a]][axis], t.pts[order[b]][axis]
		if pa != pb {
			return pa < pb
		}
		return order[a] < order[b]
	})
	mid := len(order) / 2
	return &kdNode{
		idx:   order[mid],
		axis:  axis,
		left:  t.build(order[:mid], depth+1),
		right: t.build(order[mid+1:], depth+1),
	}
}

// Len returns the number of indexed points.
func (t *KdTree) Len() int { return len(t.pts) }

// Nearest returns the index of the point closest to q. ok is false for an
// empty tree.
func (t *KdTree) Nearest(q Vec3) (idx int, dist float64, ok bool) {
	return t.NearestWithin(q, math.Inf(1))
}

// NearestWithin returns the closest point no farther than maxDist. The
// search prunes a subtree when the splitting plane is at least the current
// best distance away.
func (t *KdTree) NearestWithin(q Vec3, maxDist float64) (idx int, dist float64, ok bool) {
	if t.root == nil {
		return 0, 0, false
	}
	best := struct {
		idx  int
		d2   float64
		some bool
	}{d2: maxDist * maxDist}
	if math.IsInf(maxDist, 1) {
		best.d2 = math.Inf(1)
	}

	var walk func(n *kdNode)
	walk = func(n *kdNode) {
		if n == nil {
			return
		}
		d2 := sqDist(t.pts[n.idx], q)
		if d2 < best.d2 || (!best.some && d2 <= best.d2) {
			best.idx, best.d2, best.some = n.idx, d2, true
		}
		delta := q[n.axis] - t.pts[n.idx][n.axis]
		near, far := n.left, n.right
		if delta > 0 {
			near, far = n.right, n.left
		}
		walk(near)
		if delta*delta < best.d2 {
			walk(far)
		}
	}
	walk(t.root)

	if !best.some {
		return 0, 0, false
	}
	return best.idx, math.Sqrt(best.d2), true
}

// NearestK returns the indices of the k closest points to q, nearest
// first. Fewer than k are returned when the tree is smaller.
func (t *KdTree) NearestK(q Vec3, k int) []int {
	if t.root == nil || k <= 0 {
		return nil
	}
	heap := make([]neighbor, 0, k)

	var walk func(n *kdNode)
	walk = func(n *kdNode) {
		if n == nil {
			return
		}
		d2 := sqDist(t.pts[n.idx], q)
		if len(heap) < k {
			heap = insertNeighbor(heap, neighbor{n.idx, d2})
		} else if d2 < heap[len(heap)-1].d2 {
			heap = insertNeighbor(heap[:len(heap)-1], neighbor{n.idx, d2})
		}
		delta := q[n.axis] - t.pts[n.idx][n.axis]
		near, far := n.left, n.right
		if delta > 0 {
			near, far = n.right, n.left
		}
		walk(near)
		if len(heap) < k || delta*delta < heap[len(heap)-1].d2 {
			walk(far)
		}
	}
	walk(t.root)

	out := make([]int, len(heap))
	for i, nb := range heap {
		out[i] = nb.idx
	}
	return out
}

type neighbor struct {
	idx int
	d2  float64
}

// insertNeighbor keeps the slice sorted by distance. k is small, so a
// linear insertion beats a heap.
func insertNeighbor(s []neighbor, nb neighbor) []neighbor {
	pos := sort.Search(len(s), func(i int) bool { return s[i].d2 > nb.d2 })
	s = append(s, neighbor{})
	copy(s[pos+1:], s[pos:])
	s[pos] = nb
	return s
}

func sqDist(a, b Vec3) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return dx*dx + dy*dy + dz*dz
}
