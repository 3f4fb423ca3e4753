package align

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInsufficientCorrespondences means fewer than three point pairs
	// were supplied.
	ErrInsufficientCorrespondences = errors.New("align: need at least 3 correspondences")

	// ErrDegenerateConfiguration means the point pairs do not determine a
	// rotation: all coincident, or all on one line.
	ErrDegenerateConfiguration = errors.New("align: degenerate point configuration")
)

const (
	coincidentTol = 1e-12
	collinearTol  = 1e-9
)

// RigidFit computes the rigid transform mapping source points onto target
// points in the least-squares sense, using Horn's closed-form quaternion
// method. source and target pair up by index and must be the same length.
//
// Planar configurations are fine; only coincident and collinear inputs are
// rejected, since they leave rotational freedom.
func RigidFit(source, target []Vec3) (Mat4, error) {
	if len(source) != len(target) {
		return Identity(), fmt.Errorf("align: correspondence length mismatch: %d vs %d",
			len(source), len(target))
	}
	if len(source) < 3 {
		return Identity(), ErrInsufficientCorrespondences
	}

	cs := centroid(source)
	ct := centroid(target)

	// Cross-covariance of the centered pairs.
	var h [9]float64
	for i := range source {
		p := source[i].Sub(cs)
		q := target[i].Sub(ct)
		h[0] += p[0] * q[0]
		h[1] += p[0] * q[1]
		h[2] += p[0] * q[2]
		h[3] += p[1] * q[0]
		h[4] += p[1] * q[1]
		h[5] += p[1] * q[2]
		h[6] += p[2] * q[0]
		h[7] += p[2] * q[1]
		h[8] += p[2] * q[2]
	}

	if err := checkDegenerate(h); err != nil {
		return Identity(), err
	}

	q, err := hornQuaternion(h)
	if err != nil {
		return Identity(), err
	}
	r := quatToRotation(q)

	// t = ct - R*cs
	rcs := Vec3{
		r[0]*cs[0] + r[1]*cs[1] + r[2]*cs[2],
		r[3]*cs[0] + r[4]*cs[1] + r[5]*cs[2],
		r[6]*cs[0] + r[7]*cs[1] + r[8]*cs[2],
	}
	return composeRT(r, ct.Sub(rcs)), nil
}

// checkDegenerate inspects the singular values of the cross-covariance.
// All-zero means coincident points; a dominant single value means the
// pairs lie on a line.
func checkDegenerate(h [9]float64) error {
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, h[:]), mat.SVDNone) {
		return ErrDegenerateConfiguration
	}
	s := svd.Values(nil)
	if s[0] < coincidentTol {
		return ErrDegenerateConfiguration
	}
	if s[1]/s[0] < collinearTol {
		return ErrDegenerateConfiguration
	}
	return nil
}

// hornQuaternion finds the unit quaternion maximizing the alignment
// objective: the eigenvector of the 4x4 symmetric matrix N belonging to
// its largest eigenvalue.
func hornQuaternion(h [9]float64) ([4]float64, error) {
	sxx, sxy, sxz := h[0], h[1], h[2]
	syx, syy, syz := h[3], h[4], h[5]
	szx, szy, szz := h[6], h[7], h[8]

	n := mat.NewSymDense(4, []float64{
		sxx + syy + szz, syz - szy, szx - sxz, sxy - syx,
		syz - szy, sxx - syy - szz, sxy + syx, szx + sxz,
		szx - sxz, sxy + syx, -sxx + syy - szz, syz + szy,
		sxy - syx, szx + sxz, syz + szy, -sxx - syy + szz,
	})

	var eig mat.EigenSym
	if !eig.Factorize(n, true) {
		return [4]float64{}, ErrDegenerateConfiguration
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues come back ascending; the last column is the winner.
	var q [4]float64
	for i := 0; i < 4; i++ {
		q[i] = vecs.At(i, 3)
	}
	return q, nil
}

// quatToRotation expands a unit quaternion (w, x, y, z) into a row-major
// rotation matrix.
func quatToRotation(q [4]float64) [9]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// RigidFitPairs is RigidFit over a pair slice.
func RigidFitPairs(pairs []PointPair) (Mat4, error) {
	src := make([]Vec3, len(pairs))
	dst := make([]Vec3, len(pairs))
	for i, p := range pairs {
		src[i] = p.Source
		dst[i] = p.Target
	}
	return RigidFit(src, dst)
}

func centroid(pts []Vec3) Vec3 {
	var s Vec3
	for _, p := range pts {
		s = s.Add(p)
	}
	return s.Scale(1 / float64(len(pts)))
}
