package align

import (
	"gonum.org/v1/gonum/mat"
)

// normalNeighbors is the neighbourhood size used when a run has to
// estimate target normals itself.
const normalNeighbors = 12

// EstimateNormals fills in per-point normals by local plane fitting: the
// eigenvector of the neighbourhood covariance with the smallest
// eigenvalue. Normals are oriented away from the cloud centroid so
// adjacent points agree on a side. k is the neighbourhood size; values
// below 3 are raised to 3.
func EstimateNormals(cloud *PointCloud, k int) {
	if len(cloud.Points) < 3 {
		cloud.Normals = nil
		return
	}
	if k < 3 {
		k = 3
	}
	tree := NewKdTree(cloud.Points)
	center := cloud.Centroid()

	cloud.Normals = make([]Vec3, len(cloud.Points))
	for i, p := range cloud.Points {
		nbrs := tree.NearestK(p, k)
		n := planeNormal(cloud.Points, nbrs)
		if n.Dot(p.Sub(center)) < 0 {
			n = n.Scale(-1)
		}
		cloud.Normals[i] = n
	}
}

// planeNormal fits a plane through the named points and returns its unit
// normal. Degenerate neighbourhoods fall back to the z axis.
func planeNormal(pts []Vec3, idxs []int) Vec3 {
	var mean Vec3
	for _, i := range idxs {
		mean = mean.Add(pts[i])
	}
	mean = mean.Scale(1 / float64(len(idxs)))

	var c [6]float64 // packed upper triangle: xx xy xz yy yz zz
	for _, i := range idxs {
		d := pts[i].Sub(mean)
		c[0] += d[0] * d[0]
		c[1] += d[0] * d[1]
		c[2] += d[0] * d[2]
		c[3] += d[1] * d[1]
		c[4] += d[1] * d[2]
		c[5] += d[2] * d[2]
	}
	cov := mat.NewSymDense(3, []float64{
		c[0], c[1], c[2],
		c[1], c[3], c[4],
		c[2], c[4], c[5],
	})

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return Vec3{0, 0, 1}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Ascending eigenvalues: column 0 spans the thinnest direction.
	n := Vec3{vecs.At(0, 0), vecs.At(1, 0), vecs.At(2, 0)}
	if n.Norm() == 0 {
		return Vec3{0, 0, 1}
	}
	return n.Normalize()
}

// planeStep solves the linearized point-to-plane objective for one
// increment: minimize sum(((R*s + t - q) . n)^2) under a small-angle
// rotation. The 6x6 normal equations go through a Cholesky solve; if the
// system is rank-deficient the caller's point-to-point fit takes over.
func planeStep(corr []correspondence, normals []Vec3) (Mat4, error) {
	var ata [36]float64
	var atb [6]float64

	for _, c := range corr {
		n := normals[c.idx]
		cr := c.src.Cross(n)
		row := [6]float64{cr[0], cr[1], cr[2], n[0], n[1], n[2]}
		b := -c.src.Sub(c.dst).Dot(n)

		for i := 0; i < 6; i++ {
			atb[i] += row[i] * b
			for j := 0; j < 6; j++ {
				ata[i*6+j] += row[i] * row[j]
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(mat.NewSymDense(6, ata[:])) {
		return fallbackPointToPoint(corr)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(6, atb[:])); err != nil {
		return fallbackPointToPoint(corr)
	}

	alpha, beta, gamma := x.AtVec(0), x.AtVec(1), x.AtVec(2)
	t := Vec3{x.AtVec(3), x.AtVec(4), x.AtVec(5)}

	// Small-angle rotation; per-iteration increments stay tiny.
	r := [9]float64{
		1, -gamma, beta,
		gamma, 1, -alpha,
		-beta, alpha, 1,
	}
	return composeRT(r, t), nil
}

func fallbackPointToPoint(corr []correspondence) (Mat4, error) {
	src := make([]Vec3, len(corr))
	dst := make([]Vec3, len(corr))
	for i, c := range corr {
		src[i] = c.src
		dst[i] = c.dst
	}
	return RigidFit(src, dst)
}
