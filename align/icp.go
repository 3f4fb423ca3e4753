package align

import (
	"errors"
	"log"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"
)

// ICPParams tunes the iterative closest point refinement.
type ICPParams struct {
	MaxIterations             int     `yaml:"max_iterations" json:"maxIterations"`
	ConvergenceThreshold      float64 `yaml:"convergence_threshold" json:"convergenceThreshold"`
	MaxCorrespondenceDistance float64 `yaml:"max_correspondence_distance" json:"maxCorrespondenceDistance"`
	OutlierRejection          bool    `yaml:"outlier_rejection" json:"outlierRejection"`
	OutlierThreshold          float64 `yaml:"outlier_threshold" json:"outlierThreshold"`
	SubsamplingRatio          float64 `yaml:"subsampling_ratio" json:"subsamplingRatio"`
	UsePointToPlane           bool    `yaml:"use_point_to_plane" json:"usePointToPlane"`
}

// DefaultICPParams returns conservative defaults suitable for indoor
// scans in meters.
func DefaultICPParams() ICPParams {
	return ICPParams{
		MaxIterations:             50,
		ConvergenceThreshold:      1e-5,
		MaxCorrespondenceDistance: 0.1,
		OutlierRejection:          true,
		OutlierThreshold:          2.5,
		SubsamplingRatio:          1.0,
	}
}

// ICPResult is the outcome of a refinement run.
type ICPResult struct {
	Transform  Mat4
	FinalRMS   float64
	Iterations int
	Converged  bool
	Cancelled  bool
	RMSHistory []float64
}

// IterFunc observes each iteration: its index, the RMS residual of the
// current correspondences and the transform so far.
type IterFunc func(iteration int, rms float64, t Mat4)

// ErrNoCorrespondences means no source point found a target neighbour
// within the correspondence distance on the first iteration.
var ErrNoCorrespondences = errors.New("align: no correspondences within distance")

// ICP refines an initial rigid alignment between two clouds. One value
// per run; Cancel may be called from any goroutine.
type ICP struct {
	Params   ICPParams
	Progress IterFunc

	cancel atomic.Bool
}

func NewICP(params ICPParams) *ICP {
	return &ICP{Params: params}
}

// Cancel requests a cooperative stop. The loop checks once per iteration
// and returns the best transform found so far.
func (icp *ICP) Cancel() { icp.cancel.Store(true) }

type correspondence struct {
	src  Vec3 // already transformed
	dst  Vec3
	idx  int // target index, for normal lookup
	dist float64
}

// Run refines initial so that source maps onto target. The target tree is
// built once; each iteration re-associates the (subsampled, transformed)
// source with its nearest neighbours, optionally rejects statistical
// outliers and applies a closed-form incremental fit.
func (icp *ICP) Run(source, target *PointCloud, initial Mat4) (ICPResult, error) {
	icp.cancel.Store(false)
	res := ICPResult{Transform: initial}

	if len(source.Points) == 0 || len(target.Points) == 0 {
		return res, ErrNoCorrespondences
	}

	if icp.Params.UsePointToPlane && len(target.Normals) != len(target.Points) {
		// Estimate on a working copy; the caller's cloud stays untouched.
		target = &PointCloud{Points: target.Points}
		EstimateNormals(target, normalNeighbors)
	}

	sample := subsample(source.Points, icp.Params.SubsamplingRatio)
	tree := NewKdTree(target.Points)
	log.Printf("[ICP] starting: %d/%d source points, %d target points, max %d iterations",
		len(sample), len(source.Points), len(target.Points), icp.Params.MaxIterations)

	t := initial
	prevRMS := math.Inf(1)

	for iter := 0; iter < icp.Params.MaxIterations; iter++ {
		if icp.cancel.Load() {
			log.Printf("[ICP] cancelled at iteration %d", iter)
			res.Cancelled = true
			return res, nil
		}

		corr := icp.associate(sample, tree, target.Points, t)
		if icp.Params.OutlierRejection && len(corr) >= 3 {
			corr = rejectOutliers(corr, icp.Params.OutlierThreshold)
		}
		if len(corr) < 3 {
			if iter == 0 {
				return res, ErrNoCorrespondences
			}
			break
		}

		rms := icp.residualRMS(corr, target.Normals)
		res.RMSHistory = append(res.RMSHistory, rms)
		res.FinalRMS = rms
		res.Iterations = iter + 1
		if icp.Progress != nil {
			icp.Progress(iter, rms, t)
		}

		if iter > 0 && math.Abs(prevRMS-rms) < icp.Params.ConvergenceThreshold {
			res.Converged = true
			break
		}
		prevRMS = rms

		delta, err := icp.step(corr, target)
		if err != nil {
			// A degenerate step ends refinement with the best transform
			// so far rather than failing the run.
			log.Printf("[ICP] iteration %d: %v, stopping", iter, err)
			break
		}
		t = delta.Mul(t)
		res.Transform = t
	}

	log.Printf("[ICP] finished: %d iterations, rms %.6f, converged=%v",
		res.Iterations, res.FinalRMS, res.Converged)
	return res, nil
}

// step computes the incremental transform for one iteration. Run
// guarantees normals exist when the plane variant is active; the guard
// covers direct callers.
func (icp *ICP) step(corr []correspondence, target *PointCloud) (Mat4, error) {
	if icp.Params.UsePointToPlane && len(target.Normals) == len(target.Points) {
		return planeStep(corr, target.Normals)
	}
	src := make([]Vec3, len(corr))
	dst := make([]Vec3, len(corr))
	for i, c := range corr {
		src[i] = c.src
		dst[i] = c.dst
	}
	return RigidFit(src, dst)
}

func (icp *ICP) associate(sample []Vec3, tree *KdTree, targetPts []Vec3, t Mat4) []correspondence {
	maxDist := icp.Params.MaxCorrespondenceDistance
	if maxDist <= 0 {
		maxDist = math.Inf(1)
	}
	corr := make([]correspondence, 0, len(sample))
	for _, p := range sample {
		tp := t.Apply(p)
		idx, d, ok := tree.NearestWithin(tp, maxDist)
		if !ok {
			continue
		}
		corr = append(corr, correspondence{src: tp, dst: targetPts[idx], idx: idx, dist: d})
	}
	return corr
}

// rejectOutliers drops correspondences farther than mean + k*sigma.
func rejectOutliers(corr []correspondence, k float64) []correspondence {
	dists := make([]float64, len(corr))
	for i, c := range corr {
		dists[i] = c.dist
	}
	mean, sd := stat.MeanStdDev(dists, nil)
	if sd == 0 || math.IsNaN(sd) {
		return corr
	}
	limit := mean + k*sd
	kept := corr[:0]
	for _, c := range corr {
		if c.dist <= limit {
			kept = append(kept, c)
		}
	}
	return kept
}

// residualRMS is the error the run reports and converges on. The plane
// variant measures residuals along the target normals, so in-plane slip
// does not count as error.
func (icp *ICP) residualRMS(corr []correspondence, normals []Vec3) float64 {
	if icp.Params.UsePointToPlane && len(normals) > 0 {
		var sumSq float64
		for _, c := range corr {
			r := c.src.Sub(c.dst).Dot(normals[c.idx])
			sumSq += r * r
		}
		return math.Sqrt(sumSq / float64(len(corr)))
	}
	return rmsOf(corr)
}

func rmsOf(corr []correspondence) float64 {
	var sumSq float64
	for _, c := range corr {
		sumSq += c.dist * c.dist
	}
	return math.Sqrt(sumSq / float64(len(corr)))
}

// subsample keeps roughly ratio of the points by uniform striding, so
// runs are deterministic.
func subsample(pts []Vec3, ratio float64) []Vec3 {
	if ratio >= 1 || ratio <= 0 || len(pts) == 0 {
		return pts
	}
	keep := int(float64(len(pts)) * ratio)
	if keep < 1 {
		keep = 1
	}
	out := make([]Vec3, 0, keep)
	step := float64(len(pts)) / float64(keep)
	for i := 0; i < keep; i++ {
		out = append(out, pts[int(float64(i)*step)])
	}
	return out
}
