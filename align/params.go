package align

import "math"

// RecommendedParams derives ICP parameters from the combined point count
// and the mean bounding diagonal of the two clouds. The heuristics trade
// accuracy against run time as clouds grow.
func RecommendedParams(source, target *PointCloud) ICPParams {
	p := DefaultICPParams()
	n := len(source.Points) + len(target.Points)

	diag := (source.BoundingDiagonal() + target.BoundingDiagonal()) / 2
	p.MaxCorrespondenceDistance = math.Max(0.01, 0.075*diag)

	if n > 500_000 {
		p.ConvergenceThreshold = 1e-6
	} else {
		p.ConvergenceThreshold = 1e-5
	}

	switch {
	case n > 1_000_000:
		p.MaxIterations = 100
	case n > 100_000:
		p.MaxIterations = 75
	default:
		p.MaxIterations = 50
	}

	switch {
	case n > 2_000_000:
		p.SubsamplingRatio = 0.5
	case n > 1_000_000:
		p.SubsamplingRatio = 0.75
	default:
		p.SubsamplingRatio = 1.0
	}

	p.OutlierRejection = true
	p.OutlierThreshold = 2.5
	return p
}
