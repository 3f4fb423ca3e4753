package align

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ErrorStats summarizes per-correspondence residual distances after an
// alignment.
type ErrorStats struct {
	RMS    float64
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	N      int
}

// ComputeErrorStats summarizes a residual slice. Empty input yields the
// zero value.
func ComputeErrorStats(residuals []float64) ErrorStats {
	if len(residuals) == 0 {
		return ErrorStats{}
	}
	s := ErrorStats{N: len(residuals), Min: residuals[0], Max: residuals[0]}
	var sumSq float64
	for _, r := range residuals {
		sumSq += r * r
		s.Min = math.Min(s.Min, r)
		s.Max = math.Max(s.Max, r)
	}
	s.RMS = math.Sqrt(sumSq / float64(len(residuals)))
	s.Mean, s.StdDev = stat.MeanStdDev(residuals, nil)
	if len(residuals) == 1 {
		s.StdDev = 0
	}
	return s
}

// PairResiduals evaluates the residual distance of each pair under t.
func PairResiduals(pairs []PointPair, t Mat4) []float64 {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		out[i] = t.Apply(p.Source).Dist(p.Target)
	}
	return out
}

// QualityLevel grades an alignment by its RMS residual.
type QualityLevel int

const (
	QualityPoor QualityLevel = iota
	QualityAcceptable
	QualityGood
	QualityExcellent
)

func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityAcceptable:
		return "acceptable"
	}
	return "poor"
}

// Survey-grade thresholds in meters.
const (
	excellentRMS  = 0.005
	goodRMS       = 0.02
	acceptableRMS = 0.05
)

// Quality grades the stats against the survey thresholds.
func (s ErrorStats) Quality() QualityLevel {
	switch {
	case s.N == 0:
		return QualityPoor
	case s.RMS <= excellentRMS:
		return QualityExcellent
	case s.RMS <= goodRMS:
		return QualityGood
	case s.RMS <= acceptableRMS:
		return QualityAcceptable
	}
	return QualityPoor
}

// MeetsThreshold reports whether the RMS residual is at or below limit.
func (s ErrorStats) MeetsThreshold(limit float64) bool {
	return s.N > 0 && s.RMS <= limit
}

// Report renders a short human-readable summary, distances in meters.
func (s ErrorStats) Report() string {
	if s.N == 0 {
		return "no residuals"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "alignment quality: %s\n", s.Quality())
	fmt.Fprintf(&b, "  rms:    %.4f m\n", s.RMS)
	fmt.Fprintf(&b, "  mean:   %.4f m (stddev %.4f)\n", s.Mean, s.StdDev)
	fmt.Fprintf(&b, "  range:  [%.4f, %.4f] m\n", s.Min, s.Max)
	fmt.Fprintf(&b, "  count:  %d", s.N)
	return b.String()
}

// IdentifyOutliers returns the indices of residuals more than k standard
// deviations above the mean.
func IdentifyOutliers(residuals []float64, k float64) []int {
	if len(residuals) < 3 {
		return nil
	}
	mean, sd := stat.MeanStdDev(residuals, nil)
	if sd == 0 {
		return nil
	}
	limit := mean + k*sd
	var out []int
	for i, r := range residuals {
		if r > limit {
			out = append(out, i)
		}
	}
	return out
}
