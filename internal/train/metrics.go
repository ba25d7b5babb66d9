package train

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/foresight/foresight/pkg/types"
)

// Evaluate computes the evaluation metric set over a held-out
// partition. MAPE skips zero actuals, matching the usual convention.
func Evaluate(actual, predicted []float64) types.EvalMetrics {
	n := len(actual)
	if n == 0 {
		return types.EvalMetrics{}
	}

	var sumAbs, sumSq, sumPct float64
	var pctCount int
	for i := 0; i < n; i++ {
		diff := predicted[i] - actual[i]
		sumAbs += math.Abs(diff)
		sumSq += diff * diff
		if actual[i] != 0 {
			sumPct += math.Abs(diff / actual[i])
			pctCount++
		}
	}

	m := types.EvalMetrics{
		MAE:  sumAbs / float64(n),
		RMSE: math.Sqrt(sumSq / float64(n)),
	}
	if pctCount > 0 {
		m.MAPE = sumPct / float64(pctCount) * 100
	}

	mean := stat.Mean(actual, nil)
	var ssTot float64
	for i := 0; i < n; i++ {
		d := actual[i] - mean
		ssTot += d * d
	}
	if ssTot > 0 {
		m.R2 = 1 - sumSq/ssTot
	}

	return m
}

// HigherIsBetter reports the comparison direction for a metric name.
func HigherIsBetter(metric string) bool {
	return metric != "mape" && metric != "rmse" && metric != "mae"
}

// Better reports whether score a beats score b on the given metric.
func Better(metric string, a, b float64) bool {
	if HigherIsBetter(metric) {
		return a > b
	}
	return a < b
}

// MeetsThreshold reports whether the score satisfies the acceptance
// minimum for the metric's direction.
func MeetsThreshold(metric string, score, threshold float64) bool {
	if HigherIsBetter(metric) {
		return score >= threshold
	}
	return score <= threshold
}

// WithinTolerance reports whether a candidate score is at least as good
// as the incumbent's, allowing the configured tolerance.
func WithinTolerance(metric string, candidate, incumbent, tolerance float64) bool {
	if HigherIsBetter(metric) {
		return candidate >= incumbent-tolerance
	}
	return candidate <= incumbent+tolerance
}

// Residuals returns the sorted absolute residuals of a held-out
// evaluation, the calibration input for prediction intervals.
func Residuals(actual, predicted []float64) []float64 {
	res := make([]float64, len(actual))
	for i := range actual {
		res[i] = math.Abs(predicted[i] - actual[i])
	}
	sort.Float64s(res)
	return res
}

// ResidualQuantile returns the empirical quantile of sorted absolute
// residuals at the given coverage level, linearly interpolated.
func ResidualQuantile(sortedResiduals []float64, level float64) float64 {
	n := len(sortedResiduals)
	if n == 0 {
		return 0
	}
	if level <= 0 {
		return sortedResiduals[0]
	}
	if level >= 1 {
		return sortedResiduals[n-1]
	}

	pos := level * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sortedResiduals[lo]
	}
	frac := pos - float64(lo)
	return sortedResiduals[lo]*(1-frac) + sortedResiduals[hi]*frac
}
