// Package stats holds the numeric building blocks shared by the aggregators,
// the baseline store, and the A/B analysis.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// MeanStdDev returns the mean and the population standard deviation.
func MeanStdDev(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	mean, std = stat.PopMeanStdDev(xs, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

// SampleVariance returns the unbiased (n-1) variance.
func SampleVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.Variance(xs, nil)
}

// Sorted returns a sorted copy of xs.
func Sorted(xs []float64) []float64 {
	out := make([]float64, len(xs))
	copy(out, xs)
	sort.Float64s(out)
	return out
}

// Quantile returns the empirical p-quantile of an already sorted slice.
func Quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	p = math.Max(0, math.Min(1, p))
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// Quantiles sorts a copy of xs once and evaluates every p.
func Quantiles(xs []float64, ps ...float64) []float64 {
	out := make([]float64, len(ps))
	if len(xs) == 0 {
		return out
	}
	sorted := Sorted(xs)
	for i, p := range ps {
		out[i] = Quantile(sorted, p)
	}
	return out
}

// LinearFit fits y = alpha + beta*x by least squares.
func LinearFit(xs, ys []float64) (alpha, beta float64) {
	if len(xs) < 2 || len(xs) != len(ys) {
		return Mean(ys), 0
	}
	alpha, beta = stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(alpha) || math.IsNaN(beta) {
		return Mean(ys), 0
	}
	return alpha, beta
}

// TTest is the result of a pooled two-sample t-test.
type TTest struct {
	MeanA        float64 `json:"meanA"`
	MeanB        float64 `json:"meanB"`
	PooledStdDev float64 `json:"pooledStdDev"`
	T            float64 `json:"t"`
	PValue       float64 `json:"pValue"`
	Significant  bool    `json:"significant"`
}

// PooledTTest compares a and b assuming equal variances. The p-value is a
// table lookup on |t|: 2.576 → 0.01, 1.96 → 0.05, 1.645 → 0.10, otherwise 1.
func PooledTTest(a, b []float64) TTest {
	res := TTest{PValue: 1}
	na, nb := float64(len(a)), float64(len(b))
	if na < 2 || nb < 2 {
		return res
	}
	res.MeanA = Mean(a)
	res.MeanB = Mean(b)
	pooledVar := ((na-1)*SampleVariance(a) + (nb-1)*SampleVariance(b)) / (na + nb - 2)
	res.PooledStdDev = math.Sqrt(pooledVar)
	se := res.PooledStdDev * math.Sqrt(1/na+1/nb)
	if se == 0 {
		return res
	}
	res.T = (res.MeanB - res.MeanA) / se
	res.PValue = PValueForT(res.T)
	res.Significant = res.PValue < 1
	return res
}

// PValueForT maps |t| onto the coarse significance table.
func PValueForT(t float64) float64 {
	abs := math.Abs(t)
	switch {
	case abs > 2.576:
		return 0.01
	case abs > 1.96:
		return 0.05
	case abs > 1.645:
		return 0.10
	default:
		return 1
	}
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
