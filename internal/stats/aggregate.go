package stats

import "math"

// Aggregate is the shape shared by buckets, segment entries, and A/B
// variant statistics: additive counters, extrema, and a bounded reservoir.
type Aggregate struct {
	Count            int64
	Sum              float64
	Min              float64
	Max              float64
	Errors           int64
	CompetitiveCount int64
	reservoir        Reservoir
}

// NewAggregate wraps the given reservoir.
func NewAggregate(r Reservoir) *Aggregate {
	return &Aggregate{reservoir: r, Min: math.Inf(1), Max: math.Inf(-1)}
}

// Add folds one sample in and reports whether the reservoir evicted.
func (a *Aggregate) Add(v float64, failed, competitive bool) bool {
	a.Count++
	a.Sum += v
	a.Min = math.Min(a.Min, v)
	a.Max = math.Max(a.Max, v)
	if failed {
		a.Errors++
	}
	if competitive {
		a.CompetitiveCount++
	}
	return a.reservoir.Offer(v)
}

// Merge folds o into a: additive fields add, extrema combine, and o's
// reservoir samples are offered to a's reservoir.
func (a *Aggregate) Merge(o *Aggregate) {
	if o == nil || o.Count == 0 {
		return
	}
	a.Count += o.Count
	a.Sum += o.Sum
	a.Errors += o.Errors
	a.CompetitiveCount += o.CompetitiveCount
	a.Min = math.Min(a.Min, o.Min)
	a.Max = math.Max(a.Max, o.Max)
	for _, v := range o.reservoir.Values() {
		a.reservoir.Offer(v)
	}
}

// Samples returns a copy of the reservoir contents.
func (a *Aggregate) Samples() []float64 {
	return a.reservoir.Values()
}

// View is the derived read model of an Aggregate.
type View struct {
	Count            int64   `json:"count"`
	Sum              float64 `json:"sum"`
	Min              float64 `json:"min"`
	Max              float64 `json:"max"`
	Mean             float64 `json:"mean"`
	StdDev           float64 `json:"stdDev"`
	Median           float64 `json:"median"`
	P95              float64 `json:"p95"`
	P99              float64 `json:"p99"`
	Errors           int64   `json:"errors"`
	ErrorRate        float64 `json:"errorRate"`
	CompetitiveCount int64   `json:"competitiveCount"`
	CompetitiveRate  float64 `json:"competitiveRate"`
	SampleSize       int     `json:"sampleSize"`
}

// View derives mean from the exact sum; spread and percentiles come from
// the reservoir.
func (a *Aggregate) View() View {
	v := View{
		Count:            a.Count,
		Sum:              a.Sum,
		Errors:           a.Errors,
		CompetitiveCount: a.CompetitiveCount,
	}
	if a.Count == 0 {
		return v
	}
	v.Min = a.Min
	v.Max = a.Max
	v.Mean = a.Sum / float64(a.Count)
	v.ErrorRate = float64(a.Errors) / float64(a.Count)
	v.CompetitiveRate = float64(a.CompetitiveCount) / float64(a.Count)

	samples := a.reservoir.Values()
	v.SampleSize = len(samples)
	_, v.StdDev = MeanStdDev(samples)
	q := Quantiles(samples, 0.5, 0.95, 0.99)
	v.Median, v.P95, v.P99 = q[0], q[1], q[2]
	return v
}
