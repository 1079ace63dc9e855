package bench

import (
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a latency sample in milliseconds.
type Summary struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	P50    float64
	P90    float64
	P99    float64
}

// Summarize computes a Summary of the given latencies. An empty sample
// returns the zero Summary.
func Summarize(latencies []time.Duration) Summary {
	if len(latencies) == 0 {
		return Summary{}
	}
	xs := make([]float64, len(latencies))
	for i, d := range latencies {
		xs[i] = float64(d) / float64(time.Millisecond)
	}
	slices.Sort(xs)

	s := Summary{
		Count: len(xs),
		Min:   floats.Min(xs),
		Max:   floats.Max(xs),
		P50:   stat.Quantile(0.5, stat.Empirical, xs, nil),
		P90:   stat.Quantile(0.9, stat.Empirical, xs, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, xs, nil),
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		s.StdDev = 0
	}
	return s
}
