package scoring

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Latency buckets the mean of the sampled latencies (milliseconds) to a power
// of ten: a 42ms mean scores 10, a 420ms mean scores 100. Lower is faster.
//
// The boolean is false when there are no samples.
func Latency(samples []float64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}

	return OrderOfMagnitude(stat.Mean(samples, nil)), true
}

// OrderOfMagnitude returns 10^floor(log10(v)). Non-positive values map to 0.
func OrderOfMagnitude(v float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) {
		return v
	}

	exp := math.Floor(math.Log10(v))
	// Log10 is off by one ulp for some exact powers of ten (1000 -> 2.999...).
	if math.Pow(10, exp+1) <= v {
		exp++
	} else if math.Pow(10, exp) > v {
		exp--
	}

	return math.Pow(10, exp)
}
