// Package math provides small statistical helpers used to summarize
// operation latencies and other numeric series collected by the agent.
package math

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	return Sum(values) / float64(len(values))
}

// Variance returns the population variance of values, or 0 for an empty
// or single-element slice.
func Variance(values []float64) float64 {
	if len(values) <= 1 {
		return 0.0
	}
	mean := Mean(values)
	var sumSquares float64
	for _, v := range values {
		d := v - mean
		sumSquares += d * d
	}
	return sumSquares / float64(len(values))
}

// StandardDeviation returns the population standard deviation of
// values.
func StandardDeviation(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// Min returns the smallest value in values, or 0 for an empty slice.
func Min(values []float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Max returns the largest value in values, or 0 for an empty slice.
func Max(values []float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Sum returns the sum of values, or 0 for an empty slice.
func Sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// Percentile returns the p-th percentile (0 <= p <= 100) of values using
// linear interpolation between closest ranks (the "R-7"/NIST method).
// Returns 0 for an empty slice. Does not mutate values.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	if p <= 0 {
		return Min(values)
	}
	if p >= 100 {
		return Max(values)
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
