// Package canstat holds the small numeric primitives — sample statistics, Shannon
// entropy, byte-difference ratios — shared by the Baseline Engine and the Tamper
// Detector, grounded on original_source/utils/helpers.py.
package canstat

import (
	"math"
	"sort"
)

// Summary mirrors helpers.calculate_stats: mean, Bessel-corrected sample stddev,
// median, min, max, and the sample count.
type Summary struct {
	Mean   float64
	Std    float64
	Median float64
	Min    float64
	Max    float64
	Count  int
}

// Calculate computes Summary over values. A single sample yields Std=0 (no Bessel
// correction is possible); an empty slice yields the zero Summary with Count=0.
func Calculate(values []float64) Summary {
	n := len(values)
	if n == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var std float64
	if n > 1 {
		var sq float64
		for _, v := range values {
			d := v - mean
			sq += d * d
		}
		std = math.Sqrt(sq / float64(n-1))
	}

	return Summary{
		Mean:   mean,
		Std:    std,
		Median: median(sorted),
		Min:    sorted[0],
		Max:    sorted[n-1],
		Count:  n,
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Entropy computes the Shannon entropy, in bits, of a byte payload's value
// distribution (original_source's calculate_entropy). Returns 0 for an empty payload.
func Entropy(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range payload {
		freq[b]++
	}
	n := float64(len(payload))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// ByteDifferenceRatio reports the fraction of byte positions that differ between two
// equal-length payloads (original_source's calculate_byte_difference_ratio). Returns 0
// if the payloads differ in length or are empty.
func ByteDifferenceRatio(a, b []byte) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	diff := 0
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	return float64(diff) / float64(len(a))
}
