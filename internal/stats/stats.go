// Package stats holds the small numeric helpers shared by the Detector,
// Aggregator, and MarketEnv Updater: clipping, EWMA, percentile rank,
// MAD-based z-likeness, and the FNV-1a hash used for the candidates_hash
// fingerprint (spec.md §4.2 step 6, §4.3.1, §4.4). Arithmetic here is on
// float64 throughout — thresholds compare against percentile-derived
// values, never against money (spec.md §9).
package stats

import (
	"hash/fnv"
	"math"
	"sort"
)

// Clip01 clamps x into [0, 1].
func Clip01(x float64) float64 {
	return Clip(x, 0, 1)
}

// Clip clamps x into [lo, hi].
func Clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Sign returns -1, 0, or 1.
func Sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// EWMA is an exponential moving average with bootstrap-on-first-value
// semantics (spec.md §4.2 step 6: dynAbsDelta := α·|Δ| + (1−α)·dynAbsDelta).
type EWMA struct {
	Alpha     float64
	value     float64
	bootstrap bool
}

func NewEWMA(alpha float64) *EWMA {
	return &EWMA{Alpha: alpha}
}

func (e *EWMA) Update(x float64) float64 {
	if !e.bootstrap {
		e.value = x
		e.bootstrap = true
		return e.value
	}
	e.value = e.Alpha*x + (1-e.Alpha)*e.value
	return e.value
}

func (e *EWMA) Value() float64 { return e.value }

// PercentileRank returns the fraction of history strictly less than x, in
// [0,1], the rank-within-history treatment used for vol/liq percentiles
// (spec.md §4.4).
func PercentileRank(history []float64, x float64) float64 {
	if len(history) == 0 {
		return 0
	}
	below := 0
	for _, h := range history {
		if h < x {
			below++
		}
	}
	return float64(below) / float64(len(history))
}

// Median returns the sample median; xs is not mutated.
func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// MAD returns the median absolute deviation of xs about its own median.
func MAD(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Median(xs)
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - m)
	}
	return Median(devs)
}

// ZLike computes a robust z-score: diff / (1.4826*MAD(diffs) + eps), the
// OI-regime "zLike" of spec.md §4.4.
func ZLike(diff float64, diffs []float64, eps float64) float64 {
	denom := 1.4826*MAD(diffs) + eps
	if denom == 0 {
		return 0
	}
	return diff / denom
}

// RoundTo rounds x to the nearest multiple of step (approx_key fingerprint
// quantization, spec.md §4.3.2 step 8).
func RoundTo(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Round(x/step) * step
}

// FNV1a hashes s with 32-bit FNV-1a, used for the candidates_hash evidence
// field (spec.md §4.3.2 step 9).
func FNV1a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
