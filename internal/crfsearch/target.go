package crfsearch

import (
	"math"

	"reencoder/internal/config"
	"reencoder/internal/store"
)

// bitrate tiers in bits per second, highest first.
var targetTiers = []struct {
	above  int64
	target float64
}{
	{40_000_000, 90},
	{25_000_000, 92},
	{15_000_000, 93},
}

// Target returns the VMAF target for a source bitrate. High-bitrate sources
// get a lower target; the default is never raised.
func Target(bitrate int64, defaultTarget float64) float64 {
	for _, tier := range targetTiers {
		if bitrate > tier.above {
			return math.Min(tier.target, defaultTarget)
		}
	}
	return defaultTarget
}

// Range is an inclusive CRF search window.
type Range struct {
	Min      float64
	Max      float64
	Narrowed bool
}

// DefaultRange returns the configured full range.
func DefaultRange(cfg config.CRFSearch) Range {
	return Range{Min: cfg.MinCRF, Max: cfg.MaxCRF}
}

// SeasonRange narrows the default range around CRFs chosen for sibling
// episodes: mean plus or minus ConfidenceMultiplier standard deviations,
// clamped to the default range and at least MinRangeWidth wide. Fewer than
// MinSeasonSamples values yield the default range.
func SeasonRange(crfs []float64, cfg config.CRFSearch) Range {
	full := DefaultRange(cfg)
	if len(crfs) == 0 || len(crfs) < cfg.MinSeasonSamples {
		return full
	}
	mean, std := meanStd(crfs)
	lo := math.Max(full.Min, mean-cfg.ConfidenceMultiplier*std)
	hi := math.Min(full.Max, mean+cfg.ConfidenceMultiplier*std)

	width := math.Min(cfg.MinRangeWidth, full.Max-full.Min)
	if hi-lo < width {
		center := (lo + hi) / 2
		lo, hi = center-width/2, center+width/2
		if lo < full.Min {
			lo, hi = full.Min, full.Min+width
		}
		if hi > full.Max {
			lo, hi = full.Max-width, full.Max
		}
	}
	lo, hi = store.RoundCRF(lo), store.RoundCRF(hi)
	return Range{Min: lo, Max: hi, Narrowed: lo > full.Min || hi < full.Max}
}

func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
