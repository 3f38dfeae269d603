package hls

import (
	"strings"
)

// bandwidthSafetyMargin is the share of measured bandwidth a variant may use
const bandwidthSafetyMargin = 0.8

// Caps narrows the candidate variants for a client
type Caps struct {
	// MaxBitrate is the highest bandwidth the client accepts, 0 for no limit
	MaxBitrate int
	// PreferredCodec matches a Variant.Codecs value, empty for any
	PreferredCodec string
}

// GetOptimalQuality returns the highest-bandwidth variant that fits within
// 80% of bandwidthBps, or the lowest variant when none fits. Caps only
// apply when they leave at least one candidate. It returns false when
// available is empty.
func GetOptimalQuality(available []Variant, bandwidthBps int, caps Caps) (Variant, bool) {
	if len(available) == 0 {
		return Variant{}, false
	}

	candidates := SortVariants(available)

	if caps.MaxBitrate > 0 {
		candidates = filterOrKeep(candidates, func(v Variant) bool {
			return v.Bandwidth <= caps.MaxBitrate
		})
	}
	if caps.PreferredCodec != "" {
		candidates = filterOrKeep(candidates, func(v Variant) bool {
			return strings.EqualFold(v.Codecs, caps.PreferredCodec)
		})
	}

	budget := float64(bandwidthBps) * bandwidthSafetyMargin

	best := -1
	for i, v := range candidates {
		if float64(v.Bandwidth) <= budget {
			best = i
		} else {
			// ascending order
			break
		}
	}
	if best < 0 {
		best = 0
	}
	return candidates[best], true
}

func filterOrKeep(variants []Variant, keep func(Variant) bool) []Variant {
	var filtered []Variant
	for _, v := range variants {
		if keep(v) {
			filtered = append(filtered, v)
		}
	}
	if len(filtered) == 0 {
		return variants
	}
	return filtered
}
