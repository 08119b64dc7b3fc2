// Package trigger finds radar trigger pulses in sample buffers.
package trigger

import (
	"math"

	"github.com/golang/glog"
)

// DefaultMaxTriggers caps the number of crossings EstimatePRF looks at.
const DefaultMaxTriggers = 50

func abs(s int16) int32 {
	v := int32(s)
	if v < 0 {
		return -v
	}
	return v
}

// Locate returns the index of the first sample whose absolute amplitude
// exceeds threshold, or len(samples) if there is none.
func Locate(samples []int16, threshold int16) int {
	th := int32(threshold)
	for i, s := range samples {
		if abs(s) > th {
			return i
		}
	}
	return len(samples)
}

// LocateFrom is Locate restricted to samples[offset:]. The returned index is
// relative to the start of samples; len(samples) still means "not found".
func LocateFrom(samples []int16, offset int, threshold int16) int {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(samples) {
		return len(samples)
	}
	return offset + Locate(samples[offset:], threshold)
}

// EstimatePRF estimates the pulse repetition frequency in Hz of a continuous
// capture. Up to maxTriggers crossings are recorded, skipping spt samples after
// each one so the same pulse is not counted twice. It returns 0 if fewer than
// two crossings were found.
func EstimatePRF(samples []int16, threshold int16, spt int, rate float64, maxTriggers int) float64 {
	if maxTriggers < 2 {
		maxTriggers = DefaultMaxTriggers
	}
	crossings := make([]int, 0, maxTriggers)
	for i := 0; i < len(samples) && len(crossings) < maxTriggers; {
		i = LocateFrom(samples, i, threshold)
		if i == len(samples) {
			break
		}
		crossings = append(crossings, i)
		i += spt + 1
	}

	if len(crossings) < 2 {
		glog.Warningf("failed to trigger twice for PRF detection (found %d crossings in %d samples)", len(crossings), len(samples))
		return 0
	}

	// The mean of consecutive differences telescopes to (last-first)/(n-1).
	meanDiff := float64(crossings[len(crossings)-1]-crossings[0]) / float64(len(crossings)-1)
	glog.V(1).Infof("PRF detection: %d crossings, mean spacing %.1f samples", len(crossings), meanDiff)
	return rate / meanDiff
}

// Round rounds prf to the nearest multiple of step Hz. A step <= 0 returns prf
// unchanged.
func Round(prf float64, step float64) float64 {
	if step <= 0 {
		return prf
	}
	return math.Round(prf/step) * step
}
