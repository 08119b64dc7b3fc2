package trigger

import (
	"math"
	"math/rand"
	"testing"
)

func TestLocate(t *testing.T) {
	testCases := []struct {
		name      string
		samples   []int16
		threshold int16
		want      int
	}{
		{"example", []int16{1, 1, 3, 1}, 2, 2},
		{"none", []int16{1, 2, -2, 0}, 2, 4},
		{"empty", nil, 2, 0},
		{"negative crossing", []int16{0, -5, 9}, 4, 1},
		{"equal is not above", []int16{4, 4, 5}, 4, 2},
		{"most negative sample", []int16{0, math.MinInt16}, math.MaxInt16, 1},
		{"first sample", []int16{100, 0}, 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Locate(tc.samples, tc.threshold); got != tc.want {
				t.Errorf("Locate(%v, %d) = %d, want %d", tc.samples, tc.threshold, got, tc.want)
			}
		})
	}
}

// TestLocateSmallestIndex compares Locate against a brute force definition on
// random buffers.
func TestLocateSmallestIndex(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 200; n++ {
		samples := make([]int16, rng.Intn(64))
		for i := range samples {
			samples[i] = int16(rng.Intn(401) - 200)
		}
		threshold := int16(rng.Intn(250))

		want := len(samples)
		for i, s := range samples {
			if math.Abs(float64(s)) > float64(threshold) {
				want = i
				break
			}
		}
		if got := Locate(samples, threshold); got != want {
			t.Fatalf("Locate(%v, %d) = %d, want %d", samples, threshold, got, want)
		}
	}
}

func TestLocateFrom(t *testing.T) {
	samples := []int16{9, 0, 0, 9, 0}
	testCases := []struct {
		offset int
		want   int
	}{
		{0, 0},
		{1, 3},
		{3, 3},
		{4, 5},
		{5, 5},
		{12, 5},
		{-3, 0},
	}
	for _, tc := range testCases {
		if got := LocateFrom(samples, tc.offset, 5); got != tc.want {
			t.Errorf("LocateFrom(offset=%d) = %d, want %d", tc.offset, got, tc.want)
		}
	}
}

func pulseTrain(n, period int, amplitude int16) []int16 {
	samples := make([]int16, n)
	for i := 0; i < n; i += period {
		samples[i] = amplitude
	}
	return samples
}

func TestEstimatePRF(t *testing.T) {
	samples := pulseTrain(1000, 100, 10)
	if got := EstimatePRF(samples, 5, 50, 1000, DefaultMaxTriggers); got != 10 {
		t.Errorf("EstimatePRF() = %f, want 10", got)
	}
}

func TestEstimatePRFSkipsPulseBody(t *testing.T) {
	// Wide pulses must be counted once each.
	samples := make([]int16, 2000)
	for start := 0; start < len(samples); start += 200 {
		for i := start; i < start+20; i++ {
			samples[i] = 30
		}
	}
	if got := EstimatePRF(samples, 5, 50, 1e6, DefaultMaxTriggers); got != 5000 {
		t.Errorf("EstimatePRF() = %f, want 5000", got)
	}
}

func TestEstimatePRFCapsTriggers(t *testing.T) {
	// Spacing changes after the third pulse; with a cap of 3 only the first
	// spacing is seen.
	samples := make([]int16, 1000)
	for _, i := range []int{0, 100, 200, 250, 300} {
		samples[i] = 10
	}
	if got := EstimatePRF(samples, 5, 10, 1000, 3); got != 10 {
		t.Errorf("EstimatePRF() = %f, want 10", got)
	}
}

func TestEstimatePRFTooFewCrossings(t *testing.T) {
	testCases := []struct {
		name    string
		samples []int16
	}{
		{"none", make([]int16, 1000)},
		{"one", pulseTrain(100, 1000, 10)},
		{"empty", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EstimatePRF(tc.samples, 5, 50, 1000, DefaultMaxTriggers); got != 0 {
				t.Errorf("EstimatePRF() = %f, want 0", got)
			}
		})
	}
}

func TestRound(t *testing.T) {
	testCases := []struct {
		prf, step, want float64
	}{
		{10, 0, 10},
		{1499, 1000, 1000},
		{1500, 1000, 2000},
		{2400.4, 1000, 2000},
		{987.6, -1, 987.6},
	}
	for _, tc := range testCases {
		if got := Round(tc.prf, tc.step); got != tc.want {
			t.Errorf("Round(%f, %f) = %f, want %f", tc.prf, tc.step, got, tc.want)
		}
	}
}
