package cost

import (
	"math"
	"testing"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		duration int
		hour     int
		want     float64
	}{
		// Hour 14 is in the off-peak range (9..14), not the peak set, so
		// passengers=50. The S6 window's cost uses the closing hour 15
		// instead; see TestComputeSpecExample.
		{"hour 14 treated as off-peak", 900, 14, (900.0 / 3600.0) * (50*22 + 80 + 5)},
		{"night hour", 3600, 2, 10*22 + 80 + 5},
		{"peak hour 17", 3600, 17, 150*22 + 80 + 5},
		{"zero duration", 0, 8, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(DefaultConstants, tc.duration, tc.hour)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Compute(%d, %d) = %v, want %v", tc.duration, tc.hour, got, tc.want)
			}
		})
	}
}

func TestComputeSpecExample(t *testing.T) {
	// §8 S6: hour window 14:00-15:00 on 2025-01-07, total_seconds=900,
	// cost_pln = (900/3600) * (150*22+80+5) = 846.25. passengers()=150
	// requires hour_of_day=15 (the window's closing hour, which is in
	// §6.4's peak set {7,8,15,16,17}) rather than 14 (the opening hour,
	// which is off-peak). HourlyIntersectionStat.cost_pln therefore
	// uses the closing hour of its [hour, hour+1) window as hour_of_day.
	got := Compute(DefaultConstants, 900, 15)
	want := 846.25
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Compute(900, 15) = %v, want %v", got, want)
	}
}
