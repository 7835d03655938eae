package engine

import "testing"

func TestMultiplierPPMAt_Zero(t *testing.T) {
	got := multiplierPPMAt(0)
	want := int64(1_002_400) // 1.0024x
	if got != want {
		t.Fatalf("multiplierPPMAt(0) = %d, want %d", got, want)
	}
}

func TestMultiplierPPMAt_Monotonic(t *testing.T) {
	prev := multiplierPPMAt(0)
	for t2 := 0.5; t2 <= 20; t2 += 0.5 {
		got := multiplierPPMAt(t2)
		if got < prev {
			t.Fatalf("multiplier decreased at t=%v: %d < %d", t2, got, prev)
		}
		prev = got
	}
}

func TestCrashOffsetSeconds_RoundTrips(t *testing.T) {
	for _, crashPPM := range []int64{1_500_000, 2_000_000, 10_000_000, 100_000_000} {
		offset := crashOffsetSeconds(crashPPM)
		if offset < 0 {
			t.Fatalf("crashOffsetSeconds(%d) = %v, want >= 0", crashPPM, offset)
		}
		got := multiplierPPMAt(offset)
		diff := got - crashPPM
		if diff < 0 {
			diff = -diff
		}
		if diff > 100 { // allow tiny rounding slack (1e-4 multiplier)
			t.Fatalf("crashOffsetSeconds(%d) round-trip = %d, want close to %d", crashPPM, got, crashPPM)
		}
	}
}

func TestCrashOffsetSeconds_InstantCrashIsNonPositive(t *testing.T) {
	// 1.00x is below the curve's value at t=0 (1.0024x), so the instant-crash
	// case always yields a non-positive offset: the round crashes on the
	// first running-phase tick.
	offset := crashOffsetSeconds(1_000_000)
	if offset > 0 {
		t.Fatalf("crashOffsetSeconds(min) = %v, want <= 0", offset)
	}
}
