package engine

import "math"

// curveBase and curveGrowth parameterize the closed-form growth curve
// m(t) = curveBase * curveGrowth^t, t in seconds since running-phase start.
const (
	curveBase   = 1.0024
	curveGrowth = 1.0718
)

// multiplierPPMAt returns m(t) in parts-per-million, t measured in seconds
// of elapsed running time.
func multiplierPPMAt(elapsedSeconds float64) int64 {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	m := curveBase * math.Pow(curveGrowth, elapsedSeconds)
	return int64(math.Round(m * 1_000_000))
}

// crashOffsetSeconds inverts the curve to find the elapsed running time at
// which m(t) first reaches crashPPM, letting the engine schedule the crash
// instant directly rather than polling m(t) against the target every tick.
func crashOffsetSeconds(crashPPM int64) float64 {
	crashMultiplier := float64(crashPPM) / 1_000_000
	return math.Log(crashMultiplier/curveBase) / math.Log(curveGrowth)
}
