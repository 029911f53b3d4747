package pacing

import (
	"math/rand"
	"time"
)

// SendDelay returns the wait before the next send for a profile capped
// at maxPerHour sends. The base interval 3600/maxPerHour seconds is
// jittered by a uniform factor in [1-randomness, 1+randomness] so the
// fleet does not tick in lockstep.
func SendDelay(maxPerHour int, randomness float64, rng *rand.Rand) time.Duration {
	if maxPerHour <= 0 {
		return time.Minute
	}
	base := 3600.0 / float64(maxPerHour)
	factor := 1.0
	if randomness > 0 {
		factor = 1 - randomness + 2*randomness*rng.Float64()
	}
	return time.Duration(base * factor * float64(time.Second))
}

// SlowModeDelay clamps a platform-reported slow mode wait to a sane
// range, substituting fallback when the wait is unknown.
func SlowModeDelay(reported, fallback time.Duration) time.Duration {
	if reported <= 0 {
		return fallback
	}
	const ceiling = 6 * time.Hour
	if reported > ceiling {
		return ceiling
	}
	return reported
}

// Backoff returns base*2^attempt capped at limit, for restart and
// retry schedules.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
