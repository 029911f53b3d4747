package pacing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProfileLimiter is a local token bucket per profile. It complements
// the hourly budget the store enforces: the store gate is the source of
// truth, this one smooths a worker's cadence without a database round
// trip.
type ProfileLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewProfileLimiter allows maxPerHour sends per hour per profile with a
// burst of one.
func NewProfileLimiter(maxPerHour int) *ProfileLimiter {
	return &ProfileLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(maxPerHour) / 3600.0),
		b:        1,
	}
}

func (l *ProfileLimiter) get(profileID string) *rate.Limiter {
	limiter, ok := l.limiters[profileID]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[profileID] = limiter
	}
	return limiter
}

// Allow reports whether the profile may send now.
func (l *ProfileLimiter) Allow(profileID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(profileID).Allow()
}

// Reserve reports whether the profile may send now and, if not, how
// long to wait. The reservation is not held.
func (l *ProfileLimiter) Reserve(profileID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(profileID).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
