package google

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxPenaltyLevel = 6

// AdaptiveLimiter throttles calendar API calls to a base rate and backs
// off when the provider starts rejecting. Each rate-limit response halves
// the allowed rate; each quiet recovery interval steps the rate back up,
// so the limiter always returns to the base rate once the provider stops
// rejecting requests.
type AdaptiveLimiter struct {
	mu           sync.Mutex
	base         rate.Limit
	limiter      *rate.Limiter
	penaltyLevel int
	lastChange   time.Time
	recoverAfter time.Duration
}

func NewAdaptiveLimiter(perSecond float64, recoverAfter time.Duration) *AdaptiveLimiter {
	base := rate.Limit(perSecond)
	return &AdaptiveLimiter{
		base:         base,
		limiter:      rate.NewLimiter(base, 1),
		recoverAfter: recoverAfter,
	}
}

// Wait blocks until a call is permitted or the context is cancelled.
func (l *AdaptiveLimiter) Wait(ctx context.Context) error {
	l.maybeRecover(time.Now())
	return l.limiter.Wait(ctx)
}

// Backoff registers a provider rate-limit response.
func (l *AdaptiveLimiter) Backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.penaltyLevel < maxPenaltyLevel {
		l.penaltyLevel++
	}
	l.limiter.SetLimit(l.currentLimit())
	l.lastChange = time.Now()
}

// Limit returns the current allowed rate.
func (l *AdaptiveLimiter) Limit() rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.Limit()
}

func (l *AdaptiveLimiter) currentLimit() rate.Limit {
	limit := l.base
	for i := 0; i < l.penaltyLevel; i++ {
		limit /= 2
	}
	return limit
}

func (l *AdaptiveLimiter) maybeRecover(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.penaltyLevel > 0 && now.Sub(l.lastChange) >= l.recoverAfter {
		l.penaltyLevel--
		l.lastChange = l.lastChange.Add(l.recoverAfter)
	}
	l.limiter.SetLimit(l.currentLimit())
}
