// Package ratelimit provides the optional throttles a ledger.Ledger can
// install in front of Emit: an in-process per-agent token bucket, and a
// Redis-backed bucket shared across writer processes.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// InProcess is a per-agent token bucket limiter backed by
// golang.org/x/time/rate. It satisfies ledger.RateLimiter.
type InProcess struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	ratePerS float64
	burst    int
}

// NewInProcess builds a limiter allowing ratePerSecond sustained emits per
// agent, with a burst allowance of burst.
func NewInProcess(ratePerSecond float64, burst int) *InProcess {
	return &InProcess{
		buckets:  make(map[string]*rate.Limiter),
		ratePerS: ratePerSecond,
		burst:    burst,
	}
}

// Allow reports whether agentID may emit now, consuming one token if so.
func (l *InProcess) Allow(_ context.Context, agentID string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[agentID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.ratePerS), l.burst)
		l.buckets[agentID] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}
