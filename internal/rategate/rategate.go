// Package rategate implements the per-domain token-bucket admission gate
// described in spec §4.4: lazy refill (no background timer), blocking
// acquire up to a timeout, and live rate/capacity updates from the
// FeedbackController that only affect future acquires.
//
// Grounded on control_plane/scheduler/limiter.go's TokenBucketLimiter
// (per-key map of golang.org/x/time/rate.Limiter guarded by one mutex);
// extended here with a blocking Acquire (the teacher's Allow/Reserve are
// both non-blocking, since its callers poll) built on rate.Limiter.Wait.
package rategate

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Outcome is the result of an Acquire call.
type Outcome int

const (
	OK Outcome = iota
	Timeout
	Canceled
)

// Gate is a per-domain token bucket rate limiter.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	defaultR rate.Limit
	defaultB int
}

// New creates a Gate whose domains default to r tokens/second with burst
// capacity b until overridden per-domain via Update.
func New(r float64, b int) *Gate {
	return &Gate{
		limiters: make(map[string]*rate.Limiter),
		defaultR: rate.Limit(r),
		defaultB: b,
	}
}

func (g *Gate) limiterFor(domain string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[domain]
	if !ok {
		l = rate.NewLimiter(g.defaultR, g.defaultB)
		g.limiters[domain] = l
	}
	return l
}

// Acquire blocks until a token for domain is available, timeout elapses, or
// ctx is canceled — whichever comes first.
func (g *Gate) Acquire(ctx context.Context, domain string, timeout time.Duration) Outcome {
	l := g.limiterFor(domain)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := l.Wait(waitCtx)
	if err == nil {
		return OK
	}
	if ctx.Err() != nil {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Timeout
}

// TryAcquire is the non-blocking form: consumes a token immediately if one
// is available, otherwise reports false without waiting.
func (g *Gate) TryAcquire(domain string) bool {
	return g.limiterFor(domain).Allow()
}

// Update adjusts domain's rate and burst capacity. Per spec §4.4, this
// takes effect on the next acquire; any already-blocked waiters continue
// waiting against the limiter's prior configuration's in-flight
// reservation since x/time/rate applies new limits going forward only.
func (g *Gate) Update(domain string, r float64, capacity int) {
	l := g.limiterFor(domain)
	l.SetLimit(rate.Limit(r))
	l.SetBurst(capacity)
}

// Remove drops per-domain state, e.g. when a domain is retired.
func (g *Gate) Remove(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, domain)
}
