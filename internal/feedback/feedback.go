// Package feedback implements the FeedbackController of spec §4.9: a
// bounded sliding window of per-domain {success, failure(kind)} signals,
// periodically collapsed into rate/concurrency/proxy-rotation
// adjustments, cooldown-gated to prevent oscillation.
//
// Grounded on control_plane/scheduler/types.go's NodeHealth
// (CalculateCompositeScore folding several weighted signals into one
// number that drives a threshold-gated Quarantined flag) and
// control_plane/scheduler/circuit_breaker.go's CircuitBreaker
// (cooldownPeriod gating state transitions, State/openedAt bookkeeping) —
// generalized here from a single binary trip to a small policy table over
// a rolling window, since spec.md §4.9 is explicit about the three rules
// rather than leaving threshold/response tuning to this package.
package feedback

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
)

// Signal is one {success, failure(kind)} observation for a domain.
type Signal struct {
	Success bool
	Kind    coordinator.FailureKind // meaningful only when !Success
	At      time.Time
}

// Config bounds the adjustable parameters and the window/cooldown shape.
// Per spec §4.9, "parameters are bounded by configured (min, max); changes
// are clipped."
type Config struct {
	WindowSize   int
	TickInterval time.Duration
	Cooldown     time.Duration

	DefaultRate float64
	MinRate     float64
	MaxRate     float64

	DefaultConcurrency int
	MinConcurrency     int

	DefaultProxyRotate time.Duration
	MinProxyRotate     time.Duration
}

// DefaultConfig matches spec.md's stated defaults: window 50, tick 30s.
var DefaultConfig = Config{
	WindowSize:         50,
	TickInterval:       30 * time.Second,
	Cooldown:           time.Minute,
	DefaultRate:        5,
	MinRate:            0.5,
	MaxRate:            50,
	DefaultConcurrency: 10,
	MinConcurrency:     1,
	DefaultProxyRotate: time.Minute,
	MinProxyRotate:     time.Second,
}

// Adjustment records what changed for a domain and why, for logging and
// tests — spec §4.9 requires adjustments to be "logged with the window
// statistics and reasons that drove them."
type Adjustment struct {
	Domain      string
	Reason      string
	SuccessRate float64
	RateLimits  int
	Blocks      int
	At          time.Time
}

type domainState struct {
	window []Signal // ring buffer, oldest overwritten first

	rate        float64
	concurrency int
	proxyRotate time.Duration

	lastAdjustmentAt time.Time
}

// Controller is the FeedbackController.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	domains map[string]*domainState
	now     func() time.Time

	onRateChange        func(domain string, rate float64, concurrency int)
	onProxyRotateChange func(domain string, interval time.Duration)
	adjustments         []Adjustment

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig.WindowSize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	return &Controller{
		cfg:     cfg,
		domains: make(map[string]*domainState),
		now:     time.Now,
	}
}

// WithClock overrides the time source (tests only).
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// OnRateChange registers the callback invoked when rate or concurrency
// changes — typically wired to RateGate.Update and the Dispatcher's
// global concurrency budget.
func (c *Controller) OnRateChange(fn func(domain string, rate float64, concurrency int)) {
	c.onRateChange = fn
}

// OnProxyRotateChange registers the callback invoked when the proxy
// rotation cadence changes.
func (c *Controller) OnProxyRotateChange(fn func(domain string, interval time.Duration)) {
	c.onProxyRotateChange = fn
}

func (c *Controller) stateFor(domain string) *domainState {
	s, ok := c.domains[domain]
	if !ok {
		s = &domainState{
			rate:        c.cfg.DefaultRate,
			concurrency: c.cfg.DefaultConcurrency,
			proxyRotate: c.cfg.DefaultProxyRotate,
		}
		c.domains[domain] = s
	}
	return s
}

// Record appends one observation to domain's sliding window, evicting the
// oldest once the window is full.
func (c *Controller) Record(domain string, success bool, kind coordinator.FailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stateFor(domain)
	sig := Signal{Success: success, Kind: kind, At: c.now()}
	if len(s.window) < c.cfg.WindowSize {
		s.window = append(s.window, sig)
	} else {
		copy(s.window, s.window[1:])
		s.window[len(s.window)-1] = sig
	}
}

// Evaluate applies spec §4.9's policy table to domain's current window,
// gated by the cooldown since its last adjustment. Returns the
// Adjustment made, or nil if no rule fired or the domain is in cooldown.
func (c *Controller) Evaluate(domain string) *Adjustment {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.domains[domain]
	if !ok || len(s.window) == 0 {
		return nil
	}

	now := c.now()
	if !s.lastAdjustmentAt.IsZero() && now.Sub(s.lastAdjustmentAt) < c.cfg.Cooldown {
		return nil
	}

	successes, rateLimits, blocks := 0, 0, 0
	for _, sig := range s.window {
		if sig.Success {
			successes++
			continue
		}
		switch sig.Kind {
		case coordinator.FailureRateLimit:
			rateLimits++
		case coordinator.FailureBlocked:
			blocks++
		}
	}
	total := len(s.window)
	successRate := float64(successes) / float64(total)

	var adj *Adjustment
	switch {
	case successRate < 0.5 && rateLimits > 3:
		s.rate = clip(s.rate/2, c.cfg.MinRate, c.cfg.MaxRate)
		s.concurrency = clipInt(s.concurrency-2, c.cfg.MinConcurrency, s.concurrency)
		adj = &Adjustment{Domain: domain, Reason: "low success rate with repeated rate-limit errors", SuccessRate: successRate, RateLimits: rateLimits, Blocks: blocks, At: now}
		if c.onRateChange != nil {
			c.onRateChange(domain, s.rate, s.concurrency)
		}

	case successRate < 0.5 && blocks > 3:
		s.proxyRotate = clipDuration(s.proxyRotate/2, c.cfg.MinProxyRotate, s.proxyRotate)
		adj = &Adjustment{Domain: domain, Reason: "low success rate with repeated blocks", SuccessRate: successRate, RateLimits: rateLimits, Blocks: blocks, At: now}
		if c.onProxyRotateChange != nil {
			c.onProxyRotateChange(domain, s.proxyRotate)
		}

	case successRate > 0.9:
		s.rate = clip(s.rate*1.2, c.cfg.MinRate, c.cfg.MaxRate)
		adj = &Adjustment{Domain: domain, Reason: "sustained high success rate", SuccessRate: successRate, RateLimits: rateLimits, Blocks: blocks, At: now}
		if c.onRateChange != nil {
			c.onRateChange(domain, s.rate, s.concurrency)
		}
	}

	if adj != nil {
		s.lastAdjustmentAt = now
		c.adjustments = append(c.adjustments, *adj)
		log.Printf("feedback: domain=%s reason=%q success_rate=%.2f rate_limits=%d blocks=%d window=%d",
			domain, adj.Reason, successRate, rateLimits, blocks, total)
	}
	return adj
}

// Adjustments returns every adjustment made since the Controller started,
// oldest first.
func (c *Controller) Adjustments() []Adjustment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Adjustment, len(c.adjustments))
	copy(out, c.adjustments)
	return out
}

// RateAndConcurrency returns domain's current rate/concurrency, for
// callers that want to inspect state directly rather than via callback.
func (c *Controller) RateAndConcurrency(domain string) (rate float64, concurrency int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stateFor(domain)
	return s.rate, s.concurrency
}

// Start runs a background loop that evaluates every known domain every
// TickInterval, mirroring janitor.go's ticker-driven reclamation shape.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	interval := c.cfg.TickInterval
	if interval <= 0 {
		interval = DefaultConfig.TickInterval
	}
	go c.loop(ctx, interval)
}

func (c *Controller) loop(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evaluateAll()
		}
	}
}

func (c *Controller) evaluateAll() {
	c.mu.Lock()
	domains := make([]string, 0, len(c.domains))
	for d := range c.domains {
		domains = append(domains, d)
	}
	c.mu.Unlock()

	for _, d := range domains {
		c.Evaluate(d)
	}
}

// Stop cancels the background loop and waits for it to exit.
func (c *Controller) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func clip(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clipInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clipDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
