// Package proxypool implements per-domain weighted proxy selection with
// per-proxy health and cooldown, per spec §4.3.
//
// Grounded on ScrapeGoat/internal/fetcher/proxy.go (ProxyManager's
// healthy/unhealthy bookkeeping under a per-entry mutex) for shape, and on
// control_plane/scheduler/types.go's NodeHealth.CalculateCompositeScore
// (weighted composite of independent signals) and CircuitBreaker's
// timed-cooldown reopen logic for the ban-with-expiry mechanic.
package proxypool

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
)

// penalty returns the ban duration for a failure kind, per spec §4.3.
// network failures never ban (return 0); block/ratelimit failures do.
func penalty(kind coordinator.FailureKind, cfg Config) time.Duration {
	switch kind {
	case coordinator.FailureBlocked:
		return cfg.BlockPenalty
	case coordinator.FailureRateLimit:
		return cfg.RateLimitPenalty
	default:
		return 0
	}
}

// Config tunes ban durations and counter decay.
type Config struct {
	BlockPenalty     time.Duration
	RateLimitPenalty time.Duration
	HalfLife         time.Duration // rolling counter decay half-life
}

// DefaultConfig matches spec.md's defaults (1 hour decay half-life; penalty
// durations are left to the caller/domain, spec.md only requires they be
// configurable).
var DefaultConfig = Config{
	BlockPenalty:     10 * time.Minute,
	RateLimitPenalty: 2 * time.Minute,
	HalfLife:         time.Hour,
}

// domainCounters holds the per-(proxy,domain) rolling health signal.
type domainCounters struct {
	successes  float64
	failures   float64
	avgRTTMS   float64
	lastDecay  time.Time
	bannedUntil time.Time
}

func (c *domainCounters) decay(cfg Config, now time.Time) {
	if c.lastDecay.IsZero() {
		c.lastDecay = now
		return
	}
	elapsed := now.Sub(c.lastDecay)
	if elapsed <= 0 {
		return
	}
	halfLife := cfg.HalfLife
	if halfLife <= 0 {
		halfLife = time.Hour
	}
	factor := math.Exp(-math.Ln2 * elapsed.Seconds() / halfLife.Seconds())
	c.successes *= factor
	c.failures *= factor
	c.lastDecay = now
}

func (c *domainCounters) successRate() float64 {
	total := c.successes + c.failures
	if total <= 0 {
		return 1 // unproven proxy starts optimistic, matching "no signal yet"
	}
	return c.successes / total
}

func (c *domainCounters) weight() float64 {
	return c.successRate() / (c.avgRTTMS/1000 + 1)
}

// proxyState is one registered proxy's per-domain bookkeeping.
type proxyState struct {
	address  string
	mu       sync.Mutex
	byDomain map[string]*domainCounters
}

func (p *proxyState) counters(domain string) *domainCounters {
	c, ok := p.byDomain[domain]
	if !ok {
		c = &domainCounters{}
		p.byDomain[domain] = c
	}
	return c
}

// Pool is a per-domain weighted proxy selector with per-proxy health.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	proxies map[string]*proxyState
	now     func() time.Time
	rng     *rand.Rand
}

// New creates an empty Pool. Proxies are added via Add.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg,
		proxies: make(map[string]*proxyState),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(1)),
	}
}

// WithClock overrides the time source (tests only).
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	return p
}

// Add registers a proxy address with the pool.
func (p *Pool) Add(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.proxies[address]; !ok {
		p.proxies[address] = &proxyState{address: address, byDomain: make(map[string]*domainCounters)}
	}
}

// Pick selects a proxy for domain. Among proxies not currently banned for
// domain, selection is weighted-random by success_rate/(avg_rtt+1). If
// every proxy is banned, Pick returns the one with the soonest
// banned_until, per spec §4.3 (the caller decides whether to use it or
// back off).
func (p *Pool) Pick(domain string) (address string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	type candidate struct {
		addr   string
		weight float64
		banned time.Time
	}
	var eligible []candidate
	var soonest candidate
	haveSoonest := false

	for addr, ps := range p.proxies {
		ps.mu.Lock()
		c := ps.counters(domain)
		c.decay(p.cfg, now)
		banned := c.bannedUntil
		w := c.weight()
		ps.mu.Unlock()

		if now.Before(banned) {
			if !haveSoonest || banned.Before(soonest.banned) {
				soonest = candidate{addr: addr, banned: banned}
				haveSoonest = true
			}
			continue
		}
		eligible = append(eligible, candidate{addr: addr, weight: w})
	}

	if len(eligible) == 0 {
		if haveSoonest {
			return soonest.addr, true
		}
		return "", false
	}

	total := 0.0
	for _, c := range eligible {
		total += c.weight
	}
	if total <= 0 {
		// All weights degenerate to zero; fall back to uniform choice.
		return eligible[p.rng.Intn(len(eligible))].addr, true
	}
	r := p.rng.Float64() * total
	acc := 0.0
	for _, c := range eligible {
		acc += c.weight
		if r <= acc {
			return c.addr, true
		}
	}
	return eligible[len(eligible)-1].addr, true
}

// Report records a fetch outcome for (address, domain). rtt is only
// meaningful on success.
func (p *Pool) Report(address, domain string, success bool, rtt time.Duration, failKind coordinator.FailureKind) {
	p.mu.Lock()
	ps, ok := p.proxies[address]
	if !ok {
		ps = &proxyState{address: address, byDomain: make(map[string]*domainCounters)}
		p.proxies[address] = ps
	}
	p.mu.Unlock()

	now := p.now()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	c := ps.counters(domain)
	c.decay(p.cfg, now)

	if success {
		c.successes++
		ms := float64(rtt.Milliseconds())
		if c.avgRTTMS == 0 {
			c.avgRTTMS = ms
		} else {
			c.avgRTTMS = c.avgRTTMS*0.8 + ms*0.2
		}
		return
	}

	c.failures++
	if d := penalty(failKind, p.cfg); d > 0 {
		c.bannedUntil = now.Add(d)
	}
}

// DefaultBanPenalty exposes the configured ban duration for a failure
// kind, for callers (the Dispatcher) that ban explicitly via Ban rather
// than through Report.
func (p *Pool) DefaultBanPenalty(kind coordinator.FailureKind) time.Duration {
	return penalty(kind, p.cfg)
}

// Ban forces a cooldown on address for domain, independent of Report.
func (p *Pool) Ban(address, domain string, duration time.Duration) {
	p.mu.Lock()
	ps, ok := p.proxies[address]
	if !ok {
		ps = &proxyState{address: address, byDomain: make(map[string]*domainCounters)}
		p.proxies[address] = ps
	}
	p.mu.Unlock()

	now := p.now()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	c := ps.counters(domain)
	c.bannedUntil = now.Add(duration)
}

// BannedUntil reports the ban expiry for (address, domain), the zero time
// if not banned.
func (p *Pool) BannedUntil(address, domain string) time.Time {
	p.mu.Lock()
	ps, ok := p.proxies[address]
	p.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.counters(domain).bannedUntil
}
