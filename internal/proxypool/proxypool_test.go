package proxypool

import (
	"testing"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
)

func TestPickReturnsOnlyAddedProxy(t *testing.T) {
	p := New(DefaultConfig)
	p.Add("proxy-a")

	addr, ok := p.Pick("a.test")
	if !ok || addr != "proxy-a" {
		t.Fatalf("expected proxy-a, got %q ok=%v", addr, ok)
	}
}

func TestPickOnEmptyPoolReturnsFalse(t *testing.T) {
	p := New(DefaultConfig)
	if _, ok := p.Pick("a.test"); ok {
		t.Fatal("expected no proxy from an empty pool")
	}
}

func TestBlockBanScenario(t *testing.T) {
	// Mirrors the ban-mechanics half of spec.md scenario 5: two proxies on
	// one domain, three consecutive block failures on P1 bans it, and
	// subsequent picks return P2. (The block_storm signal itself is the
	// Dispatcher's responsibility, not this package's.)
	base := time.Unix(0, 0)
	clock := base
	p := New(DefaultConfig).WithClock(func() time.Time { return clock })
	p.Add("p1")
	p.Add("p2")

	// Give p2 a proven track record so weighted selection would prefer it
	// anyway once p1 is banned — isolates the ban mechanic from randomness.
	p.Report("p2", "a.test", true, 50*time.Millisecond, coordinator.FailureBlocked)

	for i := 0; i < 3; i++ {
		p.Report("p1", "a.test", false, 0, coordinator.FailureBlocked)
	}

	banned := p.BannedUntil("p1", "a.test")
	if !banned.After(clock) {
		t.Fatalf("expected p1 banned after 3 consecutive blocks, banned_until=%v now=%v", banned, clock)
	}

	for i := 0; i < 10; i++ {
		addr, ok := p.Pick("a.test")
		if !ok {
			t.Fatal("expected a pick while p2 is eligible")
		}
		if addr != "p2" {
			t.Fatalf("expected p2 while p1 is banned, got %q", addr)
		}
	}
}

func TestAllProxiesBannedFallsBackToSoonestExpiry(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	p := New(DefaultConfig).WithClock(func() time.Time { return clock })
	p.Add("p1")
	p.Add("p2")

	p.Ban("p1", "a.test", 10*time.Minute)
	p.Ban("p2", "a.test", 5*time.Minute)

	addr, ok := p.Pick("a.test")
	if !ok {
		t.Fatal("expected a fallback pick even when every proxy is banned")
	}
	if addr != "p2" {
		t.Fatalf("expected p2 (soonest banned_until), got %q", addr)
	}
}

func TestBanExpiresAndProxyBecomesEligibleAgain(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	p := New(DefaultConfig).WithClock(func() time.Time { return clock })
	p.Add("p1")

	p.Ban("p1", "a.test", time.Minute)
	if _, ok := p.Pick("a.test"); ok {
		t.Fatal("expected no eligible proxy while the only proxy is banned")
	}

	clock = clock.Add(2 * time.Minute)
	addr, ok := p.Pick("a.test")
	if !ok || addr != "p1" {
		t.Fatalf("expected p1 eligible again after ban expired, got %q ok=%v", addr, ok)
	}
}

func TestNetworkFailureDoesNotBan(t *testing.T) {
	p := New(DefaultConfig)
	p.Add("p1")

	for i := 0; i < 5; i++ {
		p.Report("p1", "a.test", false, 0, coordinator.FailureNetwork)
	}

	if banned := p.BannedUntil("p1", "a.test"); !banned.IsZero() {
		t.Fatalf("network failures must not ban, got banned_until=%v", banned)
	}
}

func TestBansAreIndependentPerDomain(t *testing.T) {
	p := New(DefaultConfig)
	p.Add("p1")
	p.Ban("p1", "a.test", time.Minute)

	if _, ok := p.Pick("b.test"); !ok {
		t.Fatal("expected p1 still eligible on a domain it wasn't banned for")
	}
}

func TestWeightPrefersHigherSuccessRate(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	p := New(DefaultConfig).WithClock(func() time.Time { return clock })
	p.Add("good")
	p.Add("bad")

	for i := 0; i < 20; i++ {
		p.Report("good", "a.test", true, 10*time.Millisecond, coordinator.FailureNetwork)
	}
	for i := 0; i < 20; i++ {
		p.Report("bad", "a.test", false, 0, coordinator.FailureNetwork)
	}

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		addr, ok := p.Pick("a.test")
		if !ok {
			t.Fatal("expected a pick")
		}
		counts[addr]++
	}
	if counts["good"] <= counts["bad"] {
		t.Fatalf("expected the proven-good proxy to be picked more often, got %v", counts)
	}
}
