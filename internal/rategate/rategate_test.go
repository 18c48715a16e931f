package rategate

import (
	"context"
	"testing"
	"time"
)

func TestAcquireSucceedsWithinBurst(t *testing.T) {
	g := New(1, 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if out := g.Acquire(ctx, "a.test", time.Second); out != OK {
			t.Fatalf("acquire %d: want OK, got %v", i, out)
		}
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	g := New(0.001, 1) // effectively no refill within the test window
	ctx := context.Background()
	if out := g.Acquire(ctx, "a.test", time.Second); out != OK {
		t.Fatalf("first acquire: want OK, got %v", out)
	}
	start := time.Now()
	out := g.Acquire(ctx, "a.test", 50*time.Millisecond)
	if out != Timeout {
		t.Fatalf("want Timeout, got %v", out)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected to wait close to the requested timeout, waited %v", elapsed)
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	g := New(0.001, 1)
	g.Acquire(context.Background(), "a.test", time.Second) // drain the only token

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- g.Acquire(ctx, "a.test", time.Minute)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if out != Canceled {
			t.Fatalf("want Canceled, got %v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after cancellation")
	}
}

func TestDomainsAreIndependent(t *testing.T) {
	g := New(0.001, 1)
	g.Acquire(context.Background(), "a.test", time.Second)

	if out := g.Acquire(context.Background(), "b.test", time.Second); out != OK {
		t.Fatalf("expected an untouched domain to have its own bucket, got %v", out)
	}
}

func TestUpdateTakesEffectOnNextAcquire(t *testing.T) {
	g := New(0.001, 1)
	g.Acquire(context.Background(), "a.test", time.Second) // drain

	if out := g.Acquire(context.Background(), "a.test", 20*time.Millisecond); out != Timeout {
		t.Fatalf("expected exhausted bucket to time out before Update, got %v", out)
	}

	g.Update("a.test", 1000, 5) // generous rate/capacity

	if out := g.Acquire(context.Background(), "a.test", 20*time.Millisecond); out != OK {
		t.Fatalf("expected Update to take effect, got %v", out)
	}
}

func TestTryAcquireNonBlocking(t *testing.T) {
	g := New(0.001, 1)
	if !g.TryAcquire("a.test") {
		t.Fatal("expected the first TryAcquire to succeed")
	}
	if g.TryAcquire("a.test") {
		t.Fatal("expected a drained bucket to refuse TryAcquire")
	}
}
