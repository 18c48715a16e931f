package queue

import (
	"testing"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
)

func newTask(id string, priority int) *coordinator.Task {
	return &coordinator.Task{
		Request: &coordinator.Request{ID: id, Priority: priority, MaxRetries: 3},
	}
}

func TestPriorityOrderingScenario(t *testing.T) {
	// Mirrors spec.md scenario 2: A(1), B(5), C(5), D(10) submitted in that
	// order; expected lease order is D, B, C, A.
	q := New()
	base := time.Unix(0, 0)
	clock := base
	q.WithClock(func() time.Time { return clock })

	order := []struct {
		id       string
		priority int
	}{{"A", 1}, {"B", 5}, {"C", 5}, {"D", 10}}
	for _, o := range order {
		clock = clock.Add(time.Millisecond)
		if err := q.Enqueue(newTask(o.id, o.priority)); err != nil {
			t.Fatalf("enqueue %s: %v", o.id, err)
		}
	}

	var got []string
	for i := 0; i < 4; i++ {
		task := q.Lease("w1", time.Minute)
		if task == nil {
			t.Fatalf("expected a task at step %d", i)
		}
		got = append(got, task.Request.ID)
		q.Ack(task.Request.ID)
	}

	want := []string{"D", "B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lease order = %v, want %v", got, want)
		}
	}
}

func TestLeaseExclusivity(t *testing.T) {
	q := New()
	q.Enqueue(newTask("X", 1))

	first := q.Lease("w1", time.Minute)
	if first == nil {
		t.Fatal("expected a lease")
	}
	second := q.Lease("w2", time.Minute)
	if second != nil {
		t.Fatalf("expected no second lease while task X is held, got %v", second.Request.ID)
	}
}

func TestEmptyQueueLeaseReturnsNilImmediately(t *testing.T) {
	q := New()
	if task := q.Lease("w1", time.Second); task != nil {
		t.Fatalf("expected nil from empty queue, got %v", task)
	}
}

func TestNackBackoffThenTerminatesAtMaxRetries(t *testing.T) {
	q := New().WithBackoff(Backoff{Base: 10 * time.Millisecond, Cap: time.Second})
	base := time.Unix(0, 0)
	clock := base
	q.WithClock(func() time.Time { return clock })

	task := &coordinator.Task{Request: &coordinator.Request{ID: "R", Priority: 1, MaxRetries: 1}}
	q.Enqueue(task)

	leased := q.Lease("w1", time.Minute)
	if leased == nil {
		t.Fatal("expected lease")
	}
	if dead := q.Nack("R", "timeout"); dead {
		t.Fatal("expected requeue, not dead, on first nack with max_retries=1")
	}

	// Not yet visible (backoff hasn't elapsed).
	if task := q.Lease("w2", time.Minute); task != nil {
		t.Fatalf("expected no visible task before backoff elapses, got %v", task.Request.ID)
	}

	clock = clock.Add(20 * time.Millisecond)
	leased = q.Lease("w2", time.Minute)
	if leased == nil {
		t.Fatal("expected task visible after backoff elapsed")
	}
	if leased.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", leased.Attempt)
	}

	if dead := q.Nack("R", "timeout again"); !dead {
		t.Fatal("expected DEAD once attempt reaches max_retries")
	}
}

func TestMaxRetriesZeroTerminatesOnFirstFailure(t *testing.T) {
	q := New()
	task := &coordinator.Task{Request: &coordinator.Request{ID: "Z", Priority: 1, MaxRetries: 0}}
	q.Enqueue(task)
	q.Lease("w1", time.Minute)
	if dead := q.Nack("Z", "timeout"); !dead {
		t.Fatal("expected immediate DEAD when max_retries=0")
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	q := New()
	base := time.Unix(0, 0)
	clock := base
	q.WithClock(func() time.Time { return clock })

	q.Enqueue(newTask("L", 1))
	q.Lease("w1", time.Second)

	clock = clock.Add(2 * time.Second)
	q.ReclaimExpired()

	task := q.Lease("w2", time.Minute)
	if task == nil {
		t.Fatal("expected reclaimed task to become visible again")
	}
	if task.Attempt != 0 {
		t.Fatalf("reclamation must not increment attempt, got %d", task.Attempt)
	}
}

func TestReclaimWorker(t *testing.T) {
	q := New()
	q.Enqueue(newTask("A", 1))
	q.Enqueue(newTask("B", 1))
	q.Lease("dead-worker", time.Minute)
	q.Lease("dead-worker", time.Minute)

	n := q.ReclaimWorker("dead-worker")
	if n != 2 {
		t.Fatalf("expected 2 reclaimed, got %d", n)
	}
	if q.LeasedLen() != 0 {
		t.Fatalf("expected no leases remaining, got %d", q.LeasedLen())
	}
}

func TestBackoffExponentialWithCap(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 5 * time.Minute}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 5 * time.Minute},
	}
	for _, c := range cases {
		got := b.Delay(c.attempt)
		if got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestPeekReturnsLeasedTaskWithoutMutating(t *testing.T) {
	q := New()
	q.Enqueue(newTask("r1", 1))
	q.Lease("w1", time.Minute)

	task, ok := q.Peek("r1")
	if !ok || task.Request.ID != "r1" {
		t.Fatalf("expected to peek leased task r1, got %+v ok=%v", task, ok)
	}
	if _, stillLeased := q.Peek("r1"); !stillLeased {
		t.Fatal("expected Peek to not remove the lease")
	}
	if q.LeasedLen() != 1 {
		t.Fatalf("expected lease count unchanged at 1, got %d", q.LeasedLen())
	}
}

func TestReleaseReturnsLeaseToPendingWithoutPenalty(t *testing.T) {
	q := New()
	q.Enqueue(newTask("r1", 1))
	leased := q.Lease("w1", time.Minute)
	if leased == nil {
		t.Fatal("expected lease")
	}

	q.Release("r1")
	if q.LeasedLen() != 0 {
		t.Fatalf("expected no leases after release, got %d", q.LeasedLen())
	}

	task := q.Lease("w2", time.Minute)
	if task == nil {
		t.Fatal("expected released task to be visible again")
	}
	if task.Attempt != 0 {
		t.Fatalf("release must not increment attempt, got %d", task.Attempt)
	}
}

func TestReleaseOnUnknownRequestIsNoop(t *testing.T) {
	q := New()
	q.Release("nope") // must not panic
	if q.LeasedLen() != 0 {
		t.Fatalf("expected no leases, got %d", q.LeasedLen())
	}
}

func TestPeekOnUnknownRequestReturnsFalse(t *testing.T) {
	q := New()
	if _, ok := q.Peek("nope"); ok {
		t.Fatal("expected Peek on unleased request to return false")
	}
}
