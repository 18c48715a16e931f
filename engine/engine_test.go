package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
	"github.com/crawlforge/crawlforge/internal/validator"
)

type memSink struct {
	mu      sync.Mutex
	written []*coordinator.ValidatedRecord
}

func (s *memSink) Write(ctx context.Context, jobID string, record *coordinator.ValidatedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, record)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func testCoordinator(t *testing.T) (*Coordinator, *memSink) {
	t.Helper()
	sink := &memSink{}
	cfg := DefaultConfig
	cfg.Schema = validator.Schema{
		Fields: []validator.FieldSchema{
			{Name: "title", Type: validator.TypeString, Required: true},
		},
	}
	c := New("job1", nil, sink, nil, nil, nil, nil, cfg)
	return c, sink
}

func okBody(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"title": "hello"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestSubmitDedupesWithinRun(t *testing.T) {
	c, _ := testCoordinator(t)
	req := &coordinator.Request{URL: "https://a.test/x", Method: coordinator.MethodGET, MaxRetries: 1}
	id1, err := c.Submit(req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	dup := &coordinator.Request{URL: "https://a.test/x", Method: coordinator.MethodGET, MaxRetries: 1}
	id2, err := c.Submit(dup)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct request ids, got both %s", id1)
	}
	if got := c.Status().Pending; got != 1 {
		t.Fatalf("expected exactly one enqueued task after dedup, got %d", got)
	}
}

func TestSubmitRejectsWhenDraining(t *testing.T) {
	c, _ := testCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Drain(ctx); err != nil {
		t.Fatalf("drain with no leases outstanding: %v", err)
	}

	_, err := c.Submit(&coordinator.Request{URL: "https://a.test/y", Method: coordinator.MethodGET})
	if err != coordinator.ErrJobNotAccepting {
		t.Fatalf("expected ErrJobNotAccepting, got %v", err)
	}
}

func TestSubmitPastDeadlineMarksFailedImmediately(t *testing.T) {
	c, _ := testCoordinator(t)
	req := &coordinator.Request{
		URL:      "https://a.test/z",
		Method:   coordinator.MethodGET,
		Deadline: time.Now().Add(-time.Minute),
	}
	id, err := c.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("expected a request id even for an immediately-dead request")
	}
	if got := c.Status().Pending; got != 0 {
		t.Fatalf("expected nothing enqueued for a past-deadline request, got %d pending", got)
	}
	if got := c.Status().Dead; got != 1 {
		t.Fatalf("expected 1 dead request recorded, got %d", got)
	}
}

func TestClaimThenSuccessfulResultAcksAndWritesSink(t *testing.T) {
	c, sink := testCoordinator(t)
	req := &coordinator.Request{URL: "https://a.test/ok", Method: coordinator.MethodGET, MaxRetries: 1}
	if _, err := c.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := c.Claim(ctx, "w1")
	if !ok {
		t.Fatal("expected a task to be claimable")
	}

	result := coordinator.Result{
		RequestID: task.Request.ID,
		Attempt:   task.Attempt,
		Status:    coordinator.StatusSuccess,
		Body:      okBody(t),
	}
	if stale := c.Result("w1", task.Request.ID, result); stale {
		t.Fatal("expected result to not be stale")
	}

	if sink.count() != 1 {
		t.Fatalf("expected 1 record written to the sink, got %d", sink.count())
	}
	if got := c.Status().Completed; got != 1 {
		t.Fatalf("expected 1 completed fingerprint, got %d", got)
	}
	if got := c.Status().Pending; got != 0 {
		t.Fatalf("expected nothing left pending, got %d", got)
	}
}

func TestResultValidationFailureNacksAsDeadLetter(t *testing.T) {
	c, sink := testCoordinator(t)
	req := &coordinator.Request{URL: "https://a.test/bad", Method: coordinator.MethodGET, MaxRetries: 1}
	if _, err := c.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := c.Claim(ctx, "w1")
	if !ok {
		t.Fatal("expected a task to be claimable")
	}

	missingTitle, _ := json.Marshal(map[string]interface{}{"not_title": "x"})
	result := coordinator.Result{
		RequestID: task.Request.ID,
		Attempt:   task.Attempt,
		Status:    coordinator.StatusSuccess,
		Body:      missingTitle,
	}
	c.Result("w1", task.Request.ID, result)

	if sink.count() != 0 {
		t.Fatalf("expected nothing written for an invalid record, got %d", sink.count())
	}
	if got := c.Status().Dead; got != 1 {
		t.Fatalf("expected the task to be dead-lettered after validation failure, got %d", got)
	}
}

func TestResultRetriesOnTransientFailureThenDeadLettersAtMaxRetries(t *testing.T) {
	c, _ := testCoordinator(t)
	req := &coordinator.Request{URL: "https://a.test/flaky", Method: coordinator.MethodGET, MaxRetries: 1}
	if _, err := c.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := c.Claim(ctx, "w1")
	if !ok {
		t.Fatal("expected a task to be claimable")
	}

	failure := coordinator.Result{
		RequestID:    task.Request.ID,
		Attempt:      task.Attempt,
		Status:       coordinator.StatusNetworkError,
		ErrorMessage: "connection reset",
	}
	if stale := c.Result("w1", task.Request.ID, failure); stale {
		t.Fatal("expected not stale on first failure")
	}
	if got := c.Status().Dead; got != 0 {
		t.Fatalf("expected task requeued rather than dead after first failure, got %d dead", got)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	task2, ok := c.Claim(ctx2, "w2")
	if !ok {
		t.Fatal("expected the retried task to become visible again")
	}
	if task2.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", task2.Attempt)
	}

	failure2 := coordinator.Result{
		RequestID:    task2.Request.ID,
		Attempt:      task2.Attempt,
		Status:       coordinator.StatusNetworkError,
		ErrorMessage: "connection reset again",
	}
	c.Result("w2", task2.Request.ID, failure2)
	if got := c.Status().Dead; got != 1 {
		t.Fatalf("expected task dead after exhausting retries, got %d", got)
	}
}

func TestResultOnUnknownTaskIsStale(t *testing.T) {
	c, _ := testCoordinator(t)
	stale := c.Result("w1", "never-leased", coordinator.Result{RequestID: "never-leased", Status: coordinator.StatusSuccess})
	if !stale {
		t.Fatal("expected stale=true for a result on a task that was never leased (or already reclaimed)")
	}
}

func TestHeartbeatReportsUnknownWorker(t *testing.T) {
	c, _ := testCoordinator(t)
	if unknown := c.Heartbeat("ghost", coordinator.WorkerIdle, ""); !unknown {
		t.Fatal("expected unknown_worker for a worker that never registered")
	}
	c.Register("w1", 4)
	if unknown := c.Heartbeat("w1", coordinator.WorkerIdle, ""); unknown {
		t.Fatal("expected a registered worker's heartbeat to be accepted")
	}
}

func TestClaimAssignsProxyFromPool(t *testing.T) {
	c, _ := testCoordinator(t)
	c.AddProxy("proxy-1:8080")
	req := &coordinator.Request{URL: "https://a.test/proxied", Method: coordinator.MethodGET, MaxRetries: 1}
	if _, err := c.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := c.Claim(ctx, "w1")
	if !ok {
		t.Fatal("expected a task to be claimable")
	}
	if task.Proxy != "proxy-1:8080" {
		t.Fatalf("expected the only registered proxy to be assigned, got %q", task.Proxy)
	}
}

func TestClaimReturnsFalseWhenNothingAvailable(t *testing.T) {
	c, _ := testCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := c.Claim(ctx, "w1"); ok {
		t.Fatal("expected no task to be claimable from an empty queue")
	}
}

func TestDrainWaitsForOutstandingLeaseThenReturns(t *testing.T) {
	c, _ := testCoordinator(t)
	req := &coordinator.Request{URL: "https://a.test/slow", Method: coordinator.MethodGET, MaxRetries: 1}
	if _, err := c.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := c.Claim(claimCtx, "w1")
	if !ok {
		t.Fatal("expected a claimable task")
	}

	drained := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		drained <- c.Drain(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-drained:
		t.Fatalf("expected Drain to still be waiting on the outstanding lease, got %v", err)
	default:
	}

	c.Result("w1", task.Request.ID, coordinator.Result{
		RequestID: task.Request.ID,
		Status:    coordinator.StatusSuccess,
		Body:      okBody(t),
	})

	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("expected Drain to succeed once the lease concluded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after the outstanding lease concluded")
	}
}
