// Package worker is a reference crawl worker: it speaks the
// internal/workerproto wire protocol to a coordinator, claims tasks,
// executes them through a coordinator.Fetcher, and reports results back.
//
// Grounded on fluxforge/agent's main.go/heartbeat.go shape — register
// with backoff until accepted, then run a heartbeat loop and an
// execution loop concurrently until the context is canceled — adapted
// from the agent's HTTP-poll/push split into workerproto.Client's single
// websocket connection, and from one job slot (the agent's `busy` flag)
// into `capacity` concurrent claim/execute goroutines.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlforge/crawlforge/coordinator"
	"github.com/crawlforge/crawlforge/internal/workerproto"
)

// Config configures a Worker.
type Config struct {
	WorkerID          string
	Capacity          int
	HeartbeatInterval time.Duration
	RegisterBackoff   time.Duration
	MaxRegisterBackoff time.Duration
}

// DefaultConfig mirrors the reference agent's heartbeat cadence and
// registration backoff policy.
var DefaultConfig = Config{
	Capacity:           1,
	HeartbeatInterval:  5 * time.Second,
	RegisterBackoff:    time.Second,
	MaxRegisterBackoff: 30 * time.Second,
}

// Worker claims and executes tasks against one coordinator endpoint.
type Worker struct {
	cfg     Config
	fetcher coordinator.Fetcher
	dial    func() (*workerproto.Client, error)

	mu       sync.Mutex
	client   *workerproto.Client
	status   coordinator.WorkerStatus
	currentTask string
}

// New constructs a Worker that dials url to reach the coordinator's
// workerproto hub.
func New(url string, fetcher coordinator.Fetcher, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	if cfg.RegisterBackoff <= 0 {
		cfg.RegisterBackoff = DefaultConfig.RegisterBackoff
	}
	if cfg.MaxRegisterBackoff <= 0 {
		cfg.MaxRegisterBackoff = DefaultConfig.MaxRegisterBackoff
	}
	return &Worker{
		cfg:     cfg,
		fetcher: fetcher,
		status:  coordinator.WorkerIdle,
		dial:    func() (*workerproto.Client, error) { return workerproto.Dial(url) },
	}
}

// Run connects, registers, and runs the heartbeat and claim/execute loops
// until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	client, err := w.registerWithBackoff(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.client = client
	w.mu.Unlock()
	defer client.Close()

	var wg sync.WaitGroup
	wg.Add(1 + w.cfg.Capacity)

	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx, client)
	}()
	for i := 0; i < w.cfg.Capacity; i++ {
		go func() {
			defer wg.Done()
			w.executeLoop(ctx, client)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client.Deregister(deregisterCtx, w.cfg.WorkerID)
	return nil
}

// registerWithBackoff dials and registers, retrying with exponential
// backoff capped at MaxRegisterBackoff until ctx is canceled.
func (w *Worker) registerWithBackoff(ctx context.Context) (*workerproto.Client, error) {
	backoff := w.cfg.RegisterBackoff
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		client, err := w.dial()
		if err == nil {
			resp, err := client.Register(ctx, w.cfg.WorkerID, w.cfg.Capacity)
			if err == nil && !resp.Conflict {
				return client, nil
			}
			if err == nil {
				err = fmt.Errorf("worker: register conflict for %s", w.cfg.WorkerID)
			}
			client.Close()
			log.Printf("worker: registration failed: %v; retrying in %s", err, backoff)
		} else {
			log.Printf("worker: dial failed: %v; retrying in %s", err, backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > w.cfg.MaxRegisterBackoff {
			backoff = w.cfg.MaxRegisterBackoff
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, client *workerproto.Client) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			status, taskID := w.status, w.currentTask
			w.mu.Unlock()
			resp, err := client.Heartbeat(ctx, w.cfg.WorkerID, status, taskID)
			if err != nil {
				log.Printf("worker: heartbeat error: %v", err)
				continue
			}
			if resp.UnknownWorker {
				log.Printf("worker: coordinator does not recognize worker %s, re-registering", w.cfg.WorkerID)
				client.Register(ctx, w.cfg.WorkerID, w.cfg.Capacity)
			}
		}
	}
}

// executeLoop repeatedly claims a task, fetches it, and reports the
// result, until ctx is canceled.
func (w *Worker) executeLoop(ctx context.Context, client *workerproto.Client) {
	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := client.Claim(ctx, w.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: claim error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if resp.Task == nil {
			continue // long-poll timed out with nothing available
		}

		task := resp.Task
		w.mu.Lock()
		w.status = coordinator.WorkerBusy
		w.currentTask = task.Request.ID
		w.mu.Unlock()

		result := w.execute(ctx, task)

		if _, err := client.Result(ctx, w.cfg.WorkerID, task.Request.ID, *result); err != nil {
			log.Printf("worker: result submission failed for %s: %v", task.Request.ID, err)
		}

		w.mu.Lock()
		w.status = coordinator.WorkerIdle
		w.currentTask = ""
		w.mu.Unlock()
	}
}

// execute runs task.Request through the Fetcher and stamps the outcome
// with the task's attempt number.
func (w *Worker) execute(ctx context.Context, task *coordinator.Task) *coordinator.Result {
	result, err := w.fetcher.Fetch(ctx, task.Request, task.Proxy)
	if err != nil {
		return &coordinator.Result{
			RequestID:    task.Request.ID,
			Attempt:      task.Attempt,
			Status:       coordinator.StatusNetworkError,
			ErrorMessage: err.Error(),
		}
	}
	result.Attempt = task.Attempt
	return result
}
