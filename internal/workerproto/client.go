package workerproto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crawlforge/crawlforge/coordinator"
)

// Client is the Worker-side half of the protocol: a single websocket
// connection to the Coordinator's Hub, with request/response correlation
// by envelope ID so a blocking Claim doesn't stall a concurrent
// Heartbeat on the same connection.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan Envelope
	readErr error

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a Hub listening at url (ws:// or wss://).
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Envelope),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			c.readErr = err
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[string]chan Envelope)
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, t MessageType, req interface{}) (Envelope, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, err
	}
	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return Envelope{}, c.readErr
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.WriteJSON(Envelope{ID: id, Type: t, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Envelope{}, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return Envelope{}, fmt.Errorf("workerproto: connection closed while awaiting %s response", t)
		}
		if env.Error != "" {
			return Envelope{}, fmt.Errorf("workerproto: %s", env.Error)
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.done:
		return Envelope{}, fmt.Errorf("workerproto: connection closed while awaiting %s response", t)
	}
}

// Register sends a Register request.
func (c *Client) Register(ctx context.Context, workerID string, capacity int) (RegisterResponse, error) {
	env, err := c.roundTrip(ctx, MsgRegister, RegisterRequest{WorkerID: workerID, Capacity: capacity})
	if err != nil {
		return RegisterResponse{}, err
	}
	var resp RegisterResponse
	err = json.Unmarshal(env.Payload, &resp)
	return resp, err
}

// Heartbeat sends a Heartbeat request.
func (c *Client) Heartbeat(ctx context.Context, workerID string, status coordinator.WorkerStatus, currentTaskID string) (HeartbeatResponse, error) {
	env, err := c.roundTrip(ctx, MsgHeartbeat, HeartbeatRequest{WorkerID: workerID, Status: status, CurrentTaskID: currentTaskID})
	if err != nil {
		return HeartbeatResponse{}, err
	}
	var resp HeartbeatResponse
	err = json.Unmarshal(env.Payload, &resp)
	return resp, err
}

// Claim sends a Claim request. The caller's ctx bounds how long it's
// willing to wait beyond the Hub's own long-poll timeout.
func (c *Client) Claim(ctx context.Context, workerID string) (ClaimResponse, error) {
	env, err := c.roundTrip(ctx, MsgClaim, ClaimRequest{WorkerID: workerID})
	if err != nil {
		return ClaimResponse{}, err
	}
	var resp ClaimResponse
	err = json.Unmarshal(env.Payload, &resp)
	return resp, err
}

// Result sends a Result request.
func (c *Client) Result(ctx context.Context, workerID, taskID string, result coordinator.Result) (ResultResponse, error) {
	env, err := c.roundTrip(ctx, MsgResult, ResultRequest{WorkerID: workerID, TaskID: taskID, Result: result})
	if err != nil {
		return ResultResponse{}, err
	}
	var resp ResultResponse
	err = json.Unmarshal(env.Payload, &resp)
	return resp, err
}

// Deregister sends a Deregister request and closes the connection.
func (c *Client) Deregister(ctx context.Context, workerID string) error {
	_, err := c.roundTrip(ctx, MsgDeregister, DeregisterRequest{WorkerID: workerID})
	c.Close()
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
