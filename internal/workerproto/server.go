package workerproto

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crawlforge/crawlforge/coordinator"
)

// Handler is the Coordinator-side contract the Hub dispatches envelopes
// to. coordinator.Coordinator implements this by composing its
// WorkerRegistry and Dispatcher.
type Handler interface {
	Register(workerID string, capacity int) (conflict bool)
	Heartbeat(workerID string, status coordinator.WorkerStatus, currentTaskID string) (unknownWorker bool)
	Claim(ctx context.Context, workerID string) (*coordinator.Task, bool)
	Result(workerID, taskID string, result coordinator.Result) (stale bool)
	Deregister(workerID string)
}

// DefaultLongPollTimeout matches spec.md's default: Claim blocks at most
// this long waiting for a task before responding none.
const DefaultLongPollTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub accepts worker connections and dispatches their envelopes to a
// Handler, one goroutine per connection so a Claim long-poll on one
// worker never blocks another — generalized from
// control_plane/ws_hub.go's MetricsHub, which serializes everything
// through a single select loop because it only ever broadcasts, never
// blocks waiting on a per-client request.
type Hub struct {
	handler         Handler
	longPollTimeout time.Duration

	mu      sync.Mutex
	conns   map[*websocket.Conn]string // conn -> worker_id, for ClientCount/observability
}

// NewHub creates a Hub bound to handler.
func NewHub(handler Handler) *Hub {
	return &Hub{
		handler:         handler,
		longPollTimeout: DefaultLongPollTimeout,
		conns:           make(map[*websocket.Conn]string),
	}
}

// WithLongPollTimeout overrides the default Claim long-poll duration.
func (h *Hub) WithLongPollTimeout(d time.Duration) *Hub {
	h.longPollTimeout = d
	return h
}

// ServeHTTP upgrades the connection and runs its read loop until the
// worker disconnects or deregisters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("workerproto: upgrade failed: %v", err)
		return
	}
	h.serveConn(conn)
}

func (h *Hub) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	var workerID string
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		if workerID != "" {
			log.Printf("workerproto: connection for worker %s closed", workerID)
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if wid := workerIDOf(env); wid != "" {
			workerID = wid
			h.mu.Lock()
			h.conns[conn] = workerID
			h.mu.Unlock()
		}

		resp := h.dispatch(env)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// ClientCount returns the number of connections currently attached.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func workerIDOf(env Envelope) string {
	switch env.Type {
	case MsgRegister:
		var req RegisterRequest
		if json.Unmarshal(env.Payload, &req) == nil {
			return req.WorkerID
		}
	case MsgHeartbeat:
		var req HeartbeatRequest
		if json.Unmarshal(env.Payload, &req) == nil {
			return req.WorkerID
		}
	case MsgClaim:
		var req ClaimRequest
		if json.Unmarshal(env.Payload, &req) == nil {
			return req.WorkerID
		}
	}
	return ""
}

func (h *Hub) dispatch(env Envelope) Envelope {
	switch env.Type {
	case MsgRegister:
		return h.handleRegister(env)
	case MsgHeartbeat:
		return h.handleHeartbeat(env)
	case MsgClaim:
		return h.handleClaim(env)
	case MsgResult:
		return h.handleResult(env)
	case MsgDeregister:
		return h.handleDeregister(env)
	default:
		return errorEnvelope(env.ID, "unknown message type")
	}
}

func (h *Hub) handleRegister(env Envelope) Envelope {
	var req RegisterRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return errorEnvelope(env.ID, err.Error())
	}
	conflict := h.handler.Register(req.WorkerID, req.Capacity)
	return okEnvelope(env.ID, MsgRegister, RegisterResponse{OK: true, Conflict: conflict})
}

func (h *Hub) handleHeartbeat(env Envelope) Envelope {
	var req HeartbeatRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return errorEnvelope(env.ID, err.Error())
	}
	unknown := h.handler.Heartbeat(req.WorkerID, req.Status, req.CurrentTaskID)
	return okEnvelope(env.ID, MsgHeartbeat, HeartbeatResponse{OK: !unknown, UnknownWorker: unknown})
}

func (h *Hub) handleClaim(env Envelope) Envelope {
	var req ClaimRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return errorEnvelope(env.ID, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.longPollTimeout)
	defer cancel()
	task, ok := h.handler.Claim(ctx, req.WorkerID)
	if !ok {
		return okEnvelope(env.ID, MsgClaim, ClaimResponse{Task: nil})
	}
	return okEnvelope(env.ID, MsgClaim, ClaimResponse{Task: task})
}

func (h *Hub) handleResult(env Envelope) Envelope {
	var req ResultRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return errorEnvelope(env.ID, err.Error())
	}
	stale := h.handler.Result(req.WorkerID, req.TaskID, req.Result)
	return okEnvelope(env.ID, MsgResult, ResultResponse{OK: !stale, Stale: stale})
}

func (h *Hub) handleDeregister(env Envelope) Envelope {
	var req DeregisterRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return errorEnvelope(env.ID, err.Error())
	}
	h.handler.Deregister(req.WorkerID)
	return okEnvelope(env.ID, MsgDeregister, DeregisterResponse{OK: true})
}

func okEnvelope(id string, t MessageType, payload interface{}) Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		return errorEnvelope(id, err.Error())
	}
	return Envelope{ID: id, Type: t, Payload: b}
}

func errorEnvelope(id, msg string) Envelope {
	return Envelope{ID: id, Error: msg}
}
