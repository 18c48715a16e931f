// Package workerproto defines the wire contract of the worker protocol
// (§6): a connection-oriented, bidirectional message stream between the
// Coordinator and its Workers, framed as JSON envelopes over any
// transport. The message SET is the contract; Hub (server.go) and Client
// (client.go) frame it over gorilla/websocket, the transport
// control_plane/ws_hub.go already uses for its dashboard stream.
package workerproto

import (
	"encoding/json"

	"github.com/crawlforge/crawlforge/coordinator"
)

// MessageType identifies the kind of request or response carried in an
// Envelope.
type MessageType string

const (
	MsgRegister   MessageType = "register"
	MsgHeartbeat  MessageType = "heartbeat"
	MsgClaim      MessageType = "claim"
	MsgResult     MessageType = "result"
	MsgDeregister MessageType = "deregister"
)

// Envelope is the single frame type exchanged over the wire. Requests and
// responses are correlated by ID so a Claim long-poll doesn't block other
// traffic on the same connection.
type Envelope struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RegisterRequest is the payload of a Register envelope.
type RegisterRequest struct {
	WorkerID string `json:"worker_id"`
	Capacity int    `json:"capacity"`
}

// RegisterResponse answers a Register request. Registration is idempotent
// (§4.5), so Conflict is never actually set by this implementation, but
// the field exists to match the table in §6.
type RegisterResponse struct {
	OK       bool   `json:"ok"`
	Conflict bool   `json:"conflict,omitempty"`
}

// HeartbeatRequest is the payload of a Heartbeat envelope.
type HeartbeatRequest struct {
	WorkerID      string                  `json:"worker_id"`
	Status        coordinator.WorkerStatus `json:"status"`
	CurrentTaskID string                  `json:"current_task_id,omitempty"`
}

// HeartbeatResponse answers a Heartbeat request.
type HeartbeatResponse struct {
	OK            bool `json:"ok"`
	UnknownWorker bool `json:"unknown_worker,omitempty"`
}

// ClaimRequest is the payload of a Claim envelope.
type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimResponse answers a Claim request. Task is nil when none was
// available before the long-poll timeout elapsed.
type ClaimResponse struct {
	Task *coordinator.Task `json:"task,omitempty"`
}

// ResultRequest is the payload of a Result envelope.
type ResultRequest struct {
	WorkerID string            `json:"worker_id"`
	TaskID   string            `json:"task_id"`
	Result   coordinator.Result `json:"result"`
}

// ResultResponse answers a Result request. Stale is set when the lease
// had already expired and been reclaimed — the worker must discard its
// result rather than assume it landed.
type ResultResponse struct {
	OK    bool `json:"ok"`
	Stale bool `json:"stale,omitempty"`
}

// DeregisterRequest is the payload of a Deregister envelope.
type DeregisterRequest struct {
	WorkerID string `json:"worker_id"`
}

// DeregisterResponse answers a Deregister request.
type DeregisterResponse struct {
	OK bool `json:"ok"`
}
