package protocol

import (
	"encoding/json"
	"time"
)

// Event kinds published on a run's stream, in the order a client
// typically observes them.
const (
	KindAssistantChunk   = "assistant_chunk"
	KindAssistantMessage = "assistant_message"
	KindToolStart        = "tool_start"
	KindToolResult       = "tool_result"
	KindStatus           = "status"
	KindError            = "error"
	KindDone             = "done"
)

// Run statuses. Transitions form a DAG:
// PENDING → RUNNING → {COMPLETED | STOPPED | FAILED}. Terminal states are final.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusStopped   = "STOPPED"
	StatusFailed    = "FAILED"
)

// IsTerminalStatus reports whether a run status is final.
func IsTerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Event is one entry on a run's ordered stream. Seq is assigned at publish
// time and is strictly increasing per run; the response list ordinal equals
// Seq.
type Event struct {
	Seq       int64           `json:"seq"`
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Terminal reports whether this event closes the stream. The done event is
// the sole closer: it always follows the terminal status event, so every
// subscriber — live or replaying — observes the status before the close.
func (e Event) Terminal() bool {
	return e.Kind == KindDone
}

// StatusPayload is the payload of a status event.
type StatusPayload struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ChunkPayload is the payload of an assistant_chunk event.
type ChunkPayload struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ToolStartPayload is the payload of a tool_start event.
type ToolStartPayload struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

// ToolResultPayload is the payload of a tool_result event.
type ToolResultPayload struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
