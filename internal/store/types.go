package store

import (
	"encoding/json"
	"time"
)

// Message types stored in a thread. LLM-visible history consists of messages
// with IsLLM set; the rest are bookkeeping (status, cost, browser state).
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
	MessageTypeTool      = "tool"
	MessageTypeSummary   = "summary"
	MessageTypeStatus    = "status"
)

// Project groups threads and owns the sandbox they share.
type Project struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Name      string          `json:"name"`
	SandboxID string          `json:"sandbox_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Thread is one conversation within a project.
type Thread struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	AccountID string          `json:"account_id"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Message is one append-only entry in a thread. Content holds the
// type-specific payload as JSON; for summary messages Metadata carries the
// covered range.
type Message struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Type      string          `json:"type"`
	IsLLM     bool            `json:"is_llm_message"`
	Content   json.RawMessage `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AgentRun records one agent execution against a thread.
type AgentRun struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
