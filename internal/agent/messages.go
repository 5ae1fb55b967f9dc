package agent

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

// messageContent is the JSON payload stored for LLM-visible messages.
type messageContent struct {
	Role       string                   `json:"role"`
	Content    string                   `json:"content"`
	Thinking   string                   `json:"thinking,omitempty"`
	ToolCalls  []providers.ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string                   `json:"tool_call_id,omitempty"`
	Images     []providers.ImageContent `json:"images,omitempty"`
}

// summaryMetadata records what a summary message replaced: the covered id
// range [first_id, last_id] and its size. Messages at or before (until,
// last_id) are excluded from LLM history while the summary stands in for
// them.
type summaryMetadata struct {
	Covers  int       `json:"covers"` // number of messages summarized
	FirstID string    `json:"first_id"`
	Until   time.Time `json:"until"` // created_at of the last covered message
	LastID  string    `json:"last_id"`
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal payload", "error", err)
		return json.RawMessage(`{}`)
	}
	return b
}

func encodeContent(mc messageContent) json.RawMessage {
	b, err := json.Marshal(mc)
	if err != nil {
		slog.Error("marshal message content", "error", err)
		return json.RawMessage(`{}`)
	}
	return b
}

func decodeContent(m store.Message) (messageContent, bool) {
	var mc messageContent
	if err := json.Unmarshal(m.Content, &mc); err != nil {
		slog.Warn("skipping undecodable message", "message_id", m.ID, "error", err)
		return mc, false
	}
	return mc, true
}

// newStoreMessage builds a store row for an LLM-visible message.
func newStoreMessage(threadID, msgType string, mc messageContent) *store.Message {
	return &store.Message{
		ID:        store.NewID(),
		ThreadID:  threadID,
		Type:      msgType,
		IsLLM:     true,
		Content:   encodeContent(mc),
		CreatedAt: time.Now().UTC(),
	}
}

// covered reports whether a message falls inside a summary's replaced range.
func (sm summaryMetadata) covered(m store.Message) bool {
	if m.CreatedAt.Before(sm.Until) {
		return true
	}
	if m.CreatedAt.Equal(sm.Until) {
		return m.ID <= sm.LastID
	}
	return false
}
