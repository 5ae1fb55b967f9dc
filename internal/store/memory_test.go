package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

func TestMessageListOrdering(t *testing.T) {
	s := NewMemoryStores()
	ctx := context.Background()
	threadID := NewID()

	// Equal timestamps: the v7 ID breaks the tie in insertion order.
	at := time.Now().UTC()
	var ids []string
	for i := 0; i < 3; i++ {
		m := &Message{
			ID:        NewID(),
			ThreadID:  threadID,
			Type:      MessageTypeUser,
			IsLLM:     true,
			Content:   []byte(`{"role":"user","content":"x"}`),
			CreatedAt: at,
		}
		ids = append(ids, m.ID)
		if err := s.Messages.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	// An earlier timestamp added last still sorts first.
	early := &Message{
		ID:        NewID(),
		ThreadID:  threadID,
		Type:      MessageTypeUser,
		IsLLM:     true,
		Content:   []byte(`{"role":"user","content":"early"}`),
		CreatedAt: at.Add(-time.Minute),
	}
	if err := s.Messages.Add(ctx, early); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages.List(ctx, threadID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].ID != early.ID {
		t.Errorf("earlier timestamp not first: %s", msgs[0].ID)
	}
	for i, id := range ids {
		if msgs[i+1].ID != id {
			t.Errorf("position %d: got %s, want %s", i+1, msgs[i+1].ID, id)
		}
	}
}

func TestMessageListLLMOnly(t *testing.T) {
	s := NewMemoryStores()
	ctx := context.Background()
	threadID := NewID()

	llm := &Message{ID: NewID(), ThreadID: threadID, Type: MessageTypeUser, IsLLM: true,
		Content: []byte(`{}`), CreatedAt: time.Now().UTC()}
	internal := &Message{ID: NewID(), ThreadID: threadID, Type: MessageTypeStatus, IsLLM: false,
		Content: []byte(`{}`), CreatedAt: time.Now().UTC()}
	for _, m := range []*Message{llm, internal} {
		if err := s.Messages.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.Messages.List(ctx, threadID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != llm.ID {
		t.Errorf("llmOnly list = %+v", msgs)
	}
	all, err := s.Messages.List(ctx, threadID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("full list = %d messages, want 2", len(all))
	}
}

func TestDeleteByType(t *testing.T) {
	s := NewMemoryStores()
	ctx := context.Background()
	threadID := NewID()

	for _, typ := range []string{MessageTypeUser, MessageTypeSummary, MessageTypeSummary} {
		m := &Message{ID: NewID(), ThreadID: threadID, Type: typ, IsLLM: true,
			Content: []byte(`{}`), CreatedAt: time.Now().UTC()}
		if err := s.Messages.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Messages.DeleteByType(ctx, threadID, MessageTypeSummary); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.Messages.List(ctx, threadID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != MessageTypeUser {
		t.Errorf("after delete: %+v", msgs)
	}
}

func TestRunFinishIdempotent(t *testing.T) {
	s := NewMemoryStores()
	ctx := context.Background()

	run := &AgentRun{ID: NewID(), ThreadID: NewID(), Status: protocol.StatusRunning, StartedAt: time.Now().UTC()}
	if err := s.Runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}

	if err := s.Runs.Finish(ctx, run.ID, protocol.StatusStopped, ""); err != nil {
		t.Fatal(err)
	}
	// A completion racing a stop must not overwrite the terminal state.
	if err := s.Runs.Finish(ctx, run.ID, protocol.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.Runs.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.StatusStopped {
		t.Errorf("status = %s, want STOPPED to stick", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestRunGetNotFound(t *testing.T) {
	s := NewMemoryStores()
	if _, err := s.Runs.Get(context.Background(), NewID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestSweepOrphans(t *testing.T) {
	s := NewMemoryStores()
	ctx := context.Background()

	statuses := []string{protocol.StatusRunning, protocol.StatusPending, protocol.StatusCompleted}
	ids := make([]string, len(statuses))
	for i, st := range statuses {
		r := &AgentRun{ID: NewID(), ThreadID: NewID(), Status: st, StartedAt: time.Now().UTC()}
		if err := s.Runs.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
		ids[i] = r.ID
	}

	n, err := s.Runs.SweepOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("swept = %d, want 2", n)
	}
	for i, id := range ids[:2] {
		got, err := s.Runs.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != protocol.StatusFailed {
			t.Errorf("run %d status = %s, want FAILED", i, got.Status)
		}
	}
	done, err := s.Runs.Get(ctx, ids[2])
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != protocol.StatusCompleted {
		t.Errorf("terminal run touched by sweep: %s", done.Status)
	}
}
