package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

func statusEvent(t *testing.T, status string) protocol.Event {
	t.Helper()
	payload, err := json.Marshal(protocol.StatusPayload{Status: status})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return protocol.Event{Kind: protocol.KindStatus, Payload: payload, Timestamp: time.Now()}
}

func chunkEvent(content string) protocol.Event {
	payload, _ := json.Marshal(protocol.ChunkPayload{Content: content})
	return protocol.Event{Kind: protocol.KindAssistantChunk, Payload: payload, Timestamp: time.Now()}
}

func doneEvent() protocol.Event {
	return protocol.Event{Kind: protocol.KindDone, Timestamp: time.Now()}
}

func collect(t *testing.T, ch <-chan protocol.Event, n int) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishAssignsOrdinalSeq(t *testing.T) {
	f := NewMemoryFabric(TTLs{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := f.Publish(ctx, "run-1", chunkEvent("x"))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Errorf("publish %d: seq = %d, want %d", i, seq, i)
		}
	}

	// Seq counters are per run.
	seq, err := f.Publish(ctx, "run-2", chunkEvent("y"))
	if err != nil {
		t.Fatalf("publish run-2: %v", err)
	}
	if seq != 1 {
		t.Errorf("run-2 first seq = %d, want 1", seq)
	}
}

func TestSubscribeReplaysBacklogThenLive(t *testing.T) {
	f := NewMemoryFabric(TTLs{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.Publish(ctx, "run-1", chunkEvent("a"))
	f.Publish(ctx, "run-1", chunkEvent("b"))

	ch, err := f.Subscribe(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	f.Publish(ctx, "run-1", chunkEvent("c"))
	f.Publish(ctx, "run-1", statusEvent(t, protocol.StatusCompleted))
	f.Publish(ctx, "run-1", doneEvent())

	events := collect(t, ch, 5)
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d: seq = %d, want %d (no gaps, no dups)", i, ev.Seq, i+1)
		}
	}

	// The live subscriber sees the terminal status, then done closes the
	// stream.
	if events[3].Kind != protocol.KindStatus {
		t.Errorf("event 4 kind = %s, want status", events[3].Kind)
	}
	if events[4].Kind != protocol.KindDone {
		t.Errorf("event 5 kind = %s, want done", events[4].Kind)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after done event")
	}
}

func TestSubscribeFromSeqSkipsDelivered(t *testing.T) {
	f := NewMemoryFabric(TTLs{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 4; i++ {
		f.Publish(ctx, "run-1", chunkEvent("x"))
	}

	ch, err := f.Subscribe(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	events := collect(t, ch, 2)
	if events[0].Seq != 3 || events[1].Seq != 4 {
		t.Errorf("got seqs %d, %d; want 3, 4", events[0].Seq, events[1].Seq)
	}
}

func TestSubscribeAfterTerminalClosesWithoutLive(t *testing.T) {
	f := NewMemoryFabric(TTLs{})
	ctx := context.Background()

	f.Publish(ctx, "run-1", chunkEvent("a"))
	f.Publish(ctx, "run-1", statusEvent(t, protocol.StatusFailed))
	f.Publish(ctx, "run-1", doneEvent())

	ch, err := f.Subscribe(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	events := collect(t, ch, 3)
	if !events[2].Terminal() {
		t.Error("last replayed event should be terminal")
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after terminal replay")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after terminal replay")
	}
}

func TestStatusMirrorExpires(t *testing.T) {
	f := NewMemoryFabric(TTLs{Status: time.Hour})
	base := time.Now()
	f.now = func() time.Time { return base }
	ctx := context.Background()

	if err := f.SetStatus(ctx, "run-1", protocol.StatusRunning); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := f.GetStatus(ctx, "run-1")
	if err != nil || got != protocol.StatusRunning {
		t.Fatalf("GetStatus = %q, %v; want RUNNING", got, err)
	}

	f.now = func() time.Time { return base.Add(2 * time.Hour) }
	got, err = f.GetStatus(ctx, "run-1")
	if err != nil {
		t.Fatalf("get status after expiry: %v", err)
	}
	if got != "" {
		t.Errorf("GetStatus after TTL = %q, want empty", got)
	}
}

func TestBacklogExpires(t *testing.T) {
	f := NewMemoryFabric(TTLs{ResponseList: time.Hour})
	base := time.Now()
	f.now = func() time.Time { return base }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.Publish(ctx, "run-1", chunkEvent("a"))
	f.now = func() time.Time { return base.Add(25 * time.Hour) }

	// Expired backlog is gone; seq restarts for a fresh run id.
	seq, err := f.Publish(ctx, "run-1", chunkEvent("b"))
	if err != nil {
		t.Fatalf("publish after expiry: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq after expiry = %d, want 1", seq)
	}
}
