package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/stream"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

type managerHarness struct {
	manager *Manager
	stores  *store.Stores
	fabric  stream.Fabric
}

func newManagerHarness(t *testing.T, provider providers.Provider, poolSize int, admission time.Duration, tls ...tools.Tool) *managerHarness {
	t.Helper()

	stores := store.NewMemoryStores()
	fabric := stream.NewMemoryFabric(stream.TTLs{})
	registry := tools.NewRegistry()
	for _, tool := range tls {
		if err := registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	ctxmgr := NewContextManager(ContextManagerConfig{
		Messages: stores.Messages,
		Provider: provider,
		LLM:      config.LLMConfig{},
	})
	runner := NewRunner(RunnerConfig{
		Provider:     provider,
		Registry:     registry,
		Dispatcher:   tools.NewDispatcher(registry),
		Stores:       stores,
		Fabric:       fabric,
		Context:      ctxmgr,
		DefaultModel: "fake-model",
	})
	m := NewManager(ManagerConfig{
		Runner:           runner,
		Stores:           stores,
		Fabric:           fabric,
		WorkerPoolSize:   poolSize,
		AdmissionTimeout: admission,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		fabric.Close()
	})
	return &managerHarness{manager: m, stores: stores, fabric: fabric}
}

// collectEvents drains the run's event stream until the fabric closes it at
// the terminal event.
func collectEvents(t *testing.T, fabric stream.Fabric, runID string) []protocol.Event {
	t.Helper()
	ch, err := fabric.Subscribe(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var events []protocol.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for run %s events (got %d)", runID, len(events))
		}
	}
}

// terminalStatus asserts the stream ends with the terminal status event
// followed by done, and returns the status payload.
func terminalStatus(t *testing.T, events []protocol.Event) protocol.StatusPayload {
	t.Helper()
	if len(events) < 2 {
		t.Fatalf("want at least status + done, got %d events", len(events))
	}
	if last := events[len(events)-1]; last.Kind != protocol.KindDone {
		t.Fatalf("last event kind = %s, want done", last.Kind)
	}
	status := events[len(events)-2]
	if status.Kind != protocol.KindStatus {
		t.Fatalf("event before done = %s, want status", status.Kind)
	}
	var p protocol.StatusPayload
	if err := json.Unmarshal(status.Payload, &p); err != nil {
		t.Fatalf("decode status payload: %v", err)
	}
	if !protocol.IsTerminalStatus(p.Status) {
		t.Fatalf("status before done = %s, want terminal", p.Status)
	}
	return p
}

func waitForStatus(t *testing.T, h *managerHarness, runID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.stores.Runs.Get(context.Background(), runID)
		if err == nil && run.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
}

func TestStartRunCompletes(t *testing.T) {
	provider := &fakeProvider{
		streamFn: func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
			onChunk(providers.StreamChunk{Content: "hello "})
			onChunk(providers.StreamChunk{Content: "world"})
			return &providers.ChatResponse{Content: "hello world", FinishReason: "stop"}, nil
		},
	}
	h := newManagerHarness(t, provider, 2, 0)

	ctx := context.Background()
	threadID := store.NewID()
	runID, err := h.manager.StartRun(ctx, StartSpec{
		ThreadID: threadID,
		Request:  protocol.AgentRunRequest{InitialPrompt: "say hello"},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	events := collectEvents(t, h.fabric, runID)
	if got := terminalStatus(t, events); got.Status != protocol.StatusCompleted {
		t.Fatalf("terminal status = %s (%s), want COMPLETED", got.Status, got.Error)
	}

	var chunks, assistant int
	for _, ev := range events {
		switch ev.Kind {
		case protocol.KindAssistantChunk:
			chunks++
		case protocol.KindAssistantMessage:
			assistant++
		}
	}
	if chunks != 2 {
		t.Errorf("assistant chunks = %d, want 2", chunks)
	}
	if assistant != 1 {
		t.Errorf("assistant messages = %d, want 1", assistant)
	}

	run, err := h.manager.GetStatus(ctx, runID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if run.Status != protocol.StatusCompleted || run.CompletedAt == nil {
		t.Errorf("stored run = %+v", run)
	}

	msgs, err := h.stores.Messages.List(ctx, threadID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted messages = %d, want prompt + reply", len(msgs))
	}
	if mc, ok := decodeContent(msgs[1]); !ok || mc.Role != "assistant" || mc.Content != "hello world" {
		t.Errorf("assistant message = %+v", mc)
	}
}

func TestStopRun(t *testing.T) {
	provider := &fakeProvider{
		streamFn: func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newManagerHarness(t, provider, 2, 0)

	ctx := context.Background()
	runID, err := h.manager.StartRun(ctx, StartSpec{
		ThreadID: store.NewID(),
		Request:  protocol.AgentRunRequest{InitialPrompt: "work forever"},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitForStatus(t, h, runID, protocol.StatusRunning)

	if err := h.manager.Stop(ctx, runID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	events := collectEvents(t, h.fabric, runID)
	if got := terminalStatus(t, events); got.Status != protocol.StatusStopped {
		t.Fatalf("terminal status = %s, want STOPPED", got.Status)
	}

	// Stopping a terminal run is a no-op.
	if err := h.manager.Stop(ctx, runID); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	run, err := h.stores.Runs.Get(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != protocol.StatusStopped {
		t.Errorf("status after double stop = %s", run.Status)
	}
}

func TestStopUnknownRun(t *testing.T) {
	h := newManagerHarness(t, &fakeProvider{}, 2, 0)
	if err := h.manager.Stop(context.Background(), store.NewID()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Stop(unknown) = %v, want ErrRunNotFound", err)
	}
}

func TestAdmissionTimeout(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{
		streamFn: func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
			select {
			case <-release:
				return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	h := newManagerHarness(t, provider, 1, 50*time.Millisecond)

	ctx := context.Background()
	first, err := h.manager.StartRun(ctx, StartSpec{
		ThreadID: store.NewID(),
		Request:  protocol.AgentRunRequest{InitialPrompt: "hold the pool"},
	})
	if err != nil {
		t.Fatalf("StartRun first: %v", err)
	}
	waitForStatus(t, h, first, protocol.StatusRunning)

	second, err := h.manager.StartRun(ctx, StartSpec{
		ThreadID: store.NewID(),
		Request:  protocol.AgentRunRequest{InitialPrompt: "wait in line"},
	})
	if err != nil {
		t.Fatalf("StartRun second: %v", err)
	}

	events := collectEvents(t, h.fabric, second)
	got := terminalStatus(t, events)
	if got.Status != protocol.StatusFailed || !strings.Contains(got.Error, "admission timeout") {
		t.Fatalf("second run terminal = %s (%s), want FAILED admission timeout", got.Status, got.Error)
	}

	close(release)
	events = collectEvents(t, h.fabric, first)
	if got := terminalStatus(t, events); got.Status != protocol.StatusCompleted {
		t.Errorf("first run terminal = %s, want COMPLETED", got.Status)
	}
}

// toolCallStream returns a streamFn that emits one complete JSON tool call on
// the first LLM call and a plain completion on every later call, counting
// calls through llmCalls.
func toolCallStream(llmCalls *int32, name, args string) func(context.Context, providers.ChatRequest, func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
		if atomic.AddInt32(llmCalls, 1) == 1 {
			onChunk(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
				Index: 0, ID: "call-1", Name: name,
			}})
			onChunk(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{
				Index: 0, ArgsFragment: args,
			}})
			return &providers.ChatResponse{FinishReason: "tool_calls"}, nil
		}
		onChunk(providers.StreamChunk{Content: "all done"})
		return &providers.ChatResponse{Content: "all done", FinishReason: "stop"}, nil
	}
}

func TestToolFailureDoesNotFailRun(t *testing.T) {
	var invocations int32
	broken := &stubTool{
		name: "read_file",
		execute: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			atomic.AddInt32(&invocations, 1)
			panic("open /missing: no such file or directory")
		},
	}

	var llmCalls int32
	provider := &fakeProvider{
		streamFn: toolCallStream(&llmCalls, "read_file", `{"path":"/missing"}`),
	}
	h := newManagerHarness(t, provider, 2, 0, broken)

	ctx := context.Background()
	threadID := store.NewID()
	runID, err := h.manager.StartRun(ctx, StartSpec{
		ThreadID: threadID,
		Request:  protocol.AgentRunRequest{InitialPrompt: "read the file"},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	// The handler failure becomes a failed tool result; the run keeps going
	// and completes on the next iteration.
	events := collectEvents(t, h.fabric, runID)
	if got := terminalStatus(t, events); got.Status != protocol.StatusCompleted {
		t.Fatalf("terminal status = %s (%s), want COMPLETED", got.Status, got.Error)
	}
	if got := atomic.LoadInt32(&llmCalls); got != 2 {
		t.Errorf("LLM calls = %d, want 2 (second iteration after the failure)", got)
	}
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Errorf("tool invocations = %d, want 1", got)
	}

	var results []protocol.ToolResultPayload
	for _, ev := range events {
		if ev.Kind == protocol.KindToolResult {
			var p protocol.ToolResultPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				t.Fatalf("decode tool_result: %v", err)
			}
			results = append(results, p)
		}
	}
	if len(results) != 1 {
		t.Fatalf("tool_result events = %d, want 1", len(results))
	}
	if results[0].Success {
		t.Error("failed tool reported success")
	}
	if !strings.Contains(results[0].Error, "no such file") {
		t.Errorf("tool_result error = %q", results[0].Error)
	}

	// The failure is recorded as a tool message so the model sees it.
	msgs, err := h.stores.Messages.List(ctx, threadID, true)
	if err != nil {
		t.Fatal(err)
	}
	var toolMsgs int
	for _, m := range msgs {
		if m.Type == store.MessageTypeTool {
			toolMsgs++
		}
	}
	if toolMsgs != 1 {
		t.Errorf("persisted tool messages = %d, want 1", toolMsgs)
	}
}

func TestToolExecutionDisabledSkipsHandlers(t *testing.T) {
	var invocations int32
	counter := &stubTool{
		name: "read_file",
		execute: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			atomic.AddInt32(&invocations, 1)
			return tools.SilentResult("ok")
		},
	}

	var llmCalls int32
	provider := &fakeProvider{
		streamFn: toolCallStream(&llmCalls, "read_file", `{"path":"/etc/hosts"}`),
	}
	h := newManagerHarness(t, provider, 2, 0, counter)

	ctx := context.Background()
	off := false
	runID, err := h.manager.StartRun(ctx, StartSpec{
		ThreadID: store.NewID(),
		Request: protocol.AgentRunRequest{
			InitialPrompt: "read the file",
			ExecuteTools:  &off,
		},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	events := collectEvents(t, h.fabric, runID)
	if got := terminalStatus(t, events); got.Status != protocol.StatusCompleted {
		t.Fatalf("terminal status = %s (%s), want COMPLETED", got.Status, got.Error)
	}
	if got := atomic.LoadInt32(&invocations); got != 0 {
		t.Errorf("handler invoked %d times with execution disabled", got)
	}
	// Skipped calls never re-enter the loop.
	if got := atomic.LoadInt32(&llmCalls); got != 1 {
		t.Errorf("LLM calls = %d, want 1", got)
	}
}

func TestGetStatusSettlesOrphan(t *testing.T) {
	h := newManagerHarness(t, &fakeProvider{}, 2, 0)

	ctx := context.Background()
	runID := store.NewID()
	err := h.stores.Runs.Create(ctx, &store.AgentRun{
		ID:        runID,
		ThreadID:  store.NewID(),
		Status:    protocol.StatusRunning,
		StartedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	run, err := h.manager.GetStatus(ctx, runID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if run.Status != protocol.StatusFailed || !strings.Contains(run.Error, "orphaned") {
		t.Errorf("orphan not settled: %+v", run)
	}

	if _, err := h.manager.GetStatus(ctx, store.NewID()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetStatus(unknown) = %v, want ErrRunNotFound", err)
	}
}
