package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/stream"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// stubProvider answers every LLM call with a fixed completion so handler
// tests never block on a real backend.
type stubProvider struct{}

func (stubProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (stubProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	onChunk(providers.StreamChunk{Content: "ok"})
	return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (stubProvider) DefaultModel() string { return "stub-model" }
func (stubProvider) Name() string         { return "stub" }

func newRunsMux(t *testing.T) (*http.ServeMux, *store.Stores) {
	t.Helper()

	stores := store.NewMemoryStores()
	fabric := stream.NewMemoryFabric(stream.TTLs{})
	registry := tools.NewRegistry()
	provider := stubProvider{}
	ctxmgr := agent.NewContextManager(agent.ContextManagerConfig{
		Messages: stores.Messages,
		Provider: provider,
		LLM:      config.LLMConfig{},
	})
	runner := agent.NewRunner(agent.RunnerConfig{
		Provider:     provider,
		Registry:     registry,
		Dispatcher:   tools.NewDispatcher(registry),
		Stores:       stores,
		Fabric:       fabric,
		Context:      ctxmgr,
		DefaultModel: "stub-model",
	})
	manager := agent.NewManager(agent.ManagerConfig{
		Runner:         runner,
		Stores:         stores,
		Fabric:         fabric,
		WorkerPoolSize: 2,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
		fabric.Close()
	})

	h := &RunsHandler{
		manager:   manager,
		stores:    stores,
		fabric:    fabric,
		workspace: t.TempDir(),
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, stores
}

func TestCreateRunRespondsOKWithPending(t *testing.T) {
	mux, _ := newRunsMux(t)

	req := httptest.NewRequest(http.MethodPost, "/agent/runs",
		strings.NewReader(`{"initial_prompt":"say hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp protocol.AgentRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.RunID == "" || resp.ThreadID == "" {
		t.Errorf("response missing ids: %+v", resp)
	}
	if resp.Status != protocol.StatusPending {
		t.Errorf("status = %q, want PENDING", resp.Status)
	}
}

func TestStopRunRespondsWithStoppedStatus(t *testing.T) {
	mux, stores := newRunsMux(t)

	done := time.Now().UTC()
	run := &store.AgentRun{
		ID:          store.NewID(),
		ThreadID:    store.NewID(),
		Status:      protocol.StatusStopped,
		StartedAt:   done.Add(-time.Minute),
		CompletedAt: &done,
	}
	if err := stores.Runs.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/agent/runs/"+run.ID+"/stop", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp protocol.AgentRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.RunID != run.ID {
		t.Errorf("run_id = %q, want %q", resp.RunID, run.ID)
	}
	if resp.Status != protocol.StatusStopped {
		t.Errorf("status = %q, want STOPPED", resp.Status)
	}
}

func TestStopUnknownRunIs404(t *testing.T) {
	mux, _ := newRunsMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/agent/runs/"+store.NewID()+"/stop", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
