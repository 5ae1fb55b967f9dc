package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/stream"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

const (
	maxWorkerPoolSize       = 64
	defaultAdmissionTimeout = 60 * time.Second
)

// ErrRunNotFound is returned for lookups of unknown runs.
var ErrRunNotFound = errors.New("agent: run not found")

// ManagerConfig wires the run manager.
type ManagerConfig struct {
	Runner           *Runner
	Stores           *store.Stores
	Fabric           stream.Fabric
	WorkerPoolSize   int // 0 = CPUs×4, capped at 64
	AdmissionTimeout time.Duration
}

// Manager owns run lifecycle: admission through a bounded worker pool,
// cancellation, status mirroring, and orphan recovery. Each admitted run
// executes on its own goroutine with a cancel handle held here.
type Manager struct {
	runner    *Runner
	stores    *store.Stores
	fabric    stream.Fabric
	pool      *semaphore.Weighted
	admission time.Duration

	mu     sync.Mutex
	active map[string]*activeRun

	wg sync.WaitGroup
}

type activeRun struct {
	threadID string
	cancel   context.CancelFunc
}

func NewManager(cfg ManagerConfig) *Manager {
	size := cfg.WorkerPoolSize
	if size <= 0 {
		size = runtime.NumCPU() * 4
	}
	if size > maxWorkerPoolSize {
		size = maxWorkerPoolSize
	}
	admission := cfg.AdmissionTimeout
	if admission <= 0 {
		admission = defaultAdmissionTimeout
	}
	return &Manager{
		runner:    cfg.Runner,
		stores:    cfg.Stores,
		fabric:    cfg.Fabric,
		pool:      semaphore.NewWeighted(int64(size)),
		admission: admission,
		active:    make(map[string]*activeRun),
	}
}

// SweepOrphans marks RUNNING runs left behind by a dead process as FAILED.
// Called once at startup before the listener accepts traffic.
func (m *Manager) SweepOrphans(ctx context.Context) {
	n, err := m.stores.Runs.SweepOrphans(ctx)
	if err != nil {
		slog.Warn("orphan sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("swept orphaned runs", "count", n)
	}
}

// StartSpec describes a run to admit.
type StartSpec struct {
	ThreadID   string
	ProjectID  string
	Request    protocol.AgentRunRequest
	Images     []providers.ImageContent // decoded attachments for the prompt
	SandboxKey string                   // defaults to ProjectID
}

// StartRun persists the prompt, creates the run record, and hands the run to
// the worker pool. It returns as soon as the run is queued; admission waits
// happen on the run's own goroutine, bounded by the admission timeout.
func (m *Manager) StartRun(ctx context.Context, spec StartSpec) (string, error) {
	if spec.Request.InitialPrompt != "" {
		if err := m.stores.Messages.Add(ctx, newStoreMessage(spec.ThreadID, store.MessageTypeUser, messageContent{
			Role:    "user",
			Content: spec.Request.InitialPrompt,
			Images:  spec.Images,
		})); err != nil {
			return "", fmt.Errorf("persist prompt: %w", err)
		}
	}

	runID := store.NewID()
	run := &store.AgentRun{
		ID:        runID,
		ThreadID:  spec.ThreadID,
		Status:    protocol.StatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := m.stores.Runs.Create(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	m.mirrorStatus(ctx, runID, protocol.StatusPending, "")

	sandboxKey := spec.SandboxKey
	if sandboxKey == "" {
		sandboxKey = spec.ProjectID
	}

	// The run outlives the request context.
	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active[runID] = &activeRun{threadID: spec.ThreadID, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(runCtx, cancel, runID, RunParams{
		RunID:      runID,
		ThreadID:   spec.ThreadID,
		ProjectID:  spec.ProjectID,
		SandboxKey: sandboxKey,
		Request:    spec.Request,
	})

	return runID, nil
}

func (m *Manager) execute(ctx context.Context, cancel context.CancelFunc, runID string, params RunParams) {
	defer m.wg.Done()
	defer cancel()
	defer func() {
		m.mu.Lock()
		delete(m.active, runID)
		m.mu.Unlock()
	}()

	// Admission: FIFO via the weighted semaphore, bounded wait.
	admitCtx, admitCancel := context.WithTimeout(ctx, m.admission)
	err := m.pool.Acquire(admitCtx, 1)
	admitCancel()
	if err != nil {
		status := protocol.StatusFailed
		errMsg := "admission timeout: worker pool saturated"
		if ctx.Err() != nil {
			status, errMsg = protocol.StatusStopped, ""
		}
		m.finish(runID, status, errMsg)
		return
	}
	defer m.pool.Release(1)

	if ctx.Err() != nil {
		m.finish(runID, protocol.StatusStopped, "")
		return
	}

	if err := m.stores.Runs.SetStatus(ctx, runID, protocol.StatusRunning); err != nil {
		slog.Warn("set run status", "run_id", runID, "error", err)
	}
	m.mirrorStatus(ctx, runID, protocol.StatusRunning, "")
	slog.Info("run started", "run_id", runID, "thread_id", params.ThreadID)

	status, errMsg := m.runner.Execute(ctx, params)
	m.finish(runID, status, errMsg)
}

// finish records the terminal state and publishes exactly one terminal status
// event followed by done. Uses a background context: the run context is
// typically cancelled by the time a stop lands here.
func (m *Manager) finish(runID, status, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.stores.Runs.Finish(ctx, runID, status, errMsg); err != nil {
		slog.Error("finish run", "run_id", runID, "status", status, "error", err)
	}
	m.mirrorStatus(ctx, runID, status, errMsg)
	m.publishStatus(ctx, runID, status, errMsg)
	m.publishDone(ctx, runID)
	slog.Info("run finished", "run_id", runID, "status", status)
}

// Stop cancels a run. Idempotent: stopping a terminal or unknown run is a
// no-op.
func (m *Manager) Stop(ctx context.Context, runID string) error {
	m.mu.Lock()
	ar, ok := m.active[runID]
	m.mu.Unlock()
	if ok {
		slog.Info("stopping run", "run_id", runID)
		ar.cancel()
		return nil
	}

	run, err := m.stores.Runs.Get(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRunNotFound
	}
	if err != nil {
		return err
	}
	if protocol.IsTerminalStatus(run.Status) {
		return nil
	}
	// Non-terminal in the store but no worker here: an orphan. Settle it.
	m.finish(runID, protocol.StatusFailed, "orphaned by process restart")
	return nil
}

// GetStatus resolves the run status, preferring the fabric's status mirror.
// A stored RUNNING/PENDING run with no live worker is settled as FAILED.
func (m *Manager) GetStatus(ctx context.Context, runID string) (*store.AgentRun, error) {
	run, err := m.stores.Runs.Get(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	if !protocol.IsTerminalStatus(run.Status) {
		m.mu.Lock()
		_, live := m.active[runID]
		m.mu.Unlock()
		if !live {
			m.finish(runID, protocol.StatusFailed, "orphaned by process restart")
			return m.stores.Runs.Get(ctx, runID)
		}
	}
	return run, nil
}

// ActiveCount reports the number of runs currently admitted or pending.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels all runs and waits for their workers to settle.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for id, ar := range m.active {
		slog.Info("cancelling run for shutdown", "run_id", id)
		ar.cancel()
	}
	m.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) mirrorStatus(ctx context.Context, runID, status, errMsg string) {
	val := status
	if errMsg != "" {
		val = status + ": " + errMsg
	}
	if err := m.fabric.SetStatus(ctx, runID, val); err != nil {
		slog.Warn("mirror run status", "run_id", runID, "error", err)
	}
}

func (m *Manager) publishStatus(ctx context.Context, runID, status, errMsg string) {
	b := mustMarshal(protocol.StatusPayload{Status: status, Error: errMsg})
	if _, err := m.fabric.Publish(ctx, runID, protocol.Event{
		RunID: runID, Kind: protocol.KindStatus, Payload: b, Timestamp: time.Now().UTC(),
	}); err != nil {
		slog.Warn("publish status event", "run_id", runID, "error", err)
	}
}

func (m *Manager) publishDone(ctx context.Context, runID string) {
	if _, err := m.fabric.Publish(ctx, runID, protocol.Event{
		RunID: runID, Kind: protocol.KindDone, Timestamp: time.Now().UTC(),
	}); err != nil {
		slog.Warn("publish done event", "run_id", runID, "error", err)
	}
}
