// Package schedule fires config-defined cron triggers as agent runs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Scheduler evaluates cron triggers once per minute and starts an agent run
// for each one that is due. A trigger whose previous run is still going is
// skipped for that tick; there is no overlap.
type Scheduler struct {
	manager  *agent.Manager
	stores   *store.Stores
	triggers []config.TriggerSpec
	gron     *gronx.Gronx

	mu      sync.Mutex
	lastRun map[int]string // trigger index → most recent run ID

	cancel context.CancelFunc
	done   chan struct{}
}

func New(manager *agent.Manager, stores *store.Stores, triggers []config.TriggerSpec) (*Scheduler, error) {
	g := gronx.New()
	for i, t := range triggers {
		if !g.IsValid(t.Cron) {
			return nil, fmt.Errorf("schedule: trigger %d has invalid cron expression %q", i, t.Cron)
		}
		if t.Prompt == "" {
			return nil, fmt.Errorf("schedule: trigger %d has no prompt", i)
		}
	}
	return &Scheduler{
		manager:  manager,
		stores:   stores,
		triggers: triggers,
		gron:     g,
		lastRun:  make(map[int]string),
	}, nil
}

// Start launches the tick loop. No-op with an empty trigger list.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.triggers) == 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	slog.Info("schedule started", "triggers", len(s.triggers))
	go s.loop(ctx)
}

// Stop halts the tick loop. Runs already started keep going.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	// Align ticks to minute boundaries so "* * * * *" fires once per minute.
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			s.tick(ctx, next)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, at time.Time) {
	for i, t := range s.triggers {
		due, err := s.gron.IsDue(t.Cron, at)
		if err != nil {
			slog.Warn("cron evaluation failed", "cron", t.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}
		if s.stillRunning(ctx, i) {
			slog.Info("skipping trigger, previous run still active", "trigger", i, "cron", t.Cron)
			continue
		}
		s.fire(ctx, i, t)
	}
}

// stillRunning reports whether the trigger's previous run has not yet reached
// a terminal status.
func (s *Scheduler) stillRunning(ctx context.Context, trigger int) bool {
	s.mu.Lock()
	runID := s.lastRun[trigger]
	s.mu.Unlock()
	if runID == "" {
		return false
	}
	run, err := s.manager.GetStatus(ctx, runID)
	if errors.Is(err, agent.ErrRunNotFound) {
		return false
	}
	if err != nil {
		slog.Warn("trigger status check failed", "run_id", runID, "error", err)
		return false
	}
	return !protocol.IsTerminalStatus(run.Status)
}

// fire creates a fresh project + thread for this invocation and queues the
// run. Scheduled runs never reuse conversation history.
func (s *Scheduler) fire(ctx context.Context, trigger int, t config.TriggerSpec) {
	accountID := t.AccountID
	if accountID == "" {
		accountID = "scheduler"
	}
	now := time.Now().UTC()

	project := &store.Project{
		ID:        store.NewID(),
		AccountID: accountID,
		Name:      fmt.Sprintf("scheduled: %s", t.Cron),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.stores.Projects.Create(ctx, project); err != nil {
		slog.Error("trigger project create failed", "trigger", trigger, "error", err)
		return
	}
	thread := &store.Thread{
		ID:        store.NewID(),
		ProjectID: project.ID,
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.stores.Threads.Create(ctx, thread); err != nil {
		slog.Error("trigger thread create failed", "trigger", trigger, "error", err)
		return
	}

	runID, err := s.manager.StartRun(ctx, agent.StartSpec{
		ThreadID:  thread.ID,
		ProjectID: project.ID,
		Request: protocol.AgentRunRequest{
			InitialPrompt: t.Prompt,
			ModelName:     t.Model,
			UserID:        accountID,
		},
	})
	if err != nil {
		slog.Error("trigger run start failed", "trigger", trigger, "error", err)
		return
	}

	s.mu.Lock()
	s.lastRun[trigger] = runID
	s.mu.Unlock()
	slog.Info("trigger fired", "trigger", trigger, "cron", t.Cron, "run_id", runID)
}
