package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemoryStores returns fully in-process stores. Used by tests and the
// "memory" database driver.
func NewMemoryStores() *Stores {
	m := &memoryDB{
		projects: make(map[string]Project),
		threads:  make(map[string]Thread),
		runs:     make(map[string]AgentRun),
	}
	return &Stores{
		Projects: (*memProjects)(m),
		Threads:  (*memThreads)(m),
		Messages: (*memMessages)(m),
		Runs:     (*memRuns)(m),
	}
}

type memoryDB struct {
	mu       sync.RWMutex
	projects map[string]Project
	threads  map[string]Thread
	messages []Message
	runs     map[string]AgentRun
}

// NewID returns a time-ordered UUID. Message IDs double as the ordering
// tie-breaker, so v7 keeps insertion order stable under equal timestamps.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

type memProjects memoryDB

func (m *memProjects) Create(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = NewID()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.projects[p.ID] = *p
	return nil
}

func (m *memProjects) Get(_ context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memProjects) List(_ context.Context, accountID string) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Project
	for _, p := range m.projects {
		if accountID == "" || p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memProjects) SetSandbox(_ context.Context, id, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.SandboxID = sandboxID
	p.UpdatedAt = time.Now().UTC()
	m.projects[id] = p
	return nil
}

func (m *memProjects) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	return nil
}

type memThreads memoryDB

func (m *memThreads) Create(_ context.Context, t *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = NewID()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.threads[t.ID] = *t
	return nil
}

func (m *memThreads) Get(_ context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *memThreads) List(_ context.Context, projectID string) ([]Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Thread
	for _, t := range m.threads {
		if projectID == "" || t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memThreads) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	m.threads[id] = t
	return nil
}

func (m *memThreads) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
	return nil
}

type memMessages memoryDB

func (m *memMessages) Add(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memMessages) List(_ context.Context, threadID string, llmOnly bool) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.ThreadID != threadID {
			continue
		}
		if llmOnly && !msg.IsLLM {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memMessages) DeleteByType(_ context.Context, threadID, msgType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.ThreadID == threadID && msg.Type == msgType {
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
	return nil
}

type memRuns memoryDB

func (m *memRuns) Create(_ context.Context, r *AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *memRuns) Get(_ context.Context, id string) (*AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *memRuns) Finish(_ context.Context, id, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.CompletedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	r.Status = status
	r.Error = errMsg
	r.CompletedAt = &now
	m.runs[id] = r
	return nil
}

func (m *memRuns) SetStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	m.runs[id] = r
	return nil
}

func (m *memRuns) ListActive(_ context.Context, threadID string) ([]AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AgentRun
	for _, r := range m.runs {
		if r.ThreadID == threadID && r.CompletedAt == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *memRuns) SweepOrphans(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	now := time.Now().UTC()
	for id, r := range m.runs {
		if r.Status == "RUNNING" || r.Status == "PENDING" {
			r.Status = "FAILED"
			r.Error = "orphaned by process restart"
			r.CompletedAt = &now
			m.runs[id] = r
			swept++
		}
	}
	return swept, nil
}
