package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ProjectStore manages projects.
type ProjectStore interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	List(ctx context.Context, accountID string) ([]Project, error)
	SetSandbox(ctx context.Context, id, sandboxID string) error
	Delete(ctx context.Context, id string) error
}

// ThreadStore manages conversation threads.
type ThreadStore interface {
	Create(ctx context.Context, t *Thread) error
	Get(ctx context.Context, id string) (*Thread, error)
	List(ctx context.Context, projectID string) ([]Thread, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// MessageStore is the append-only message log for threads. Listing returns
// messages ordered by (created_at, id) ascending so concurrent appends with
// equal timestamps still read back in a stable order.
type MessageStore interface {
	Add(ctx context.Context, m *Message) error

	// List returns all messages of a thread in order. With llmOnly set,
	// only messages flagged for LLM consumption are returned.
	List(ctx context.Context, threadID string, llmOnly bool) ([]Message, error)

	// DeleteByType removes all messages of the given type from a thread.
	// Used to replace a prior summary before inserting a new one.
	DeleteByType(ctx context.Context, threadID, msgType string) error
}

// RunStore tracks agent run lifecycle rows.
type RunStore interface {
	Create(ctx context.Context, r *AgentRun) error
	Get(ctx context.Context, id string) (*AgentRun, error)

	// Finish moves the run to a terminal status. Finishing an already
	// terminal run is a no-op so stop and completion can race safely.
	Finish(ctx context.Context, id, status, errMsg string) error

	SetStatus(ctx context.Context, id, status string) error
	ListActive(ctx context.Context, threadID string) ([]AgentRun, error)

	// SweepOrphans marks RUNNING runs from dead processes as FAILED.
	// Returns the number of runs swept.
	SweepOrphans(ctx context.Context) (int, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Projects ProjectStore
	Threads  ThreadStore
	Messages MessageStore
	Runs     RunStore

	closer func() error
}

// NewSQLStores wires database-backed store implementations into a Stores
// container that closes the shared handle on Close.
func NewSQLStores(p ProjectStore, t ThreadStore, m MessageStore, r RunStore, closer func() error) *Stores {
	return &Stores{Projects: p, Threads: t, Messages: m, Runs: r, closer: closer}
}

// Close releases the underlying database handle, if any.
func (s *Stores) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
