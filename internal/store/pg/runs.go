package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// RunStore implements store.RunStore backed by Postgres.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) Create(ctx context.Context, r *store.AgentRun) error {
	if r.ID == "" {
		r.ID = store.NewID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, thread_id, status, error, started_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		r.ID, r.ThreadID, r.Status, r.Error, r.StartedAt)
	return err
}

func (s *RunStore) Get(ctx context.Context, id string) (*store.AgentRun, error) {
	var r store.AgentRun
	var errMsg sql.NullString
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, status, error, started_at, completed_at
		 FROM agent_runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.ThreadID, &r.Status, &errMsg, &r.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Error = errMsg.String
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func (s *RunStore) Finish(ctx context.Context, id, status, errMsg string) error {
	// completed_at IS NULL keeps the first terminal transition; later ones
	// (stop racing completion) are no-ops.
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = $1, error = NULLIF($2, ''), completed_at = now()
		 WHERE id = $3 AND completed_at IS NULL`,
		status, errMsg, id)
	return err
}

func (s *RunStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = $1 WHERE id = $2 AND completed_at IS NULL`,
		status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RunStore) ListActive(ctx context.Context, threadID string) ([]store.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, status, error, started_at, completed_at
		 FROM agent_runs WHERE thread_id = $1 AND completed_at IS NULL
		 ORDER BY started_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AgentRun
	for rows.Next() {
		var r store.AgentRun
		var errMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.Status, &errMsg, &r.StartedAt, &completed); err != nil {
			return nil, err
		}
		r.Error = errMsg.String
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RunStore) SweepOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = 'FAILED',
		        error = 'orphaned by process restart', completed_at = now()
		 WHERE status = ANY($1) AND completed_at IS NULL`,
		pq.Array([]string{"RUNNING", "PENDING"}))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
