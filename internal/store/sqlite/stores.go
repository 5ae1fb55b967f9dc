package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// NewStores opens the SQLite file, applies migrations, and wires all stores.
func NewStores(path string) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return store.NewSQLStores(
		&projectStore{db},
		&threadStore{db},
		&messageStore{db},
		&runStore{db},
		db.Close,
	), nil
}

type projectStore struct{ db *sql.DB }

func (s *projectStore) Create(ctx context.Context, p *store.Project) error {
	if p.ID == "" {
		p.ID = store.NewID()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, account_id, name, sandbox_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		p.ID, p.AccountID, p.Name, p.SandboxID, nilJSON(p.Metadata), p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *projectStore) Get(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	var sandboxID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, sandbox_id, metadata, created_at, updated_at
		 FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &sandboxID, &p.Metadata, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.SandboxID = sandboxID.String
	return &p, nil
}

func (s *projectStore) List(ctx context.Context, accountID string) ([]store.Project, error) {
	query := `SELECT id, account_id, name, sandbox_id, metadata, created_at, updated_at
	          FROM projects ORDER BY created_at`
	args := []interface{}{}
	if accountID != "" {
		query = `SELECT id, account_id, name, sandbox_id, metadata, created_at, updated_at
		         FROM projects WHERE account_id = ? ORDER BY created_at`
		args = append(args, accountID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Project
	for rows.Next() {
		var p store.Project
		var sandboxID sql.NullString
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &sandboxID, &p.Metadata, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.SandboxID = sandboxID.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *projectStore) SetSandbox(ctx context.Context, id, sandboxID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET sandbox_id = ?, updated_at = ? WHERE id = ?`,
		sandboxID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *projectStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return err
}

type threadStore struct{ db *sql.DB }

func (s *threadStore) Create(ctx context.Context, t *store.Thread) error {
	if t.ID == "" {
		t.ID = store.NewID()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, project_id, account_id, metadata, created_at, updated_at)
		 VALUES (?, NULLIF(?, ''), ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.AccountID, nilJSON(t.Metadata), t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *threadStore) Get(ctx context.Context, id string) (*store.Thread, error) {
	var t store.Thread
	var projectID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, account_id, metadata, created_at, updated_at
		 FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &projectID, &t.AccountID, &t.Metadata, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ProjectID = projectID.String
	return &t, nil
}

func (s *threadStore) List(ctx context.Context, projectID string) ([]store.Thread, error) {
	query := `SELECT id, project_id, account_id, metadata, created_at, updated_at
	          FROM threads ORDER BY created_at`
	args := []interface{}{}
	if projectID != "" {
		query = `SELECT id, project_id, account_id, metadata, created_at, updated_at
		         FROM threads WHERE project_id = ? ORDER BY created_at`
		args = append(args, projectID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Thread
	for rows.Next() {
		var t store.Thread
		var pid sql.NullString
		if err := rows.Scan(&t.ID, &pid, &t.AccountID, &t.Metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.ProjectID = pid.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *threadStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *threadStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	return err
}

type messageStore struct{ db *sql.DB }

func (s *messageStore) Add(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = store.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, type, is_llm_message, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Type, m.IsLLM, []byte(m.Content), nilJSON(m.Metadata), m.CreatedAt)
	return err
}

func (s *messageStore) List(ctx context.Context, threadID string, llmOnly bool) ([]store.Message, error) {
	query := `SELECT id, thread_id, type, is_llm_message, content, metadata, created_at
	          FROM messages WHERE thread_id = ? ORDER BY created_at, id`
	if llmOnly {
		query = `SELECT id, thread_id, type, is_llm_message, content, metadata, created_at
		         FROM messages WHERE thread_id = ? AND is_llm_message ORDER BY created_at, id`
	}

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Type, &m.IsLLM, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *messageStore) DeleteByType(ctx context.Context, threadID, msgType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE thread_id = ? AND type = ?`, threadID, msgType)
	return err
}

type runStore struct{ db *sql.DB }

func (s *runStore) Create(ctx context.Context, r *store.AgentRun) error {
	if r.ID == "" {
		r.ID = store.NewID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, thread_id, status, error, started_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?)`,
		r.ID, r.ThreadID, r.Status, r.Error, r.StartedAt)
	return err
}

func (s *runStore) Get(ctx context.Context, id string) (*store.AgentRun, error) {
	var r store.AgentRun
	var errMsg sql.NullString
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, status, error, started_at, completed_at
		 FROM agent_runs WHERE id = ?`, id,
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

func (s *runStore) Finish(ctx context.Context, id, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, error = NULLIF(?, ''), completed_at = ?
		 WHERE id = ? AND completed_at IS NULL`,
		status, errMsg, time.Now().UTC(), id)
	return err
}

func (s *runStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ? WHERE id = ? AND completed_at IS NULL`,
		status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *runStore) ListActive(ctx context.Context, threadID string) ([]store.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, status, error, started_at, completed_at
		 FROM agent_runs WHERE thread_id = ? AND completed_at IS NULL
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

func (s *runStore) SweepOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = 'FAILED',
		        error = 'orphaned by process restart', completed_at = ?
		 WHERE status IN ('RUNNING', 'PENDING') AND completed_at IS NULL`,
		time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nilJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
