package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// ThreadStore implements store.ThreadStore backed by Postgres.
type ThreadStore struct {
	db *sql.DB
}

func NewThreadStore(db *sql.DB) *ThreadStore {
	return &ThreadStore{db: db}
}

func (s *ThreadStore) Create(ctx context.Context, t *store.Thread) error {
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
		 VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6)`,
		t.ID, t.ProjectID, t.AccountID, nilJSON(t.Metadata), t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *ThreadStore) Get(ctx context.Context, id string) (*store.Thread, error) {
	var t store.Thread
	var projectID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, account_id, metadata, created_at, updated_at
		 FROM threads WHERE id = $1`, id,
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

func (s *ThreadStore) List(ctx context.Context, projectID string) ([]store.Thread, error) {
	query := `SELECT id, project_id, account_id, metadata, created_at, updated_at
	          FROM threads ORDER BY created_at`
	args := []interface{}{}
	if projectID != "" {
		query = `SELECT id, project_id, account_id, metadata, created_at, updated_at
		         FROM threads WHERE project_id = $1 ORDER BY created_at`
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

func (s *ThreadStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ThreadStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, id)
	return err
}
