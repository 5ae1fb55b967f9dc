package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// ProjectStore implements store.ProjectStore backed by Postgres.
type ProjectStore struct {
	db *sql.DB
}

func NewProjectStore(db *sql.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

func (s *ProjectStore) Create(ctx context.Context, p *store.Project) error {
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
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		p.ID, p.AccountID, p.Name, p.SandboxID, nilJSON(p.Metadata), p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *ProjectStore) Get(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	var sandboxID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, sandbox_id, metadata, created_at, updated_at
		 FROM projects WHERE id = $1`, id,
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

func (s *ProjectStore) List(ctx context.Context, accountID string) ([]store.Project, error) {
	query := `SELECT id, account_id, name, sandbox_id, metadata, created_at, updated_at
	          FROM projects ORDER BY created_at`
	args := []interface{}{}
	if accountID != "" {
		query = `SELECT id, account_id, name, sandbox_id, metadata, created_at, updated_at
		         FROM projects WHERE account_id = $1 ORDER BY created_at`
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

func (s *ProjectStore) SetSandbox(ctx context.Context, id, sandboxID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET sandbox_id = $1, updated_at = now() WHERE id = $2`,
		sandboxID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ProjectStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	return err
}

// nilJSON maps empty metadata to SQL NULL instead of invalid empty jsonb.
func nilJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
