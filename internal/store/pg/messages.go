package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// MessageStore implements store.MessageStore backed by Postgres.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Add(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = store.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, type, is_llm_message, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ThreadID, m.Type, m.IsLLM, []byte(m.Content), nilJSON(m.Metadata), m.CreatedAt)
	return err
}

func (s *MessageStore) List(ctx context.Context, threadID string, llmOnly bool) ([]store.Message, error) {
	query := `SELECT id, thread_id, type, is_llm_message, content, metadata, created_at
	          FROM messages WHERE thread_id = $1 ORDER BY created_at, id`
	if llmOnly {
		query = `SELECT id, thread_id, type, is_llm_message, content, metadata, created_at
		         FROM messages WHERE thread_id = $1 AND is_llm_message ORDER BY created_at, id`
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

func (s *MessageStore) DeleteByType(ctx context.Context, threadID, msgType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE thread_id = $1 AND type = $2`, threadID, msgType)
	return err
}
