package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// NewStores opens Postgres, applies migrations, and wires all stores.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	return store.NewSQLStores(
		NewProjectStore(db),
		NewThreadStore(db),
		NewMessageStore(db),
		NewRunStore(db),
		db.Close,
	), nil
}
