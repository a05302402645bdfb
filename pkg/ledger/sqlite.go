package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a SQLite-backed store at path. This is the
// default durable backend for single-node deployments; use ":memory:" in
// tests.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// The reservation insert must not race with itself through multiple
	// connections on one file.
	db.SetMaxOpenConns(1)
	return NewSQLStore(ctx, db)
}
