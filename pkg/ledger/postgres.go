package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// OpenPostgres opens a Postgres-backed store, for multi-node deployments
// where several relay replicas share one ledger. The operation_id primary
// key makes CheckAndReserve race-safe across processes.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ledger unreachable: %w", err)
	}
	return NewSQLStore(ctx, db)
}
