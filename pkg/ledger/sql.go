package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
)

// SQLStore implements Store and CheckpointStore over database/sql.
// It works against both SQLite and Postgres: the schema and the $N
// placeholder syntax are accepted by both drivers, and the insert-if-absent
// reservation rides on the operation_id primary key in either engine.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	operation_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	sidechain_tx_hash TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS operations_status ON operations (status);
CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	height INTEGER NOT NULL
);
`

// NewSQLStore wraps db and runs the migration.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, clock: time.Now}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// WithClock overrides the clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) CheckAndReserve(ctx context.Context, operationID string, kind contracts.OperationKind) (bool, *contracts.IdempotencyRecord, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (operation_id, kind, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (operation_id) DO NOTHING`,
		operationID, string(kind), string(contracts.StatusPending), now, now,
	)
	if err != nil {
		return false, nil, fmt.Errorf("reserve %s: %w", operationID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if rows == 1 {
		return true, nil, nil
	}
	existing, err := s.Get(ctx, operationID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *SQLStore) Get(ctx context.Context, operationID string) (*contracts.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT operation_id, kind, status, sidechain_tx_hash, attempts, last_error, created_at, updated_at
		FROM operations WHERE operation_id = $1`, operationID)
	return scanRecord(row)
}

func (s *SQLStore) MarkSubmitted(ctx context.Context, operationID, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = $1, sidechain_tx_hash = $2, attempts = attempts + 1, updated_at = $3
		WHERE operation_id = $4 AND status = $5`,
		string(contracts.StatusSubmitted), txHash, s.now(),
		operationID, string(contracts.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark submitted %s: %w", operationID, err)
	}
	return s.requireTransition(ctx, res, operationID, contracts.StatusSubmitted)
}

func (s *SQLStore) RecordResult(ctx context.Context, operationID string, status contracts.Status, txHash, lastError string) error {
	if status != contracts.StatusConfirmed && status != contracts.StatusFailed {
		return fmt.Errorf("operation %s: %s is not a result state", operationID, status)
	}
	// A result straight from PENDING counts the attempt MarkSubmitted
	// never saw, so transport failures still advance the redrive bound.
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = $1,
		    sidechain_tx_hash = CASE WHEN $2 = '' THEN sidechain_tx_hash ELSE $2 END,
		    attempts = CASE WHEN status = $6 THEN attempts + 1 ELSE attempts END,
		    last_error = $3, updated_at = $4
		WHERE operation_id = $5 AND status IN ($6, $7)`,
		string(status), txHash, lastError, s.now(),
		operationID, string(contracts.StatusPending), string(contracts.StatusSubmitted),
	)
	if err != nil {
		return fmt.Errorf("record result %s: %w", operationID, err)
	}
	return s.requireTransition(ctx, res, operationID, status)
}

func (s *SQLStore) Redrive(ctx context.Context, operationID string, maxAttempts int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = $1, last_error = '', updated_at = $2
		WHERE operation_id = $3 AND status = $4 AND attempts < $5`,
		string(contracts.StatusPending), s.now(),
		operationID, string(contracts.StatusFailed), maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("redrive %s: %w", operationID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	rec, err := s.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if rec.Status != contracts.StatusFailed {
		return invalidTransition(operationID, rec.Status, contracts.StatusPending)
	}
	return contracts.ErrAttemptsExhausted
}

func (s *SQLStore) ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.IdempotencyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, kind, status, sidechain_tx_hash, attempts, last_error, created_at, updated_at
		FROM operations WHERE status = $1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.IdempotencyRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) StatusCounts(ctx context.Context) (map[contracts.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[contracts.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[contracts.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	var height uint64
	err := s.db.QueryRowContext(ctx, `SELECT height FROM checkpoints WHERE name = $1`, name).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, contracts.ErrNotFound
	}
	return height, err
}

func (s *SQLStore) PutCheckpoint(ctx context.Context, name string, height uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, height) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET height = $2`, name, height)
	return err
}

func (s *SQLStore) CASCheckpoint(ctx context.Context, name string, oldHeight, newHeight uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET height = $1 WHERE name = $2 AND height = $3`,
		newHeight, name, oldHeight)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if oldHeight == 0 {
			// First writer: no row yet.
			return s.PutCheckpoint(ctx, name, newHeight)
		}
		return contracts.ErrStaleCheckpoint
	}
	return nil
}

// requireTransition maps a zero-row UPDATE to the precise failure: the
// record is either missing or in a state the transition does not allow.
func (s *SQLStore) requireTransition(ctx context.Context, res sql.Result, operationID string, to contracts.Status) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	rec, err := s.Get(ctx, operationID)
	if err != nil {
		return err
	}
	return invalidTransition(operationID, rec.Status, to)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*contracts.IdempotencyRecord, error) {
	var rec contracts.IdempotencyRecord
	var kind, status, createdAt, updatedAt string
	err := row.Scan(&rec.OperationID, &kind, &status, &rec.SidechainTxHash,
		&rec.Attempts, &rec.LastError, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	rec.Kind = contracts.OperationKind(kind)
	rec.Status = contracts.Status(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// now returns the clock time as an RFC3339Nano string. Timestamps are
// stored as text so SQLite and Postgres rows scan identically.
func (s *SQLStore) now() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
