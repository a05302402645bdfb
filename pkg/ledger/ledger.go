// Package ledger is the idempotency ledger: the durable record of which
// settlement-chain operations have already been applied on the sidechain.
// CheckAndReserve is the single serialization point that every mint,
// policy sync, and spend passes through.
//
// State machine per operation:
//
//	PENDING -> SUBMITTED -> CONFIRMED
//	PENDING -> FAILED
//	SUBMITTED -> FAILED   (broadcast accepted but execution reverted)
//
// FAILED records may be re-driven to PENDING by an operator, bounded by a
// max attempt count. Records are never deleted.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
)

// Store is the idempotency ledger contract.
type Store interface {
	// CheckAndReserve atomically inspects and, if absent, inserts a record
	// in PENDING state. Returns reserved=true when this caller won the
	// reservation; otherwise the existing record is returned and the
	// operation must be skipped.
	CheckAndReserve(ctx context.Context, operationID string, kind contracts.OperationKind) (reserved bool, existing *contracts.IdempotencyRecord, err error)

	// Get returns the record for an operation, or contracts.ErrNotFound.
	Get(ctx context.Context, operationID string) (*contracts.IdempotencyRecord, error)

	// MarkSubmitted transitions PENDING -> SUBMITTED, stores the tx hash,
	// and counts one attempt.
	MarkSubmitted(ctx context.Context, operationID, txHash string) error

	// RecordResult transitions PENDING/SUBMITTED -> CONFIRMED or FAILED,
	// storing the tx hash or the raw error verbatim. A result recorded
	// straight from PENDING counts the attempt that never reached the
	// chain.
	RecordResult(ctx context.Context, operationID string, status contracts.Status, txHash, lastError string) error

	// Redrive is the operator path FAILED -> PENDING. It refuses with
	// contracts.ErrAttemptsExhausted once attempts reaches maxAttempts.
	Redrive(ctx context.Context, operationID string, maxAttempts int) error

	// ListByStatus returns all records in the given state, for
	// reconciliation and operator tooling.
	ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.IdempotencyRecord, error)

	// StatusCounts returns record counts grouped by state.
	StatusCounts(ctx context.Context) (map[contracts.Status]int, error)
}

// CheckpointStore persists the last processed settlement-chain block so the
// watcher can resume across restarts. Get/Put/CompareAndSwap only.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, name string) (uint64, error)
	PutCheckpoint(ctx context.Context, name string, height uint64) error
	// CASCheckpoint writes newHeight only if the stored value still equals
	// oldHeight, returning contracts.ErrStaleCheckpoint otherwise.
	CASCheckpoint(ctx context.Context, name string, oldHeight, newHeight uint64) error
}

func invalidTransition(op string, from, to contracts.Status) error {
	return fmt.Errorf("operation %s: invalid transition %s -> %s", op, from, to)
}

// MemoryStore is an in-process Store and CheckpointStore. It backs tests
// and single-node dry runs; production deployments use the SQL or Redis
// backends.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*contracts.IdempotencyRecord
	checkpoints map[string]uint64
	clock       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*contracts.IdempotencyRecord),
		checkpoints: make(map[string]uint64),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) CheckAndReserve(ctx context.Context, operationID string, kind contracts.OperationKind) (bool, *contracts.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[operationID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	now := m.clock()
	m.records[operationID] = &contracts.IdempotencyRecord{
		OperationID: operationID,
		Kind:        kind,
		Status:      contracts.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return true, nil, nil
}

func (m *MemoryStore) Get(ctx context.Context, operationID string) (*contracts.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[operationID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) MarkSubmitted(ctx context.Context, operationID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[operationID]
	if !ok {
		return contracts.ErrNotFound
	}
	if rec.Status != contracts.StatusPending {
		return invalidTransition(operationID, rec.Status, contracts.StatusSubmitted)
	}
	rec.Status = contracts.StatusSubmitted
	rec.SidechainTxHash = txHash
	rec.Attempts++
	rec.UpdatedAt = m.clock()
	return nil
}

func (m *MemoryStore) RecordResult(ctx context.Context, operationID string, status contracts.Status, txHash, lastError string) error {
	if status != contracts.StatusConfirmed && status != contracts.StatusFailed {
		return fmt.Errorf("operation %s: %s is not a result state", operationID, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[operationID]
	if !ok {
		return contracts.ErrNotFound
	}
	if rec.Status != contracts.StatusPending && rec.Status != contracts.StatusSubmitted {
		return invalidTransition(operationID, rec.Status, status)
	}
	if rec.Status == contracts.StatusPending {
		// A result straight from PENDING means the attempt never reached
		// the chain; MarkSubmitted did not count it, so count it here or
		// the redrive bound never engages for transport failures.
		rec.Attempts++
	}
	rec.Status = status
	if txHash != "" {
		rec.SidechainTxHash = txHash
	}
	rec.LastError = lastError
	rec.UpdatedAt = m.clock()
	return nil
}

func (m *MemoryStore) Redrive(ctx context.Context, operationID string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[operationID]
	if !ok {
		return contracts.ErrNotFound
	}
	if rec.Status != contracts.StatusFailed {
		return invalidTransition(operationID, rec.Status, contracts.StatusPending)
	}
	if rec.Attempts >= maxAttempts {
		return contracts.ErrAttemptsExhausted
	}
	rec.Status = contracts.StatusPending
	rec.LastError = ""
	rec.UpdatedAt = m.clock()
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*contracts.IdempotencyRecord, 0)
	for _, rec := range m.records {
		if rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) StatusCounts(ctx context.Context) (map[contracts.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[contracts.Status]int)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.checkpoints[name]
	if !ok {
		return 0, contracts.ErrNotFound
	}
	return h, nil
}

func (m *MemoryStore) PutCheckpoint(ctx context.Context, name string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[name] = height
	return nil
}

func (m *MemoryStore) CASCheckpoint(ctx context.Context, name string, oldHeight, newHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkpoints[name] != oldHeight {
		return contracts.ErrStaleCheckpoint
	}
	m.checkpoints[name] = newHeight
	return nil
}
