// Package broadcast signs and submits built sidechain transactions,
// classifies the outcome, and records it in the idempotency ledger.
// Broadcasts are serialized per signing account: sidechain sequence
// numbers demand strict FIFO per account, while unrelated accounts
// (bridge operator vs. delegate) proceed independently.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
	"github.com/coldwallet-labs/bridgerelay/pkg/ledger"
	"github.com/coldwallet-labs/bridgerelay/pkg/observability"
)

// SigningClient is the opaque sidechain signing capability. It holds the
// key material; the relay never does. Implementations wrap transport
// failures with ErrTransient and sequence races with ErrSequenceMismatch.
type SigningClient interface {
	SignAndBroadcast(ctx context.Context, signer string, msgs []contracts.SidechainMsg, fee contracts.Fee) (*contracts.BroadcastResult, error)

	// RefreshAccount re-queries account number and sequence after a
	// sequence mismatch, before the next attempt.
	RefreshAccount(ctx context.Context, signer string) error
}

// Executor drives sign+broadcast with bounded retries and writes every
// outcome back into the ledger.
type Executor struct {
	client SigningClient
	store  ledger.Store
	policy RetryPolicy
	logger *slog.Logger
	obs    *observability.Provider

	mu       sync.Mutex
	accounts map[string]*sync.Mutex

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor over the given signing client and ledger.
func NewExecutor(client SigningClient, store ledger.Store, policy RetryPolicy) *Executor {
	return &Executor{
		client:   client,
		store:    store,
		policy:   policy,
		logger:   slog.Default().With("component", "broadcast"),
		accounts: make(map[string]*sync.Mutex),
		sleep:    sleepCtx,
	}
}

// WithObservability attaches span and RED accounting to every broadcast.
func (e *Executor) WithObservability(p *observability.Provider) *Executor {
	e.obs = p
	return e
}

// Submit signs and broadcasts the intent, retrying transient failures with
// backoff. It transitions the intent's ledger record:
//
//	code == 0            -> SUBMITTED then CONFIRMED
//	code != 0            -> SUBMITTED then FAILED (raw log kept verbatim)
//	retries exhausted    -> FAILED with the last transport error
//	deterministic error  -> FAILED immediately, no retry
//
// The returned result is nil when nothing reached the chain. An in-flight
// broadcast is never cancelled: ctx is honored only between attempts.
func (e *Executor) Submit(ctx context.Context, intent *contracts.TxIntent) (*contracts.BroadcastResult, error) {
	if e.obs != nil {
		var done func(error)
		ctx, done = e.obs.TrackOperation(ctx, "broadcast.submit",
			attribute.String("operation_id", intent.OperationID),
			attribute.String("kind", string(intent.Kind)),
		)
		res, err := e.submit(ctx, intent)
		done(err)
		return res, err
	}
	return e.submit(ctx, intent)
}

func (e *Executor) submit(ctx context.Context, intent *contracts.TxIntent) (*contracts.BroadcastResult, error) {
	lock := e.accountLock(intent.SignerAddress)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.policy.backoffDelay(intent.SignerAddress, intent.OperationID, attempt-1)
			e.logger.Info("retrying broadcast",
				"operation_id", intent.OperationID,
				"attempt", attempt+1,
				"delay", delay,
			)
			if err := e.sleep(ctx, delay); err != nil {
				// Shutdown between attempts: nothing was submitted this
				// round, leave the record as-is for the next run.
				return nil, fmt.Errorf("broadcast %s interrupted: %w", intent.OperationID, err)
			}
		}

		res, err := e.client.SignAndBroadcast(ctx, intent.SignerAddress, []contracts.SidechainMsg{intent.Msg}, intent.Fee)
		if err != nil {
			if !retryable(err) {
				e.logger.Error("deterministic broadcast rejection",
					"operation_id", intent.OperationID, "error", err)
				if lerr := e.store.RecordResult(ctx, intent.OperationID, contracts.StatusFailed, "", err.Error()); lerr != nil {
					e.logger.Error("ledger write failed", "operation_id", intent.OperationID, "error", lerr)
				}
				return nil, err
			}
			lastErr = err
			if isSequenceMismatch(err) {
				if rerr := e.client.RefreshAccount(ctx, intent.SignerAddress); rerr != nil {
					e.logger.Warn("account refresh failed",
						"signer", intent.SignerAddress, "error", rerr)
				}
			}
			continue
		}

		return res, e.recordOutcome(ctx, intent, res)
	}

	err := fmt.Errorf("broadcast %s: %d attempts exhausted: %w",
		intent.OperationID, e.policy.MaxAttempts, lastErr)
	if lerr := e.store.RecordResult(ctx, intent.OperationID, contracts.StatusFailed, "", err.Error()); lerr != nil {
		e.logger.Error("ledger write failed", "operation_id", intent.OperationID, "error", lerr)
	}
	return nil, err
}

func (e *Executor) recordOutcome(ctx context.Context, intent *contracts.TxIntent, res *contracts.BroadcastResult) error {
	if err := e.store.MarkSubmitted(ctx, intent.OperationID, res.TxHash); err != nil {
		return fmt.Errorf("mark submitted %s: %w", intent.OperationID, err)
	}

	if res.Code == 0 {
		e.logger.Info("broadcast confirmed",
			"operation_id", intent.OperationID,
			"kind", intent.Kind,
			"tx_hash", res.TxHash,
			"gas_used", res.GasUsed,
		)
		return e.store.RecordResult(ctx, intent.OperationID, contracts.StatusConfirmed, res.TxHash, "")
	}

	e.logger.Error("broadcast rejected by chain",
		"operation_id", intent.OperationID,
		"code", res.Code,
		"raw_log", res.RawLog,
	)
	// RawLog goes into the ledger verbatim for audit.
	return e.store.RecordResult(ctx, intent.OperationID, contracts.StatusFailed, res.TxHash, res.RawLog)
}

func (e *Executor) accountLock(signer string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.accounts[signer]
	if !ok {
		lock = &sync.Mutex{}
		e.accounts[signer] = lock
	}
	return lock
}

func isSequenceMismatch(err error) bool {
	return errors.Is(err, ErrSequenceMismatch)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
