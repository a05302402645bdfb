// Package relay wires the watcher, ledger, builder, authorizer, and
// executor into the bridge pipeline. Every path through it is the same
// shape: reserve the operation in the ledger, build the sidechain
// message, submit it, record the outcome. One failed operation never
// takes down the loops.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/coldwallet-labs/bridgerelay/pkg/addrmap"
	"github.com/coldwallet-labs/bridgerelay/pkg/authz"
	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
	"github.com/coldwallet-labs/bridgerelay/pkg/ledger"
	"github.com/coldwallet-labs/bridgerelay/pkg/observability"
	"github.com/coldwallet-labs/bridgerelay/pkg/txbuilder"
	"github.com/coldwallet-labs/bridgerelay/pkg/watcher"
)

// EventSource feeds decoded settlement-chain events. Satisfied by
// *watcher.Watcher.
type EventSource interface {
	Run(ctx context.Context) error
	Locks() <-chan contracts.LockEvent
	Policies() <-chan watcher.PolicyUpdate
}

// Submitter broadcasts a built intent and records its outcome. Satisfied
// by *broadcast.Executor.
type Submitter interface {
	Submit(ctx context.Context, intent *contracts.TxIntent) (*contracts.BroadcastResult, error)
}

// TxStatusQuerier looks up the fate of an already-broadcast transaction,
// for startup reconciliation. Returns contracts.ErrNotFound when the
// chain has no record of the hash.
type TxStatusQuerier interface {
	QueryTx(ctx context.Context, txHash string) (*contracts.BroadcastResult, error)
}

// Config sets the relay's identities and operational bounds.
type Config struct {
	// SignerAddress is the bridge operator's sidechain account, the
	// signer for mint and policy-sync broadcasts. Spends are signed by
	// the policy's delegate account, so they queue independently of the
	// operator's traffic in the executor.
	SignerAddress string

	// MaxRedriveAttempts bounds how often a failed operation may be
	// re-driven back to pending.
	MaxRedriveAttempts int

	// SpendRate and SpendBurst throttle the request-driven spend entry
	// point.
	SpendRate  rate.Limit
	SpendBurst int

	// CheckpointName keys the watcher checkpoint reported by Status.
	CheckpointName string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRedriveAttempts <= 0 {
		out.MaxRedriveAttempts = 5
	}
	if out.SpendRate <= 0 {
		out.SpendRate = 10
	}
	if out.SpendBurst <= 0 {
		out.SpendBurst = 20
	}
	if out.CheckpointName == "" {
		out.CheckpointName = "settlement"
	}
	return out
}

// StatusReport is the operator-facing snapshot of the relay's state.
type StatusReport struct {
	Counts    map[contracts.Status]int `json:"counts"`
	LastBlock uint64                   `json:"last_block"`
}

// Relay is the orchestrator.
type Relay struct {
	cfg     Config
	source  EventSource
	store   ledger.Store
	ckpt    ledger.CheckpointStore
	builder *txbuilder.Builder
	auth    *authz.Authorizer
	exec    Submitter
	querier TxStatusQuerier
	addr    *addrmap.Translator
	limiter *rate.Limiter
	logger  *slog.Logger
	obs     *observability.Provider
}

// New assembles a relay from its collaborators.
func New(cfg Config, source EventSource, store ledger.Store, ckpt ledger.CheckpointStore,
	builder *txbuilder.Builder, auth *authz.Authorizer, exec Submitter,
	querier TxStatusQuerier, addr *addrmap.Translator) *Relay {
	cfg = cfg.withDefaults()
	return &Relay{
		cfg:     cfg,
		source:  source,
		store:   store,
		ckpt:    ckpt,
		builder: builder,
		auth:    auth,
		exec:    exec,
		querier: querier,
		addr:    addr,
		limiter: rate.NewLimiter(cfg.SpendRate, cfg.SpendBurst),
		logger:  slog.Default().With("component", "relay"),
	}
}

// WithObservability attaches span and RED accounting to the pipeline
// stages.
func (r *Relay) WithObservability(p *observability.Provider) *Relay {
	r.obs = p
	return r
}

func (r *Relay) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if r.obs == nil {
		return ctx, func(error) {}
	}
	return r.obs.TrackOperation(ctx, name, attrs...)
}

// Run reconciles leftover submissions, then consumes events until ctx is
// cancelled. It returns the event source's terminal error.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ev := range r.source.Locks() {
			r.handleLock(ctx, ev)
		}
	}()
	go func() {
		defer wg.Done()
		for up := range r.source.Policies() {
			r.handlePolicy(ctx, up)
		}
	}()

	err := r.source.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reconcile resolves every record stuck in SUBMITTED by asking the chain
// what became of its transaction. Confirmed and failed outcomes are
// recorded; an unknown hash stays SUBMITTED rather than being blindly
// re-broadcast.
func (r *Relay) Reconcile(ctx context.Context) error {
	records, err := r.store.ListByStatus(ctx, contracts.StatusSubmitted)
	if err != nil {
		return fmt.Errorf("list submitted: %w", err)
	}
	for _, rec := range records {
		if err := r.reconcileOne(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("reconciliation left record unresolved",
				"operation_id", rec.OperationID, "error", err)
		}
	}

	// Pending records resume when their event replays or their request is
	// resubmitted; surface them so an operator notices ones whose event
	// fell outside the replay window.
	pending, err := r.store.ListByStatus(ctx, contracts.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, rec := range pending {
		r.logger.Warn("pending operation awaits replay",
			"operation_id", rec.OperationID, "kind", rec.Kind)
	}
	return nil
}

func (r *Relay) reconcileOne(ctx context.Context, rec *contracts.IdempotencyRecord) error {
	if rec.SidechainTxHash == "" {
		return fmt.Errorf("submitted record has no tx hash")
	}
	res, err := r.querier.QueryTx(ctx, rec.SidechainTxHash)
	if errors.Is(err, contracts.ErrNotFound) {
		// The broadcast may still land or may have been dropped; with
		// no proof either way the record stays put.
		r.logger.Warn("submitted tx unknown to chain",
			"operation_id", rec.OperationID, "tx_hash", rec.SidechainTxHash)
		return nil
	}
	if err != nil {
		return fmt.Errorf("query tx %s: %w", rec.SidechainTxHash, err)
	}
	if res.Code == 0 {
		r.logger.Info("reconciled as confirmed", "operation_id", rec.OperationID)
		return r.store.RecordResult(ctx, rec.OperationID, contracts.StatusConfirmed, res.TxHash, "")
	}
	r.logger.Info("reconciled as failed",
		"operation_id", rec.OperationID, "code", res.Code)
	return r.store.RecordResult(ctx, rec.OperationID, contracts.StatusFailed, res.TxHash, res.RawLog)
}

// handleLock drives one lock event through reserve-build-submit. Replays
// of an operation that already ran are skipped at the reserve step; a
// pending record is driven again.
func (r *Relay) handleLock(ctx context.Context, ev contracts.LockEvent) {
	ctx, done := r.track(ctx, "relay.mint",
		attribute.String("operation_id", ev.OperationID))
	done(r.processLock(ctx, ev))
}

func (r *Relay) processLock(ctx context.Context, ev contracts.LockEvent) error {
	reserved, existing, err := r.store.CheckAndReserve(ctx, ev.OperationID, contracts.OpMint)
	if err != nil {
		r.logger.Error("reserve failed", "operation_id", ev.OperationID, "error", err)
		return err
	}
	if !reserved {
		if existing.Status != contracts.StatusPending {
			r.logger.Info("skipping replayed lock event",
				"operation_id", ev.OperationID, "status", existing.Status)
			return nil
		}
		// A pending record with nothing in flight is a crash leftover or
		// an operator redrive; the event drives it through the pipeline
		// again.
		r.logger.Info("driving pending mint", "operation_id", ev.OperationID)
	}

	toAddress, err := r.addr.ToSidechain(ev.SourceAddress)
	if err != nil {
		r.failBeforeBroadcast(ctx, ev.OperationID, err)
		return err
	}
	intent, err := r.builder.BuildMint(ev, toAddress, r.cfg.SignerAddress)
	if err != nil {
		r.failBeforeBroadcast(ctx, ev.OperationID, err)
		return err
	}
	if _, err := r.exec.Submit(ctx, intent); err != nil {
		// The executor already recorded the terminal state; nothing to
		// do here but log.
		r.logger.Error("mint broadcast failed", "operation_id", ev.OperationID, "error", err)
		return err
	}
	return nil
}

// handlePolicy installs the snapshot in the local cache and mirrors it to
// the sidechain. A stale version is dropped before any ledger traffic.
func (r *Relay) handlePolicy(ctx context.Context, up watcher.PolicyUpdate) {
	ctx, done := r.track(ctx, "relay.policy_sync",
		attribute.String("cold_wallet", up.Snapshot.ColdWallet))
	done(r.processPolicy(ctx, up))
}

func (r *Relay) processPolicy(ctx context.Context, up watcher.PolicyUpdate) error {
	installed, err := r.auth.Sync(up.Snapshot)
	if err != nil {
		r.logger.Error("policy sync rejected",
			"cold_wallet", up.Event.ColdWallet, "error", err)
		return err
	}

	intent, err := r.builder.BuildPolicySync(up.Snapshot, r.cfg.SignerAddress)
	if err != nil {
		r.logger.Error("policy intent build failed",
			"cold_wallet", up.Snapshot.ColdWallet, "error", err)
		return err
	}

	if installed {
		reserved, existing, err := r.store.CheckAndReserve(ctx, intent.OperationID, contracts.OpPolicySync)
		if err != nil {
			r.logger.Error("reserve failed", "operation_id", intent.OperationID, "error", err)
			return err
		}
		if !reserved && existing.Status != contracts.StatusPending {
			r.logger.Info("policy version already mirrored",
				"operation_id", intent.OperationID, "status", existing.Status)
			return nil
		}
	} else {
		// A dropped sync is normally a replayed or stale version and ends
		// here. Only the cache's current version with a pending mirror
		// (crash leftover or operator redrive) is broadcast again.
		cached := r.auth.Policy(up.Snapshot.ColdWallet)
		if cached == nil || cached.Version != up.Snapshot.Version {
			return nil
		}
		rec, gerr := r.store.Get(ctx, intent.OperationID)
		if gerr != nil || rec.Status != contracts.StatusPending {
			return nil
		}
		r.logger.Info("driving pending policy mirror", "operation_id", intent.OperationID)
	}

	if _, err := r.exec.Submit(ctx, intent); err != nil {
		r.logger.Error("policy broadcast failed", "operation_id", intent.OperationID, "error", err)
		return err
	}
	return nil
}

// SubmitSpend is the request-driven entry point. The ledger deduplicates,
// the authorizer decides, the executor broadcasts.
func (r *Relay) SubmitSpend(ctx context.Context, req *contracts.SpendRequest) (*contracts.SpendResult, error) {
	ctx, done := r.track(ctx, "relay.spend",
		attribute.String("cold_wallet", req.ColdWallet))
	res, err := r.submitSpend(ctx, req)
	done(err)
	return res, err
}

func (r *Relay) submitSpend(ctx context.Context, req *contracts.SpendRequest) (*contracts.SpendResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// An operation already in the ledger is answered from its record
	// before any policy evaluation, so a replay of an applied spend is
	// never charged against the period window a second time. A pending
	// record (crash leftover or operator redrive) falls through and is
	// driven again.
	opID := req.OperationID()
	if rec, err := r.store.Get(ctx, opID); err == nil {
		if rec.Status != contracts.StatusPending {
			return replayedSpendResult(rec), nil
		}
	} else if !errors.Is(err, contracts.ErrNotFound) {
		return nil, fmt.Errorf("lookup %s: %w", opID, err)
	}

	dec := r.auth.Authorize(req)
	if !dec.Accepted {
		r.logger.Info("spend rejected",
			"cold_wallet", req.ColdWallet, "reason", dec.Reason, "detail", dec.Detail)
		return &contracts.SpendResult{Reason: dec.Reason, Error: dec.Detail}, nil
	}

	reserved, existing, err := r.store.CheckAndReserve(ctx, opID, contracts.OpSpend)
	if err != nil {
		r.auth.Release(req)
		return nil, fmt.Errorf("reserve %s: %w", opID, err)
	}
	if !reserved && existing.Status != contracts.StatusPending {
		// Lost the race to a concurrent identical request.
		r.auth.Release(req)
		return replayedSpendResult(existing), nil
	}

	// The delegate signs its own spends; its broadcasts queue behind one
	// another but never behind the operator's mint traffic.
	intent, err := r.builder.BuildSpend(req, dec.Policy.Delegate, dec.Policy.Delegate)
	if err != nil {
		r.auth.Release(req)
		r.failBeforeBroadcast(ctx, opID, err)
		return nil, fmt.Errorf("build spend %s: %w", opID, err)
	}
	res, err := r.exec.Submit(ctx, intent)
	if err != nil {
		rec, gerr := r.store.Get(context.WithoutCancel(ctx), opID)
		if gerr == nil && rec.Status == contracts.StatusPending {
			// Interrupted between attempts: the outcome is unresolved,
			// the record stays pending and the allowance stays held.
			return &contracts.SpendResult{Pending: true, Error: err.Error()}, nil
		}
		r.auth.Release(req)
		return &contracts.SpendResult{Error: err.Error()}, nil
	}
	if res.Code != 0 {
		r.auth.Release(req)
		return &contracts.SpendResult{TxHash: res.TxHash, Error: res.RawLog}, nil
	}
	return &contracts.SpendResult{Success: true, TxHash: res.TxHash}, nil
}

// replayedSpendResult answers a duplicate spend request from the existing
// record instead of broadcasting again.
func replayedSpendResult(rec *contracts.IdempotencyRecord) *contracts.SpendResult {
	switch rec.Status {
	case contracts.StatusConfirmed:
		return &contracts.SpendResult{Success: true, TxHash: rec.SidechainTxHash}
	case contracts.StatusFailed:
		return &contracts.SpendResult{TxHash: rec.SidechainTxHash, Error: rec.LastError}
	default:
		return &contracts.SpendResult{
			Pending: true,
			TxHash:  rec.SidechainTxHash,
			Error:   fmt.Sprintf("operation %s is %s", rec.OperationID, rec.Status),
		}
	}
}

// Status reports ledger counts and the last processed settlement block.
func (r *Relay) Status(ctx context.Context) (*StatusReport, error) {
	counts, err := r.store.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	height, err := r.ckpt.GetCheckpoint(ctx, r.cfg.CheckpointName)
	if err != nil && !errors.Is(err, contracts.ErrNotFound) {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return &StatusReport{Counts: counts, LastBlock: height}, nil
}

// Redrive moves a failed operation back to pending for another run,
// bounded by the configured attempt limit. The pending record is driven
// again when its event is next replayed or its request resubmitted. Each
// redrive gets an audit id in the log.
func (r *Relay) Redrive(ctx context.Context, operationID string) error {
	auditID := uuid.NewString()
	if err := r.store.Redrive(ctx, operationID, r.cfg.MaxRedriveAttempts); err != nil {
		r.logger.Warn("redrive refused",
			"operation_id", operationID, "audit_id", auditID, "error", err)
		return err
	}
	r.logger.Info("operation redriven",
		"operation_id", operationID, "audit_id", auditID)
	return nil
}

// failBeforeBroadcast records a deterministic pre-broadcast failure so a
// reserved record is never left dangling in PENDING.
func (r *Relay) failBeforeBroadcast(ctx context.Context, operationID string, cause error) {
	r.logger.Error("operation failed before broadcast",
		"operation_id", operationID, "error", cause)
	if err := r.store.RecordResult(ctx, operationID, contracts.StatusFailed, "", cause.Error()); err != nil {
		r.logger.Error("ledger write failed", "operation_id", operationID, "error", err)
	}
}
