// Package watcher tails the settlement chain for bridge events. It polls
// filtered logs between the persisted checkpoint and the confirmation
// horizon, decodes them, and emits typed events for the relay loops.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
	"github.com/coldwallet-labs/bridgerelay/pkg/ledger"
)

// bridgeABI covers the three events the relay reacts to. The bridge
// contract carries more surface than this; the watcher only needs the
// event signatures.
const bridgeABI = `[
  {"type":"event","name":"FundsLocked","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"operationId","type":"bytes32","indexed":false}]},
  {"type":"event","name":"PolicyCreated","inputs":[
    {"name":"coldWallet","type":"address","indexed":true},
    {"name":"delegate","type":"address","indexed":true}]},
  {"type":"event","name":"PolicyUpdated","inputs":[
    {"name":"coldWallet","type":"address","indexed":true},
    {"name":"delegate","type":"address","indexed":true}]}
]`

// LogSource is the slice of an RPC client the watcher needs. Satisfied by
// *ethclient.Client.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// PolicyReader reads the full policy for a cold wallet from the
// settlement chain. Policy logs only signal a change; the snapshot itself
// comes from a contract read.
type PolicyReader interface {
	GetPolicy(ctx context.Context, coldWallet common.Address) (*contracts.PolicySnapshot, error)
}

// PolicyUpdate pairs a policy change log with the snapshot read back for
// it.
type PolicyUpdate struct {
	Event    contracts.PolicyEvent
	Snapshot *contracts.PolicySnapshot
}

// Config sets the watcher's chain coordinates and pacing.
type Config struct {
	// Contracts to filter logs from: the lock bridge and the policy
	// registry. They may be the same address.
	BridgeContract common.Address
	PolicyContract common.Address

	// StartBlock is where a fresh deployment (no checkpoint) begins.
	StartBlock uint64

	// ReplayWindow is the confirmation depth: logs closer than this to
	// head are not processed yet, and resumption re-reads this many
	// blocks behind the checkpoint to survive reorgs.
	ReplayWindow uint64

	PollInterval time.Duration
	// ErrBackoffMax bounds the doubling wait after a failed poll.
	ErrBackoffMax time.Duration

	// CheckpointName keys the checkpoint in the ledger's checkpoint
	// store.
	CheckpointName string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.ErrBackoffMax <= 0 {
		out.ErrBackoffMax = time.Minute
	}
	if out.CheckpointName == "" {
		out.CheckpointName = "settlement"
	}
	return out
}

// Watcher polls the settlement chain and emits decoded events. Run owns
// the emit channels; they close when Run returns.
type Watcher struct {
	cfg    Config
	source LogSource
	policy PolicyReader
	ckpt   ledger.CheckpointStore
	logger *slog.Logger

	abi             abi.ABI
	fundsLockedID   common.Hash
	policyCreatedID common.Hash
	policyUpdatedID common.Hash

	locks    chan contracts.LockEvent
	policies chan PolicyUpdate
}

// New builds a watcher. Emitted events are delivered on Locks and
// Policies; both channels are unbuffered so backpressure from the relay
// loops paces the chain scan.
func New(cfg Config, source LogSource, policy PolicyReader, ckpt ledger.CheckpointStore) (*Watcher, error) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("parse bridge abi: %w", err)
	}
	return &Watcher{
		cfg:             cfg.withDefaults(),
		source:          source,
		policy:          policy,
		ckpt:            ckpt,
		logger:          slog.Default().With("component", "watcher"),
		abi:             parsed,
		fundsLockedID:   parsed.Events["FundsLocked"].ID,
		policyCreatedID: parsed.Events["PolicyCreated"].ID,
		policyUpdatedID: parsed.Events["PolicyUpdated"].ID,
		locks:           make(chan contracts.LockEvent),
		policies:        make(chan PolicyUpdate),
	}, nil
}

// Locks delivers decoded FundsLocked events in block order.
func (w *Watcher) Locks() <-chan contracts.LockEvent { return w.locks }

// Policies delivers policy changes with their freshly-read snapshots.
func (w *Watcher) Policies() <-chan PolicyUpdate { return w.policies }

// Run polls until ctx is cancelled. Poll failures back off and retry;
// only cancellation stops the loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.locks)
	defer close(w.policies)

	from, err := w.resumeFrom(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("watcher starting", "from_block", from, "replay_window", w.cfg.ReplayWindow)

	backoff := w.cfg.PollInterval
	for {
		next, err := w.poll(ctx, from)
		switch {
		case err == nil:
			from = next
			backoff = w.cfg.PollInterval
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			w.logger.Warn("poll failed", "from_block", from, "error", err)
			backoff = min(backoff*2, w.cfg.ErrBackoffMax)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// resumeFrom computes the first block to scan: the persisted checkpoint
// minus the replay window, or the configured start block on a fresh
// deployment.
func (w *Watcher) resumeFrom(ctx context.Context) (uint64, error) {
	height, err := w.ckpt.GetCheckpoint(ctx, w.cfg.CheckpointName)
	if errors.Is(err, contracts.ErrNotFound) {
		return w.cfg.StartBlock, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", w.cfg.CheckpointName, err)
	}
	if height > w.cfg.ReplayWindow {
		return height - w.cfg.ReplayWindow, nil
	}
	return w.cfg.StartBlock, nil
}

// poll scans [from, head-replayWindow], emits decoded events, and
// advances the checkpoint. Returns the next block to scan from.
func (w *Watcher) poll(ctx context.Context, from uint64) (uint64, error) {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		return from, fmt.Errorf("block number: %w", err)
	}
	if head < w.cfg.ReplayWindow {
		return from, nil
	}
	safe := head - w.cfg.ReplayWindow
	if safe < from {
		return from, nil
	}

	logs, err := w.source.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(safe),
		Addresses: w.filterAddresses(),
		Topics:    [][]common.Hash{{w.fundsLockedID, w.policyCreatedID, w.policyUpdatedID}},
	})
	if err != nil {
		return from, fmt.Errorf("filter logs %d..%d: %w", from, safe, err)
	}

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		if err := w.dispatch(ctx, lg); err != nil {
			return from, err
		}
	}

	if err := w.advanceCheckpoint(ctx, safe); err != nil {
		return from, err
	}
	return safe + 1, nil
}

func (w *Watcher) filterAddresses() []common.Address {
	addrs := []common.Address{w.cfg.BridgeContract}
	if w.cfg.PolicyContract != w.cfg.BridgeContract {
		addrs = append(addrs, w.cfg.PolicyContract)
	}
	return addrs
}

// dispatch decodes one log and emits it. Decode failures are logged and
// skipped; a malformed log must not wedge the scan.
func (w *Watcher) dispatch(ctx context.Context, lg types.Log) error {
	if len(lg.Topics) == 0 {
		return nil
	}
	switch lg.Topics[0] {
	case w.fundsLockedID:
		ev, err := w.decodeLock(lg)
		if err != nil {
			w.logger.Warn("skipping undecodable FundsLocked log",
				"block", lg.BlockNumber, "tx", lg.TxHash, "error", err)
			return nil
		}
		select {
		case w.locks <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	case w.policyCreatedID, w.policyUpdatedID:
		ev, err := w.decodePolicyEvent(lg)
		if err != nil {
			w.logger.Warn("skipping malformed policy log",
				"block", lg.BlockNumber, "tx", lg.TxHash, "error", err)
			return nil
		}
		// The snapshot read can fail transiently; unlike a malformed
		// log this propagates so the whole range is re-polled.
		snapshot, err := w.policy.GetPolicy(ctx, ev.ColdWallet)
		if err != nil {
			return fmt.Errorf("read policy for %s: %w", ev.ColdWallet.Hex(), err)
		}
		select {
		case w.policies <- PolicyUpdate{Event: *ev, Snapshot: snapshot}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) decodeLock(lg types.Log) (*contracts.LockEvent, error) {
	if len(lg.Topics) != 2 {
		return nil, fmt.Errorf("want 2 topics, got %d", len(lg.Topics))
	}
	var payload struct {
		Amount      *big.Int
		OperationId [32]byte
	}
	if err := w.abi.UnpackIntoInterface(&payload, "FundsLocked", lg.Data); err != nil {
		return nil, fmt.Errorf("unpack data: %w", err)
	}
	return &contracts.LockEvent{
		OperationID:   common.Hash(payload.OperationId).Hex(),
		SourceAddress: common.BytesToAddress(lg.Topics[1].Bytes()),
		Amount:        payload.Amount,
		BlockNumber:   lg.BlockNumber,
		TxHash:        lg.TxHash,
	}, nil
}

func (w *Watcher) decodePolicyEvent(lg types.Log) (*contracts.PolicyEvent, error) {
	if len(lg.Topics) != 3 {
		return nil, fmt.Errorf("want 3 topics, got %d", len(lg.Topics))
	}
	return &contracts.PolicyEvent{
		ColdWallet:  common.BytesToAddress(lg.Topics[1].Bytes()),
		Delegate:    common.BytesToAddress(lg.Topics[2].Bytes()),
		Updated:     lg.Topics[0] == w.policyUpdatedID,
		BlockNumber: lg.BlockNumber,
	}, nil
}

// advanceCheckpoint moves the persisted height forward with CAS. A lost
// race means another instance is further along, which is fine.
func (w *Watcher) advanceCheckpoint(ctx context.Context, height uint64) error {
	current, err := w.ckpt.GetCheckpoint(ctx, w.cfg.CheckpointName)
	if errors.Is(err, contracts.ErrNotFound) {
		return w.ckpt.PutCheckpoint(ctx, w.cfg.CheckpointName, height)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if current >= height {
		return nil
	}
	err = w.ckpt.CASCheckpoint(ctx, w.cfg.CheckpointName, current, height)
	if errors.Is(err, contracts.ErrStaleCheckpoint) {
		w.logger.Debug("checkpoint advanced by another writer", "height", height)
		return nil
	}
	return err
}
