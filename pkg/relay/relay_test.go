package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldwallet-labs/bridgerelay/pkg/addrmap"
	"github.com/coldwallet-labs/bridgerelay/pkg/authz"
	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
	"github.com/coldwallet-labs/bridgerelay/pkg/ledger"
	"github.com/coldwallet-labs/bridgerelay/pkg/observability"
	"github.com/coldwallet-labs/bridgerelay/pkg/txbuilder"
	"github.com/coldwallet-labs/bridgerelay/pkg/watcher"
)

// fakeSubmitter mimics the executor's contract: it broadcasts and writes
// the outcome into the ledger.
type fakeSubmitter struct {
	store ledger.Store

	mu      sync.Mutex
	intents []*contracts.TxIntent
	// result overrides the default success outcome when set.
	result *contracts.BroadcastResult
	// err aborts the broadcast before any ledger write, the way a
	// shutdown between retry attempts leaves the record pending.
	err error
}

func (f *fakeSubmitter) Submit(ctx context.Context, intent *contracts.TxIntent) (*contracts.BroadcastResult, error) {
	f.mu.Lock()
	f.intents = append(f.intents, intent)
	res, err := f.result, f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &contracts.BroadcastResult{TxHash: "SIDE-" + intent.OperationID, Code: 0}
	}
	if err := f.store.MarkSubmitted(ctx, intent.OperationID, res.TxHash); err != nil {
		return nil, err
	}
	if res.Code == 0 {
		return res, f.store.RecordResult(ctx, intent.OperationID, contracts.StatusConfirmed, res.TxHash, "")
	}
	return res, f.store.RecordResult(ctx, intent.OperationID, contracts.StatusFailed, res.TxHash, res.RawLog)
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

type fakeQuerier struct {
	results map[string]*contracts.BroadcastResult
}

func (f *fakeQuerier) QueryTx(ctx context.Context, txHash string) (*contracts.BroadcastResult, error) {
	if res, ok := f.results[txHash]; ok {
		return res, nil
	}
	return nil, contracts.ErrNotFound
}

type fakeEventSource struct {
	locks    chan contracts.LockEvent
	policies chan watcher.PolicyUpdate
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{
		locks:    make(chan contracts.LockEvent),
		policies: make(chan watcher.PolicyUpdate),
	}
}

func (f *fakeEventSource) Run(ctx context.Context) error {
	<-ctx.Done()
	close(f.locks)
	close(f.policies)
	return ctx.Err()
}

func (f *fakeEventSource) Locks() <-chan contracts.LockEvent     { return f.locks }
func (f *fakeEventSource) Policies() <-chan watcher.PolicyUpdate { return f.policies }

type fixture struct {
	relay     *Relay
	store     *ledger.MemoryStore
	submitter *fakeSubmitter
	querier   *fakeQuerier
	source    *fakeEventSource
	auth      *authz.Authorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	submitter := &fakeSubmitter{store: store}
	querier := &fakeQuerier{results: make(map[string]*contracts.BroadcastResult)}
	source := newFakeEventSource()
	auth, err := authz.New()
	require.NoError(t, err)
	translator, err := addrmap.New("cosmos")
	require.NoError(t, err)

	r := New(Config{SignerAddress: "cosmos1bridge", MaxRedriveAttempts: 3},
		source, store, store, txbuilder.New(nil), auth, submitter, querier, translator)
	return &fixture{relay: r, store: store, submitter: submitter, querier: querier, source: source, auth: auth}
}

func lockEvent(op string, amount int64) contracts.LockEvent {
	return contracts.LockEvent{
		OperationID:   op,
		SourceAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Amount:        big.NewInt(amount),
		BlockNumber:   42,
		TxHash:        common.HexToHash("0xfeed"),
	}
}

func TestHandleLock_MintsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := lockEvent("op-1", 1000)
	f.relay.handleLock(ctx, ev)
	f.relay.handleLock(ctx, ev) // at-least-once delivery replays the event

	assert.Equal(t, 1, f.submitter.count())

	rec, err := f.store.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
	assert.Equal(t, "SIDE-op-1", rec.SidechainTxHash)

	mint, ok := f.submitter.intents[0].Msg.Value.(contracts.MsgMintTokens)
	require.True(t, ok)
	assert.Equal(t, "1000", mint.Amount)
	assert.Equal(t, "op-1", mint.OperationID)
}

func TestHandleLock_InvalidAmountFailsRecordWithoutBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.relay.handleLock(ctx, lockEvent("op-bad", 0))

	assert.Equal(t, 0, f.submitter.count())
	rec, err := f.store.Get(ctx, "op-bad")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "amount")
}

func TestHandleLock_RedrivenOperationMintsAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := lockEvent("op-redrive", 1000)

	f.submitter.result = &contracts.BroadcastResult{TxHash: "H1", Code: 5, RawLog: "boom"}
	f.relay.handleLock(ctx, ev)

	rec, err := f.store.Get(ctx, "op-redrive")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusFailed, rec.Status)

	require.NoError(t, f.relay.Redrive(ctx, "op-redrive"))

	// The event replay picks the pending record up and broadcasts again.
	f.submitter.result = nil
	f.relay.handleLock(ctx, ev)

	assert.Equal(t, 2, f.submitter.count())
	rec, err = f.store.Get(ctx, "op-redrive")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
}

func TestHandleLock_ResumesPendingLeftover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A crash between reserve and submit leaves the record pending with
	// nothing in flight.
	reserved, _, err := f.store.CheckAndReserve(ctx, "op-stuck", contracts.OpMint)
	require.NoError(t, err)
	require.True(t, reserved)

	f.relay.handleLock(ctx, lockEvent("op-stuck", 750))

	assert.Equal(t, 1, f.submitter.count())
	rec, err := f.store.Get(ctx, "op-stuck")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
}

func TestHandlePolicy_InstallsAndMirrorsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	up := watcher.PolicyUpdate{
		Event: contracts.PolicyEvent{BlockNumber: 10},
		Snapshot: &contracts.PolicySnapshot{
			ColdWallet: "cosmos1cw", Delegate: "cosmos1del", Version: 2,
		},
	}
	f.relay.handlePolicy(ctx, up)
	f.relay.handlePolicy(ctx, up) // replayed log for the same version

	assert.Equal(t, 1, f.submitter.count())
	assert.Equal(t, contracts.OpPolicySync, f.submitter.intents[0].Kind)

	cached := f.auth.Policy("cosmos1cw")
	require.NotNil(t, cached)
	assert.Equal(t, uint64(2), cached.Version)

	rec, err := f.store.Get(ctx, "policy-cosmos1cw-v2")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
}

func TestHandlePolicy_StaleVersionNeverReachesLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v3 := &contracts.PolicySnapshot{ColdWallet: "cosmos1cw", Delegate: "d", Version: 3}
	v1 := &contracts.PolicySnapshot{ColdWallet: "cosmos1cw", Delegate: "old", Version: 1}
	f.relay.handlePolicy(ctx, watcher.PolicyUpdate{Snapshot: v3})
	f.relay.handlePolicy(ctx, watcher.PolicyUpdate{Snapshot: v1})

	assert.Equal(t, 1, f.submitter.count())
	assert.Equal(t, "d", f.auth.Policy("cosmos1cw").Delegate)
	counts, err := f.store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[contracts.StatusConfirmed])
}

func TestHandlePolicy_RedrivenMirrorBroadcastsAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	up := watcher.PolicyUpdate{
		Snapshot: &contracts.PolicySnapshot{
			ColdWallet: "cosmos1cw", Delegate: "cosmos1del", Version: 4,
		},
	}
	f.submitter.result = &contracts.BroadcastResult{TxHash: "H1", Code: 9, RawLog: "boom"}
	f.relay.handlePolicy(ctx, up)

	rec, err := f.store.Get(ctx, "policy-cosmos1cw-v4")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusFailed, rec.Status)

	require.NoError(t, f.relay.Redrive(ctx, "policy-cosmos1cw-v4"))

	// The replayed log finds the cache already at v4 and the mirror
	// pending, and drives it again instead of dropping it as stale.
	f.submitter.result = nil
	f.relay.handlePolicy(ctx, up)

	assert.Equal(t, 2, f.submitter.count())
	rec, err = f.store.Get(ctx, "policy-cosmos1cw-v4")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
}

func spendPolicy(t *testing.T, f *fixture, keys int) []*ecdsa.PrivateKey {
	t.Helper()
	out := make([]*ecdsa.PrivateKey, keys)
	approvers := make([]common.Address, keys)
	for i := range out {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		out[i] = key
		approvers[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	_, err := f.auth.Sync(&contracts.PolicySnapshot{
		ColdWallet:      "cosmos1cw",
		Delegate:        "cosmos1del",
		Version:         1,
		PeriodLimit:     big.NewInt(10000),
		Period:          time.Hour,
		RequiredSigners: 2,
		ApproverKeys:    approvers,
	})
	require.NoError(t, err)
	return out
}

func signedSpend(t *testing.T, amount int64, nonce uint64, keys ...*ecdsa.PrivateKey) *contracts.SpendRequest {
	t.Helper()
	req := &contracts.SpendRequest{
		ColdWallet: "cosmos1cw",
		Recipient:  "cosmos1rcpt",
		Amount:     big.NewInt(amount),
		Nonce:      nonce,
	}
	for _, key := range keys {
		sig, err := crypto.Sign(crypto.Keccak256(req.SigningPayload()), key)
		require.NoError(t, err)
		req.Signatures = append(req.Signatures, sig)
	}
	return req
}

func TestSubmitSpend_AcceptedWithFullApprovals(t *testing.T) {
	f := newFixture(t)
	keys := spendPolicy(t, f, 2)

	res, err := f.relay.SubmitSpend(context.Background(), signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TxHash)

	require.Equal(t, 1, f.submitter.count())
	spend, ok := f.submitter.intents[0].Msg.Value.(contracts.MsgExecuteSpending)
	require.True(t, ok)
	assert.Equal(t, "cosmos1del", spend.Delegate)
	assert.Equal(t, "500", spend.Amount)
	// The delegate signs its own spends, not the bridge operator.
	assert.Equal(t, "cosmos1del", f.submitter.intents[0].SignerAddress)
}

func TestSubmitSpend_RejectedBelowThresholdSendsNothing(t *testing.T) {
	f := newFixture(t)
	keys := spendPolicy(t, f, 2)

	res, err := f.relay.SubmitSpend(context.Background(), signedSpend(t, 500, 1, keys[0]))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, contracts.ReasonInsufficientApprovals, res.Reason)

	assert.Equal(t, 0, f.submitter.count())
	counts, err := f.store.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts, "a policy rejection leaves no ledger trace")
}

func TestSubmitSpend_ReplayReturnsOriginalOutcome(t *testing.T) {
	f := newFixture(t)
	keys := spendPolicy(t, f, 2)

	first, err := f.relay.SubmitSpend(context.Background(), signedSpend(t, 500, 7, keys...))
	require.NoError(t, err)
	require.True(t, first.Success)

	// Byte-identical request: same operation id, no second broadcast.
	second, err := f.relay.SubmitSpend(context.Background(), signedSpend(t, 500, 7, keys...))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Equal(t, 1, f.submitter.count())

	// A fresh nonce is a new operation.
	third, err := f.relay.SubmitSpend(context.Background(), signedSpend(t, 500, 8, keys...))
	require.NoError(t, err)
	assert.True(t, third.Success)
	assert.Equal(t, 2, f.submitter.count())
}

func TestSubmitSpend_ChainRejectionSurfacesRawLog(t *testing.T) {
	f := newFixture(t)
	keys := spendPolicy(t, f, 2)
	f.submitter.result = &contracts.BroadcastResult{
		TxHash: "REJ", Code: 13, RawLog: "spending exceeds on-chain allowance",
	}

	res, err := f.relay.SubmitSpend(context.Background(), signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "spending exceeds on-chain allowance", res.Error)

	rec, err := f.store.Get(context.Background(), signedSpend(t, 500, 1, keys...).OperationID())
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, rec.Status)
}

// tightenLimit installs a v2 policy with a smaller period limit for the
// same approver set.
func tightenLimit(t *testing.T, f *fixture, keys []*ecdsa.PrivateKey, limit int64) {
	t.Helper()
	approvers := make([]common.Address, len(keys))
	for i, key := range keys {
		approvers[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	installed, err := f.auth.Sync(&contracts.PolicySnapshot{
		ColdWallet:      "cosmos1cw",
		Delegate:        "cosmos1del",
		Version:         2,
		PeriodLimit:     big.NewInt(limit),
		Period:          time.Hour,
		RequiredSigners: 2,
		ApproverKeys:    approvers,
	})
	require.NoError(t, err)
	require.True(t, installed)
}

func TestSubmitSpend_ConfirmedReplayNotChargedTwice(t *testing.T) {
	f := newFixture(t)
	keys := spendPolicy(t, f, 2)
	tightenLimit(t, f, keys, 800)
	ctx := context.Background()

	first, err := f.relay.SubmitSpend(ctx, signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	require.True(t, first.Success)

	// The replay is answered from the record, not re-run against a
	// window that already counts it.
	second, err := f.relay.SubmitSpend(ctx, signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Equal(t, 1, f.submitter.count())

	// 300 of the 800 limit remains: the confirmed spend was charged once.
	third, err := f.relay.SubmitSpend(ctx, signedSpend(t, 300, 2, keys...))
	require.NoError(t, err)
	assert.True(t, third.Success)
}

func TestSubmitSpend_FailedBroadcastReleasesAllowance(t *testing.T) {
	f := newFixture(t)
	keys := spendPolicy(t, f, 2)
	tightenLimit(t, f, keys, 800)
	ctx := context.Background()

	f.submitter.result = &contracts.BroadcastResult{TxHash: "REJ", Code: 13, RawLog: "boom"}
	res, err := f.relay.SubmitSpend(ctx, signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	require.False(t, res.Success)

	// The rejected spend no longer consumes the period allowance.
	f.submitter.result = nil
	res, err = f.relay.SubmitSpend(ctx, signedSpend(t, 600, 2, keys...))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSubmitSpend_InterruptedBroadcastReportsPending(t *testing.T) {
	f := newFixture(t)
	keys := spendPolicy(t, f, 2)
	tightenLimit(t, f, keys, 800)
	ctx := context.Background()

	f.submitter.err = errors.New("broadcast interrupted: context canceled")
	res, err := f.relay.SubmitSpend(ctx, signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Pending, "an unresolved outcome is not a terminal failure")
	assert.NotEmpty(t, res.Error)

	rec, err := f.store.Get(ctx, signedSpend(t, 500, 1, keys...).OperationID())
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, rec.Status)

	// The allowance stays held while the outcome is unknown.
	f.submitter.err = nil
	res, err = f.relay.SubmitSpend(ctx, signedSpend(t, 400, 2, keys...))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonAmountExceedsLimit, res.Reason)

	// Resubmitting the original request drives the pending record without
	// charging the window twice.
	res, err = f.relay.SubmitSpend(ctx, signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.submitter.count())
}

func TestSubmitSpend_RedrivenSpendRunsAgain(t *testing.T) {
	f := newFixture(t)
	keys := spendPolicy(t, f, 2)
	ctx := context.Background()
	opID := signedSpend(t, 500, 1, keys...).OperationID()

	f.submitter.result = &contracts.BroadcastResult{TxHash: "REJ", Code: 13, RawLog: "boom"}
	res, err := f.relay.SubmitSpend(ctx, signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	require.False(t, res.Success)

	require.NoError(t, f.relay.Redrive(ctx, opID))

	f.submitter.result = nil
	res, err = f.relay.SubmitSpend(ctx, signedSpend(t, 500, 1, keys...))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.submitter.count())

	rec, err := f.store.Get(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
}

func TestReconcile_ResolvesSubmittedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := func(op, hash string) {
		reserved, _, err := f.store.CheckAndReserve(ctx, op, contracts.OpMint)
		require.NoError(t, err)
		require.True(t, reserved)
		require.NoError(t, f.store.MarkSubmitted(ctx, op, hash))
	}
	seed("op-confirmed", "HA")
	seed("op-reverted", "HB")
	seed("op-unknown", "HC")

	f.querier.results["HA"] = &contracts.BroadcastResult{TxHash: "HA", Code: 0}
	f.querier.results["HB"] = &contracts.BroadcastResult{TxHash: "HB", Code: 7, RawLog: "out of gas"}

	require.NoError(t, f.relay.Reconcile(ctx))

	rec, _ := f.store.Get(ctx, "op-confirmed")
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)

	rec, _ = f.store.Get(ctx, "op-reverted")
	assert.Equal(t, contracts.StatusFailed, rec.Status)
	assert.Equal(t, "out of gas", rec.LastError)

	rec, _ = f.store.Get(ctx, "op-unknown")
	assert.Equal(t, contracts.StatusSubmitted, rec.Status, "unknown hash is never blindly re-broadcast")
}

func TestRedrive_BoundedByAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reserved, _, err := f.store.CheckAndReserve(ctx, "op-fail", contracts.OpMint)
	require.NoError(t, err)
	require.True(t, reserved)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.MarkSubmitted(ctx, "op-fail", "H"))
		require.NoError(t, f.store.RecordResult(ctx, "op-fail", contracts.StatusFailed, "", "boom"))
		err = f.relay.Redrive(ctx, "op-fail")
		if i < 2 {
			require.NoError(t, err)
		}
	}
	assert.ErrorIs(t, err, contracts.ErrAttemptsExhausted)
}

func TestStatus_ReportsCountsAndLastBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reserved, _, err := f.store.CheckAndReserve(ctx, "op-x", contracts.OpMint)
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, f.store.PutCheckpoint(ctx, "settlement", 1234))

	report, err := f.relay.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts[contracts.StatusPending])
	assert.Equal(t, uint64(1234), report.LastBlock)
}

// The pipeline stages report through the telemetry provider; a disabled
// provider must be a transparent pass-through.
func TestHandleLock_TracksThroughDisabledProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	obs, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)
	f.relay.WithObservability(obs)

	f.relay.handleLock(ctx, lockEvent("op-obs", 100))

	rec, err := f.store.Get(ctx, "op-obs")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
}

func TestRun_ConsumesEventsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	f.source.locks <- lockEvent("op-run", 250)

	require.Eventually(t, func() bool { return f.submitter.count() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	rec, err := f.store.Get(context.Background(), "op-run")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
}
