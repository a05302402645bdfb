package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
	"github.com/coldwallet-labs/bridgerelay/pkg/ledger"
)

type scriptedClient struct {
	mu        sync.Mutex
	calls     int
	refreshes int
	// script returns the outcome for call N (0-based); the last entry
	// repeats.
	script []func() (*contracts.BroadcastResult, error)
	order  []string // operation IDs in broadcast order
}

func (c *scriptedClient) SignAndBroadcast(ctx context.Context, signer string, msgs []contracts.SidechainMsg, fee contracts.Fee) (*contracts.BroadcastResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if mint, ok := msgs[0].Value.(contracts.MsgMintTokens); ok {
		c.order = append(c.order, mint.OperationID)
	}
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	return c.script[i]()
}

func (c *scriptedClient) RefreshAccount(ctx context.Context, signer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	return nil
}

func ok(hash string) func() (*contracts.BroadcastResult, error) {
	return func() (*contracts.BroadcastResult, error) {
		return &contracts.BroadcastResult{TxHash: hash, Code: 0, GasUsed: 80000}, nil
	}
}

func rejected(code uint32, rawLog string) func() (*contracts.BroadcastResult, error) {
	return func() (*contracts.BroadcastResult, error) {
		return &contracts.BroadcastResult{TxHash: "REJ", Code: code, RawLog: rawLog}, nil
	}
}

func failing(err error) func() (*contracts.BroadcastResult, error) {
	return func() (*contracts.BroadcastResult, error) { return nil, err }
}

func mintIntent(op string) *contracts.TxIntent {
	return &contracts.TxIntent{
		OperationID:   op,
		Kind:          contracts.OpMint,
		SignerAddress: "cosmos1bridge",
		Msg: contracts.SidechainMsg{
			TypeURL: contracts.TypeURLMintTokens,
			Value:   contracts.MsgMintTokens{ToAddress: "cosmos1to", Amount: "100", OperationID: op},
		},
		Fee: contracts.Fee{Denom: "uatom", Amount: "5000", Gas: 200000},
	}
}

func newTestExecutor(client SigningClient, store ledger.Store) *Executor {
	e := NewExecutor(client, store, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxJitter: 0})
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func reserve(t *testing.T, store ledger.Store, op string) {
	t.Helper()
	reserved, _, err := store.CheckAndReserve(context.Background(), op, contracts.OpMint)
	require.NoError(t, err)
	require.True(t, reserved)
}

func TestSubmit_SuccessConfirms(t *testing.T) {
	store := ledger.NewMemoryStore()
	client := &scriptedClient{script: []func() (*contracts.BroadcastResult, error){ok("HASH1")}}
	e := newTestExecutor(client, store)

	reserve(t, store, "op-1")
	res, err := e.Submit(context.Background(), mintIntent("op-1"))
	require.NoError(t, err)
	assert.Equal(t, "HASH1", res.TxHash)

	rec, err := store.Get(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
	assert.Equal(t, "HASH1", rec.SidechainTxHash)
	assert.Equal(t, 1, rec.Attempts)
}

func TestSubmit_ChainRejectionFailsWithRawLog(t *testing.T) {
	store := ledger.NewMemoryStore()
	client := &scriptedClient{script: []func() (*contracts.BroadcastResult, error){
		rejected(5, "failed to execute message; insufficient funds: 100 < 500"),
	}}
	e := newTestExecutor(client, store)

	reserve(t, store, "op-2")
	res, err := e.Submit(context.Background(), mintIntent("op-2"))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), res.Code)

	// No retry for a deterministic chain rejection.
	assert.Equal(t, 1, client.calls)

	rec, err := store.Get(context.Background(), "op-2")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, rec.Status)
	assert.Equal(t, "failed to execute message; insufficient funds: 100 < 500", rec.LastError)
}

func TestSubmit_TransientErrorsRetryThenSucceed(t *testing.T) {
	store := ledger.NewMemoryStore()
	client := &scriptedClient{script: []func() (*contracts.BroadcastResult, error){
		failing(fmt.Errorf("rpc: %w", ErrTransient)),
		failing(fmt.Errorf("broadcast: %w", ErrSequenceMismatch)),
		ok("HASH3"),
	}}
	e := newTestExecutor(client, store)

	reserve(t, store, "op-3")
	res, err := e.Submit(context.Background(), mintIntent("op-3"))
	require.NoError(t, err)
	assert.Equal(t, "HASH3", res.TxHash)
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, 1, client.refreshes, "sequence mismatch refreshes account state")

	rec, err := store.Get(context.Background(), "op-3")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rec.Status)
}

func TestSubmit_ExhaustedRetriesFail(t *testing.T) {
	store := ledger.NewMemoryStore()
	client := &scriptedClient{script: []func() (*contracts.BroadcastResult, error){
		failing(fmt.Errorf("dial: %w", ErrTransient)),
	}}
	e := newTestExecutor(client, store)

	reserve(t, store, "op-4")
	_, err := e.Submit(context.Background(), mintIntent("op-4"))
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)

	rec, err := store.Get(context.Background(), "op-4")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "attempts exhausted")

	// Nothing reached the chain, yet the failure still counts toward the
	// redrive bound.
	assert.Equal(t, 1, rec.Attempts)
	assert.ErrorIs(t, store.Redrive(context.Background(), "op-4", 1), contracts.ErrAttemptsExhausted)
}

func TestSubmit_DeterministicErrorNoRetry(t *testing.T) {
	store := ledger.NewMemoryStore()
	client := &scriptedClient{script: []func() (*contracts.BroadcastResult, error){
		failing(errors.New("invalid message: empty recipient")),
	}}
	e := newTestExecutor(client, store)

	reserve(t, store, "op-5")
	_, err := e.Submit(context.Background(), mintIntent("op-5"))
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)

	rec, err := store.Get(context.Background(), "op-5")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, rec.Status)
}

func TestSubmit_SerializesPerAccount(t *testing.T) {
	store := ledger.NewMemoryStore()
	client := &scriptedClient{script: []func() (*contracts.BroadcastResult, error){ok("H")}}
	e := newTestExecutor(client, store)

	ctx := context.Background()
	const n = 16
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("op-seq-%02d", i)
		reserve(t, store, ids[i])
	}

	// Same signing account: submissions must not interleave. Each call
	// appends to client.order under the account lock, so the count of
	// broadcasts equals the count of operations even under concurrency.
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.Submit(ctx, mintIntent(id))
			if err != nil {
				t.Error(err)
			}
		}(id)
	}
	wg.Wait()

	assert.Len(t, client.order, n)
	seen := make(map[string]bool, n)
	for _, id := range client.order {
		assert.False(t, seen[id], "operation %s broadcast twice", id)
		seen[id] = true
	}
}

func TestSubmit_ShutdownBetweenAttemptsLeavesRecordPending(t *testing.T) {
	store := ledger.NewMemoryStore()
	client := &scriptedClient{script: []func() (*contracts.BroadcastResult, error){
		failing(fmt.Errorf("timeout: %w", ErrTransient)),
	}}
	e := newTestExecutor(client, store)

	ctx, cancel := context.WithCancel(context.Background())
	reserve(t, store, "op-6")
	cancel() // shutdown arrives while the first retry wait is pending

	_, err := e.Submit(ctx, mintIntent("op-6"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Not marked failed: the next run may resume it.
	rec, err := store.Get(context.Background(), "op-6")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, rec.Status)
}
