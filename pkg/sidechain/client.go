// Package sidechain is the HTTP client for the sidechain node's RPC
// surface: sign-and-broadcast, account refresh, and transaction lookup.
// The node holds the signing keys; the relay only names the signer
// account. Errors are classified for the executor: transport failures
// wrap broadcast.ErrTransient, sequence races wrap
// broadcast.ErrSequenceMismatch.
package sidechain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coldwallet-labs/bridgerelay/pkg/broadcast"
	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
)

// Client talks to a single sidechain node.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the node at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default().With("component", "sidechain"),
	}
}

type broadcastRequest struct {
	Signer string                   `json:"signer"`
	Msgs   []contracts.SidechainMsg `json:"msgs"`
	Fee    contracts.Fee            `json:"fee"`
}

type txResponse struct {
	TxHash  string `json:"tx_hash"`
	Code    uint32 `json:"code"`
	RawLog  string `json:"raw_log"`
	GasUsed int64  `json:"gas_used"`
}

// SignAndBroadcast submits the messages for signing and broadcast by the
// node. A non-2xx HTTP status is a transport-level failure; chain-level
// rejection comes back as a 2xx response with a non-zero code.
func (c *Client) SignAndBroadcast(ctx context.Context, signer string, msgs []contracts.SidechainMsg, fee contracts.Fee) (*contracts.BroadcastResult, error) {
	body, err := json.Marshal(broadcastRequest{Signer: signer, Msgs: msgs, Fee: fee})
	if err != nil {
		return nil, fmt.Errorf("encode broadcast request: %w", err)
	}

	var res txResponse
	if err := c.post(ctx, "/txs", body, &res); err != nil {
		return nil, err
	}
	return &contracts.BroadcastResult{
		TxHash:  res.TxHash,
		Code:    res.Code,
		RawLog:  res.RawLog,
		GasUsed: res.GasUsed,
	}, nil
}

// RefreshAccount re-reads the signer's account number and sequence on
// the node after a sequence mismatch.
func (c *Client) RefreshAccount(ctx context.Context, signer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/accounts/"+signer+"/refresh", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh %s: %w: %w", signer, broadcast.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh %s: status %d: %w", signer, resp.StatusCode, broadcast.ErrTransient)
	}
	return nil
}

// QueryTx looks up an already-broadcast transaction by hash. Returns
// contracts.ErrNotFound when the chain has no record of it.
func (c *Client) QueryTx(ctx context.Context, txHash string) (*contracts.BroadcastResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/txs/"+txHash, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query tx %s: %w: %w", txHash, broadcast.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, contracts.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query tx %s: status %d: %w", txHash, resp.StatusCode, broadcast.ErrTransient)
	}

	var res txResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txHash, err)
	}
	return &contracts.BroadcastResult{
		TxHash:  res.TxHash,
		Code:    res.Code,
		RawLog:  res.RawLog,
		GasUsed: res.GasUsed,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w: %w", path, broadcast.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyHTTPError(path, resp.StatusCode, string(payload))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classifyHTTPError maps node error responses onto the executor's retry
// taxonomy. Sequence races and server-side failures are retryable;
// anything the node calls a bad request is deterministic.
func classifyHTTPError(path string, status int, payload string) error {
	if strings.Contains(payload, "account sequence mismatch") {
		return fmt.Errorf("post %s: %s: %w", path, payload, broadcast.ErrSequenceMismatch)
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("post %s: status %d: %s: %w", path, status, payload, broadcast.ErrTransient)
	}
	return fmt.Errorf("post %s: status %d: %s", path, status, payload)
}
