// Package contracts holds the shared domain types of the bridge relay:
// settlement-chain events, sidechain messages, spending policies, and the
// idempotency records that tie the two sides together.
package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound is returned when a ledger record or checkpoint is absent.
	ErrNotFound = errors.New("not found")
	// ErrAttemptsExhausted is returned when a failed operation has hit its
	// re-drive bound and may not be retried again.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrStaleCheckpoint is returned by a compare-and-swap checkpoint write
	// that lost to a concurrent writer.
	ErrStaleCheckpoint = errors.New("stale checkpoint")
)

// Status is the lifecycle state of an operation in the idempotency ledger.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// OperationKind categorizes what a ledger record drives on the sidechain.
type OperationKind string

const (
	OpMint       OperationKind = "MINT"
	OpPolicySync OperationKind = "POLICY_SYNC"
	OpSpend      OperationKind = "SPEND"
)

// RejectReason is the specific cause returned when the authorizer refuses a
// spend request. Callers surface these verbatim.
type RejectReason string

const (
	ReasonStalePolicy           RejectReason = "StalePolicy"
	ReasonAmountExceedsLimit    RejectReason = "AmountExceedsLimit"
	ReasonRecipientNotAllowed   RejectReason = "RecipientNotAllowed"
	ReasonRuleViolated          RejectReason = "RuleViolated"
	ReasonInsufficientApprovals RejectReason = "InsufficientApprovals"
)

// LockEvent is a decoded FundsLocked log from the settlement chain.
// Immutable once observed; the watcher never mutates an emitted event.
type LockEvent struct {
	OperationID   string         `json:"operation_id"`
	SourceAddress common.Address `json:"source_address"`
	Amount        *big.Int       `json:"amount"`
	BlockNumber   uint64         `json:"block_number"`
	TxHash        common.Hash    `json:"tx_hash"`
}

// PolicyEvent signals that a spending policy was created or updated on the
// settlement chain. The full policy is read back via the PolicyReader
// collaborator, not carried in the log.
type PolicyEvent struct {
	ColdWallet  common.Address `json:"cold_wallet"`
	Delegate    common.Address `json:"delegate"`
	Updated     bool           `json:"updated"`
	BlockNumber uint64         `json:"block_number"`
}

// PolicySnapshot is the full set of spending constraints governing a cold
// wallet's delegate, mirrored from the settlement chain. Snapshots are
// replaced wholesale on every sync; readers never observe a partial update.
type PolicySnapshot struct {
	ColdWallet string `json:"cold_wallet"` // sidechain address
	Delegate   string `json:"delegate"`    // sidechain address
	Version    uint64 `json:"version"`

	// PeriodLimit caps the total spend per Period window. Nil disables.
	PeriodLimit *big.Int      `json:"period_limit,omitempty"`
	Period      time.Duration `json:"period,omitempty"`

	// AllowedRecipients is an allow-list of sidechain addresses.
	// Empty means any recipient is permitted.
	AllowedRecipients []string `json:"allowed_recipients,omitempty"`

	// RequiredSigners is the co-signer threshold; ApproverKeys are the
	// settlement-chain addresses of the recognized approvers.
	RequiredSigners int              `json:"required_signers"`
	ApproverKeys    []common.Address `json:"approver_keys,omitempty"`

	// Rules are evaluated in order as CEL expressions over the variables
	// amount, recipient, cold_wallet, and delegate. All must hold.
	Rules []string `json:"rules,omitempty"`
}

// Clone returns a deep copy so cached snapshots can be handed out without
// aliasing the authorizer's internal state.
func (p *PolicySnapshot) Clone() *PolicySnapshot {
	if p == nil {
		return nil
	}
	out := *p
	if p.PeriodLimit != nil {
		out.PeriodLimit = new(big.Int).Set(p.PeriodLimit)
	}
	out.AllowedRecipients = append([]string(nil), p.AllowedRecipients...)
	out.ApproverKeys = append([]common.Address(nil), p.ApproverKeys...)
	out.Rules = append([]string(nil), p.Rules...)
	return &out
}

// Fee is the explicit fee and gas specification attached to every outbound
// sidechain transaction.
type Fee struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
	Gas    uint64 `json:"gas"`
}

// Sidechain message type URLs, matching the chain's registered handlers.
const (
	TypeURLMintTokens      = "/coldwallet.bridge.MsgMintTokens"
	TypeURLExecuteSpending = "/coldwallet.spending.MsgExecuteSpending"
	TypeURLSyncPolicy      = "/coldwallet.policy.MsgSyncPolicy"
)

// MsgMintTokens mints wrapped tokens on the sidechain backed by funds
// locked on the settlement chain.
type MsgMintTokens struct {
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
	OperationID string `json:"operation_id"`
}

// MsgExecuteSpending spends from a cold wallet on behalf of its delegate.
type MsgExecuteSpending struct {
	ColdWallet string   `json:"cold_wallet"`
	Delegate   string   `json:"delegate"`
	Recipient  string   `json:"recipient"`
	Amount     string   `json:"amount"`
	Signatures [][]byte `json:"signatures,omitempty"`
}

// MsgSyncPolicy carries a full PolicySnapshot to the sidechain.
type MsgSyncPolicy struct {
	Policy PolicySnapshot `json:"policy"`
}

// SidechainMsg is a typed sidechain message ready for sign-and-broadcast.
type SidechainMsg struct {
	TypeURL string `json:"type_url"`
	Value   any    `json:"value"`
}

// TxIntent is the transient product of the transaction builder: a fully
// formed sidechain message plus fee, linked back to its operation ID.
// Mint, policy-sync, and spend intents share this shape, distinguished by
// Kind. Owned solely by the pipeline invocation that created it.
type TxIntent struct {
	OperationID   string
	Kind          OperationKind
	SignerAddress string
	Msg           SidechainMsg
	Fee           Fee
}

// BroadcastResult is the classified outcome of a sidechain broadcast.
// Code 0 means the transaction executed; any other code is a chain-level
// rejection with RawLog preserved verbatim.
type BroadcastResult struct {
	TxHash  string `json:"tx_hash"`
	Code    uint32 `json:"code"`
	RawLog  string `json:"raw_log,omitempty"`
	GasUsed int64  `json:"gas_used,omitempty"`
}

// IdempotencyRecord is the single source of truth for whether a
// settlement-chain operation has been applied on the sidechain.
type IdempotencyRecord struct {
	OperationID     string        `json:"operation_id"`
	Kind            OperationKind `json:"kind"`
	Status          Status        `json:"status"`
	SidechainTxHash string        `json:"sidechain_tx_hash,omitempty"`
	Attempts        int           `json:"attempts"`
	LastError       string        `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Terminal reports whether the record has reached a final state.
func (r *IdempotencyRecord) Terminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

// SpendRequest is an external request to spend from a cold wallet,
// validated by the authorizer before entering the broadcast pipeline.
type SpendRequest struct {
	ColdWallet string   `json:"cold_wallet"`
	Recipient  string   `json:"recipient"`
	Amount     *big.Int `json:"amount"`
	Nonce      uint64   `json:"nonce"`

	// MinPolicyVersion, when non-zero, rejects the request unless the
	// cached policy is at least this version.
	MinPolicyVersion uint64 `json:"min_policy_version,omitempty"`

	// Signatures are 65-byte recoverable secp256k1 signatures over
	// SigningPayload, one per approver.
	Signatures [][]byte `json:"signatures,omitempty"`
}

// OperationID derives the request's idempotency key. Two byte-identical
// approved requests map to the same key, so a replay of an already-applied
// request is skipped; an intentional repeat must carry a fresh nonce.
func (r *SpendRequest) OperationID() string {
	sum := sha256.Sum256(r.SigningPayload())
	return "spend-" + hex.EncodeToString(sum[:16])
}

// SigningPayload is the canonical byte string approvers sign.
func (r *SpendRequest) SigningPayload() []byte {
	amount := "0"
	if r.Amount != nil {
		amount = r.Amount.String()
	}
	return fmt.Appendf(nil, "%s|%s|%s|%d", r.ColdWallet, r.Recipient, amount, r.Nonce)
}

// SpendResult is the core's answer to a spend request, independent of
// transport: a sidechain tx hash, a specific rejection, or an unresolved
// outcome the caller must check back on.
type SpendResult struct {
	Success bool         `json:"success"`
	TxHash  string       `json:"transaction_hash,omitempty"`
	Reason  RejectReason `json:"reason,omitempty"`
	Error   string       `json:"error,omitempty"`

	// Pending marks an outcome that is not yet known: the broadcast was
	// interrupted or is still in flight, and the operation will resolve
	// on a later run or resubmission.
	Pending bool `json:"pending,omitempty"`
}
