// Package txbuilder constructs typed sidechain messages from domain events
// and requests. The builder is pure: no network, no ledger, no clock — the
// same inputs always produce the same intent, which is what makes it
// independently testable.
package txbuilder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
)

// ErrInvalidAmount rejects non-positive or missing amounts before any
// network interaction occurs.
var ErrInvalidAmount = errors.New("amount must be a positive integer")

// FeePolicy computes the fee and gas for an outbound message. The fixed
// schedule is the default; a congestion-aware policy plugs in here without
// touching the builder.
type FeePolicy interface {
	Fee(kind contracts.OperationKind) contracts.Fee
}

// FixedFeePolicy charges the same fee for every message kind.
type FixedFeePolicy struct {
	Denom  string
	Amount string
	Gas    uint64
}

func (p FixedFeePolicy) Fee(contracts.OperationKind) contracts.Fee {
	return contracts.Fee{Denom: p.Denom, Amount: p.Amount, Gas: p.Gas}
}

// DefaultFeePolicy matches the sidechain's settled broadcast fee.
func DefaultFeePolicy() FixedFeePolicy {
	return FixedFeePolicy{Denom: "uatom", Amount: "5000", Gas: 200000}
}

// Builder turns events and requests into broadcast-ready intents.
type Builder struct {
	fees FeePolicy
}

func New(fees FeePolicy) *Builder {
	if fees == nil {
		fees = DefaultFeePolicy()
	}
	return &Builder{fees: fees}
}

// BuildMint produces the mint message for a lock event. toAddress is the
// sidechain address derived from the event's source address.
func (b *Builder) BuildMint(ev contracts.LockEvent, toAddress, signer string) (*contracts.TxIntent, error) {
	if ev.OperationID == "" {
		return nil, errors.New("lock event missing operation id")
	}
	if toAddress == "" || signer == "" {
		return nil, errors.New("mint requires recipient and signer addresses")
	}
	amount, err := encodeAmount(ev.Amount)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", ev.OperationID, err)
	}
	return &contracts.TxIntent{
		OperationID:   ev.OperationID,
		Kind:          contracts.OpMint,
		SignerAddress: signer,
		Msg: contracts.SidechainMsg{
			TypeURL: contracts.TypeURLMintTokens,
			Value: contracts.MsgMintTokens{
				ToAddress:   toAddress,
				Amount:      amount,
				OperationID: ev.OperationID,
			},
		},
		Fee: b.fees.Fee(contracts.OpMint),
	}, nil
}

// BuildPolicySync carries a full policy snapshot to the sidechain. The
// operation ID encodes the policy version so re-syncing the same version
// is idempotent while a new version is a new operation.
func (b *Builder) BuildPolicySync(policy *contracts.PolicySnapshot, signer string) (*contracts.TxIntent, error) {
	if policy == nil || policy.ColdWallet == "" {
		return nil, errors.New("policy sync requires a cold wallet")
	}
	if signer == "" {
		return nil, errors.New("policy sync requires a signer address")
	}
	return &contracts.TxIntent{
		OperationID:   fmt.Sprintf("policy-%s-v%d", policy.ColdWallet, policy.Version),
		Kind:          contracts.OpPolicySync,
		SignerAddress: signer,
		Msg: contracts.SidechainMsg{
			TypeURL: contracts.TypeURLSyncPolicy,
			Value:   contracts.MsgSyncPolicy{Policy: *policy.Clone()},
		},
		Fee: b.fees.Fee(contracts.OpPolicySync),
	}, nil
}

// BuildSpend produces the spend-execution message for an authorized
// request. Callers pass a request the authorizer has already accepted;
// amount validation still applies, the builder trusts nothing.
func (b *Builder) BuildSpend(req *contracts.SpendRequest, delegate, signer string) (*contracts.TxIntent, error) {
	if req == nil || req.ColdWallet == "" || req.Recipient == "" {
		return nil, errors.New("spend requires cold wallet and recipient")
	}
	if delegate == "" || signer == "" {
		return nil, errors.New("spend requires delegate and signer addresses")
	}
	amount, err := encodeAmount(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("spend from %s: %w", req.ColdWallet, err)
	}
	return &contracts.TxIntent{
		OperationID:   req.OperationID(),
		Kind:          contracts.OpSpend,
		SignerAddress: signer,
		Msg: contracts.SidechainMsg{
			TypeURL: contracts.TypeURLExecuteSpending,
			Value: contracts.MsgExecuteSpending{
				ColdWallet: req.ColdWallet,
				Delegate:   delegate,
				Recipient:  req.Recipient,
				Amount:     amount,
				Signatures: req.Signatures,
			},
		},
		Fee: b.fees.Fee(contracts.OpSpend),
	}, nil
}

// encodeAmount renders a positive integer amount as the sidechain's
// decimal string representation of the smallest unit.
func encodeAmount(amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	return amount.String(), nil
}
