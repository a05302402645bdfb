package watcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/coldwallet-labs/bridgerelay/pkg/addrmap"
	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
)

// policyRegistryABI is the read surface of the policy registry contract.
const policyRegistryABI = `[
  {"type":"function","name":"getPolicy","stateMutability":"view",
   "inputs":[{"name":"coldWallet","type":"address"}],
   "outputs":[
     {"name":"delegate","type":"address"},
     {"name":"version","type":"uint64"},
     {"name":"periodLimit","type":"uint256"},
     {"name":"periodSeconds","type":"uint64"},
     {"name":"approvers","type":"address[]"},
     {"name":"requiredSigners","type":"uint8"},
     {"name":"allowedRecipients","type":"string[]"},
     {"name":"rules","type":"string[]"}]}
]`

// ContractCaller is the read-only contract call capability. Satisfied by
// *ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ContractPolicyReader reads policy snapshots from the registry contract
// on the settlement chain, translating addresses into their sidechain
// form.
type ContractPolicyReader struct {
	caller     ContractCaller
	contract   common.Address
	translator *addrmap.Translator
	abi        abi.ABI
}

// NewContractPolicyReader builds a reader against the registry at the
// given address.
func NewContractPolicyReader(caller ContractCaller, contract common.Address, translator *addrmap.Translator) (*ContractPolicyReader, error) {
	parsed, err := abi.JSON(strings.NewReader(policyRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	return &ContractPolicyReader{
		caller:     caller,
		contract:   contract,
		translator: translator,
		abi:        parsed,
	}, nil
}

// GetPolicy calls getPolicy(coldWallet) and maps the result onto a
// snapshot. A zero period limit means the policy carries no spending cap.
func (r *ContractPolicyReader) GetPolicy(ctx context.Context, coldWallet common.Address) (*contracts.PolicySnapshot, error) {
	input, err := r.abi.Pack("getPolicy", coldWallet)
	if err != nil {
		return nil, fmt.Errorf("pack getPolicy: %w", err)
	}
	output, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getPolicy(%s): %w", coldWallet.Hex(), err)
	}
	vals, err := r.abi.Unpack("getPolicy", output)
	if err != nil {
		return nil, fmt.Errorf("unpack getPolicy(%s): %w", coldWallet.Hex(), err)
	}
	if len(vals) != 8 {
		return nil, fmt.Errorf("getPolicy(%s): want 8 outputs, got %d", coldWallet.Hex(), len(vals))
	}

	delegate := vals[0].(common.Address)
	version := vals[1].(uint64)
	periodLimit := vals[2].(*big.Int)
	periodSeconds := vals[3].(uint64)
	approvers := vals[4].([]common.Address)
	requiredSigners := vals[5].(uint8)
	allowedRecipients := vals[6].([]string)
	rules := vals[7].([]string)

	cwSide, err := r.translator.ToSidechain(coldWallet)
	if err != nil {
		return nil, fmt.Errorf("translate cold wallet %s: %w", coldWallet.Hex(), err)
	}
	delSide, err := r.translator.ToSidechain(delegate)
	if err != nil {
		return nil, fmt.Errorf("translate delegate %s: %w", delegate.Hex(), err)
	}

	snapshot := &contracts.PolicySnapshot{
		ColdWallet:        cwSide,
		Delegate:          delSide,
		Version:           version,
		Period:            time.Duration(periodSeconds) * time.Second,
		AllowedRecipients: allowedRecipients,
		RequiredSigners:   int(requiredSigners),
		ApproverKeys:      approvers,
		Rules:             rules,
	}
	if periodLimit.Sign() > 0 {
		snapshot.PeriodLimit = periodLimit
	}
	return snapshot, nil
}
