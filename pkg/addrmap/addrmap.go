// Package addrmap translates between the settlement chain's 20-byte hex
// addresses and the sidechain's bech32 addresses. The mapping is pure and
// reversible: the EVM account bytes are carried verbatim as the bech32
// payload under a configured prefix, so decoding recovers the exact
// settlement-chain address.
package addrmap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

// Translator maps addresses under a fixed bech32 human-readable prefix.
type Translator struct {
	prefix string
}

// New creates a translator for the given prefix, e.g. "cosmos".
func New(prefix string) (*Translator, error) {
	if prefix == "" {
		return nil, fmt.Errorf("bech32 prefix must not be empty")
	}
	return &Translator{prefix: prefix}, nil
}

// ToSidechain encodes a settlement-chain address as a sidechain address.
func (t *Translator) ToSidechain(addr common.Address) (string, error) {
	converted, err := bech32.ConvertBits(addr.Bytes(), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert %s: %w", addr.Hex(), err)
	}
	encoded, err := bech32.Encode(t.prefix, converted)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", addr.Hex(), err)
	}
	return encoded, nil
}

// ToSettlement decodes a sidechain address back to its settlement-chain
// form. Addresses from a different prefix or with a non-20-byte payload
// are rejected.
func (t *Translator) ToSettlement(addr string) (common.Address, error) {
	prefix, data, err := bech32.Decode(addr)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode %q: %w", addr, err)
	}
	if prefix != t.prefix {
		return common.Address{}, fmt.Errorf("address %q: prefix %q, want %q", addr, prefix, t.prefix)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return common.Address{}, fmt.Errorf("convert %q: %w", addr, err)
	}
	if len(raw) != common.AddressLength {
		return common.Address{}, fmt.Errorf("address %q: %d-byte payload, want %d", addr, len(raw), common.AddressLength)
	}
	return common.BytesToAddress(raw), nil
}
