package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/rhchain/rhnode/pkg/crypto"
	"github.com/rhchain/rhnode/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound   = errors.New("input UTXO not found")
	ErrInsufficientFee = errors.New("insufficient fee")
	ErrInputOverflow   = errors.New("input values overflow")
	ErrOwnerMismatch   = errors.New("pubkey does not match UTXO owner")
)

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (value uint64, pubKeyHash types.Address, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// ValidateWithUTXOs performs full validation of a transaction against the
// UTXO set. It checks that all inputs exist, that the spending pubkey
// hashes to the referenced output's owner, that every per-input
// signature is valid, and that inputs >= outputs. Returns the fee
// (inputs - outputs). Nonce monotonicity is a chain-state concern and is
// not checked here — see internal/chain.
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider) (uint64, error) {
	if err := tx.ValidateStructure(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		if in.IsCoinbase() {
			continue
		}

		if !provider.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}

		value, pubKeyHash, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if err := verifyOwnership(in.PubKey, pubKeyHash); err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if totalInput > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += value
	}

	if err := tx.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, ovfErr := tx.TotalOutputValue()
	if ovfErr != nil {
		return 0, fmt.Errorf("output overflow: %w", ovfErr)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}

	fee := totalInput - totalOutput
	return fee, nil
}

// ValidateStructure checks transaction structure without requiring UTXO access.
// Same as Validate() but renamed for clarity when used alongside ValidateWithUTXOs.
func (tx *Transaction) ValidateStructure() error {
	return tx.Validate()
}

// verifyOwnership checks that a public key hashes to the pubkey hash
// that locks the referenced output: pubkey_hash(input.public_key) ==
// referenced_utxo.pubkey_hash.
func verifyOwnership(pubKey []byte, expected types.Address) error {
	if len(pubKey) == 0 {
		return ErrMissingPubKey
	}
	derived := crypto.AddressFromPubKey(pubKey)
	if derived != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrOwnerMismatch, expected, derived)
	}
	return nil
}
