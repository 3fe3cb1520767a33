// Package utxo manages the UTXO set.
package utxo

import "github.com/rhchain/rhnode/pkg/types"

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint   types.Outpoint `json:"outpoint"`
	Amount     uint64         `json:"amount"`
	PubKeyHash types.Address  `json:"pubkey_hash"`
	Height     uint64         `json:"height"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)

	// NonceHighWaterMark returns the highest transaction nonce applied so
	// far for the given signer (0 if none).
	NonceHighWaterMark(addr types.Address) (uint64, error)
	// SetNonceHighWaterMark records nonce as the highest applied for addr.
	SetNonceHighWaterMark(addr types.Address, nonce uint64) error
}
