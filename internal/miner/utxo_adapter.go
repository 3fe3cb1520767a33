package miner

import (
	"github.com/rhchain/rhnode/internal/log"
	"github.com/rhchain/rhnode/internal/utxo"
	"github.com/rhchain/rhnode/pkg/types"
)

// UTXOAdapter bridges utxo.Set to tx.UTXOProvider.
type UTXOAdapter struct {
	set utxo.Set
}

// NewUTXOAdapter creates a UTXOProvider from a utxo.Set.
func NewUTXOAdapter(set utxo.Set) *UTXOAdapter {
	return &UTXOAdapter{set: set}
}

// GetUTXO returns the value and owning pubkey hash for a given outpoint.
func (a *UTXOAdapter) GetUTXO(outpoint types.Outpoint) (uint64, types.Address, error) {
	u, err := a.set.Get(outpoint)
	if err != nil {
		return 0, types.Address{}, err
	}
	return u.Amount, u.PubKeyHash, nil
}

// HasUTXO returns whether the outpoint exists in the UTXO set.
func (a *UTXOAdapter) HasUTXO(outpoint types.Outpoint) bool {
	has, err := a.set.Has(outpoint)
	if err != nil {
		log.Miner.Warn().Err(err).Stringer("outpoint", outpoint).Msg("utxo adapter: Has check failed")
		return false
	}
	return has
}
