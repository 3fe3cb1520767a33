package chain

import (
	"fmt"
	"sort"

	"github.com/rhchain/rhnode/config"
	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/tx"
	"github.com/rhchain/rhnode/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block has height 0, a zero PrevHash, and a single coinbase
// transaction that distributes the initial allocations.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase, err := buildCoinbaseTx(gen.Alloc)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	txs := []*tx.Transaction{coinbase}
	txHashes := []types.Hash{coinbase.Hash()}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:        block.CurrentVersion,
		ChainID:        gen.NetworkMagic,
		PrevHash:       types.Hash{}, // Zero for genesis.
		MerkleRoot:     merkle,
		Timestamp:      gen.Timestamp,
		Height:         0,
		DifficultyBits: gen.Protocol.Consensus.InitialDifficultyBits,
	}

	return block.NewBlock(header, txs), nil
}

// buildCoinbaseTx creates a coinbase transaction with the initial allocations.
// The coinbase has a single coinbase-sentinel input; each allocation becomes
// a plain pay-to-pubkey-hash output.
func buildCoinbaseTx(alloc map[string]uint64) (*tx.Transaction, error) {
	// Sort addresses for deterministic ordering.
	addrs := make([]string, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var outputs []tx.Output
	for _, addrStr := range addrs {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}

		outputs = append(outputs, tx.Output{
			Value:      alloc[addrStr],
			PubKeyHash: addr,
		})
	}

	// If no allocations, create a single zero-value output so the block has a valid tx.
	if len(outputs) == 0 {
		outputs = []tx.Output{{Value: 0}}
	}

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut: types.Outpoint{Index: types.CoinbaseIndex},
		}},
		Outputs: outputs,
	}

	return coinbase, nil
}
