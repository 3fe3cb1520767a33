package chain

import (
	"math/big"

	"github.com/rhchain/rhnode/pkg/types"
)

// State holds the current chain tip state.
type State struct {
	Height               uint64
	TipHash              types.Hash
	Supply               uint64   // Total coins in circulation (genesis alloc + cumulative rewards).
	CumulativeDifficulty *big.Int // Sum of 2^256/(target+1) over every block (PoW fork choice weight).
	TipTimestamp         uint64   // Timestamp of the current tip block.
}

// IsGenesis returns true if no blocks have been processed yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}

// blockWork returns the amount of work represented by a block with the given
// difficulty target: 2^256/(target+1). Higher difficulty (lower target)
// yields more work, so summing this per block gives a chain's total weight.
func blockWork(target *big.Int) *big.Int {
	if target == nil || target.Sign() <= 0 {
		return big.NewInt(1)
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(maxWorkDividend, denom)
}

// maxWorkDividend is 2^256, the numerator used to convert a difficulty
// target into an amount of expected work.
var maxWorkDividend = new(big.Int).Lsh(big.NewInt(1), 256)

// AddWork returns a new cumulative difficulty equal to cur plus the work
// represented by target. cur may be nil, treated as zero.
func AddWork(cur *big.Int, target *big.Int) *big.Int {
	base := big.NewInt(0)
	if cur != nil {
		base = cur
	}
	return new(big.Int).Add(base, blockWork(target))
}
