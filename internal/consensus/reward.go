package consensus

// BlockReward computes the block subsidy at the given height under a
// Bitcoin-style geometric halving schedule: the reward is cut in half
// every halvingInterval blocks until it rounds down to zero, at which
// point issuance stops permanently (the chain lives on fee revenue).
func BlockReward(height uint64, initialReward, halvingInterval uint64) uint64 {
	if halvingInterval == 0 {
		return initialReward
	}
	halvings := height / halvingInterval
	if halvings >= 64 {
		return 0
	}
	return initialReward >> halvings
}
