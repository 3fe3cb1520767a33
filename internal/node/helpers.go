package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rhchain/rhnode/config"
	"github.com/rhchain/rhnode/internal/consensus"
	"github.com/rhchain/rhnode/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// resolveCoinbase parses the configured coinbase address that mined
// blocks pay their reward to.
func resolveCoinbase(coinbaseStr string) (types.Address, error) {
	if coinbaseStr == "" {
		return types.Address{}, fmt.Errorf("--mine requires --coinbase address")
	}
	addr, err := types.ParseAddress(coinbaseStr)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
	}
	return addr, nil
}

// createEngine builds the proof-of-work consensus engine from the genesis
// configuration's consensus rules.
func createEngine(genesis *config.Genesis) (consensus.Engine, error) {
	rules := genesis.Protocol.Consensus
	pow, err := consensus.NewPoW(rules.InitialDifficultyBits, rules.DifficultyAdjust, rules.BlockTime)
	if err != nil {
		return nil, fmt.Errorf("create pow engine: %w", err)
	}
	return pow, nil
}

// isPoW checks if an engine is PoW.
func isPoW(engine consensus.Engine) bool {
	_, ok := engine.(*consensus.PoW)
	return ok
}

// formatDifficulty returns a human-readable difficulty string (e.g. "1.05M").
func formatDifficulty(d uint64) string {
	switch {
	case d >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", float64(d)/1_000_000_000_000)
	case d >= 1_000_000_000:
		return fmt.Sprintf("%.2fG", float64(d)/1_000_000_000)
	case d >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(d)/1_000_000)
	case d >= 1_000:
		return fmt.Sprintf("%.2fK", float64(d)/1_000)
	default:
		return fmt.Sprintf("%d", d)
	}
}
