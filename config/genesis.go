package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rhchain/rhnode/pkg/crypto"
	"github.com/rhchain/rhnode/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^8 base (minor) units. All on-chain values are in base units.
const (
	Decimals = 8
	Coin     = 100_000_000 // 10^8 base units per coin
	MilliCoin = 100_000    // 10^5
)

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize = 4 * 1024 * 1024 // 4 MiB max block size (header + all tx signing bytes)
	MaxBlockTxs  = 20_000          // Max transactions per block (including coinbase)
	MaxTxInputs  = 2500            // Max inputs per transaction
	MaxTxOutputs = 2500            // Max outputs per transaction
	MaxTxSize    = 100 * 1024      // 100 KiB max serialized transaction size
	MaxVersion   = 1               // Highest recognized block/transaction version
)

// MempoolMaxBytes is the default cap on total transaction bytes held in the
// mempool at once (policy, not consensus — node operators may override it).
const MempoolMaxBytes = 300 * 1024 * 1024 // 300 MiB

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity.
	ChainID      string `json:"chain_id"`
	ChainName    string `json:"chain_name"`
	Symbol       string `json:"symbol,omitempty"`
	NetworkMagic uint32 `json:"network_magic"` // carried verbatim in every block header's chain_id field

	// Genesis block.
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units).
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules.
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules. All nodes MUST agree on
// these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Block timing.
	BlockTime int `json:"block_time"` // Target seconds between blocks

	// PoW settings.
	InitialDifficultyBits uint32 `json:"initial_difficulty_bits"`
	DifficultyAdjust      int    `json:"difficulty_adjust"` // Blocks between retarget windows

	// Economics.
	InitialReward   uint64 `json:"initial_reward"`   // Base units minted by the first block's coinbase
	MaxSupply       uint64 `json:"max_supply"`       // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval"` // Blocks between reward halvings
	MinFeeRate      uint64 `json:"min_fee_rate"`     // Minimum fee rate (base units per byte)
}

// MainnetGenesis returns the mainnet genesis configuration.
//
// Timestamp, founder allocation, and chain identity match the hard-coded
// genesis scenario; the implementation defines its own concrete byte
// encodings (see DESIGN.md's "Genesis constants" note), so these values
// are locked by this module's own test vectors rather than reproduced
// from an external reference.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:      "rhnode-mainnet-1",
		ChainName:    "rhnode Mainnet",
		Symbol:       "RHC",
		NetworkMagic: 0x52484331, // "RHC1"
		Timestamp:    1736339922,
		ExtraData:    "rhnode genesis",
		Alloc: map[string]uint64{
			"RH2Q3hRrvJ1MZFFW7LYbUghLCKEUjCHZWXU": 10_000_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:              600,
				InitialDifficultyBits:  0x1e0fffff,
				DifficultyAdjust:       2016,
				InitialReward:          21_500_000_000,
				MaxSupply:              100_000_000 * Coin,
				HalvingInterval:        210_000,
				MinFeeRate:             1,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration: identical
// shape, lower difficulty and a single well-known allocation so a local
// network can mine blocks immediately.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "rhnode-testnet-1"
	g.ChainName = "rhnode Testnet"
	g.NetworkMagic = 0x52484354 // "RHCT"
	g.ExtraData = "rhnode testnet genesis"
	g.Protocol.Consensus.InitialDifficultyBits = 0x207fffff
	g.Protocol.Consensus.MinFeeRate = 0
	g.Alloc = map[string]uint64{
		"RH2Q3hRrvJ1MZFFW7LYbUghLCKEUjCHZWXU": 10_000_000 * Coin,
	}
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.Protocol.Consensus.InitialDifficultyBits == 0 {
		return fmt.Errorf("initial_difficulty_bits is required")
	}
	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}
	if g.Protocol.Consensus.HalvingInterval == 0 {
		return fmt.Errorf("halving_interval must be positive")
	}

	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration, a fingerprint
// of a network's ruleset. LoadGenesis does not check it, and P2P
// handshake validation uses NetworkMagic directly rather than this hash.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
