package chain

import (
	"testing"
	"time"

	"github.com/rhchain/rhnode/config"
	"github.com/rhchain/rhnode/internal/consensus"
	"github.com/rhchain/rhnode/internal/storage"
	"github.com/rhchain/rhnode/internal/utxo"
	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/crypto"
	"github.com/rhchain/rhnode/pkg/tx"
	"github.com/rhchain/rhnode/pkg/types"
)

// easyBits is a PoW difficulty target so loose that Seal returns immediately.
const easyBits = 0x207fffff

const testNetworkMagic = 0x52484354 // "RHCT"

// testGenesis returns a minimal genesis config allocating funds to addr.
func testGenesis(addr types.Address) *config.Genesis {
	return &config.Genesis{
		ChainID:      "test-chain-1",
		ChainName:    "Test Chain",
		NetworkMagic: testNetworkMagic,
		Timestamp:    1700000000,
		Alloc: map[string]uint64{
			addr.String(): 5_000_000,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				BlockTime:             10,
				InitialDifficultyBits: easyBits,
				DifficultyAdjust:      0,
				InitialReward:         1000,
				MaxSupply:             1_000_000_000,
				HalvingInterval:       1_000_000,
				MinFeeRate:            1,
			},
		},
	}
}

// testChain builds a fresh PoW chain initialized from genesis, returning the
// chain, the genesis-funded key, and the genesis config used.
func testChain(t *testing.T) (*Chain, *crypto.PrivateKey, *config.Genesis) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())
	gen := testGenesis(addr)

	pow, err := consensus.NewPoW(gen.Protocol.Consensus.InitialDifficultyBits, gen.Protocol.Consensus.DifficultyAdjust, gen.Protocol.Consensus.BlockTime)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	ch, err := New(testNetworkMagic, db, utxoStore, pow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}

	return ch, key, gen
}

// mineBlock assembles, signs inclusion of txs atop the current tip, and
// seals a valid PoW block ready for ProcessBlock.
func mineBlock(t *testing.T, ch *Chain, minerAddr types.Address, reward uint64, txs []*tx.Transaction, tsOffset uint64) *block.Block {
	t.Helper()

	tip := ch.State()
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{Index: types.CoinbaseIndex}}},
		Outputs: []tx.Output{{Value: reward, PubKeyHash: minerAddr}},
	}

	all := append([]*tx.Transaction{coinbase}, txs...)
	hashes := make([]types.Hash, len(all))
	for i, transaction := range all {
		hashes[i] = transaction.Hash()
	}

	header := &block.Header{
		Version:        block.CurrentVersion,
		ChainID:        testNetworkMagic,
		PrevHash:       tip.TipHash,
		MerkleRoot:     block.ComputeMerkleRoot(hashes),
		Timestamp:      tip.TipTimestamp + 100 + tsOffset,
		Height:         tip.Height + 1,
		DifficultyBits: easyBits,
	}
	blk := block.NewBlock(header, all)

	pow, _ := ch.engine.(*consensus.PoW)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}

// mineBlockAt builds and seals a block extending an arbitrary parent,
// independent of the chain's current tip — used to construct competing
// forks for reorg tests.
func mineBlockAt(t *testing.T, ch *Chain, prevHash types.Hash, height, timestamp uint64, minerAddr types.Address, reward uint64) *block.Block {
	t.Helper()

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{Index: types.CoinbaseIndex}}},
		Outputs: []tx.Output{{Value: reward, PubKeyHash: minerAddr}},
	}
	txs := []*tx.Transaction{coinbase}

	header := &block.Header{
		Version:        block.CurrentVersion,
		ChainID:        testNetworkMagic,
		PrevHash:       prevHash,
		MerkleRoot:     block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Timestamp:      timestamp,
		Height:         height,
		DifficultyBits: easyBits,
	}
	blk := block.NewBlock(header, txs)

	pow := ch.engine.(*consensus.PoW)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}

func TestInitFromGenesis_StateMatchesAlloc(t *testing.T) {
	ch, _, _ := testChain(t)

	st := ch.State()
	if st.Height != 0 {
		t.Errorf("height = %d, want 0", st.Height)
	}
	if st.Supply != 5_000_000 {
		t.Errorf("supply = %d, want 5000000", st.Supply)
	}
	if st.CumulativeDifficulty.Sign() <= 0 {
		t.Errorf("cumulative difficulty should be positive after genesis")
	}
}

func TestProcessBlock_ExtendsTip(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())

	blk := mineBlock(t, ch, minerAddr, 1000, nil, 0)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	st := ch.State()
	if st.Height != 1 {
		t.Errorf("height = %d, want 1", st.Height)
	}
	if st.Supply != 5_000_000+1000 {
		t.Errorf("supply = %d, want %d", st.Supply, 5_000_000+1000)
	}
	if st.TipHash != blk.Hash() {
		t.Errorf("tip hash mismatch")
	}
}

func TestProcessBlock_RejectsWrongChainID(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())

	blk := mineBlock(t, ch, minerAddr, 1000, nil, 0)
	blk.Header.ChainID = testNetworkMagic + 1

	pow := ch.engine.(*consensus.PoW)
	_ = pow.Seal(blk) // Re-seal after mutating chain_id (part of signing bytes).

	err := ch.ProcessBlock(blk)
	if err == nil {
		t.Fatal("expected error for wrong chain_id")
	}
}

func TestProcessBlock_RejectsDuplicate(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())

	blk := mineBlock(t, ch, minerAddr, 1000, nil, 0)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("first ProcessBlock: %v", err)
	}
	if err := ch.ProcessBlock(blk); err != ErrBlockKnown {
		t.Errorf("ProcessBlock on duplicate = %v, want ErrBlockKnown", err)
	}
}

func TestProcessBlock_RejectsExcessiveCoinbase(t *testing.T) {
	ch, key, gen := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())

	// Claim far more than the consensus reward + zero fees.
	blk := mineBlock(t, ch, minerAddr, gen.Protocol.Consensus.InitialReward*10, nil, 0)
	if err := ch.ProcessBlock(blk); err == nil {
		t.Fatal("expected rejection of over-claimed coinbase")
	}
}

func TestProcessBlock_SpendAndFee(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())

	// Block 1: extend the chain past genesis before spending its allocation.
	blk1 := mineBlock(t, ch, minerAddr, 1000, nil, 0)
	if err := ch.ProcessBlock(blk1); err != nil {
		t.Fatalf("ProcessBlock block1: %v", err)
	}

	recipientKey, _ := crypto.GenerateKey()
	recipientAddr := crypto.AddressFromPubKey(recipientKey.PublicKey())

	genesisBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	spendOutpoint := types.Outpoint{TxID: genesisBlk.Transactions[0].Hash(), Index: 0}

	b := tx.NewBuilder()
	b.AddInput(spendOutpoint)
	b.AddOutput(4_000_000, recipientAddr)
	b.AddOutput(900_000, minerAddr) // change, leaving a 100_000 fee
	b.SetNonce(1)
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	spend := b.Build()

	blk2 := mineBlock(t, ch, minerAddr, 1000+100_000, []*tx.Transaction{spend}, 0)
	if err := ch.ProcessBlock(blk2); err != nil {
		t.Fatalf("ProcessBlock block2: %v", err)
	}

	if st := ch.State(); st.Height != 2 {
		t.Errorf("height = %d, want 2", st.Height)
	}
}

func TestProcessBlock_RejectsNonceReplay(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())

	blk1 := mineBlock(t, ch, minerAddr, 1000, nil, 0)
	if err := ch.ProcessBlock(blk1); err != nil {
		t.Fatalf("ProcessBlock block1: %v", err)
	}

	genesisBlk, _ := ch.GetBlockByHeight(0)
	spendOutpoint := types.Outpoint{TxID: genesisBlk.Transactions[0].Hash(), Index: 0}

	build := func(nonce uint64, value uint64) *tx.Transaction {
		b := tx.NewBuilder()
		b.AddInput(spendOutpoint)
		b.AddOutput(value, minerAddr)
		b.SetNonce(nonce)
		if err := b.Sign(key); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return b.Build()
	}

	first := build(1, 4_999_999)
	blk2 := mineBlock(t, ch, minerAddr, 1000, []*tx.Transaction{first}, 0)
	if err := ch.ProcessBlock(blk2); err != nil {
		t.Fatalf("ProcessBlock block2: %v", err)
	}

	// Same outpoint already spent AND same nonce reused — must be rejected.
	replay := build(1, 4_999_999)
	blk3 := mineBlock(t, ch, minerAddr, 1000, []*tx.Transaction{replay}, 1)
	if err := ch.ProcessBlock(blk3); err == nil {
		t.Fatal("expected rejection of replayed nonce/spend")
	}
}

func TestProcessBlock_RejectsTimestampTooFarInFuture(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())

	blk := mineBlock(t, ch, minerAddr, 1000, nil, 0)
	blk.Header.Timestamp = uint64(time.Now().Add(2 * maxFutureDrift).Unix())
	pow := ch.engine.(*consensus.PoW)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("re-seal after timestamp bump: %v", err)
	}

	if err := ch.ProcessBlock(blk); err == nil {
		t.Fatal("expected rejection of far-future timestamp")
	}
}

func TestBlockReward_HalvingSchedule(t *testing.T) {
	if got := consensus.BlockReward(0, 1000, 100); got != 1000 {
		t.Errorf("reward at height 0 = %d, want 1000", got)
	}
	if got := consensus.BlockReward(100, 1000, 100); got != 500 {
		t.Errorf("reward at height 100 = %d, want 500", got)
	}
	if got := consensus.BlockReward(200, 1000, 100); got != 250 {
		t.Errorf("reward at height 200 = %d, want 250", got)
	}
}
