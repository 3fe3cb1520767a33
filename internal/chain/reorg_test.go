package chain

import (
	"testing"

	"github.com/rhchain/rhnode/pkg/crypto"
	"github.com/rhchain/rhnode/pkg/types"
)

func TestReorg_ShorterForkDoesNotDisplaceMain(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())
	genesisHash := ch.genesisHash
	genesisBlk, _ := ch.GetBlockByHeight(0)
	baseTS := genesisBlk.Header.Timestamp

	// Main chain: two blocks atop genesis.
	b1 := mineBlockAt(t, ch, genesisHash, 1, baseTS+100, minerAddr, 1000)
	if err := ch.ProcessBlock(b1); err != nil {
		t.Fatalf("ProcessBlock b1: %v", err)
	}
	b2 := mineBlockAt(t, ch, b1.Hash(), 2, baseTS+200, minerAddr, 1000)
	if err := ch.ProcessBlock(b2); err != nil {
		t.Fatalf("ProcessBlock b2: %v", err)
	}

	// Competing single-block fork off genesis, submitted after the main
	// chain already has two blocks' worth of work. It must not win.
	forkKey, _ := crypto.GenerateKey()
	forkAddr := crypto.AddressFromPubKey(forkKey.PublicKey())
	fork1 := mineBlockAt(t, ch, genesisHash, 1, baseTS+150, forkAddr, 1000)
	if err := ch.ProcessBlock(fork1); err != nil {
		t.Fatalf("ProcessBlock fork1: %v", err)
	}

	st := ch.State()
	if st.Height != 2 || st.TipHash != b2.Hash() {
		t.Errorf("main chain should remain active: height=%d tip=%s, want height=2 tip=%s", st.Height, st.TipHash, b2.Hash())
	}
}

func TestReorg_HeavierForkDisplacesMain(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())
	genesisHash := ch.genesisHash
	genesisBlk, _ := ch.GetBlockByHeight(0)
	baseTS := genesisBlk.Header.Timestamp

	// Main chain: one block atop genesis.
	b1 := mineBlockAt(t, ch, genesisHash, 1, baseTS+100, minerAddr, 1000)
	if err := ch.ProcessBlock(b1); err != nil {
		t.Fatalf("ProcessBlock b1: %v", err)
	}

	// Competing two-block fork off genesis — more cumulative work.
	forkKey, _ := crypto.GenerateKey()
	forkAddr := crypto.AddressFromPubKey(forkKey.PublicKey())
	f1 := mineBlockAt(t, ch, genesisHash, 1, baseTS+110, forkAddr, 1000)
	if err := ch.ProcessBlock(f1); err != nil {
		t.Fatalf("ProcessBlock f1: %v", err)
	}
	f2 := mineBlockAt(t, ch, f1.Hash(), 2, baseTS+220, forkAddr, 1000)
	if err := ch.ProcessBlock(f2); err != nil {
		t.Fatalf("ProcessBlock f2: %v", err)
	}

	st := ch.State()
	if st.Height != 2 || st.TipHash != f2.Hash() {
		t.Errorf("heavier fork should become active: height=%d tip=%s, want height=2 tip=%s", st.Height, st.TipHash, f2.Hash())
	}

	// The displaced block's coinbase-funded UTXO must no longer be spendable.
	revertedCoinbaseOut := types.Outpoint{TxID: b1.Transactions[0].Hash(), Index: 0}
	if has, _ := ch.utxos.Has(revertedCoinbaseOut); has {
		t.Error("reverted block's coinbase output should no longer be in the UTXO set")
	}
}

func TestReorg_RejectsCompetingGenesis(t *testing.T) {
	ch, key, _ := testChain(t)
	minerAddr := crypto.AddressFromPubKey(key.PublicKey())

	// A height-0 block that isn't the real genesis must be rejected outright
	// by checkParentLink (its height does not follow its parent's), long
	// before any reorg/fork machinery is reached.
	bogus := mineBlockAt(t, ch, ch.genesisHash, 0, 1, minerAddr, 1000)
	if err := ch.ProcessBlock(bogus); err == nil {
		t.Fatal("expected rejection of a non-genesis block claiming height 0")
	}
}
