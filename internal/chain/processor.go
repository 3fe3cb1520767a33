package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rhchain/rhnode/internal/consensus"
	"github.com/rhchain/rhnode/internal/utxo"
	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/tx"
	"github.com/rhchain/rhnode/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown              = errors.New("block already known")
	ErrPrevNotFound            = errors.New("previous block not found")
	ErrBadHeight               = errors.New("block height does not follow parent")
	ErrBadPrevHash             = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO               = errors.New("failed to apply UTXO changes")
	ErrBadChainID              = errors.New("block chain_id does not match network")
	ErrTimestampTooFuture      = errors.New("block timestamp too far in the future")
	ErrTimestampNotAfterMedian = errors.New("block timestamp not after median of last 11 blocks")
	ErrBadCoinbaseTx           = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded  = errors.New("coinbase reward exceeds consensus limit")
	ErrNonceOutOfOrder         = errors.New("transaction nonce out of order for signer")
)

// maxFutureDrift is how far ahead of the local clock a block's timestamp
// may be before it is rejected.
const maxFutureDrift = 7200 * time.Second

// medianTimeSpan is the number of preceding blocks used to compute the
// timestamp floor a new block must exceed.
const medianTimeSpan = 11

// ProcessBlock validates a block and applies it to the chain.
// It checks structural validity, consensus rules, UTXO state, then
// updates the UTXO set, block store, and chain tip.
// If the block extends a fork that is longer than the current chain, a
// reorg is triggered automatically.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	if blk.Header.ChainID != c.ID {
		return fmt.Errorf("%w: want %d, got %d", ErrBadChainID, c.ID, blk.Header.ChainID)
	}

	hash := blk.Hash()

	// Reject duplicates.
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	// Check parent linkage first — we need the correct height before
	// verifying difficulty and running consensus validation.
	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return parentErr
	}

	// Verify PoW difficulty matches expected (from chain history).
	// Only on fast path — fork blocks are verified during reorg replay.
	if !errors.Is(parentErr, ErrForkDetected) {
		if err := c.verifyDifficulty(blk); err != nil {
			return err
		}
	}

	// Structural + consensus validation (VerifyHeader checks hash vs target).
	if err := c.validator.ValidateBlock(blk); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	if err := c.checkTimestamp(blk); err != nil {
		return err
	}

	// Fork detected: store the block and decide whether to reorg.
	if errors.Is(parentErr, ErrForkDetected) {
		// Store block data only (no height/tx indexes yet).
		if err := c.blocks.StoreBlock(blk); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}

		// Cumulative work is the sole tiebreaker; Reorg itself compares it.
		if err := c.Reorg(hash); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
		// If the reorg didn't proceed, the block is stored but not active.
		return nil
	}

	// Fast path: block extends current tip.

	// Validate UTXO-dependent rules (signatures, coinbase reward, nonces).
	if err := c.validateBlockState(blk); err != nil {
		return err
	}

	// Compute block reward (new coins) before applying, while inputs are
	// still in the UTXO set. reward = coinbase_value - total_fees.
	blockReward := c.computeBlockReward(blk)

	// Mark a commit in progress before touching storage: save_block,
	// update_utxos, and update_metadata below are three separate fsynced
	// writes (or groups of writes), not one atomic transaction. If the node
	// crashes partway through, this checkpoint tells the next startup
	// (Chain.New) to discard any block indexed beyond the last persisted
	// tip and rebuild the UTXO set from scratch, the same recovery already
	// used for an interrupted reorg.
	priorHeight := c.state.Height
	if err := c.blocks.PutReorgCheckpoint(priorHeight); err != nil {
		return fmt.Errorf("write commit checkpoint: %w", err)
	}

	// 1. save_block: persist the block itself first, so a crash after this
	// point always leaves a recoverable, fully-formed block behind.
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}

	// 2. update_utxos: apply UTXO changes and persist undo data.
	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = blockReward

	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo: %w", err)
	}
	if err := c.blocks.PutUndo(hash, undoBytes); err != nil {
		return fmt.Errorf("store undo: %w", err)
	}

	// Cap block reward to respect max supply.
	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}

	// 3. update_metadata: advance supply, cumulative work, and tip.
	newSupply := c.state.Supply + blockReward
	newCumDiff := AddWork(c.state.CumulativeDifficulty, consensus.CompactToBig(blk.Header.DifficultyBits))
	if err := c.blocks.SetTip(hash, blk.Header.Height, newSupply); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	if err := c.blocks.SetCumulativeDifficulty(newCumDiff); err != nil {
		return fmt.Errorf("set cumulative difficulty: %w", err)
	}

	c.state.Supply = newSupply
	c.state.CumulativeDifficulty = newCumDiff
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp

	// Commit complete — remove the crash-recovery checkpoint.
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete commit checkpoint: %w", err)
	}

	return nil
}

// checkTimestamp enforces the timestamp rules: strictly greater than the
// median of the previous 11 block timestamps (or of all earlier blocks,
// when fewer than 11 exist), and no more than maxFutureDrift ahead of the
// local clock.
func (c *Chain) checkTimestamp(blk *block.Block) error {
	maxTime := uint64(time.Now().Add(maxFutureDrift).Unix())
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}

	if blk.Header.Height == 0 {
		return nil
	}

	median, err := c.medianTimePast(blk.Header.Height - 1)
	if err != nil {
		// Parent block unavailable (e.g. fork tip not yet linked) — skip,
		// the reorg replay path re-validates with full history available.
		return nil
	}
	if blk.Header.Timestamp <= median {
		return fmt.Errorf("%w: timestamp %d <= median %d", ErrTimestampNotAfterMedian, blk.Header.Timestamp, median)
	}
	return nil
}

// medianTimePast returns the median timestamp of the medianTimeSpan blocks
// ending at (and including) the given height.
func (c *Chain) medianTimePast(height uint64) (uint64, error) {
	var timestamps []uint64
	for i := 0; i < medianTimeSpan; i++ {
		if uint64(i) > height {
			break
		}
		blk, err := c.blocks.GetBlockByHeight(height - uint64(i))
		if err != nil {
			return 0, err
		}
		timestamps = append(timestamps, blk.Header.Timestamp)
	}
	sortUint64s(timestamps)
	return timestamps[len(timestamps)/2], nil
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// validateBlockState checks UTXO-dependent rules: transaction signatures,
// coinbase reward limit, and per-signer nonce monotonicity.
// Used by both the fast path and reorg replay to ensure consistent validation.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Transactions[0]

	// Coinbase must be a dedicated transaction: exactly one input, the
	// coinbase sentinel.
	if len(coinbaseTx.Inputs) != 1 || !coinbaseTx.Inputs[0].IsCoinbase() {
		return ErrBadCoinbaseTx
	}

	// Full UTXO-aware transaction validation (skip coinbase):
	// ownership checks, input existence/unspent checks, signatures, and fee sanity.
	utxoProvider := &chainUTXOProvider{set: c.utxos}
	fees := make([]uint64, len(blk.Transactions))
	var totalFees uint64
	signerNonces := make(map[types.Address]uint64)
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		fee, err := transaction.ValidateWithUTXOs(utxoProvider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		fees[i] = fee
		totalFees += fee

		signer, err := transaction.Signer()
		if err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		if err := c.checkNonce(signer, transaction.Nonce, signerNonces); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	// Enforce coinbase mint limit:
	// Sum(coinbase-output values) <= block reward + total fees. A lower
	// value is valid (miner may under-claim); higher is rejected.
	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	allowedMint := c.blockReward(blk.Header.Height)
	if c.maxSupply > 0 {
		if c.state.Supply >= c.maxSupply {
			allowedMint = 0
		} else if remaining := c.maxSupply - c.state.Supply; allowedMint > remaining {
			allowedMint = remaining
		}
	}
	allowed := allowedMint
	if totalFees > math.MaxUint64-allowed {
		allowed = math.MaxUint64
	} else {
		allowed += totalFees
	}
	if coinbaseTotal > allowed {
		return fmt.Errorf("%w: coinbase=%d allowed=%d (reward=%d fees=%d)",
			ErrCoinbaseRewardExceeded, coinbaseTotal, allowed, allowedMint, totalFees)
	}

	// Defensive rule: only transaction 0 may carry a coinbase marker input.
	for i, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			if in.IsCoinbase() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i+1)
			}
		}
	}

	return nil
}

// checkNonce verifies that transaction's nonce is strictly greater than the
// signer's persisted high-water mark and any higher nonce already seen from
// the same signer earlier in this same block. seen is mutated with the
// highest nonce observed per signer so later transactions in the block see
// the effect of earlier ones.
func (c *Chain) checkNonce(signer types.Address, nonce uint64, seen map[types.Address]uint64) error {
	floor, err := c.utxos.NonceHighWaterMark(signer)
	if err != nil {
		return fmt.Errorf("read nonce high-water mark: %w", err)
	}
	if inBlock, ok := seen[signer]; ok && inBlock > floor {
		floor = inBlock
	}
	if nonce <= floor {
		return fmt.Errorf("%w: signer %s nonce %d <= %d", ErrNonceOutOfOrder, signer, nonce, floor)
	}
	seen[signer] = nonce
	return nil
}

// checkParentLink verifies that the block's PrevHash and Height are consistent
// with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	// Genesis block: PrevHash must be zero, height must be 0.
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	// Non-genesis: check if block extends current tip.
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	// PrevHash != tip. Check if the parent exists (fork) or is truly unknown.
	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	totalFees := c.sumFees(blk.Transactions[1:])

	// Reward = coinbase value minus recycled fees.
	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

func (c *Chain) sumFees(txs []*tx.Transaction) uint64 {
	var totalFees uint64
	for _, transaction := range txs {
		var inputSum, outputSum uint64
		for _, in := range transaction.Inputs {
			if in.IsCoinbase() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Input not found (shouldn't happen after validation).
			}
			if inputSum > math.MaxUint64-u.Amount {
				continue // Overflow guard.
			}
			inputSum += u.Amount
		}
		for _, out := range transaction.Outputs {
			if outputSum > math.MaxUint64-out.Value {
				continue // Overflow guard.
			}
			outputSum += out.Value
		}
		if inputSum > outputSum {
			fee := inputSum - outputSum
			if totalFees > math.MaxUint64-fee {
				continue // Overflow guard.
			}
			totalFees += fee
		}
	}
	return totalFees
}

type chainUTXOProvider struct {
	set utxo.Set
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (uint64, types.Address, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Address{}, err
	}
	return u.Amount, u.PubKeyHash, nil
}

func (p *chainUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.set.Has(outpoint)
	return err == nil && has
}

// applyBlock updates the UTXO set: spends inputs and creates outputs, and
// advances each signer's nonce high-water mark. Used for genesis and replay
// paths that do not need undo data.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()

		// Spend inputs (skip coinbase sentinel).
		for _, in := range transaction.Inputs {
			if in.IsCoinbase() {
				continue
			}
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		// Create outputs.
		for i, out := range transaction.Outputs {
			u := &utxo.UTXO{
				Outpoint:   types.Outpoint{TxID: txHash, Index: uint32(i)},
				Amount:     out.Value,
				PubKeyHash: out.PubKeyHash,
				Height:     blk.Header.Height,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}

		if txIdx > 0 {
			if err := c.advanceNonce(transaction); err != nil {
				return err
			}
		}
	}
	return nil
}

// advanceNonce records transaction's nonce as the new high-water mark for
// its signer, if higher than what is already stored.
func (c *Chain) advanceNonce(transaction *tx.Transaction) error {
	signer, err := transaction.Signer()
	if err != nil {
		return fmt.Errorf("determine signer: %w", err)
	}
	current, err := c.utxos.NonceHighWaterMark(signer)
	if err != nil {
		return fmt.Errorf("read nonce high-water mark: %w", err)
	}
	if transaction.Nonce > current {
		if err := c.utxos.SetNonceHighWaterMark(signer, transaction.Nonce); err != nil {
			return fmt.Errorf("advance nonce: %w", err)
		}
	}
	return nil
}

// retreatNonce lowers signer's persisted nonce high-water mark back to
// priorNonce during a revert. Used to undo advanceNonce.
func (c *Chain) retreatNonce(signer types.Address, priorNonce uint64) error {
	return c.utxos.SetNonceHighWaterMark(signer, priorNonce)
}
