package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork  = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty    = errors.New("difficulty bits must be nonzero")
	ErrBadDifficultyBits = errors.New("block difficulty bits do not match expected")
)

// maxUint256 is 2^256 - 1, used to clamp targets derived from compact bits.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// PoW implements proof-of-work consensus over compact difficulty bits.
// The engine itself holds no mutable state — the active difficulty is
// encoded in each block header and enforced against chain history.
type PoW struct {
	InitialBits     uint32 // Starting difficulty bits (from genesis)
	AdjustInterval  int    // Blocks between difficulty retargets (0 = no adjustment)
	TargetBlockTime int    // Target seconds between blocks

	// DifficultyFn is called by Prepare to compute the expected difficulty
	// bits for a new block. Set by the node operator. If nil, Prepare uses
	// InitialBits.
	DifficultyFn func(height uint64) uint32

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(initialBits uint32, adjustInterval, targetBlockTime int) (*PoW, error) {
	if initialBits == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialBits:     initialBits,
		AdjustInterval:  adjustInterval,
		TargetBlockTime: targetBlockTime,
	}, nil
}

// ShouldAdjust returns true if difficulty should be recalculated at this height.
func (p *PoW) ShouldAdjust(height uint64) bool {
	return height > 0 && p.AdjustInterval > 0 && height%uint64(p.AdjustInterval) == 0
}

// target expands compact bits into a 256-bit target, clamped to
// [1, maxUint256] so a malformed or negative-encoded value can never make
// every hash satisfy the target.
func target(bits uint32) *big.Int {
	t := CompactToBig(bits)
	if t.Sign() <= 0 {
		return big.NewInt(1)
	}
	if t.Cmp(maxUint256) > 0 {
		return new(big.Int).Set(maxUint256)
	}
	return t
}

// VerifyHeader checks that the block header hash meets the difficulty
// target encoded in the header itself (consensus-enforced elsewhere).
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.DifficultyBits == 0 {
		return ErrZeroDifficulty
	}
	t := target(header.DifficultyBits)
	hash := crypto.Hash(header.SigningBytes())
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) >= 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's difficulty bits for mining.
func (p *PoW) Prepare(header *block.Header) error {
	if p.DifficultyFn != nil {
		header.DifficultyBits = p.DifficultyFn(header.Height)
	} else {
		header.DifficultyBits = p.InitialBits
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets the target.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
// If Threads > 1, mining runs in parallel goroutines with strided nonce partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.DifficultyBits == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing
// nonce, so each mining goroutine pre-computes the fixed prefix once and
// only appends+hashes the 8-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 92)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = binary.BigEndian.AppendUint32(buf, h.ChainID)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, h.Height)
	buf = binary.BigEndian.AppendUint32(buf, h.DifficultyBits)
	return buf
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := target(blk.Header.DifficultyBits)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.BigEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) < 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := target(blk.Header.DifficultyBits)
	prefix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.BigEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.Hash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) < 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpectedDifficultyBits computes the correct difficulty bits for a block
// at the given height. prevBits is the difficulty bits from the block at
// height-1 (0 for height <= 1). getTimestamp retrieves a block's timestamp
// by height (for retarget calculation).
func (p *PoW) ExpectedDifficultyBits(height uint64, prevBits uint32, getTimestamp func(uint64) (uint64, error)) uint32 {
	if height <= 1 || prevBits == 0 {
		return p.InitialBits
	}
	if !p.ShouldAdjust(height) {
		return prevBits
	}

	interval := uint64(p.AdjustInterval)
	startTS, err := getTimestamp(height - interval)
	if err != nil {
		return prevBits
	}
	endTS, err := getTimestamp(height - 1)
	if err != nil {
		return prevBits
	}

	actual := int64(endTS - startTS)
	expected := int64(p.AdjustInterval) * int64(p.TargetBlockTime)
	return CalcNextDifficultyBits(prevBits, actual, expected)
}

// VerifyDifficultyBits checks that a block header's stated difficulty bits
// match the expected value computed from chain history.
func (p *PoW) VerifyDifficultyBits(header *block.Header, prevBits uint32, getTimestamp func(uint64) (uint64, error)) error {
	expected := p.ExpectedDifficultyBits(header.Height, prevBits, getTimestamp)
	if header.DifficultyBits != expected {
		return fmt.Errorf("%w: height %d has bits %#08x, want %#08x",
			ErrBadDifficultyBits, header.Height, header.DifficultyBits, expected)
	}
	return nil
}

// CalcNextDifficultyBits computes the new difficulty bits after a retarget
// period. actualTimeSpan is the elapsed seconds for the last interval.
// expectedTimeSpan is interval * targetBlockTime. The result is clamped to
// [target/4, target*4] (i.e. difficulty in [/4, *4]), and the new target
// is capped at the maximum 256-bit value.
func CalcNextDifficultyBits(currentBits uint32, actualTimeSpan, expectedTimeSpan int64) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	minSpan := expectedTimeSpan / 4
	maxSpan := expectedTimeSpan * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	// newTarget = currentTarget * actual / expected. A faster-than-expected
	// interval (actual < expected) shrinks the target, i.e. raises difficulty.
	curTarget := target(currentBits)
	act := big.NewInt(actualTimeSpan)
	exp := big.NewInt(expectedTimeSpan)

	newTarget := new(big.Int).Mul(curTarget, act)
	newTarget.Div(newTarget, exp)

	if newTarget.Sign() <= 0 {
		newTarget = big.NewInt(1)
	}
	if newTarget.Cmp(maxUint256) > 0 {
		newTarget = new(big.Int).Set(maxUint256)
	}

	return BigToCompact(newTarget)
}
