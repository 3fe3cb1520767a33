// Package node provides a reusable blockchain node that can be embedded
// in any binary (daemon, etc.).
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhchain/rhnode/config"
	"github.com/rhchain/rhnode/internal/chain"
	"github.com/rhchain/rhnode/internal/consensus"
	klog "github.com/rhchain/rhnode/internal/log"
	"github.com/rhchain/rhnode/internal/mempool"
	"github.com/rhchain/rhnode/internal/miner"
	"github.com/rhchain/rhnode/internal/p2p"
	"github.com/rhchain/rhnode/internal/storage"
	"github.com/rhchain/rhnode/internal/utxo"
	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/tx"
	"github.com/rhchain/rhnode/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// shutdownDrain bounds how long Stop waits for background goroutines
// and the P2P host to wind down before giving up.
const shutdownDrain = 30 * time.Second

// Node is a fully-initialized blockchain node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.DB
	utxoStore *utxo.Store
	engine    consensus.Engine
	ch        *chain.Chain
	pool      *mempool.Pool

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// Mining
	coinbaseAddr types.Address
	mining       bool

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, consensus, chain, mempool, P2P) but does
// NOT start background goroutines (mining, sync). Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Set address version byte ──────────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressVersion(types.TestnetVersion)
	} else {
		types.SetAddressVersion(types.MainnetVersion)
	}

	// ── 2. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/rhnode.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("block_time", genesis.Protocol.Consensus.BlockTime).
		Msg("Starting rhnode")

	// ── 4. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}

	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Consensus engine ─────────────────────────────────────────
	engine, err := createEngine(genesis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}

	// ── 6. Chain ────────────────────────────────────────────────────
	ch, err := chain.New(genesis.NetworkMagic, db, utxoStore, engine)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(genesis.Protocol.Consensus)

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 7. Mempool ──────────────────────────────────────────────────
	pool := mempool.New(miner.NewUTXOAdapter(utxoStore), config.MempoolMaxBytes)
	pool.SetMinFeeRate(genesis.Protocol.Consensus.MinFeeRate)

	logger.Info().
		Uint64("min_fee_rate", genesis.Protocol.Consensus.MinFeeRate).
		Msg("Mempool ready")

	// ── 8. Coinbase address ──────────────────────────────────────────
	var coinbaseAddr types.Address
	if cfg.Mining.Enabled {
		coinbaseAddr, err = resolveCoinbase(cfg.Mining.Coinbase)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("resolve coinbase: %w", err)
		}
		logger.Info().
			Str("coinbase", hex.EncodeToString(coinbaseAddr[:])[:16]+"...").
			Msg("Mining enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:          cfg,
		genesis:      genesis,
		logger:       logger,
		db:           db,
		utxoStore:    utxoStore,
		engine:       engine,
		ch:           ch,
		pool:         pool,
		coinbaseAddr: coinbaseAddr,
		mining:       cfg.Mining.Enabled,
		ctx:          ctx,
		cancel:       cancel,
	}

	// ── 9. P2P ────────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		p2pNode := p2p.New(p2p.Config{
			ListenAddr:   cfg.P2P.ListenAddr,
			Port:         cfg.P2P.Port,
			Seeds:        cfg.P2P.Seeds,
			MaxPeers:     cfg.P2P.MaxPeers,
			NoDiscover:   cfg.P2P.NoDiscover,
			DB:           db,
			DHTServer:    cfg.P2P.DHTServer,
			NetworkID:    genesis.ChainID,
			NetworkMagic: genesis.NetworkMagic,
			DataDir:      cfg.ChainDataDir(),
		})
		n.p2pNode = p2pNode

		p2pNode.SetHeightFn(func() uint64 { return ch.Height() })

		// Block handler with sync trigger for unknown parents.
		var syncing atomic.Bool
		p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
			n.handleGossipBlock(from, data, &syncing)
		})

		// Tx handler.
		p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
			n.handleGossipTx(from, data)
		})

		if err := p2pNode.Start(); err != nil {
			db.Close()
			return nil, fmt.Errorf("start P2P: %w", err)
		}

		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")

		// Header-first sync protocol.
		syncer := p2p.NewSyncer(p2pNode)
		syncer.RegisterHeadersHandler(func(locator []types.Hash) []*block.Header {
			return n.provideHeaders(locator)
		})
		syncer.RegisterGetDataHandler(
			func(hash types.Hash) (*block.Block, bool) {
				blk, err := ch.GetBlock(hash)
				if err != nil {
					return nil, false
				}
				return blk, true
			},
			func(hash types.Hash) (*tx.Transaction, bool) {
				t, err := ch.GetTransaction(hash)
				if err != nil {
					return nil, false
				}
				return t, true
			},
		)
		syncer.RegisterHeightHandler(func() (uint64, string) {
			return ch.Height(), ch.TipHash().String()
		})
		n.syncer = syncer
		logger.Info().Msg("Chain sync protocol registered")
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// Reverted-tx handler.
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		reinserted := 0
		for _, t := range txs {
			if _, err := pool.Add(t); err == nil {
				reinserted++
			}
		}
		if reinserted > 0 {
			logger.Info().
				Int("reverted", len(txs)).
				Int("reinserted", reinserted).
				Msg("Reverted transactions returned to mempool")
		}
	})

	return n, nil
}

// pullTimeout bounds a single GetData round trip following an Inv.
const pullTimeout = 30 * time.Second

// handleGossipBlock processes an Inv announcement received over the block
// topic: for each item naming a block we don't already have, it pulls the
// full body from the announcing peer via the typed GetData stream protocol
// (Syncer.RequestBlock) and applies it. GossipSub itself re-floods the Inv
// to the rest of the mesh, so no explicit re-announce is needed here.
func (n *Node) handleGossipBlock(from peer.ID, data []byte, syncing *atomic.Bool) {
	var inv p2p.InvMsg
	if err := json.Unmarshal(data, &inv); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to decode block inv")
		if n.p2pNode.BanManager != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyProtocolError, "decode inv: "+err.Error())
		}
		return
	}

	for _, item := range inv.Items {
		if item.Kind != p2p.InvBlock {
			continue
		}
		n.pullAnnouncedBlock(from, item.Hash, syncing)
	}
}

func (n *Node) pullAnnouncedBlock(from peer.ID, hash types.Hash, syncing *atomic.Bool) {
	if known, err := n.ch.HasBlock(hash); err == nil && known {
		if n.p2pNode.BanManager != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyStaleInv, "inv for known block")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()
	blk, err := n.syncer.RequestBlock(ctx, from, hash)
	if err != nil {
		n.logger.Debug().Err(err).Msg("Failed to pull announced block")
		return
	}

	if err := n.ch.ProcessBlock(blk); err != nil {
		if errors.Is(err, chain.ErrPrevNotFound) && syncing.CompareAndSwap(false, true) {
			go func() {
				defer syncing.Store(false)
				n.runSync()
			}()
		}
		if n.p2pNode.BanManager != nil &&
			!errors.Is(err, chain.ErrBlockKnown) &&
			!errors.Is(err, chain.ErrPrevNotFound) &&
			!errors.Is(err, chain.ErrForkDetected) {
			penalty := p2p.PenaltyInvalidBlock
			if errors.Is(err, consensus.ErrInsufficientWork) {
				penalty = p2p.BanThreshold // Bad PoW bans and disconnects at once.
			}
			n.p2pNode.BanManager.RecordOffense(from, penalty, err.Error())
		}
		if !errors.Is(err, chain.ErrBlockKnown) {
			n.logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Failed to process announced block")
		}
		return
	}
	n.pool.RemoveConfirmed(blk.Transactions)

	n.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().String()[:16]+"...").
		Int("txs", len(blk.Transactions)).
		Msg("Block pulled and applied")
}

// handleGossipTx processes an Inv announcement received over the tx topic,
// pulling and adding to the mempool any transaction we don't already have.
func (n *Node) handleGossipTx(from peer.ID, data []byte) {
	var inv p2p.InvMsg
	if err := json.Unmarshal(data, &inv); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to decode tx inv")
		if n.p2pNode.BanManager != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyProtocolError, "decode inv: "+err.Error())
		}
		return
	}

	for _, item := range inv.Items {
		if item.Kind != p2p.InvTx {
			continue
		}
		n.pullAnnouncedTx(from, item.Hash)
	}
}

func (n *Node) pullAnnouncedTx(from peer.ID, hash types.Hash) {
	if n.pool.Has(hash) {
		if n.p2pNode.BanManager != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyStaleInv, "inv for known tx")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()
	t, err := n.syncer.RequestTx(ctx, from, hash)
	if err != nil {
		n.logger.Debug().Err(err).Msg("Failed to pull announced tx")
		return
	}

	fee, err := n.pool.Add(t)
	if err != nil {
		n.logger.Debug().Err(err).Msg("Rejected pulled transaction")
		if n.p2pNode.BanManager != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
		}
		return
	}
	n.logger.Info().
		Str("tx", t.Hash().String()[:16]+"...").
		Uint64("fee", fee).
		Msg("Transaction pulled and added to mempool")
}

// provideHeaders answers a GetHeaders request: walk forward from the
// first locator hash the local chain recognizes.
func (n *Node) provideHeaders(locator []types.Hash) []*block.Header {
	const maxReturned = 2000

	start := uint64(0)
	found := false
	for _, h := range locator {
		blk, err := n.ch.GetBlock(h)
		if err == nil {
			start = blk.Header.Height
			found = true
			break
		}
	}
	if !found && len(locator) > 0 {
		return nil
	}

	var headers []*block.Header
	for h := start + 1; h <= n.ch.Height() && len(headers) < maxReturned; h++ {
		blk, err := n.ch.GetBlockByHeight(h)
		if err != nil {
			break
		}
		headers = append(headers, blk.Header)
	}
	return headers
}

// Start launches background goroutines: startup sync, sync loop, miner.
func (n *Node) Start() error {
	if n.p2pNode != nil && n.syncer != nil {
		n.runSync()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	}

	if n.mining {
		m := miner.New(n.ch, n.engine, n.pool, n.coinbaseAddr,
			n.genesis.Protocol.Consensus.InitialReward,
			n.genesis.Protocol.Consensus.HalvingInterval,
			n.genesis.Protocol.Consensus.MaxSupply,
			n.ch.Supply)
		blockTime := time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second

		n.logger.Info().
			Str("coinbase", hex.EncodeToString(n.coinbaseAddr[:])[:16]+"...").
			Uint64("initial_reward", n.genesis.Protocol.Consensus.InitialReward).
			Dur("target_block_time", blockTime).
			Msg("Block production enabled")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runMiner(m)
		}()
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Bool("mining", n.mining).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order, bounded by
// shutdownDrain so a stuck goroutine cannot hang the process forever.
func (n *Node) Stop() error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-time.After(shutdownDrain):
		drainErr = fmt.Errorf("shutdown: background goroutines did not drain within %s", shutdownDrain)
	}

	if n.p2pNode != nil {
		if err := n.p2pNode.Stop(); err != nil && drainErr == nil {
			drainErr = err
		}
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
	return drainErr
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// ── Sync ────────────────────────────────────────────────────────────

func (n *Node) runSyncLoop() {
	if n.p2pNode == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if len(n.p2pNode.PeerList()) == 0 {
				continue
			}
			n.runSync()
		}
	}
}

// runSync fetches headers from the best-positioned peer via a sparse
// block locator, then pulls any missing block bodies one at a time.
func (n *Node) runSync() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	peers := n.p2pNode.PeerList()
	if len(peers) == 0 {
		return
	}

	var bestPeer peer.ID
	var bestHeight uint64
	limit := 3
	if len(peers) < limit {
		limit = len(peers)
	}
	for _, p := range peers[:limit] {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		if resp.Height > bestHeight {
			bestHeight = resp.Height
			bestPeer = p.ID
		}
	}

	localHeight := n.ch.Height()
	if bestHeight <= localHeight {
		return
	}

	locator := p2p.BuildLocator(localHeight, func(h uint64) (types.Hash, bool) {
		blk, err := n.ch.GetBlockByHeight(h)
		if err != nil {
			return types.Hash{}, false
		}
		return blk.Hash(), true
	})

	n.logger.Info().
		Uint64("local", localHeight).
		Uint64("remote", bestHeight).
		Msg("Syncing chain")

	syncStart := time.Now()

	for n.ch.Height() < bestHeight {
		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		headers, err := n.syncer.RequestHeaders(reqCtx, bestPeer, locator)
		cancel()
		if err != nil || len(headers) == 0 {
			if err != nil {
				n.logger.Warn().Err(err).Msg("Header request failed")
			}
			break
		}

		appliedAny := false
		for _, hdr := range headers {
			select {
			case <-n.ctx.Done():
				return
			default:
			}

			reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			hash := hdr.Hash()
			blk, err := n.syncer.RequestBlock(reqCtx, bestPeer, hash)
			cancel()
			if err != nil {
				n.logger.Warn().Err(err).Uint64("height", hdr.Height).Msg("Block body request failed")
				return
			}

			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				if errors.Is(err, chain.ErrPrevNotFound) {
					n.logger.Info().Uint64("height", hdr.Height).Msg("Fork detected during sync, resolving")
					n.resolveFork(bestPeer, bestHeight)
					return
				}
				n.logger.Warn().Err(err).Uint64("height", hdr.Height).Msg("Sync block failed")
				return
			}
			appliedAny = true
			n.pool.RemoveConfirmed(blk.Transactions)
		}

		if !appliedAny {
			break
		}

		locator = p2p.BuildLocator(n.ch.Height(), func(h uint64) (types.Hash, bool) {
			blk, err := n.ch.GetBlockByHeight(h)
			if err != nil {
				return types.Hash{}, false
			}
			return blk.Hash(), true
		})

		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", bestHeight).
			Msg("Syncing")
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("elapsed", time.Since(syncStart)).
		Msg("Sync complete")
}

// resolveFork walks backward from the local tip, asking the peer for
// headers at a locator of our own chain, until it finds where the two
// chains diverge, then pulls and applies the peer's branch.
func (n *Node) resolveFork(peerID peer.ID, peerTip uint64) {
	locator := p2p.BuildLocator(n.ch.Height(), func(h uint64) (types.Hash, bool) {
		blk, err := n.ch.GetBlockByHeight(h)
		if err != nil {
			return types.Hash{}, false
		}
		return blk.Hash(), true
	})

	reqCtx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	headers, err := n.syncer.RequestHeaders(reqCtx, peerID, locator)
	cancel()
	if err != nil || len(headers) == 0 {
		n.logger.Warn().Msg("Fork resolution failed: no divergent headers returned")
		return
	}

	n.logger.Info().
		Uint64("peer_tip", peerTip).
		Int("headers", len(headers)).
		Msg("Divergent branch found, downloading fork blocks")

	for _, hdr := range headers {
		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blk, err := n.syncer.RequestBlock(reqCtx, peerID, hdr.Hash())
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("height", hdr.Height).Msg("Fork block request failed")
			return
		}

		if err := n.ch.ProcessBlock(blk); err != nil {
			if errors.Is(err, chain.ErrBlockKnown) {
				continue
			}
			n.logger.Warn().Err(err).Uint64("height", hdr.Height).Msg("Fork sync block failed")
			return
		}
		n.pool.RemoveConfirmed(blk.Transactions)
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Msg("Fork resolved")
}

// ── Mining ──────────────────────────────────────────────────────────

// runMiner continuously produces blocks. Each attempt is cancellable:
// when the chain's tip advances out from under it (a competing block
// arrived via gossip or sync), the in-flight proof search is aborted
// and a fresh attempt starts against the new tip immediately.
func (n *Node) runMiner(m *miner.Miner) {
	var epoch atomic.Uint64
	tipAtStart := n.ch.TipHash()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watchTip(&epoch, tipAtStart)
	}()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		default:
		}

		myEpoch := epoch.Load()
		attemptCtx, cancel := context.WithCancel(n.ctx)
		go func() {
			for {
				select {
				case <-attemptCtx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
				if epoch.Load() != myEpoch {
					cancel()
					return
				}
			}
		}()

		blk, err := m.ProduceBlockCtx(attemptCtx)
		cancel()
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			// Tip moved under us, or a transient sealing error — retry.
			continue
		}

		if err := n.ch.ProcessBlock(blk); err != nil {
			n.logger.Error().Err(err).Msg("Failed to process own block")
			continue
		}
		n.pool.RemoveConfirmed(blk.Transactions)
		epoch.Add(1)

		if n.p2pNode != nil {
			if err := n.p2pNode.BroadcastBlock(blk); err != nil {
				n.logger.Error().Err(err).Msg("Failed to broadcast block")
			}
		}

		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Uint64("reward", blk.Transactions[0].Outputs[0].Value).
			Msg("Block produced")
	}
}

// watchTip bumps epoch whenever the chain's tip changes, so runMiner's
// in-flight sealing attempt can notice and cancel itself.
func (n *Node) watchTip(epoch *atomic.Uint64, lastTip types.Hash) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			tip := n.ch.TipHash()
			if tip != lastTip {
				lastTip = tip
				epoch.Add(1)
			}
		}
	}
}
