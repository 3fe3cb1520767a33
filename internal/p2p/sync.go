package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/tx"
	"github.com/rhchain/rhnode/pkg/types"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// SyncProtocol is the protocol ID for header-first synchronization
	// (GetHeaders/Headers). GetBlocks requests are not served on it.
	SyncProtocol = "/rhnode/sync/1.0.0"

	// syncReadTimeout is the max time to read a sync response.
	syncReadTimeout = 30 * time.Second
)

// Syncer handles chain synchronization with peers.
type Syncer struct {
	node *Node
	host host.Host
}

// NewSyncer creates a new chain syncer attached to the given node.
func NewSyncer(node *Node) *Syncer {
	return &Syncer{
		node: node,
		host: node.host,
	}
}

// BuildLocator constructs a sparse, back-doubling locator for the chain at
// tipHeight: heights tipHeight, tipHeight-1, tipHeight-2, tipHeight-4,
// tipHeight-8, ..., down to and including 0.
func BuildLocator(tipHeight uint64, hashAt func(height uint64) (types.Hash, bool)) []types.Hash {
	var locator []types.Hash
	step := uint64(1)
	h := tipHeight
	for {
		if hash, ok := hashAt(h); ok {
			locator = append(locator, hash)
		}
		if h == 0 {
			break
		}
		if tipHeight < step {
			h = 0
		} else {
			h = tipHeight - step
		}
		step *= 2
	}
	return locator
}

// peerIsReady reports whether id has completed the handshake. Used to reject
// sync requests from peers that skipped straight to a data protocol (spec:
// "While not Ready, only handshake messages are accepted").
func (s *Syncer) peerIsReady(id peer.ID) bool {
	p := s.node.peer(id)
	return p != nil && p.IsReady()
}

// RegisterHeadersHandler registers the GetHeaders stream handler. provider
// returns up to maxHeaders headers above the first common ancestor implied
// by the peer's locator (best-effort: implementations may simply walk from
// the first locator hash found locally).
func (s *Syncer) RegisterHeadersHandler(provider func(locator []types.Hash) []*block.Header) {
	s.host.SetStreamHandler(SyncProtocol, func(stream network.Stream) {
		defer stream.Close()
		_ = stream.SetDeadline(time.Now().Add(syncReadTimeout))
		remotePeer := stream.Conn().RemotePeer()
		if !s.peerIsReady(remotePeer) {
			if s.node.BanManager != nil {
				s.node.BanManager.RecordOffense(remotePeer, PenaltyPreReadyMessage, "get-headers before handshake complete")
			}
			return
		}

		var req GetHeadersMsg
		tag, err := readFrame(stream, s.node.magic(), &req)
		if err != nil {
			if s.node.BanManager != nil {
				s.node.BanManager.RecordOffense(remotePeer, PenaltyProtocolError, "bad get-headers frame: "+err.Error())
			}
			return
		}
		if tag != TagGetHeaders {
			return
		}

		headers := provider(req.Locator)
		if len(headers) > maxHeaders {
			headers = headers[:maxHeaders]
		}
		writeFrame(stream, s.node.magic(), TagHeaders, &HeadersMsg{Headers: headers})
	})
}

// RequestHeaders asks a peer for headers above the first common ancestor in locator.
func (s *Syncer) RequestHeaders(ctx context.Context, peerID peer.ID, locator []types.Hash) ([]*block.Header, error) {
	stream, err := s.host.NewStream(ctx, peerID, SyncProtocol)
	if err != nil {
		return nil, fmt.Errorf("open sync stream: %w", err)
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(syncReadTimeout))

	if err := writeFrame(stream, s.node.magic(), TagGetHeaders, &GetHeadersMsg{Locator: locator}); err != nil {
		return nil, fmt.Errorf("send get-headers: %w", err)
	}

	var resp HeadersMsg
	tag, err := readFrame(stream, s.node.magic(), &resp)
	if err != nil {
		return nil, fmt.Errorf("read headers: %w", err)
	}
	if tag != TagHeaders {
		return nil, fmt.Errorf("unexpected reply tag %d to get-headers", tag)
	}
	return resp.Headers, nil
}

// RegisterGetDataHandler registers the stream handler that serves full
// blocks and transactions by hash in response to GetData pulls.
func (s *Syncer) RegisterGetDataHandler(blockFn func(types.Hash) (*block.Block, bool), txFn func(types.Hash) (*tx.Transaction, bool)) {
	s.host.SetStreamHandler(DataProtocol, func(stream network.Stream) {
		defer stream.Close()
		_ = stream.SetDeadline(time.Now().Add(syncReadTimeout))
		remotePeer := stream.Conn().RemotePeer()
		if !s.peerIsReady(remotePeer) {
			if s.node.BanManager != nil {
				s.node.BanManager.RecordOffense(remotePeer, PenaltyPreReadyMessage, "get-data before handshake complete")
			}
			return
		}

		var req GetDataMsg
		tag, err := readFrame(stream, s.node.magic(), &req)
		if err != nil {
			if s.node.BanManager != nil {
				s.node.BanManager.RecordOffense(remotePeer, PenaltyProtocolError, "bad get-data frame: "+err.Error())
			}
			return
		}
		if tag != TagGetData {
			// A peer pushing Block/Tx (or anything else) on this stream
			// without us having asked for it via GetData first.
			if s.node.BanManager != nil {
				s.node.BanManager.RecordOffense(remotePeer, PenaltyUnsolicitedData, fmt.Sprintf("unexpected tag %d on data stream", tag))
			}
			return
		}

		for _, item := range req.Items {
			switch item.Kind {
			case InvBlock:
				if blockFn == nil {
					continue
				}
				if blk, ok := blockFn(item.Hash); ok {
					writeFrame(stream, s.node.magic(), TagBlock, blk)
				}
			case InvTx:
				if txFn == nil {
					continue
				}
				if t, ok := txFn(item.Hash); ok {
					writeFrame(stream, s.node.magic(), TagTx, t)
				}
			}
		}
	})
}

// RequestBlock pulls a single full block by hash from a peer.
func (s *Syncer) RequestBlock(ctx context.Context, peerID peer.ID, hash types.Hash) (*block.Block, error) {
	stream, err := s.host.NewStream(ctx, peerID, DataProtocol)
	if err != nil {
		return nil, fmt.Errorf("open data stream: %w", err)
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(syncReadTimeout))

	req := &GetDataMsg{Items: []InvItem{{Kind: InvBlock, Hash: hash}}}
	if err := writeFrame(stream, s.node.magic(), TagGetData, req); err != nil {
		return nil, fmt.Errorf("send get-data: %w", err)
	}

	var blk block.Block
	tag, err := readFrame(stream, s.node.magic(), &blk)
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}
	if tag != TagBlock {
		return nil, fmt.Errorf("unexpected reply tag %d to get-data(block)", tag)
	}
	return &blk, nil
}

// RequestTx pulls a single transaction by hash from a peer.
func (s *Syncer) RequestTx(ctx context.Context, peerID peer.ID, hash types.Hash) (*tx.Transaction, error) {
	stream, err := s.host.NewStream(ctx, peerID, DataProtocol)
	if err != nil {
		return nil, fmt.Errorf("open data stream: %w", err)
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(syncReadTimeout))

	req := &GetDataMsg{Items: []InvItem{{Kind: InvTx, Hash: hash}}}
	if err := writeFrame(stream, s.node.magic(), TagGetData, req); err != nil {
		return nil, fmt.Errorf("send get-data: %w", err)
	}

	var t tx.Transaction
	tag, err := readFrame(stream, s.node.magic(), &t)
	if err != nil {
		return nil, fmt.Errorf("read tx: %w", err)
	}
	if tag != TagTx {
		return nil, fmt.Errorf("unexpected reply tag %d to get-data(tx)", tag)
	}
	return &t, nil
}
