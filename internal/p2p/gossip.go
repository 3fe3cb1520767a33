package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/tx"
)

// BroadcastTx announces a transaction to the gossip network: it publishes
// an Inv naming only the tx hash (GossipSub is the fan-out announce
// channel, not the wire protocol — see DESIGN.md). Peers that don't
// already have it pull the full transaction via the typed GetData stream
// protocol (Syncer.RequestTx).
func (n *Node) BroadcastTx(t *tx.Transaction) error {
	if n.topicTx == nil {
		return fmt.Errorf("p2p node not started")
	}

	inv := InvMsg{Items: []InvItem{{Kind: InvTx, Hash: t.Hash()}}}
	data, err := json.Marshal(&inv)
	if err != nil {
		return fmt.Errorf("marshal tx inv: %w", err)
	}

	return n.topicTx.Publish(n.ctx, data)
}

// BroadcastBlock announces a block to the gossip network: it publishes an
// Inv naming only the block hash. Peers that don't already have it pull
// the full block via Syncer.RequestBlock.
func (n *Node) BroadcastBlock(b *block.Block) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}

	inv := InvMsg{Items: []InvItem{{Kind: InvBlock, Hash: b.Hash()}}}
	data, err := json.Marshal(&inv)
	if err != nil {
		return fmt.Errorf("marshal block inv: %w", err)
	}

	return n.topicBlock.Publish(n.ctx, data)
}
