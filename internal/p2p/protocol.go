package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicTransactions = "/rhnode/tx/1.0.0"
	TopicBlocks       = "/rhnode/block/1.0.0"
)

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for the Version/VerAck exchange.
	HandshakeProtocol = protocol.ID("/rhnode/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// DataProtocol is the stream protocol ID for GetData pulls (Block/Tx bodies).
const DataProtocol = protocol.ID("/rhnode/data/1.0.0")

// MessageType identifies the type of P2P message (legacy alias retained for
// the gossip handler signatures; wire framing uses Tag instead).
type MessageType uint8

const (
	MsgTx    MessageType = iota + 1 // Transaction broadcast.
	MsgBlock                        // Block broadcast.
)

// Message is a P2P protocol message.
type Message struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
}
