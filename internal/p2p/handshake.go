package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	klog "github.com/rhchain/rhnode/internal/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// handshakeTimeout is the max time for a complete handshake exchange.
const handshakeTimeout = 30 * time.Second

// registerHandshakeHandler sets up the stream handler for incoming
// handshakes (the non-initiating side of the connection).
func (n *Node) registerHandshakeHandler() {
	logger := klog.WithComponent("p2p")
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remotePeer := stream.Conn().RemotePeer()
		p := n.peer(remotePeer)
		_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

		tag, payload, err := readFrameRaw(stream, n.magic())
		if err != nil {
			logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake: bad frame")
			return
		}
		if tag == TagPing {
			var ping PingMsg
			if err := json.Unmarshal(payload, &ping); err == nil {
				writeFrame(stream, n.magic(), TagPong, &PongMsg{Nonce: ping.Nonce})
			}
			return
		}
		if tag != TagVersion {
			logger.Debug().Str("peer", shortID(remotePeer)).Msg("Handshake: expected Version")
			if n.BanManager != nil {
				n.BanManager.RecordOffense(remotePeer, PenaltyPreReadyMessage, fmt.Sprintf("tag %d before handshake complete", tag))
			}
			return
		}
		var peerVer VersionMsg
		if err := json.Unmarshal(payload, &peerVer); err != nil {
			logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake: bad Version payload")
			return
		}
		if p != nil {
			p.SetState(StateVersionReceived)
		}

		if reason := n.validateVersion(peerVer); reason != "" {
			logger.Warn().Str("peer", shortID(remotePeer)).Str("reason", reason).Msg("Handshake rejected, banning peer")
			if n.BanManager != nil {
				n.BanManager.RecordOffense(remotePeer, PenaltyHandshakeFail, reason)
			}
			n.DisconnectPeer(remotePeer)
			return
		}
		if p != nil {
			p.SetVersionInfo(peerVer.ProtocolVersion, peerVer.UserAgent, peerVer.Height)
		}

		if err := writeFrame(stream, n.magic(), TagVersion, n.buildVersionMessage()); err != nil {
			return
		}
		if p != nil {
			p.SetState(StateVersionSent)
		}

		var ack VerAckMsg
		if tag, err := readFrame(stream, n.magic(), &ack); err != nil || tag != TagVerAck {
			return
		}

		if err := writeFrame(stream, n.magic(), TagVerAck, &VerAckMsg{}); err != nil {
			return
		}
		if p != nil {
			p.SetState(StateReady)
		}
	})
}

// doHandshake initiates a handshake with a remote peer (dialer side).
func (n *Node) doHandshake(peerID peer.ID) {
	logger := klog.WithComponent("p2p")
	p := n.peer(peerID)

	stream, err := n.host.NewStream(n.ctx, peerID, HandshakeProtocol)
	if err != nil {
		// Peer doesn't support the handshake protocol — tolerate for now.
		logger.Debug().Str("peer", shortID(peerID)).Msg("Peer does not support handshake protocol, tolerating")
		return
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := writeFrame(stream, n.magic(), TagVersion, n.buildVersionMessage()); err != nil {
		logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake send failed")
		return
	}
	if p != nil {
		p.SetState(StateVersionSent)
	}

	var peerVer VersionMsg
	tag, err := readFrame(stream, n.magic(), &peerVer)
	if err != nil || tag != TagVersion {
		logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake response read failed")
		return
	}
	if p != nil {
		p.SetState(StateVersionReceived)
	}

	if reason := n.validateVersion(peerVer); reason != "" {
		logger.Warn().Str("peer", shortID(peerID)).Str("reason", reason).Msg("Handshake rejected, banning peer")
		if n.BanManager != nil {
			n.BanManager.RecordOffense(peerID, PenaltyHandshakeFail, reason)
		}
		n.DisconnectPeer(peerID)
		return
	}
	if p != nil {
		p.SetVersionInfo(peerVer.ProtocolVersion, peerVer.UserAgent, peerVer.Height)
	}

	if err := writeFrame(stream, n.magic(), TagVerAck, &VerAckMsg{}); err != nil {
		return
	}

	var ack VerAckMsg
	if tag, err := readFrame(stream, n.magic(), &ack); err != nil || tag != TagVerAck {
		return
	}
	if p != nil {
		p.SetState(StateReady)
	}
}

// validateVersion checks a peer's Version message for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (n *Node) validateVersion(msg VersionMsg) string {
	if msg.ChainID != n.networkMagic {
		return fmt.Sprintf("chain_id mismatch: peer=%d local=%d", msg.ChainID, n.networkMagic)
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d", msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

// buildVersionMessage constructs our Version message from node state.
func (n *Node) buildVersionMessage() *VersionMsg {
	msg := &VersionMsg{
		ProtocolVersion: ProtocolVersion,
		ChainID:         n.networkMagic,
		UserAgent:       "rhnoded",
	}
	if n.heightFn != nil {
		msg.Height = n.heightFn()
	}
	return msg
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
