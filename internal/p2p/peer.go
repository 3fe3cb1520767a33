package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ConnState is a connection's position in the handshake state machine.
type ConnState int

const (
	StateNew ConnState = iota
	StateVersionSent
	StateVersionReceived
	StateReady
	StateClosed
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "dht", "mdns", "seed", "gossip"

	mu        sync.RWMutex
	state     ConnState
	version   uint32
	userAgent string
	height    uint64
	lastSeen  time.Time
}

// State returns the peer's current handshake state.
func (p *Peer) State() ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetState transitions the peer to a new handshake state.
func (p *Peer) SetState(s ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// IsReady reports whether the handshake has completed.
func (p *Peer) IsReady() bool {
	return p.State() == StateReady
}

// SetVersionInfo records the peer's advertised version/user-agent/height,
// learned from its Version message.
func (p *Peer) SetVersionInfo(version uint32, userAgent string, height uint64) {
	p.mu.Lock()
	p.version = version
	p.userAgent = userAgent
	p.height = height
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// Height returns the peer's last-reported chain height.
func (p *Peer) Height() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.height
}

// SetHeight updates the peer's last-known chain height (e.g. from an Inv).
func (p *Peer) SetHeight(h uint64) {
	p.mu.Lock()
	p.height = h
	p.mu.Unlock()
}
