package p2p

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/types"
)

// Tag identifies the type of a framed wire message.
type Tag uint8

// Wire message tags, per the handshake/sync/inventory protocol.
const (
	TagVersion     Tag = 1
	TagVerAck      Tag = 2
	TagPing        Tag = 3
	TagPong        Tag = 4
	TagGetHeaders  Tag = 5
	TagHeaders     Tag = 6
	TagGetBlocks   Tag = 7
	TagInv         Tag = 8
	TagGetData     Tag = 9
	TagBlock       Tag = 10
	TagTx          Tag = 11
	TagReject      Tag = 12
)

// maxFrameBytes bounds a single framed message's payload, preventing a
// malicious peer from OOM-ing the reader with a bogus length prefix.
const maxFrameBytes = 8 * 1024 * 1024

// writeFrame writes a length-delimited wire message:
// magic(4 BE) ‖ tag(1) ‖ payload_len(4 BE) ‖ payload.
// payload is the JSON encoding of msg.
func writeFrame(w io.Writer, magic uint32, tag Tag, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("payload too large: %d bytes", len(payload))
	}

	var hdr [9]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	hdr[4] = byte(tag)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one framed message, verifying its magic matches wantMagic,
// and JSON-decodes the payload into out.
func readFrame(r io.Reader, wantMagic uint32, out interface{}) (Tag, error) {
	tag, payload, err := readFrameRaw(r, wantMagic)
	if err != nil {
		return tag, err
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return tag, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return tag, nil
}

// readFrameRaw reads one framed message's header and raw payload bytes,
// without assuming which message type the tag implies. Used where the
// caller must branch on tag before choosing a destination struct.
func readFrameRaw(r io.Reader, wantMagic uint32) (Tag, []byte, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != wantMagic {
		return 0, nil, fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, magic, wantMagic)
	}
	tag := Tag(hdr[4])
	length := binary.BigEndian.Uint32(hdr[5:9])
	if length > maxFrameBytes {
		return tag, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return tag, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return tag, payload, nil
}

// newFrameReader wraps r for buffered frame reads.
func newFrameReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}

// ErrBadMagic and ErrFrameTooLarge are returned by readFrame.
var (
	ErrBadMagic      = fmt.Errorf("wire: network magic mismatch")
	ErrFrameTooLarge = fmt.Errorf("wire: frame payload too large")
)

// VersionMsg is the handshake greeting (tag Version).
type VersionMsg struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	ChainID         uint32 `json:"chain_id"`
	UserAgent       string `json:"user_agent"`
	Height          uint64 `json:"height"`
}

// VerAckMsg acknowledges a Version message (tag VerAck). Empty body.
type VerAckMsg struct{}

// PingMsg/PongMsg carry a nonce that must be echoed back (tags Ping/Pong).
type PingMsg struct {
	Nonce uint64 `json:"nonce"`
}
type PongMsg struct {
	Nonce uint64 `json:"nonce"`
}

// InvKind distinguishes the kind of item an Inv/GetData entry refers to.
type InvKind uint8

const (
	InvBlock InvKind = 1
	InvTx    InvKind = 2
)

// InvItem is one (kind, hash) pair.
type InvItem struct {
	Kind InvKind    `json:"kind"`
	Hash types.Hash `json:"hash"`
}

// InvMsg announces newly-available items (tag Inv).
type InvMsg struct {
	Items []InvItem `json:"items"`
}

// GetDataMsg requests full items by hash (tag GetData).
type GetDataMsg struct {
	Items []InvItem `json:"items"`
}

// RejectMsg is a typed, informational error echo (tag Reject).
type RejectMsg struct {
	Reason string `json:"reason"`
}

// maxHeaders caps a single Headers response, per the wire table.
const maxHeaders = 2000

// GetHeadersMsg requests headers above the first common ancestor found in
// Locator, a sparse back-doubling list of block hashes (tip, tip-1, tip-2,
// tip-4, tip-8, ..., genesis) (tag GetHeaders).
type GetHeadersMsg struct {
	Locator []types.Hash `json:"locator"`
}

// HeadersMsg replies with up to maxHeaders headers (tag Headers).
type HeadersMsg struct {
	Headers []*block.Header `json:"headers"`
}

// GetBlocksMsg requests block hashes above the first common ancestor found
// in Locator; the peer replies with an Inv listing them (tag GetBlocks).
type GetBlocksMsg struct {
	Locator []types.Hash `json:"locator"`
}
