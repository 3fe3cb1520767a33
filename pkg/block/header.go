package block

import (
	"encoding/binary"
	"encoding/json"

	"github.com/rhchain/rhnode/pkg/crypto"
	"github.com/rhchain/rhnode/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version        uint32     `json:"version"`
	ChainID        uint32     `json:"chain_id"`
	PrevHash       types.Hash `json:"prev_hash"`
	MerkleRoot     types.Hash `json:"merkle_root"`
	Timestamp      uint64     `json:"timestamp"`
	Height         uint64     `json:"height"`
	DifficultyBits uint32     `json:"difficulty_bits"`
	Nonce          uint64     `json:"nonce"`
}

// headerJSON mirrors Header; kept separate so adding fields doesn't
// silently change the wire JSON shape without review.
type headerJSON struct {
	Version        uint32     `json:"version"`
	ChainID        uint32     `json:"chain_id"`
	PrevHash       types.Hash `json:"prev_hash"`
	MerkleRoot     types.Hash `json:"merkle_root"`
	Timestamp      uint64     `json:"timestamp"`
	Height         uint64     `json:"height"`
	DifficultyBits uint32     `json:"difficulty_bits"`
	Nonce          uint64     `json:"nonce"`
}

// MarshalJSON encodes the header.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:        h.Version,
		ChainID:        h.ChainID,
		PrevHash:       h.PrevHash,
		MerkleRoot:     h.MerkleRoot,
		Timestamp:      h.Timestamp,
		Height:         h.Height,
		DifficultyBits: h.DifficultyBits,
		Nonce:          h.Nonce,
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.ChainID = j.ChainID
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.Height = j.Height
	h.DifficultyBits = j.DifficultyBits
	h.Nonce = j.Nonce
	return nil
}

// Hash computes the block header hash, which also serves as the proof-of-work
// output checked against DifficultyBits.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical big-endian encoding of the header used
// for hashing and PoW.
// Format: version(4) | chain_id(4) | prev_hash(32) | merkle_root(32) |
// timestamp(8) | height(8) | difficulty_bits(4) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 100)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = binary.BigEndian.AppendUint32(buf, h.ChainID)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, h.Height)
	buf = binary.BigEndian.AppendUint32(buf, h.DifficultyBits)
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)
	return buf
}
