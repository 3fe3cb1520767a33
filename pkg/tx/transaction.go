// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/rhchain/rhnode/pkg/crypto"
	"github.com/rhchain/rhnode/pkg/types"
)

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version uint32   `json:"version"`
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
	// Nonce orders transactions from the same signer. A transaction is
	// only accepted into a block if its nonce is strictly greater than the
	// highest nonce the chain has already applied for its signer.
	Nonce uint64 `json:"nonce"`
}

// Input references a UTXO being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// IsCoinbase reports whether this input is the coinbase sentinel.
func (in Input) IsCoinbase() bool {
	return in.PrevOut.IsCoinbase()
}

// ErrNoSigner is returned by Signer when a transaction has no non-coinbase
// input to derive an owning address from.
var ErrNoSigner = fmt.Errorf("transaction has no signing input")

// Signer returns the address that owns this transaction's nonce sequence:
// the pubkey hash of its first non-coinbase input. Regular transactions
// carry one nonce for the whole transaction, so all of their inputs are
// expected to share one signer; this is the address per-signer nonce
// monotonicity is tracked against.
func (tx *Transaction) Signer() (types.Address, error) {
	for _, in := range tx.Inputs {
		if in.IsCoinbase() {
			continue
		}
		if len(in.PubKey) == 0 {
			return types.Address{}, ErrMissingPubKey
		}
		return crypto.AddressFromPubKey(in.PubKey), nil
	}
	return types.Address{}, ErrNoSigner
}

// Output defines a new UTXO paying to a public key hash.
type Output struct {
	Value      uint64        `json:"value"`
	PubKeyHash types.Address `json:"pubkey_hash"`
}

// Hash computes the transaction ID: the BLAKE3 hash of the canonical
// signing bytes with no input index selected (index field fixed at
// math.MaxUint32, which never collides with a real per-input signing
// hash since transactions are capped well below that many inputs).
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.signingBytes(math.MaxUint32))
}

// SigningHash returns the hash that input inputIndex's signature must
// cover. It commits to every field of the transaction except
// signatures, and to the index of the input being signed, so a
// signature produced for one input can never be replayed against
// another input of the same or a different transaction.
func (tx *Transaction) SigningHash(inputIndex uint32) types.Hash {
	return crypto.Hash(tx.signingBytes(inputIndex))
}

// SigningBytes returns the canonical encoding of the transaction (using the
// same sentinel index as Hash). Callers that need the exact bytes covered by
// a particular input's signature should use SigningHash instead.
func (tx *Transaction) SigningBytes() []byte {
	return tx.signingBytes(math.MaxUint32)
}

// signingBytes returns the canonical big-endian byte representation
// used for both transaction IDs and per-input signing hashes. Format:
//
//	version(4) | nonce(8) | input_count(4) |
//	  [prevout.txid(32) + prevout.index(4)]... |
//	  output_count(4) | [value(8) + pubkey_hash(20)]... |
//	  signing_index(4)
func (tx *Transaction) signingBytes(signingIndex uint32) []byte {
	var buf []byte

	buf = binary.BigEndian.AppendUint32(buf, tx.Version)
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.BigEndian.AppendUint32(buf, in.PrevOut.Index)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.BigEndian.AppendUint64(buf, out.Value)
		buf = append(buf, out.PubKeyHash[:]...)
	}

	buf = binary.BigEndian.AppendUint32(buf, signingIndex)

	return buf
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}
