package types

import (
	"fmt"
	"math"
)

// CoinbaseIndex is the sentinel output index marking a coinbase input.
// No real transaction ever has this many outputs, so it can never
// collide with a genuine outpoint.
const CoinbaseIndex = math.MaxUint32

// Outpoint references a specific output in a transaction.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// IsCoinbase returns true if the outpoint is the coinbase sentinel:
// a zero TxID paired with the reserved CoinbaseIndex.
func (o Outpoint) IsCoinbase() bool {
	return o.TxID.IsZero() && o.Index == CoinbaseIndex
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}
