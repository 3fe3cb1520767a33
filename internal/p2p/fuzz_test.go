package p2p

import (
	"encoding/json"
	"testing"

	"github.com/rhchain/rhnode/pkg/block"
	"github.com/rhchain/rhnode/pkg/tx"
)

// FuzzVersionUnmarshal tests that arbitrary JSON does not panic when
// unmarshaled into a VersionMsg.
func FuzzVersionUnmarshal(f *testing.F) {
	f.Add([]byte(`{"protocol_version":1,"chain_id":100,"user_agent":"x","height":1700000000}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"chain_id":null,"height":0}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var msg VersionMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		_ = msg.ProtocolVersion
		_ = msg.ChainID
		_ = msg.UserAgent
		_ = msg.Height
	})
}

// FuzzBlockMessageUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled as a gossip block message.
func FuzzBlockMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"header":{"version":1,"timestamp":1000,"height":0},"transactions":[]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"header":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var blk block.Block
		if err := json.Unmarshal(data, &blk); err != nil {
			return
		}
		blk.Validate()
		blk.Hash()
	})
}

// FuzzTxMessageUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled as a gossip transaction message.
func FuzzTxMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"inputs":[],"outputs":[]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var t2 tx.Transaction
		if err := json.Unmarshal(data, &t2); err != nil {
			return
		}
		t2.Hash()
		t2.Validate()
	})
}
