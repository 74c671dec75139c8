package types

import (
	"bytes"

	"github.com/ethereum/go-ethereum/rlp"
)

// Receipt execution outcomes.
const (
	ReceiptStatusFailed  uint8 = 0
	ReceiptStatusSuccess uint8 = 1
)

// Receipt records the outcome of a single transaction in a committed block.
// Receipts are produced 1:1 with the transaction batch, in batch order. A
// failed transaction produces a failed receipt; it never aborts the batch.
type Receipt struct {
	TxHash Hash
	Status uint8
	Result []byte
	Log    string
}

// Succeeded reports whether the transaction applied cleanly.
func (r *Receipt) Succeeded() bool { return r.Status == ReceiptStatusSuccess }

// Receipts is the ordered receipt list of a block.
type Receipts []*Receipt

// Len implements the derivable-list contract used for trie roots.
func (rs Receipts) Len() int { return len(rs) }

// EncodeIndex writes the RLP encoding of the i-th receipt to w.
func (rs Receipts) EncodeIndex(i int, w *bytes.Buffer) {
	if err := rlp.Encode(w, rs[i]); err != nil {
		panic("types: failed to encode receipt: " + err.Error())
	}
}
