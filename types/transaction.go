package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Transaction payload operations. The consensus core treats payloads as
// opaque; only the state committer interprets them.
const (
	OpSet    uint8 = 1
	OpDelete uint8 = 2
)

// Errors
var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidPayload     = errors.New("invalid transaction payload")
)

// TxOp is the decoded form of a transaction payload: a single write against
// the application key-value state.
type TxOp struct {
	Op    uint8
	Key   []byte
	Value []byte
}

// EncodeTxOp serializes an operation into payload bytes.
func EncodeTxOp(op TxOp) []byte {
	data, err := rlp.EncodeToBytes(&op)
	if err != nil {
		panic("types: failed to encode tx op: " + err.Error())
	}
	return data
}

// DecodeTxOp parses payload bytes. Returns ErrInvalidPayload for malformed
// payloads or unknown operations.
func DecodeTxOp(payload []byte) (TxOp, error) {
	var op TxOp
	if err := rlp.DecodeBytes(payload, &op); err != nil {
		return TxOp{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if op.Op != OpSet && op.Op != OpDelete {
		return TxOp{}, fmt.Errorf("%w: unknown op %d", ErrInvalidPayload, op.Op)
	}
	if len(op.Key) == 0 {
		return TxOp{}, fmt.Errorf("%w: empty key", ErrInvalidPayload)
	}
	return op, nil
}

// Transaction is an externally submitted state mutation. The sender identity
// is an ed25519 public key; the signature covers the chain id, sender, nonce
// and payload.
type Transaction struct {
	Sender    []byte
	Nonce     uint64
	Payload   []byte
	Signature []byte
}

// txSigning is the canonical signed portion of a transaction.
type txSigning struct {
	ChainID string
	Sender  []byte
	Nonce   uint64
	Payload []byte
}

// TxSignBytes returns the canonical bytes a sender signs.
func TxSignBytes(chainID string, tx *Transaction) []byte {
	data, err := rlp.EncodeToBytes(&txSigning{
		ChainID: chainID,
		Sender:  tx.Sender,
		Nonce:   tx.Nonce,
		Payload: tx.Payload,
	})
	if err != nil {
		panic("types: failed to encode tx sign bytes: " + err.Error())
	}
	return data
}

// NewTransaction builds and signs a transaction with an ed25519 key.
func NewTransaction(chainID string, priv ed25519.PrivateKey, nonce uint64, payload []byte) *Transaction {
	tx := &Transaction{
		Sender:  priv.Public().(ed25519.PublicKey),
		Nonce:   nonce,
		Payload: payload,
	}
	tx.Signature = ed25519.Sign(priv, TxSignBytes(chainID, tx))
	return tx
}

// VerifyTxSignature checks the sender signature of a transaction.
func VerifyTxSignature(chainID string, tx *Transaction) error {
	if len(tx.Sender) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad sender key size %d", ErrInvalidTransaction, len(tx.Sender))
	}
	if len(tx.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad signature size %d", ErrInvalidTransaction, len(tx.Signature))
	}
	if !ed25519.Verify(tx.Sender, TxSignBytes(chainID, tx), tx.Signature) {
		return fmt.Errorf("%w: signature verification failed", ErrInvalidTransaction)
	}
	return nil
}

// Hash returns the transaction hash over the full transaction, signature
// included.
func (tx *Transaction) Hash() Hash {
	return RLPHash(tx)
}

// Transactions is an ordered batch.
type Transactions []*Transaction

// Len implements the derivable-list contract used for trie roots.
func (txs Transactions) Len() int { return len(txs) }

// EncodeIndex writes the RLP encoding of the i-th transaction to w.
func (txs Transactions) EncodeIndex(i int, w *bytes.Buffer) {
	if err := rlp.Encode(w, txs[i]); err != nil {
		panic("types: failed to encode transaction: " + err.Error())
	}
}

// Hashes returns the ordered hashes of the batch.
func (txs Transactions) Hashes() []Hash {
	out := make([]Hash, len(txs))
	for i, tx := range txs {
		out[i] = tx.Hash()
	}
	return out
}
