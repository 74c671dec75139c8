package types

import (
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
)

// EmptyRoot is the root hash of an empty merkle trie. It is the state root
// of the genesis version and the tx/receipt root of an empty block.
var EmptyRoot = ethtypes.EmptyRootHash

// Header commits to everything a block contains. The block hash is the
// Keccak-256 of the RLP-encoded header.
type Header struct {
	ChainID        string
	Height         uint64
	Time           uint64
	PrevBlockHash  Hash
	StateRoot      Hash
	TxRoot         Hash
	ReceiptRoot    Hash
	ValidatorsHash Hash
	EvidenceHash   Hash
	ProposerIndex  uint32
}

// Block is one agreed-upon batch of transactions. QC is the certificate
// that committed the parent block, so every block carries the proof that
// its ancestry was decided. It is nil only at height 1.
type Block struct {
	Header   Header
	Txs      Transactions
	Evidence []DuplicateVoteEvidence
	QC       *QuorumCertificate `rlp:"nil"`
}

// BlockHash computes the hash of a block (its header hash).
func BlockHash(b *Block) Hash {
	if b == nil {
		return Hash{}
	}
	return RLPHash(&b.Header)
}

// HeaderHash computes the hash of a header.
func HeaderHash(h *Header) Hash {
	if h == nil {
		return Hash{}
	}
	return RLPHash(h)
}

// DeriveTxRoot computes the merkle root of an ordered transaction batch.
func DeriveTxRoot(txs Transactions) Hash {
	if len(txs) == 0 {
		return EmptyRoot
	}
	return ethtypes.DeriveSha(txs, trie.NewStackTrie(nil))
}

// DeriveReceiptRoot computes the merkle root of an ordered receipt list.
func DeriveReceiptRoot(rs Receipts) Hash {
	if len(rs) == 0 {
		return EmptyRoot
	}
	return ethtypes.DeriveSha(rs, trie.NewStackTrie(nil))
}

// DeriveEvidenceHash commits to the byzantine evidence included in a block.
func DeriveEvidenceHash(evs []DuplicateVoteEvidence) Hash {
	if len(evs) == 0 {
		return Hash{}
	}
	return RLPHash(evs)
}

// CopyBlock deep-copies a block. Candidate blocks cross goroutine boundaries
// (proposal channel, sync callbacks), so shared slices must not leak.
func CopyBlock(b *Block) *Block {
	if b == nil {
		return nil
	}
	out := &Block{Header: b.Header}
	if len(b.Txs) > 0 {
		out.Txs = make(Transactions, len(b.Txs))
		for i, tx := range b.Txs {
			txCopy := &Transaction{
				Sender:    append([]byte(nil), tx.Sender...),
				Nonce:     tx.Nonce,
				Payload:   append([]byte(nil), tx.Payload...),
				Signature: append([]byte(nil), tx.Signature...),
			}
			out.Txs[i] = txCopy
		}
	}
	if len(b.Evidence) > 0 {
		out.Evidence = make([]DuplicateVoteEvidence, len(b.Evidence))
		for i := range b.Evidence {
			out.Evidence[i] = CopyDuplicateVoteEvidence(&b.Evidence[i])
		}
	}
	out.QC = CopyQC(b.QC)
	return out
}
