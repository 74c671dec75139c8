package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func testTx(t *testing.T, chainID string, nonce uint64, key, value []byte) *Transaction {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return NewTransaction(chainID, priv, nonce, EncodeTxOp(TxOp{Op: OpSet, Key: key, Value: value}))
}

func TestDeriveTxRoot(t *testing.T) {
	if DeriveTxRoot(nil) != EmptyRoot {
		t.Error("empty batch must derive the empty trie root")
	}

	txs := Transactions{
		testTx(t, "chain", 0, []byte("a"), []byte("1")),
		testTx(t, "chain", 0, []byte("b"), []byte("2")),
	}
	root := DeriveTxRoot(txs)
	if root == EmptyRoot {
		t.Error("non-empty batch derived the empty root")
	}
	if DeriveTxRoot(txs) != root {
		t.Error("tx root not deterministic")
	}
	if DeriveTxRoot(Transactions{txs[1], txs[0]}) == root {
		t.Error("tx root must be order sensitive")
	}
}

func TestDeriveReceiptRoot(t *testing.T) {
	if DeriveReceiptRoot(nil) != EmptyRoot {
		t.Error("empty receipts must derive the empty trie root")
	}
	rs := Receipts{
		{TxHash: HashBytes([]byte("a")), Status: ReceiptStatusSuccess},
		{TxHash: HashBytes([]byte("b")), Status: ReceiptStatusFailed, Log: "bad nonce"},
	}
	if DeriveReceiptRoot(rs) == EmptyRoot {
		t.Error("non-empty receipts derived the empty root")
	}
}

func TestBlockHashCommitsToHeader(t *testing.T) {
	block := &Block{
		Header: Header{
			ChainID: "chain",
			Height:  3,
			TxRoot:  HashBytes([]byte("txs")),
		},
	}
	orig := BlockHash(block)

	// The hash covers the header only; the header in turn commits to
	// the body via its roots.
	block.Txs = Transactions{testTx(t, "chain", 0, []byte("k"), []byte("v"))}
	if BlockHash(block) != orig {
		t.Error("body change altered the header hash")
	}
	block.Header.TxRoot = DeriveTxRoot(block.Txs)
	if BlockHash(block) == orig {
		t.Error("header change did not alter the block hash")
	}

	if BlockHash(nil) != (Hash{}) {
		t.Error("nil block must hash to zero")
	}
}

func TestDeriveEvidenceHash(t *testing.T) {
	if DeriveEvidenceHash(nil) != (Hash{}) {
		t.Error("no evidence must hash to zero")
	}

	_, privs := testValidatorSet(t, 2)
	hashA := HashBytes([]byte("a"))
	hashB := HashBytes([]byte("b"))
	voteA := signedVote(t, privs[0], "chain", VoteTypePrevote, 1, 0, &hashA, 0)
	voteB := signedVote(t, privs[0], "chain", VoteTypePrevote, 1, 0, &hashB, 0)
	ev := NewDuplicateVoteEvidence(voteA, voteB, 1000)
	if DeriveEvidenceHash([]DuplicateVoteEvidence{*ev}) == (Hash{}) {
		t.Error("evidence hashed to zero")
	}
}

func TestCopyBlockIsolated(t *testing.T) {
	block := &Block{
		Header: Header{ChainID: "chain", Height: 1},
		Txs:    Transactions{testTx(t, "chain", 0, []byte("k"), []byte("v"))},
		QC:     &QuorumCertificate{Height: 0, Bitmap: []byte{0x7}},
	}
	cp := CopyBlock(block)
	if BlockHash(cp) != BlockHash(block) {
		t.Fatal("copy hashes differently")
	}
	cp.Txs[0].Payload[0] ^= 0xff
	cp.QC.Bitmap[0] = 0
	if block.Txs[0].Payload[0] == cp.Txs[0].Payload[0] {
		t.Error("copy shares tx payload")
	}
	if block.QC.Bitmap[0] == 0 {
		t.Error("copy shares certificate bitmap")
	}
}
