package store

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/core/rawdb"

	"github.com/crestchain/crest/types"
)

func makeTestBlock(height uint64) *types.Block {
	return &types.Block{
		Header: types.Header{
			ChainID:     "test-chain",
			Height:      height,
			Time:        height,
			TxRoot:      types.EmptyRoot,
			ReceiptRoot: types.EmptyRoot,
			StateRoot:   types.EmptyRoot,
		},
	}
}

func makeTestQC(height uint64, blockHash types.Hash) *types.QuorumCertificate {
	return &types.QuorumCertificate{
		Height:    height,
		Round:     0,
		BlockHash: blockHash,
		Bitmap:    types.NewBitmap(4),
		Signature: []byte{1},
		Weight:    300,
	}
}

func TestSaveAndLoadBlock(t *testing.T) {
	bs, err := NewBlockStore(rawdb.NewMemoryDatabase())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if bs.Height() != 0 {
		t.Fatalf("fresh store height %d, want 0", bs.Height())
	}

	block := makeTestBlock(1)
	if err := bs.SaveBlock(block, nil); err != nil { // genesis, no certificate
		t.Fatalf("failed to save block: %v", err)
	}
	if bs.Height() != 1 {
		t.Fatalf("height %d after save, want 1", bs.Height())
	}

	loaded, err := bs.LoadBlock(1)
	if err != nil {
		t.Fatalf("failed to load block: %v", err)
	}
	if !types.HashEqual(types.BlockHash(loaded), types.BlockHash(block)) {
		t.Error("loaded block hash differs from saved block")
	}

	byHash, err := bs.LoadBlockByHash(types.BlockHash(block))
	if err != nil {
		t.Fatalf("failed to load by hash: %v", err)
	}
	if byHash.Header.Height != 1 {
		t.Errorf("load by hash returned height %d", byHash.Header.Height)
	}
}

func TestSaveBlockSequencing(t *testing.T) {
	bs, _ := NewBlockStore(rawdb.NewMemoryDatabase())

	b1 := makeTestBlock(1)
	if err := bs.SaveBlock(b1, nil); err != nil {
		t.Fatalf("failed to save height 1: %v", err)
	}

	// A gap is refused.
	err := bs.SaveBlock(makeTestBlock(3), makeTestQC(3, types.HashBytes([]byte("x"))))
	if !errors.Is(err, ErrNonSequential) {
		t.Errorf("expected ErrNonSequential for gap, got %v", err)
	}

	// Re-saving an existing height is a silent no-op.
	if err := bs.SaveBlock(b1, nil); err != nil {
		t.Errorf("re-save returned %v", err)
	}
	if bs.Height() != 1 {
		t.Errorf("height moved to %d on re-save", bs.Height())
	}

	// The next height needs a certificate.
	if err := bs.SaveBlock(makeTestBlock(2), nil); err == nil {
		t.Error("nil certificate accepted past genesis")
	}

	b2 := makeTestBlock(2)
	if err := bs.SaveBlock(b2, makeTestQC(2, types.BlockHash(b2))); err != nil {
		t.Fatalf("failed to save height 2: %v", err)
	}
	if bs.Height() != 2 {
		t.Errorf("height %d, want 2", bs.Height())
	}
}

func TestLoadQC(t *testing.T) {
	bs, _ := NewBlockStore(rawdb.NewMemoryDatabase())

	b1 := makeTestBlock(1)
	bs.SaveBlock(b1, nil)
	b2 := makeTestBlock(2)
	qc := makeTestQC(2, types.BlockHash(b2))
	if err := bs.SaveBlock(b2, qc); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err := bs.LoadQC(2)
	if err != nil {
		t.Fatalf("failed to load certificate: %v", err)
	}
	if loaded.Height != 2 || !types.HashEqual(loaded.BlockHash, types.BlockHash(b2)) {
		t.Error("loaded certificate does not match saved certificate")
	}

	if _, err := bs.LoadQC(1); !errors.Is(err, ErrQCNotFound) {
		t.Errorf("expected ErrQCNotFound for genesis, got %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	bs, _ := NewBlockStore(rawdb.NewMemoryDatabase())

	if _, err := bs.LoadBlock(1); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}
	if _, err := bs.LoadBlockByHash(types.HashBytes([]byte("nope"))); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound by hash, got %v", err)
	}
	if _, err := bs.LoadReceipts(1); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound for receipts, got %v", err)
	}
}

func TestReceipts(t *testing.T) {
	bs, _ := NewBlockStore(rawdb.NewMemoryDatabase())
	bs.SaveBlock(makeTestBlock(1), nil)

	receipts := types.Receipts{
		{TxHash: types.HashBytes([]byte("tx1")), Status: types.ReceiptStatusSuccess},
		{TxHash: types.HashBytes([]byte("tx2")), Status: types.ReceiptStatusFailed, Log: "bad nonce"},
	}
	if err := bs.SaveReceipts(1, receipts); err != nil {
		t.Fatalf("failed to save receipts: %v", err)
	}

	loaded, err := bs.LoadReceipts(1)
	if err != nil {
		t.Fatalf("failed to load receipts: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d receipts, want 2", len(loaded))
	}
	if loaded[1].Log != "bad nonce" {
		t.Errorf("receipt log %q, want %q", loaded[1].Log, "bad nonce")
	}
}

func TestHeightSurvivesReopen(t *testing.T) {
	db := rawdb.NewMemoryDatabase()

	bs, _ := NewBlockStore(db)
	bs.SaveBlock(makeTestBlock(1), nil)
	b2 := makeTestBlock(2)
	bs.SaveBlock(b2, makeTestQC(2, types.BlockHash(b2)))

	reopened, err := NewBlockStore(db)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	if reopened.Height() != 2 {
		t.Errorf("reopened height %d, want 2", reopened.Height())
	}
	if _, err := reopened.LoadBlock(2); err != nil {
		t.Errorf("failed to load block after reopen: %v", err)
	}
}
