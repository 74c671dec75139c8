package mempool

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/crestchain/crest/types"
)

const testChainID = "test-chain"

func newTestPool(maxTxs int) *Pool {
	config := DefaultConfig()
	if maxTxs > 0 {
		config.MaxTxs = maxTxs
	}
	return NewPool(config, testChainID, nil)
}

func newSender(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return priv
}

func makeTx(priv ed25519.PrivateKey, nonce uint64, key string) *types.Transaction {
	return types.NewTransaction(testChainID, priv, nonce,
		types.EncodeTxOp(types.TxOp{Op: types.OpSet, Key: []byte(key), Value: []byte("v")}))
}

func TestAddAndContains(t *testing.T) {
	p := newTestPool(0)
	priv := newSender(t)

	tx := makeTx(priv, 0, "key")
	if err := p.Add(tx); err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if !p.Contains(tx.Hash()) {
		t.Error("pool does not contain added transaction")
	}
	if p.Size() != 1 {
		t.Errorf("size %d, want 1", p.Size())
	}
}

func TestAddRejections(t *testing.T) {
	p := newTestPool(0)
	priv := newSender(t)

	tx := makeTx(priv, 0, "key")
	if err := p.Add(tx); err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if err := p.Add(tx); err != ErrTxKnown {
		t.Errorf("expected ErrTxKnown, got %v", err)
	}

	if err := p.Add(nil); err != ErrTxInvalid {
		t.Errorf("expected ErrTxInvalid for nil, got %v", err)
	}

	tampered := makeTx(priv, 1, "key")
	tampered.Nonce = 2
	if err := p.Add(tampered); err != ErrTxInvalid {
		t.Errorf("expected ErrTxInvalid for tampered tx, got %v", err)
	}

	badPayload := types.NewTransaction(testChainID, priv, 1, []byte("garbage"))
	if err := p.Add(badPayload); err != ErrTxInvalid {
		t.Errorf("expected ErrTxInvalid for bad payload, got %v", err)
	}

	config := DefaultConfig()
	config.MaxTxBytes = 4
	small := NewPool(config, testChainID, nil)
	if err := small.Add(makeTx(priv, 0, "key")); err != ErrTxTooLarge {
		t.Errorf("expected ErrTxTooLarge, got %v", err)
	}
}

func TestEvictionWhenFull(t *testing.T) {
	p := newTestPool(3)
	priv := newSender(t)

	txs := make([]*types.Transaction, 4)
	for i := range txs {
		txs[i] = makeTx(priv, uint64(i), fmt.Sprintf("key%d", i))
		if err := p.Add(txs[i]); err != nil {
			t.Fatalf("failed to add tx %d: %v", i, err)
		}
	}

	// The oldest transaction made room for the newest.
	if p.Contains(txs[0].Hash()) {
		t.Error("oldest transaction not evicted")
	}
	if !p.Contains(txs[3].Hash()) {
		t.Error("newest transaction missing")
	}
	if p.Size() != 3 {
		t.Errorf("size %d, want 3", p.Size())
	}
}

func TestTakeBatchOrder(t *testing.T) {
	p := newTestPool(0)
	priv := newSender(t)

	var want []types.Hash
	for i := 0; i < 5; i++ {
		tx := makeTx(priv, uint64(i), fmt.Sprintf("key%d", i))
		want = append(want, tx.Hash())
		if err := p.Add(tx); err != nil {
			t.Fatalf("failed to add tx %d: %v", i, err)
		}
	}

	batch := p.TakeBatch(3, nil)
	if len(batch) != 3 {
		t.Fatalf("batch size %d, want 3", len(batch))
	}
	for i, tx := range batch {
		if !types.HashEqual(tx.Hash(), want[i]) {
			t.Errorf("batch[%d] out of arrival order", i)
		}
	}

	// TakeBatch does not remove; the pool keeps everything until Remove.
	if p.Size() != 5 {
		t.Errorf("size %d after TakeBatch, want 5", p.Size())
	}

	full := p.TakeBatch(0, nil)
	if len(full) != 5 {
		t.Errorf("zero max returned %d transactions, want 5", len(full))
	}
}

func TestTakeBatchExcludes(t *testing.T) {
	p := newTestPool(0)
	priv := newSender(t)

	var hashes []types.Hash
	for i := 0; i < 4; i++ {
		tx := makeTx(priv, uint64(i), fmt.Sprintf("key%d", i))
		hashes = append(hashes, tx.Hash())
		if err := p.Add(tx); err != nil {
			t.Fatalf("failed to add tx %d: %v", i, err)
		}
	}

	// Exclude the first and third as if an in-flight proposal carries them.
	batch := p.TakeBatch(0, []types.Hash{hashes[0], hashes[2]})
	if len(batch) != 2 {
		t.Fatalf("batch size %d, want 2", len(batch))
	}
	if !types.HashEqual(batch[0].Hash(), hashes[1]) || !types.HashEqual(batch[1].Hash(), hashes[3]) {
		t.Error("excluded transactions appeared in batch")
	}

	// Exclusion does not remove; they come back once no longer excluded.
	if p.Size() != 4 {
		t.Errorf("size %d after exclusion, want 4", p.Size())
	}
	if got := p.TakeBatch(0, nil); len(got) != 4 {
		t.Errorf("batch size %d without exclusions, want 4", len(got))
	}
}

func TestRemove(t *testing.T) {
	p := newTestPool(0)
	priv := newSender(t)

	tx1 := makeTx(priv, 0, "a")
	tx2 := makeTx(priv, 1, "b")
	p.Add(tx1)
	p.Add(tx2)

	p.Remove([]types.Hash{tx1.Hash(), types.HashBytes([]byte("unknown"))})

	if p.Contains(tx1.Hash()) {
		t.Error("removed transaction still present")
	}
	if !p.Contains(tx2.Hash()) {
		t.Error("unrelated transaction removed")
	}
	if p.Size() != 1 {
		t.Errorf("size %d, want 1", p.Size())
	}
}

func TestFlush(t *testing.T) {
	p := newTestPool(0)
	priv := newSender(t)

	for i := 0; i < 3; i++ {
		p.Add(makeTx(priv, uint64(i), fmt.Sprintf("key%d", i)))
	}
	p.Flush()

	if p.Size() != 0 {
		t.Errorf("size %d after flush, want 0", p.Size())
	}
	if err := p.Add(makeTx(priv, 9, "after")); err != nil {
		t.Errorf("add after flush failed: %v", err)
	}
}
