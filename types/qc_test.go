package types

import (
	"errors"
	"testing"
)

// buildQC aggregates real precommit signatures from the given signer
// indices over one block hash.
func buildQC(t *testing.T, chainID string, vs *ValidatorSet, privs []*PrivateKey, signers []uint32, height uint64, round uint32, blockHash Hash) *QuorumCertificate {
	t.Helper()
	msg := VoteSignBytes(chainID, VoteTypePrecommit, height, round, &blockHash)
	bitmap := NewBitmap(vs.Size())
	var (
		sigs   []Signature
		weight uint64
	)
	for _, idx := range signers {
		sig, err := privs[idx].Sign(msg)
		if err != nil {
			t.Fatalf("failed to sign: %v", err)
		}
		sigs = append(sigs, sig)
		SetBit(bitmap, idx)
		weight += vs.GetByIndex(idx).Weight
	}
	agg, err := AggregateSignatures(sigs...)
	if err != nil {
		t.Fatalf("failed to aggregate: %v", err)
	}
	return &QuorumCertificate{
		Height:    height,
		Round:     round,
		BlockHash: blockHash,
		Signature: agg,
		Bitmap:    bitmap,
		Weight:    weight,
	}
}

func TestVerifyQC(t *testing.T) {
	vs, privs := testValidatorSet(t, 4)
	hash := HashBytes([]byte("block"))

	qc := buildQC(t, "chain", vs, privs, []uint32{0, 1, 2}, 5, 1, hash)
	if err := VerifyQC("chain", vs, qc); err != nil {
		t.Errorf("valid certificate rejected: %v", err)
	}
	if err := VerifyQCForBlock("chain", vs, hash, 5, qc); err != nil {
		t.Errorf("valid certificate rejected for block: %v", err)
	}
}

func TestVerifyQCInsufficientWeight(t *testing.T) {
	vs, privs := testValidatorSet(t, 4)
	hash := HashBytes([]byte("block"))

	// 2 of 4 equal-weight validators is below the 2/3+1 threshold.
	qc := buildQC(t, "chain", vs, privs, []uint32{0, 1}, 5, 1, hash)
	if err := VerifyQC("chain", vs, qc); !errors.Is(err, ErrInsufficientWeight) {
		t.Errorf("expected ErrInsufficientWeight, got %v", err)
	}
}

func TestVerifyQCTamperedBitmap(t *testing.T) {
	vs, privs := testValidatorSet(t, 4)
	hash := HashBytes([]byte("block"))

	qc := buildQC(t, "chain", vs, privs, []uint32{0, 1, 2}, 5, 1, hash)

	// Claiming an extra signer changes the aggregate public key, so the
	// signature no longer verifies even though weight now exceeds quorum.
	SetBit(qc.Bitmap, 3)
	qc.Weight += vs.GetByIndex(3).Weight
	if err := VerifyQC("chain", vs, qc); err == nil {
		t.Error("certificate with forged bitmap verified")
	}
}

func TestVerifyQCDeclaredWeightMismatch(t *testing.T) {
	vs, privs := testValidatorSet(t, 4)
	hash := HashBytes([]byte("block"))

	qc := buildQC(t, "chain", vs, privs, []uint32{0, 1, 2}, 5, 1, hash)
	qc.Weight++
	if err := VerifyQC("chain", vs, qc); err == nil {
		t.Error("certificate with wrong declared weight verified")
	}
}

func TestVerifyQCForBlockPinning(t *testing.T) {
	vs, privs := testValidatorSet(t, 4)
	hash := HashBytes([]byte("block"))
	other := HashBytes([]byte("other"))

	qc := buildQC(t, "chain", vs, privs, []uint32{0, 1, 2}, 5, 1, hash)

	if err := VerifyQCForBlock("chain", vs, other, 5, qc); !errors.Is(err, ErrQCBlockHashMismatch) {
		t.Errorf("expected ErrQCBlockHashMismatch, got %v", err)
	}
	if err := VerifyQCForBlock("chain", vs, hash, 6, qc); !errors.Is(err, ErrQCHeightMismatch) {
		t.Errorf("expected ErrQCHeightMismatch, got %v", err)
	}
}

func TestVerifyQCNil(t *testing.T) {
	vs, _ := testValidatorSet(t, 4)
	if err := VerifyQC("chain", vs, nil); !errors.Is(err, ErrInvalidQC) {
		t.Errorf("expected ErrInvalidQC for nil certificate, got %v", err)
	}
}

func TestBitmapOperations(t *testing.T) {
	bm := NewBitmap(10)
	if len(bm) != 2 {
		t.Errorf("expected 2 bytes for 10 validators, got %d", len(bm))
	}
	SetBit(bm, 0)
	SetBit(bm, 7)
	SetBit(bm, 9)
	if CountBits(bm) != 3 {
		t.Errorf("expected 3 bits set, got %d", CountBits(bm))
	}
	if !BitSet(bm, 9) || BitSet(bm, 8) {
		t.Error("bit membership wrong")
	}
	if BitSet(bm, 200) {
		t.Error("out of range index reported set")
	}

	qc := &QuorumCertificate{Bitmap: bm}
	signers := qc.Signers()
	want := []uint32{0, 7, 9}
	if len(signers) != len(want) {
		t.Fatalf("expected %d signers, got %d", len(want), len(signers))
	}
	for i := range want {
		if signers[i] != want[i] {
			t.Errorf("signer %d: expected %d, got %d", i, want[i], signers[i])
		}
	}
}

func TestSignatureOrderIrrelevant(t *testing.T) {
	vs, privs := testValidatorSet(t, 4)
	hash := HashBytes([]byte("block"))

	a := buildQC(t, "chain", vs, privs, []uint32{0, 1, 2}, 5, 1, hash)
	b := buildQC(t, "chain", vs, privs, []uint32{2, 0, 1}, 5, 1, hash)
	if err := VerifyQC("chain", vs, a); err != nil {
		t.Errorf("certificate a rejected: %v", err)
	}
	if err := VerifyQC("chain", vs, b); err != nil {
		t.Errorf("certificate b rejected: %v", err)
	}
}
