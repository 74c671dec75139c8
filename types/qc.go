package types

import (
	"errors"
	"fmt"
	"math/bits"
)

// Errors
var (
	ErrInvalidQC           = errors.New("invalid quorum certificate")
	ErrInsufficientWeight  = errors.New("insufficient weight in quorum certificate")
	ErrQCHeightMismatch    = errors.New("quorum certificate height mismatch")
	ErrQCBlockHashMismatch = errors.New("quorum certificate block hash mismatch")
)

// QuorumCertificate proves that validators holding at least the quorum
// threshold of weight precommitted the same block at the same height and
// round. Signature is the BLS aggregate of the contributors' precommit
// signatures; Bitmap marks contributing validator indices. A certificate is
// built once, never mutated, and its validity depends only on the set of
// signers, not on the order their votes arrived in.
type QuorumCertificate struct {
	Height    uint64
	Round     uint32
	BlockHash Hash
	Signature Signature
	Bitmap    []byte
	Weight    uint64
}

// NewBitmap returns a zeroed bitmap sized for n validators.
func NewBitmap(n int) []byte {
	return make([]byte, (n+7)/8)
}

// SetBit marks validator index i in the bitmap.
func SetBit(bitmap []byte, i uint32) {
	bitmap[i/8] |= 1 << (i % 8)
}

// BitSet reports whether validator index i is marked.
func BitSet(bitmap []byte, i uint32) bool {
	if int(i/8) >= len(bitmap) {
		return false
	}
	return bitmap[i/8]&(1<<(i%8)) != 0
}

// CountBits returns the number of marked indices.
func CountBits(bitmap []byte) int {
	n := 0
	for _, b := range bitmap {
		n += bits.OnesCount8(b)
	}
	return n
}

// Signers returns the validator indices marked in the certificate's bitmap,
// in ascending order.
func (qc *QuorumCertificate) Signers() []uint32 {
	out := make([]uint32, 0, CountBits(qc.Bitmap))
	for i := uint32(0); int(i) < len(qc.Bitmap)*8; i++ {
		if BitSet(qc.Bitmap, i) {
			out = append(out, i)
		}
	}
	return out
}

// VerifyQC checks a quorum certificate against a validator set: the signer
// weight recomputed from the bitmap must reach the quorum threshold, and the
// aggregated signature must verify against the aggregate of the signers'
// public keys over the canonical precommit bytes.
func VerifyQC(chainID string, valSet *ValidatorSet, qc *QuorumCertificate) error {
	if qc == nil {
		return ErrInvalidQC
	}
	if IsHashEmpty(&qc.BlockHash) {
		return fmt.Errorf("%w: certificate for nil block", ErrInvalidQC)
	}
	if len(qc.Signature) == 0 {
		return fmt.Errorf("%w: no aggregated signature", ErrInvalidQC)
	}

	var (
		weight uint64
		keys   []PublicKey
	)
	for _, idx := range qc.Signers() {
		val := valSet.GetByIndex(idx)
		if val == nil {
			return fmt.Errorf("%w: unknown validator index %d", ErrInvalidQC, idx)
		}
		weight += val.Weight
		keys = append(keys, val.PublicKey)
	}
	if weight < valSet.QuorumThreshold() {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientWeight, weight, valSet.QuorumThreshold())
	}
	if qc.Weight != weight {
		return fmt.Errorf("%w: declared weight %d, bitmap weight %d", ErrInvalidQC, qc.Weight, weight)
	}

	msg := VoteSignBytes(chainID, VoteTypePrecommit, qc.Height, qc.Round, &qc.BlockHash)
	if err := VerifyAggregate(keys, msg, qc.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQC, err)
	}
	return nil
}

// VerifyQCForBlock additionally pins the certificate to a specific block and
// height, as done when accepting blocks during catch-up.
func VerifyQCForBlock(chainID string, valSet *ValidatorSet, blockHash Hash, height uint64, qc *QuorumCertificate) error {
	if qc == nil {
		return ErrInvalidQC
	}
	if qc.Height != height {
		return fmt.Errorf("%w: expected %d, got %d", ErrQCHeightMismatch, height, qc.Height)
	}
	if qc.BlockHash != blockHash {
		return ErrQCBlockHashMismatch
	}
	return VerifyQC(chainID, valSet, qc)
}

// CopyQC deep-copies a certificate, preserving nil.
func CopyQC(qc *QuorumCertificate) *QuorumCertificate {
	if qc == nil {
		return nil
	}
	return &QuorumCertificate{
		Height:    qc.Height,
		Round:     qc.Round,
		BlockHash: qc.BlockHash,
		Signature: append(Signature(nil), qc.Signature...),
		Bitmap:    append([]byte(nil), qc.Bitmap...),
		Weight:    qc.Weight,
	}
}
