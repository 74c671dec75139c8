package types

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"
)

// VoteType distinguishes the two voting phases of a round.
type VoteType uint8

const (
	VoteTypePrevote   VoteType = 1
	VoteTypePrecommit VoteType = 2
)

// String returns a human-readable vote type.
func (t VoteType) String() string {
	switch t {
	case VoteTypePrevote:
		return "prevote"
	case VoteTypePrecommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// IsValid reports whether t is a known vote type.
func (t VoteType) IsValid() bool {
	return t == VoteTypePrevote || t == VoteTypePrecommit
}

// Errors
var (
	ErrInvalidVote   = errors.New("invalid vote")
	ErrDuplicateVote = errors.New("duplicate vote")
)

// Vote is a validator's signed statement for one (height, round, type).
// A nil BlockHash is a vote for "no block" (the validator saw no valid
// proposal in time).
type Vote struct {
	Type           VoteType
	Height         uint64
	Round          uint32
	BlockHash      *Hash `rlp:"nil"`
	Timestamp      uint64
	ValidatorIndex uint32
	Signature      Signature
}

// voteSigning is the canonical signed portion of a vote. It deliberately
// excludes the voter identity and timestamp: every validator voting for the
// same (type, height, round, block) signs identical bytes, which is what
// makes the signatures aggregatable into a quorum certificate.
type voteSigning struct {
	ChainID   string
	Type      VoteType
	Height    uint64
	Round     uint32
	BlockHash Hash
}

// VoteSignBytes returns the canonical bytes signed for a vote. Nil votes
// sign over the zero hash.
func VoteSignBytes(chainID string, t VoteType, height uint64, round uint32, blockHash *Hash) []byte {
	rec := voteSigning{
		ChainID: chainID,
		Type:    t,
		Height:  height,
		Round:   round,
	}
	if blockHash != nil {
		rec.BlockHash = *blockHash
	}
	data, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		panic("types: failed to encode vote sign bytes: " + err.Error())
	}
	return data
}

// SignBytes returns the canonical bytes signed for this vote.
func (v *Vote) SignBytes(chainID string) []byte {
	return VoteSignBytes(chainID, v.Type, v.Height, v.Round, v.BlockHash)
}

// IsNil reports whether the vote is for no block.
func (v *Vote) IsNil() bool {
	return IsHashEmpty(v.BlockHash)
}

// VerifyVoteSignature checks a vote's signature against the claimed voter's
// public key.
func VerifyVoteSignature(chainID string, v *Vote, pk PublicKey) error {
	if v == nil || !v.Type.IsValid() {
		return ErrInvalidVote
	}
	if len(v.Signature) == 0 {
		return errors.New("vote has no signature")
	}
	return Verify(pk, v.SignBytes(chainID), v.Signature)
}

// VotesEqual reports whether two votes state the same thing (signatures are
// not compared; two well-formed signatures over the same statement are
// interchangeable).
func VotesEqual(a, b *Vote) bool {
	if a.Type != b.Type || a.Height != b.Height || a.Round != b.Round || a.ValidatorIndex != b.ValidatorIndex {
		return false
	}
	if a.BlockHash == nil && b.BlockHash == nil {
		return true
	}
	if a.BlockHash == nil || b.BlockHash == nil {
		return false
	}
	return *a.BlockHash == *b.BlockHash
}

// CopyVote deep-copies a vote.
func CopyVote(v *Vote) *Vote {
	if v == nil {
		return nil
	}
	return &Vote{
		Type:           v.Type,
		Height:         v.Height,
		Round:          v.Round,
		BlockHash:      CopyHash(v.BlockHash),
		Timestamp:      v.Timestamp,
		ValidatorIndex: v.ValidatorIndex,
		Signature:      append(Signature(nil), v.Signature...),
	}
}
