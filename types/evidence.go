package types

import "errors"

// Errors
var (
	ErrConflictingVote = errors.New("conflicting vote (equivocation)")
)

// DuplicateVoteEvidence proves that one validator signed two different votes
// for the same (height, round, type). Both signatures verify, so the pair is
// self-authenticating byzantine evidence. Detection never halts consensus;
// the evidence is surfaced for reporting and slashing outside this core.
type DuplicateVoteEvidence struct {
	VoteA          Vote
	VoteB          Vote
	ValidatorIndex uint32
	Timestamp      uint64
}

// NewDuplicateVoteEvidence orders the two votes deterministically by block
// hash so that both observers of the same equivocation build identical
// evidence.
func NewDuplicateVoteEvidence(a, b *Vote, now uint64) *DuplicateVoteEvidence {
	ha, hb := Hash{}, Hash{}
	if a.BlockHash != nil {
		ha = *a.BlockHash
	}
	if b.BlockHash != nil {
		hb = *b.BlockHash
	}
	first, second := a, b
	if hb.Hex() < ha.Hex() {
		first, second = b, a
	}
	return &DuplicateVoteEvidence{
		VoteA:          *CopyVote(first),
		VoteB:          *CopyVote(second),
		ValidatorIndex: a.ValidatorIndex,
		Timestamp:      now,
	}
}

// evidenceHashing is the identity of an equivocation. It excludes the
// pool-assigned timestamp so two observers of the same pair dedup to one
// evidence item.
type evidenceHashing struct {
	VoteA          Vote
	VoteB          Vote
	ValidatorIndex uint32
}

// Hash returns the evidence hash, used for dedup in the evidence pool.
func (ev *DuplicateVoteEvidence) Hash() Hash {
	return RLPHash(&evidenceHashing{
		VoteA:          ev.VoteA,
		VoteB:          ev.VoteB,
		ValidatorIndex: ev.ValidatorIndex,
	})
}

// Verify checks that the two votes really conflict and both carry valid
// signatures from the accused validator.
func (ev *DuplicateVoteEvidence) Verify(chainID string, valSet *ValidatorSet) error {
	a, b := &ev.VoteA, &ev.VoteB
	if a.Height != b.Height || a.Round != b.Round || a.Type != b.Type {
		return ErrInvalidVote
	}
	if a.ValidatorIndex != b.ValidatorIndex || a.ValidatorIndex != ev.ValidatorIndex {
		return ErrInvalidVote
	}
	if VotesEqual(a, b) {
		return ErrDuplicateVote
	}
	val := valSet.GetByIndex(ev.ValidatorIndex)
	if val == nil {
		return ErrInvalidVote
	}
	if err := VerifyVoteSignature(chainID, a, val.PublicKey); err != nil {
		return err
	}
	return VerifyVoteSignature(chainID, b, val.PublicKey)
}

// CopyDuplicateVoteEvidence deep-copies evidence.
func CopyDuplicateVoteEvidence(ev *DuplicateVoteEvidence) DuplicateVoteEvidence {
	return DuplicateVoteEvidence{
		VoteA:          *CopyVote(&ev.VoteA),
		VoteB:          *CopyVote(&ev.VoteB),
		ValidatorIndex: ev.ValidatorIndex,
		Timestamp:      ev.Timestamp,
	}
}
