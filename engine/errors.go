package engine

import "errors"

// Consensus errors. Per-vote and per-proposal failures are absorbed locally
// and never abort the engine; only a malformed validator configuration is
// fatal (types.ErrInvalidConfiguration, surfaced at construction).
var (
	ErrInvalidVote        = errors.New("invalid vote")
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrConflictingVote    = errors.New("conflicting vote (equivocation)")
	ErrInvalidProposal    = errors.New("invalid proposal")
	ErrInvalidBlock       = errors.New("invalid block")
	ErrInvalidHeight      = errors.New("invalid height")
	ErrNotProposer        = errors.New("not the proposer for this round")
	ErrNoPrivValidator    = errors.New("no private validator configured")
	ErrAlreadyStarted     = errors.New("consensus already started")
	ErrNotStarted         = errors.New("consensus not started")
	ErrStaleVoteSet       = errors.New("stale vote set reference")
	ErrNoQuorum           = errors.New("no quorum yet")

	// ErrEmptyBatch is returned by a BlockExecutor that declines to build
	// a block because it has no transactions or evidence to carry and
	// empty blocks are disallowed. The proposer stays silent for the
	// round instead of logging a failure.
	ErrEmptyBatch = errors.New("empty batch not permitted")
)
