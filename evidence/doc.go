// Package evidence detects equivocation and manages proof of it.
//
// The pool watches every verified vote. Two votes by the same validator
// for the same (height, round, type) with different block hashes form
// DuplicateVoteEvidence, which proposers embed in blocks so the
// misbehavior becomes part of the chain.
//
// # Lifecycle
//
// CheckVote builds evidence from a conflicting vote pair. AddEvidence
// verifies and pools it, deduplicating by hash. PendingEvidence hands
// the oldest entries to the proposer, MarkCommitted retires entries
// once a block carrying them commits, and Update prunes entries older
// than the configured age in blocks or wall time.
package evidence
