// Package types defines the core data structures shared by every part
// of the node.
//
// # Core Types
//
// Block: one agreed-upon batch of transactions. The header commits to
// the transaction list, the receipts and the post-state root, and the
// embedded certificate proves the parent block was decided.
//
// Vote: a signed prevote or precommit. Vote sign bytes cover the chain
// ID, type, height, round and block hash but not the voter or the
// timestamp, so signatures over the same decision aggregate.
//
// Proposal: a signed block offer for one (height, round), carrying the
// proof-of-lock round when the proposer is re-offering a locked block.
//
// QuorumCertificate: an aggregated BLS signature plus a validator
// bitmap. It proves that validators holding more than two thirds of the
// total weight precommitted one block hash.
//
// Transaction: an Ed25519-signed state operation with a per-sender
// nonce. Operations set or delete keys in the replicated store.
//
// ValidatorSet: the weighted membership. Assigns indices in declaration
// order and derives the proposer of each (height, round)
// deterministically from the chain ID.
//
// DuplicateVoteEvidence: two conflicting votes by one validator at the
// same coordinates, attributable proof of equivocation.
//
// # Cryptography
//
// Consensus messages are signed with BLS on bn256 so that votes
// aggregate into compact certificates. Transactions are signed with
// Ed25519, which keeps client-side signing cheap and standard.
//
// # Encoding
//
// Hashing and wire encoding use RLP throughout. Hashes are 32-byte
// Keccak-256 digests.
package types
