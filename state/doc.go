// Package state executes transactions against a Merkle-trie key-value
// store.
//
// The Committer applies a block's transactions to the parent's trie and
// produces a candidate: the new state root plus one receipt per
// transaction. Failed transactions get a failure receipt, consume no
// nonce and write nothing. Execution is deterministic, so every honest
// node derives the same roots from the same block.
//
// Candidates stay in memory until consensus picks a winner. Commit
// persists the winning candidate's trie nodes and advances the latest
// root; it is strictly sequential, a candidate whose parent is not the
// latest committed root is stale. Discard drops the tries of losing
// candidates.
//
// User keys live under one prefix and per-sender nonces under another,
// both inside a single account-less trie backed by go-ethereum's trie
// database.
package state
