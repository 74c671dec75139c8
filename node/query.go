package node

import (
	"github.com/crestchain/crest/engine"
	"github.com/crestchain/crest/types"
)

// SubmitTx adds a transaction to the local mempool. It enters a block the
// next time this node proposes, or when a peer's proposal includes it.
func (n *Node) SubmitTx(tx *types.Transaction) error {
	return n.mempool.Add(tx)
}

// LatestHeight returns the height of the last committed block.
func (n *Node) LatestHeight() uint64 {
	return n.storeBS.Height()
}

// GetBlock loads a committed block by height.
func (n *Node) GetBlock(height uint64) (*types.Block, error) {
	return n.storeBS.LoadBlock(height)
}

// GetBlockByHash loads a committed block by hash.
func (n *Node) GetBlockByHash(hash types.Hash) (*types.Block, error) {
	return n.storeBS.LoadBlockByHash(hash)
}

// GetQC loads the certificate that committed the block at height.
func (n *Node) GetQC(height uint64) (*types.QuorumCertificate, error) {
	return n.storeBS.LoadQC(height)
}

// GetReceipts loads the execution receipts for a committed height.
func (n *Node) GetReceipts(height uint64) (types.Receipts, error) {
	return n.storeBS.LoadReceipts(height)
}

// StateGet reads a key from the latest committed state.
func (n *Node) StateGet(key []byte) ([]byte, error) {
	return n.committer.Get(n.committer.LatestVersion(), key)
}

// Nonce returns the next expected nonce for a sender in the latest state.
func (n *Node) Nonce(sender []byte) (uint64, error) {
	return n.committer.Nonce(n.committer.LatestVersion(), sender)
}

// ConsensusMetrics snapshots the engine's position for monitoring.
func (n *Node) ConsensusMetrics() (*engine.Metrics, error) {
	return n.engine.GetMetrics()
}

// SyncStatus reports block sync progress.
func (n *Node) SyncStatus() engine.SyncStatus {
	return n.syncer.Status()
}

// MempoolSize returns the number of pending transactions.
func (n *Node) MempoolSize() int {
	return n.mempool.Size()
}

// PendingEvidence returns pooled equivocation proofs awaiting inclusion.
func (n *Node) PendingEvidence() []types.DuplicateVoteEvidence {
	return n.evpool.PendingEvidence(0)
}
