package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/types"
)

// Errors
var (
	ErrUnknownVersion = errors.New("unknown state version")
	ErrStaleParent    = errors.New("apply against non-latest parent version")
)

// Key prefixes inside the application trie. Account nonces live next to the
// user keys so the state root commits to both.
var (
	kvPrefix    = []byte("k/")
	noncePrefix = []byte("n/")
)

// DefaultRetainVersions is how many committed versions are kept referenced
// for crash-recovery replay before pruning.
const DefaultRetainVersions = 32

// Version names one state root together with the height that produced it.
type Version struct {
	Root   types.Hash
	Height uint64
}

// Committer is the trie-backed state commitment layer. Apply and Commit are
// strictly serialized (one in-flight apply per parent version); root and
// version lookups may run concurrently with them.
type Committer struct {
	mu sync.RWMutex

	chainID  string
	diskdb   ethdb.KeyValueStore
	triedb   *trie.Database
	latest   Version
	versions map[uint64]Version
	retain   uint64

	log *logrus.Entry
}

// NewCommitter opens a committer over a key-value store. The genesis version
// (height 0) is the empty trie.
func NewCommitter(chainID string, db ethdb.KeyValueStore, logger *logrus.Logger) *Committer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Committer{
		chainID:  chainID,
		diskdb:   db,
		triedb:   trie.NewDatabase(db),
		latest:   Version{Root: types.EmptyRoot, Height: 0},
		versions: map[uint64]Version{0: {Root: types.EmptyRoot, Height: 0}},
		retain:   DefaultRetainVersions,
		log:      logger.WithField("module", "state"),
	}
}

// SetLatest restores the latest version after a restart, before any Apply.
func (c *Committer) SetLatest(v Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = v
	c.versions[v.Height] = v
}

// LatestVersion returns the most recently committed version.
func (c *Committer) LatestVersion() Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// VersionAt returns the retained version produced at height, if any.
func (c *Committer) VersionAt(height uint64) (Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.versions[height]
	return v, ok
}

// Root returns the merkle root of a version.
func (c *Committer) Root(v Version) types.Hash { return v.Root }

// Apply runs an ordered transaction batch against the trie rooted at parent
// and returns the resulting version plus one receipt per transaction, in
// batch order. Two nodes applying the identical batch to the identical
// parent produce bit-identical roots and receipts. A transaction that fails
// validation yields a failed receipt and leaves the trie untouched; only the
// batch as a whole is atomic relative to the parent version.
//
// Apply computes but does not persist the new version; Commit makes it
// durable and latest.
func (c *Committer) Apply(parent Version, txs types.Transactions) (Version, types.Receipts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr, err := trie.New(parent.Root, c.triedb)
	if err != nil {
		return Version{}, nil, fmt.Errorf("%w: open trie at %x: %v", ErrUnknownVersion, parent.Root, err)
	}

	receipts := make(types.Receipts, 0, len(txs))
	for _, tx := range txs {
		receipts = append(receipts, c.applyTx(tr, tx))
	}

	root, _, err := tr.Commit(nil)
	if err != nil {
		return Version{}, nil, fmt.Errorf("commit trie: %w", err)
	}
	version := Version{Root: root, Height: parent.Height + 1}

	// Hold a reference so the nodes survive until the version is either
	// committed or pruned.
	c.triedb.Reference(root, common.Hash{})

	return version, receipts, nil
}

// applyTx validates and executes a single transaction. Failures are recorded
// in the receipt, never returned as errors.
func (c *Committer) applyTx(tr *trie.Trie, tx *types.Transaction) *types.Receipt {
	receipt := &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusFailed}

	if err := types.VerifyTxSignature(c.chainID, tx); err != nil {
		receipt.Log = err.Error()
		return receipt
	}

	nonceKey := append(append([]byte(nil), noncePrefix...), tx.Sender...)
	expected := uint64(0)
	if enc, err := tr.TryGet(nonceKey); err == nil && len(enc) > 0 {
		if err := rlp.DecodeBytes(enc, &expected); err != nil {
			receipt.Log = "corrupt nonce record"
			return receipt
		}
	}
	if tx.Nonce != expected {
		receipt.Log = fmt.Sprintf("bad nonce: got %d, want %d", tx.Nonce, expected)
		return receipt
	}

	op, err := types.DecodeTxOp(tx.Payload)
	if err != nil {
		receipt.Log = err.Error()
		return receipt
	}

	key := append(append([]byte(nil), kvPrefix...), op.Key...)
	switch op.Op {
	case types.OpSet:
		if err := tr.TryUpdate(key, op.Value); err != nil {
			receipt.Log = err.Error()
			return receipt
		}
	case types.OpDelete:
		prev, err := tr.TryGet(key)
		if err != nil {
			receipt.Log = err.Error()
			return receipt
		}
		if err := tr.TryDelete(key); err != nil {
			receipt.Log = err.Error()
			return receipt
		}
		receipt.Result = prev
	}

	nonceEnc, err := rlp.EncodeToBytes(expected + 1)
	if err != nil {
		receipt.Log = err.Error()
		return receipt
	}
	if err := tr.TryUpdate(nonceKey, nonceEnc); err != nil {
		receipt.Log = err.Error()
		return receipt
	}

	receipt.Status = types.ReceiptStatusSuccess
	return receipt
}

// Commit makes a previously applied version durable and marks it latest.
// Irreversible. Versions older than the retention window are pruned.
func (c *Committer) Commit(v Version) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v.Height != c.latest.Height+1 {
		return fmt.Errorf("%w: committing height %d over latest %d", ErrStaleParent, v.Height, c.latest.Height)
	}
	if err := c.triedb.Commit(v.Root, false, nil); err != nil {
		return fmt.Errorf("persist state version %d: %w", v.Height, err)
	}

	c.latest = v
	c.versions[v.Height] = v
	c.prune(v.Height)

	c.log.WithFields(logrus.Fields{
		"height": v.Height,
		"root":   v.Root.Hex(),
	}).Debug("committed state version")
	return nil
}

// Discard drops an applied-but-never-committed version, releasing its trie
// nodes. Called when a candidate block loses its round.
func (c *Committer) Discard(v Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.Root == c.latest.Root {
		return
	}
	c.triedb.Dereference(v.Root)
}

// Get reads a user key at a version. Read-only; safe concurrently with one
// in-flight Apply.
func (c *Committer) Get(v Version, key []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tr, err := trie.New(v.Root, c.triedb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVersion, err)
	}
	return tr.TryGet(append(append([]byte(nil), kvPrefix...), key...))
}

// Nonce returns the next expected nonce for a sender at a version.
func (c *Committer) Nonce(v Version, sender []byte) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tr, err := trie.New(v.Root, c.triedb)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknownVersion, err)
	}
	enc, err := tr.TryGet(append(append([]byte(nil), noncePrefix...), sender...))
	if err != nil || len(enc) == 0 {
		return 0, err
	}
	var nonce uint64
	if err := rlp.DecodeBytes(enc, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// prune releases versions that fell out of the retention window. Caller
// holds c.mu.
func (c *Committer) prune(latest uint64) {
	if latest <= c.retain {
		return
	}
	cutoff := latest - c.retain
	for h, v := range c.versions {
		if h >= cutoff || h == 0 {
			continue
		}
		c.triedb.Dereference(v.Root)
		delete(c.versions, h)
	}
}
