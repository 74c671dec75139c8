// Package mempool holds verified transactions waiting for a proposer.
// Admission checks signatures and structure only; nonce ordering is
// enforced at execution, since the pool cannot know which pending
// transactions will commit first.
package mempool

import (
	"container/list"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/types"
)

var (
	ErrTxKnown      = errors.New("transaction already in pool")
	ErrTxInvalid    = errors.New("invalid transaction")
	ErrPoolFull     = errors.New("mempool full")
	ErrTxTooLarge   = errors.New("transaction too large")
	ErrPoolShutdown = errors.New("mempool shut down")
)

// Config holds pool limits.
type Config struct {
	// MaxTxs caps the number of pending transactions.
	MaxTxs int
	// MaxTxBytes caps a single transaction's payload size.
	MaxTxBytes int
	// MaxBatch caps how many transactions one block may take.
	MaxBatch int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTxs:     5000,
		MaxTxBytes: 64 * 1024,
		MaxBatch:   500,
	}
}

// Pool is a FIFO transaction pool with hash-based deduplication. When full
// it evicts the oldest pending transaction, preferring recent traffic over
// stale backlog.
type Pool struct {
	mu      sync.Mutex
	config  Config
	chainID string

	order  *list.List // of *types.Transaction, oldest at front
	byHash map[types.Hash]*list.Element

	log *logrus.Entry
}

// NewPool creates a mempool for the given chain.
func NewPool(config Config, chainID string, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pool{
		config:  config,
		chainID: chainID,
		order:   list.New(),
		byHash:  make(map[types.Hash]*list.Element),
		log:     logger.WithField("module", "mempool"),
	}
}

// Add admits a transaction after verifying its sender signature and
// payload structure.
func (p *Pool) Add(tx *types.Transaction) error {
	if tx == nil {
		return ErrTxInvalid
	}
	if len(tx.Payload) > p.config.MaxTxBytes {
		return ErrTxTooLarge
	}
	if err := types.VerifyTxSignature(p.chainID, tx); err != nil {
		return ErrTxInvalid
	}
	if _, err := types.DecodeTxOp(tx.Payload); err != nil {
		return ErrTxInvalid
	}

	hash := tx.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byHash[hash]; ok {
		return ErrTxKnown
	}

	if p.order.Len() >= p.config.MaxTxs {
		oldest := p.order.Front()
		if oldest == nil {
			return ErrPoolFull
		}
		evicted := p.order.Remove(oldest).(*types.Transaction)
		delete(p.byHash, evicted.Hash())
		p.log.WithField("tx", evicted.Hash().Hex()).Debug("evicted oldest transaction")
	}

	p.byHash[hash] = p.order.PushBack(tx)
	return nil
}

// TakeBatch returns up to max transactions in arrival order without
// removing them, skipping any hash in exclude. The proposer passes the
// hashes carried by in-flight candidates and removes transactions only
// after the block commits.
func (p *Pool) TakeBatch(max int, exclude []types.Hash) types.Transactions {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max <= 0 || max > p.config.MaxBatch {
		max = p.config.MaxBatch
	}

	var skip map[types.Hash]struct{}
	if len(exclude) > 0 {
		skip = make(map[types.Hash]struct{}, len(exclude))
		for _, hash := range exclude {
			skip[hash] = struct{}{}
		}
	}

	batch := make(types.Transactions, 0, max)
	for e := p.order.Front(); e != nil && len(batch) < max; e = e.Next() {
		tx := e.Value.(*types.Transaction)
		if _, excluded := skip[tx.Hash()]; excluded {
			continue
		}
		batch = append(batch, tx)
	}
	return batch
}

// Remove drops the given transactions, typically after they committed.
func (p *Pool) Remove(hashes []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, hash := range hashes {
		if e, ok := p.byHash[hash]; ok {
			p.order.Remove(e)
			delete(p.byHash, hash)
		}
	}
}

// Contains reports whether the pool holds a transaction.
func (p *Pool) Contains(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Size returns the number of pending transactions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// Flush drops every pending transaction.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order.Init()
	p.byHash = make(map[types.Hash]*list.Element)
}
