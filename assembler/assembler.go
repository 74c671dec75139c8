// Package assembler builds, validates and applies blocks. It sits between
// the consensus engine, which decides block hashes, and the mempool, state
// committer and block store, which hold the block contents those hashes
// commit to.
package assembler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/engine"
	"github.com/crestchain/crest/state"
	"github.com/crestchain/crest/store"
	"github.com/crestchain/crest/types"
)

var (
	ErrWrongHeight      = errors.New("block height does not extend the chain")
	ErrWrongPrevHash    = errors.New("block does not reference the chain head")
	ErrWrongValidators  = errors.New("block validator hash mismatch")
	ErrRootMismatch     = errors.New("block commits to different execution results")
	ErrInvalidEvidence  = errors.New("block carries invalid evidence")
	ErrInvalidEmbedded  = errors.New("block carries invalid certificate")
	ErrMissingCandidate = errors.New("no executed candidate for block")
)

// Mempool is the transaction source and sink the assembler drives.
// TakeBatch skips the excluded hashes so transactions already carried by
// an in-flight candidate are not batched twice.
type Mempool interface {
	TakeBatch(max int, exclude []types.Hash) types.Transactions
	Remove(hashes []types.Hash)
}

// EvidenceSource feeds pooled equivocation proofs into proposed blocks.
type EvidenceSource interface {
	PendingEvidence(max int) []types.DuplicateVoteEvidence
	MarkCommitted(evidence []types.DuplicateVoteEvidence)
}

// Config holds assembly limits.
type Config struct {
	// MaxBlockTxs caps transactions per block.
	MaxBlockTxs int
	// MaxBlockEvidence caps evidence items per block.
	MaxBlockEvidence int
	// CreateEmptyBlocks proposes placeholder blocks when the mempool is
	// empty; disabled, the proposer stays silent and the round times out
	// to a nil prevote.
	CreateEmptyBlocks bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBlockTxs:       500,
		MaxBlockEvidence:  64,
		CreateEmptyBlocks: true,
	}
}

// candidate is an executed-but-uncommitted block: the state version and
// receipts produced by running its transactions against the chain head,
// plus the hashes of the transactions it carries.
type candidate struct {
	version  state.Version
	receipts types.Receipts
	txs      []types.Hash
}

// Assembler implements the engine's BlockExecutor against the real mempool,
// state committer and block store. Execution results for proposed and
// validated blocks are cached by block hash, so the eventual ApplyBlock is
// a lookup plus a commit, not a re-execution.
type Assembler struct {
	mu sync.Mutex

	config    Config
	chainID   string
	committer *state.Committer
	store     *store.BlockStore
	mempool   Mempool
	evidence  EvidenceSource

	valSet *types.ValidatorSet

	candidates map[types.Hash]candidate

	log *logrus.Entry
}

// NewAssembler creates an assembler. evidence may be nil for nodes that do
// not track equivocations.
func NewAssembler(
	config Config,
	chainID string,
	committer *state.Committer,
	blockStore *store.BlockStore,
	mp Mempool,
	ev EvidenceSource,
	valSet *types.ValidatorSet,
	logger *logrus.Logger,
) *Assembler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Assembler{
		config:     config,
		chainID:    chainID,
		committer:  committer,
		store:      blockStore,
		mempool:    mp,
		evidence:   ev,
		valSet:     valSet,
		candidates: make(map[types.Hash]candidate),
		log:        logger.WithField("module", "assembler"),
	}
}

// UpdateValidatorSet swaps the set recorded in future block headers.
func (a *Assembler) UpdateValidatorSet(valSet *types.ValidatorSet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valSet = valSet
}

// CreateProposalBlock builds the block the local proposer offers for
// height. Returns engine.ErrEmptyBatch when there is nothing to propose
// and empty blocks are disabled.
func (a *Assembler) CreateProposalBlock(height uint64, lastQC *types.QuorumCertificate, proposer *types.Validator) (*types.Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parent := a.committer.LatestVersion()
	if parent.Height+1 != height {
		return nil, fmt.Errorf("%w: state at %d, proposing %d", ErrWrongHeight, parent.Height, height)
	}

	txs := a.mempool.TakeBatch(a.config.MaxBlockTxs, a.inflightTxs())
	var evs []types.DuplicateVoteEvidence
	if a.evidence != nil {
		evs = a.evidence.PendingEvidence(a.config.MaxBlockEvidence)
	}

	if len(txs) == 0 && len(evs) == 0 && !a.config.CreateEmptyBlocks {
		return nil, engine.ErrEmptyBatch
	}

	version, receipts, err := a.committer.Apply(parent, txs)
	if err != nil {
		return nil, fmt.Errorf("failed to execute proposal: %w", err)
	}

	prevHash, err := a.prevBlockHash(height)
	if err != nil {
		a.committer.Discard(version)
		return nil, err
	}

	block := &types.Block{
		Header: types.Header{
			ChainID:        a.chainID,
			Height:         height,
			Time:           uint64(time.Now().UnixNano()),
			PrevBlockHash:  prevHash,
			StateRoot:      version.Root,
			TxRoot:         types.DeriveTxRoot(txs),
			ReceiptRoot:    types.DeriveReceiptRoot(receipts),
			ValidatorsHash: a.valSet.Hash(),
			EvidenceHash:   types.DeriveEvidenceHash(evs),
			ProposerIndex:  proposer.Index,
		},
		Txs:      txs,
		Evidence: evs,
		QC:       types.CopyQC(lastQC),
	}

	a.candidates[types.BlockHash(block)] = candidate{version: version, receipts: receipts, txs: txs.Hashes()}

	return block, nil
}

// inflightTxs lists the transactions carried by executed but undecided
// candidates. Callers hold a.mu.
func (a *Assembler) inflightTxs() []types.Hash {
	var hashes []types.Hash
	for _, cand := range a.candidates {
		hashes = append(hashes, cand.txs...)
	}
	return hashes
}

// ValidateBlock checks a proposed block against the chain head, then
// executes it and verifies the header's state and receipt roots match the
// local execution. The execution result is cached for ApplyBlock.
func (a *Assembler) ValidateBlock(block *types.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if block == nil {
		return errors.New("nil block")
	}

	parent := a.committer.LatestVersion()
	height := block.Header.Height
	if parent.Height+1 != height {
		return fmt.Errorf("%w: state at %d, block at %d", ErrWrongHeight, parent.Height, height)
	}

	prevHash, err := a.prevBlockHash(height)
	if err != nil {
		return err
	}
	if !types.HashEqual(block.Header.PrevBlockHash, prevHash) {
		return ErrWrongPrevHash
	}
	if !types.HashEqual(block.Header.ValidatorsHash, a.valSet.Hash()) {
		return ErrWrongValidators
	}
	if block.Header.ChainID != a.chainID {
		return fmt.Errorf("wrong chain id %q", block.Header.ChainID)
	}

	if !types.HashEqual(block.Header.TxRoot, types.DeriveTxRoot(block.Txs)) {
		return fmt.Errorf("%w: tx root", ErrRootMismatch)
	}
	if !types.HashEqual(block.Header.EvidenceHash, types.DeriveEvidenceHash(block.Evidence)) {
		return fmt.Errorf("%w: evidence hash", ErrRootMismatch)
	}

	for i := range block.Evidence {
		if err := block.Evidence[i].Verify(a.chainID, a.valSet); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
		}
	}

	// The embedded certificate must commit the parent block.
	if height > 1 {
		if block.QC == nil {
			return fmt.Errorf("%w: missing certificate for height %d", ErrInvalidEmbedded, height-1)
		}
		if err := types.VerifyQCForBlock(a.chainID, a.valSet, prevHash, height-1, block.QC); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEmbedded, err)
		}
	}

	hash := types.BlockHash(block)
	if _, ok := a.candidates[hash]; ok {
		return nil
	}

	version, receipts, err := a.committer.Apply(parent, block.Txs)
	if err != nil {
		return fmt.Errorf("failed to execute block: %w", err)
	}
	if !types.HashEqual(block.Header.StateRoot, version.Root) {
		a.committer.Discard(version)
		return fmt.Errorf("%w: state root", ErrRootMismatch)
	}
	if !types.HashEqual(block.Header.ReceiptRoot, types.DeriveReceiptRoot(receipts)) {
		a.committer.Discard(version)
		return fmt.Errorf("%w: receipt root", ErrRootMismatch)
	}

	a.candidates[hash] = candidate{version: version, receipts: receipts, txs: block.Txs.Hashes()}
	return nil
}

// ApplyBlock commits a decided block: persists its state version, stores
// block, certificate and receipts, retires included evidence and drops the
// block's transactions from the mempool. Losing candidates for the height
// are discarded.
func (a *Assembler) ApplyBlock(block *types.Block, qc *types.QuorumCertificate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	hash := types.BlockHash(block)
	cand, ok := a.candidates[hash]
	if !ok {
		// Catch-up path: the block arrives with a certificate but was
		// never validated as a proposal.
		parent := a.committer.LatestVersion()
		if parent.Height+1 != block.Header.Height {
			return fmt.Errorf("%w: state at %d, applying %d", ErrWrongHeight, parent.Height, block.Header.Height)
		}
		version, receipts, err := a.committer.Apply(parent, block.Txs)
		if err != nil {
			return fmt.Errorf("failed to execute block: %w", err)
		}
		if !types.HashEqual(block.Header.StateRoot, version.Root) {
			a.committer.Discard(version)
			return fmt.Errorf("%w: state root", ErrRootMismatch)
		}
		cand = candidate{version: version, receipts: receipts}
	}

	if err := a.committer.Commit(cand.version); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	if err := a.store.SaveBlock(block, qc); err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}
	if err := a.store.SaveReceipts(block.Header.Height, cand.receipts); err != nil {
		return fmt.Errorf("failed to store receipts: %w", err)
	}

	a.mempool.Remove(block.Txs.Hashes())
	if a.evidence != nil && len(block.Evidence) > 0 {
		a.evidence.MarkCommitted(block.Evidence)
	}

	// Drop losing candidates for this height.
	delete(a.candidates, hash)
	for h, c := range a.candidates {
		a.committer.Discard(c.version)
		delete(a.candidates, h)
	}

	a.log.WithFields(logrus.Fields{
		"height": block.Header.Height,
		"txs":    len(block.Txs),
		"root":   block.Header.StateRoot.Hex(),
	}).Debug("applied block")

	return nil
}

// Receipts returns the cached receipts for an executed block hash.
func (a *Assembler) Receipts(blockHash types.Hash) (types.Receipts, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cand, ok := a.candidates[blockHash]
	if !ok {
		return nil, false
	}
	return cand.receipts, true
}

func (a *Assembler) prevBlockHash(height uint64) (types.Hash, error) {
	if height == 1 {
		return types.Hash{}, nil
	}
	prev, err := a.store.LoadBlock(height - 1)
	if err != nil {
		return types.Hash{}, fmt.Errorf("missing parent block %d: %w", height-1, err)
	}
	return types.BlockHash(prev), nil
}
