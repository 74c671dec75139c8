package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/types"
)

const (
	// MaxPendingRequests bounds concurrent block downloads.
	MaxPendingRequests = 5

	// BlockSyncTimeout is how long a block request may stay outstanding.
	BlockSyncTimeout = 10 * time.Second

	// PeerHeightUpdateInterval is the sync loop tick.
	PeerHeightUpdateInterval = 2 * time.Second
)

var (
	ErrBlockSyncNotStarted = errors.New("block sync not started")
	ErrInvalidCertificate  = errors.New("invalid certificate received")
	ErrNoAvailablePeers    = errors.New("no peers available for sync")
)

// BlockProvider fetches blocks from peers.
type BlockProvider interface {
	// RequestBlock asks a peer for the block at height. The response
	// arrives asynchronously via BlockSyncer.ReceiveBlock.
	RequestBlock(ctx context.Context, peerID string, height uint64) error
}

// BlockStore persists committed blocks with their certificates.
type BlockStore interface {
	SaveBlock(block *types.Block, qc *types.QuorumCertificate) error
	LoadBlock(height uint64) (*types.Block, error)
	LoadQC(height uint64) (*types.QuorumCertificate, error)
	Height() uint64
}

// BlockSyncState is the syncer's phase.
type BlockSyncState int

const (
	BlockSyncStateIdle BlockSyncState = iota
	BlockSyncStateSyncing
	BlockSyncStateCaughtUp
)

// BlockSyncer downloads and verifies blocks a lagging node missed. A block
// is accepted purely on its quorum certificate; the syncer never votes.
type BlockSyncer struct {
	mu sync.RWMutex

	chainID  string
	state    BlockSyncState
	store    BlockStore
	provider BlockProvider
	valSet   *types.ValidatorSet
	peerSet  *PeerSet

	startHeight   uint64
	targetHeight  uint64
	currentHeight uint64

	pendingRequests map[uint64]*blockRequest
	requestTimeout  time.Duration

	// deliverMu serializes commit notifications in height order. It is
	// taken before mu is released, so an accept of height+1 cannot
	// overtake the notification for height.
	deliverMu sync.Mutex

	onBlockCommitted func(block *types.Block, qc *types.QuorumCertificate)
	onCaughtUp       func()
	onSyncStarted    func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool

	log *logrus.Entry
}

type blockRequest struct {
	height    uint64
	peerID    string
	requestAt time.Time
}

// NewBlockSyncer creates a block syncer.
func NewBlockSyncer(
	chainID string,
	store BlockStore,
	provider BlockProvider,
	valSet *types.ValidatorSet,
	peerSet *PeerSet,
	logger *logrus.Logger,
) *BlockSyncer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BlockSyncer{
		chainID:         chainID,
		store:           store,
		provider:        provider,
		valSet:          valSet,
		peerSet:         peerSet,
		state:           BlockSyncStateIdle,
		pendingRequests: make(map[uint64]*blockRequest),
		requestTimeout:  BlockSyncTimeout,
		log:             logger.WithField("module", "blocksync"),
	}
}

// SetOnBlockCommitted sets the per-synced-block callback. Callbacks are
// delivered synchronously in strict height order, one at a time.
func (bs *BlockSyncer) SetOnBlockCommitted(fn func(*types.Block, *types.QuorumCertificate)) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.onBlockCommitted = fn
}

// SetOnSyncStarted sets the callback fired when the syncer falls behind
// and starts downloading. A voting node pauses consensus here.
func (bs *BlockSyncer) SetOnSyncStarted(fn func()) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.onSyncStarted = fn
}

// SetOnCaughtUp sets the callback fired when sync reaches the network head.
func (bs *BlockSyncer) SetOnCaughtUp(fn func()) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.onCaughtUp = fn
}

// Start launches the sync loop.
func (bs *BlockSyncer) Start() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.started {
		return ErrAlreadyStarted
	}

	bs.ctx, bs.cancel = context.WithCancel(context.Background())
	bs.started = true
	bs.state = BlockSyncStateIdle
	bs.startHeight = bs.store.Height()
	bs.currentHeight = bs.startHeight

	bs.wg.Add(1)
	go bs.syncLoop()
	return nil
}

// Stop halts the sync loop and waits for callbacks to drain.
func (bs *BlockSyncer) Stop() error {
	bs.mu.Lock()
	if !bs.started {
		bs.mu.Unlock()
		return ErrBlockSyncNotStarted
	}
	bs.started = false
	bs.mu.Unlock()

	bs.cancel()
	bs.wg.Wait()
	return nil
}

// GetState returns the current sync phase.
func (bs *BlockSyncer) GetState() BlockSyncState {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.state
}

// GetProgress returns (current, target) heights.
func (bs *BlockSyncer) GetProgress() (current, target uint64) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.currentHeight, bs.targetHeight
}

// IsCaughtUp reports whether sync reached the network head.
func (bs *BlockSyncer) IsCaughtUp() bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.state == BlockSyncStateCaughtUp
}

// UpdateTargetHeight re-reads peer heights and moves between the Idle,
// Syncing and CaughtUp phases. A caught-up node that falls behind again
// resumes syncing.
func (bs *BlockSyncer) UpdateTargetHeight() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	// Local consensus commits advance the store without passing through
	// ReceiveBlock; stay aligned with it.
	if h := bs.store.Height(); h > bs.currentHeight {
		bs.currentHeight = h
	}

	maxHeight := bs.currentHeight
	if peerMax := bs.peerSet.MaxHeight(); peerMax > maxHeight {
		maxHeight = peerMax
	}
	bs.targetHeight = maxHeight

	// Peers report the height they are deciding, one above their last
	// commit, so a node in lockstep sees a target one ahead of its own
	// store. Behind means more than that.
	if bs.targetHeight <= bs.currentHeight+1 {
		if bs.state == BlockSyncStateSyncing {
			bs.state = BlockSyncStateCaughtUp
			bs.log.WithField("height", bs.currentHeight).Info("caught up")
			bs.fireCaughtUp()
		}
		return
	}

	if bs.state == BlockSyncStateIdle || bs.state == BlockSyncStateCaughtUp {
		bs.log.WithFields(logrus.Fields{
			"from": bs.currentHeight,
			"to":   bs.targetHeight,
		}).Info("syncing blocks")
		bs.state = BlockSyncStateSyncing
		bs.fireSyncStarted()
	}
}

func (bs *BlockSyncer) fireSyncStarted() {
	if bs.onSyncStarted == nil {
		return
	}
	fn := bs.onSyncStarted
	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()
		fn()
	}()
}

func (bs *BlockSyncer) fireCaughtUp() {
	if bs.onCaughtUp == nil {
		return
	}
	fn := bs.onCaughtUp
	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()
		fn()
	}()
}

func (bs *BlockSyncer) syncLoop() {
	defer bs.wg.Done()

	ticker := time.NewTicker(PeerHeightUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bs.ctx.Done():
			return
		case <-ticker.C:
			bs.UpdateTargetHeight()
			bs.requestMissingBlocks()
			bs.checkTimeouts()
		}
	}
}

func (bs *BlockSyncer) requestMissingBlocks() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.state != BlockSyncStateSyncing {
		return
	}

	// Peers can serve up to targetHeight-1, their last committed block.
	for height := bs.currentHeight + 1; height < bs.targetHeight; height++ {
		if len(bs.pendingRequests) >= MaxPendingRequests {
			break
		}
		if _, exists := bs.pendingRequests[height]; exists {
			continue
		}

		peerID := bs.findPeerForHeight(height)
		if peerID == "" {
			continue
		}

		if err := bs.provider.RequestBlock(bs.ctx, peerID, height); err != nil {
			bs.log.WithError(err).WithFields(logrus.Fields{
				"height": height,
				"peer":   peerID,
			}).Debug("block request failed")
			continue
		}

		bs.pendingRequests[height] = &blockRequest{
			height:    height,
			peerID:    peerID,
			requestAt: time.Now(),
		}
	}
}

func (bs *BlockSyncer) findPeerForHeight(height uint64) string {
	for _, peer := range bs.peerSet.AllPeers() {
		if peer.Height() >= height {
			return peer.PeerID()
		}
	}
	return ""
}

func (bs *BlockSyncer) checkTimeouts() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	now := time.Now()
	for height, req := range bs.pendingRequests {
		if now.Sub(req.requestAt) > bs.requestTimeout {
			bs.log.WithField("height", height).Debug("block request timed out")
			delete(bs.pendingRequests, height)
		}
	}
}

// ReceiveBlock verifies and stores a block delivered by a peer. The
// certificate must carry a quorum of the current validator set over this
// exact block hash and height.
func (bs *BlockSyncer) ReceiveBlock(block *types.Block, qc *types.QuorumCertificate) error {
	bs.mu.Lock()

	if block == nil || qc == nil {
		bs.mu.Unlock()
		return errors.New("nil block or certificate")
	}

	height := block.Header.Height
	if qc.Height != height {
		bs.mu.Unlock()
		return fmt.Errorf("certificate height %d does not match block height %d", qc.Height, height)
	}

	if _, exists := bs.pendingRequests[height]; !exists {
		// Unsolicited, probably gossip; only take it if it is next.
		if height != bs.currentHeight+1 {
			bs.mu.Unlock()
			return nil
		}
	}

	blockHash := types.BlockHash(block)
	if err := types.VerifyQCForBlock(bs.chainID, bs.valSet, blockHash, height, qc); err != nil {
		bs.log.WithError(err).WithField("height", height).Warn("rejected synced block")
		bs.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	if err := bs.store.SaveBlock(block, qc); err != nil {
		bs.mu.Unlock()
		return fmt.Errorf("failed to save block: %w", err)
	}
	delete(bs.pendingRequests, height)

	if height != bs.currentHeight+1 {
		bs.mu.Unlock()
		return nil
	}
	bs.currentHeight = height

	fn := bs.onBlockCommitted
	var caughtUpFn func()
	if bs.state == BlockSyncStateSyncing && bs.currentHeight+1 >= bs.targetHeight {
		bs.state = BlockSyncStateCaughtUp
		bs.log.WithField("height", bs.currentHeight).Info("caught up")
		caughtUpFn = bs.onCaughtUp
	}

	bs.deliverMu.Lock()
	bs.mu.Unlock()
	if fn != nil {
		fn(types.CopyBlock(block), types.CopyQC(qc))
	}
	bs.deliverMu.Unlock()

	// Caught-up fires only after the last block's apply finished, so the
	// restarted engine sees a state trie at the chain head.
	if caughtUpFn != nil {
		bs.wg.Add(1)
		go func() {
			defer bs.wg.Done()
			caughtUpFn()
		}()
	}

	return nil
}

// UpdateValidatorSet swaps the set used for certificate verification.
func (bs *BlockSyncer) UpdateValidatorSet(valSet *types.ValidatorSet) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.valSet = valSet
}

// SyncStatus is a snapshot of sync progress.
type SyncStatus struct {
	State         BlockSyncState
	StartHeight   uint64
	CurrentHeight uint64
	TargetHeight  uint64
	Pending       int
}

// Status returns the current sync status.
func (bs *BlockSyncer) Status() SyncStatus {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	return SyncStatus{
		State:         bs.state,
		StartHeight:   bs.startHeight,
		CurrentHeight: bs.currentHeight,
		TargetHeight:  bs.targetHeight,
		Pending:       len(bs.pendingRequests),
	}
}
