// Package node assembles a full crest node: consensus engine, block
// assembly, state commitment, block store, mempool, evidence pool, block
// sync and the peer transport, plus the local query surface.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/assembler"
	"github.com/crestchain/crest/config"
	"github.com/crestchain/crest/engine"
	"github.com/crestchain/crest/evidence"
	"github.com/crestchain/crest/mempool"
	"github.com/crestchain/crest/state"
	"github.com/crestchain/crest/store"
	"github.com/crestchain/crest/transport"
	"github.com/crestchain/crest/types"
	"github.com/crestchain/crest/wal"
)

// StatusInterval is how often a node announces its consensus position.
const StatusInterval = 2 * time.Second

var (
	ErrAlreadyStarted = errors.New("node already started")
	ErrNotStarted     = errors.New("node not started")
)

// Node owns every subsystem of one chain participant and runs the
// dispatch loop between the transport and the consensus engine.
type Node struct {
	mu sync.Mutex

	config  *config.Config
	valSet  *types.ValidatorSet
	storeBS *store.BlockStore

	committer *state.Committer
	mempool   *mempool.Pool
	evpool    *evidence.Pool
	asm       *assembler.Assembler

	wal    wal.WAL
	engine *engine.Engine

	peerSet *engine.PeerSet
	syncer  *engine.BlockSyncer

	trans     transport.Transport
	peerAddrs map[string]string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	log *logrus.Entry
}

// NewNode wires a node from its parts. db backs both the block store and
// the state trie; trans is the peer transport; pv may be nil for a
// follower that never signs.
func NewNode(
	cfg *config.Config,
	db ethdb.KeyValueStore,
	trans transport.Transport,
	pv engine.PrivValidator,
	logger *logrus.Logger,
) (*Node, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	valSet, err := cfg.BuildValidatorSet()
	if err != nil {
		return nil, fmt.Errorf("bad validator config: %w", err)
	}

	blockStore, err := store.NewBlockStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to open block store: %w", err)
	}

	committer := state.NewCommitter(cfg.ChainID, db, logger)
	if h := blockStore.Height(); h > 0 {
		head, err := blockStore.LoadBlock(h)
		if err != nil {
			return nil, fmt.Errorf("failed to load chain head: %w", err)
		}
		committer.SetLatest(state.Version{Root: head.Header.StateRoot, Height: h})
	}

	mpCfg := mempool.DefaultConfig()
	if cfg.MaxPoolTxs > 0 {
		mpCfg.MaxTxs = cfg.MaxPoolTxs
	}
	mp := mempool.NewPool(mpCfg, cfg.ChainID, logger)

	evpool := evidence.NewPool(evidence.DefaultConfig(), cfg.ChainID, valSet, logger)

	asmCfg := assembler.DefaultConfig()
	asmCfg.CreateEmptyBlocks = cfg.CreateEmptyBlocks
	if cfg.MaxBlockTxs > 0 {
		asmCfg.MaxBlockTxs = cfg.MaxBlockTxs
	}
	asm := assembler.NewAssembler(asmCfg, cfg.ChainID, committer, blockStore, mp, evpool, valSet, logger)

	var w wal.WAL
	if cfg.DataDir != "" {
		fw, err := wal.NewFileWAL(filepath.Join(cfg.DataDir, "wal"), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open wal: %w", err)
		}
		w = fw
	} else {
		w = &wal.NopWAL{}
	}

	engCfg := &engine.Config{
		ChainID:           cfg.ChainID,
		Timeouts:          timeoutsFromConfig(cfg),
		CreateEmptyBlocks: cfg.CreateEmptyBlocks,
	}
	if err := engCfg.ValidateBasic(); err != nil {
		return nil, err
	}
	eng := engine.NewEngine(engCfg, valSet, pv, w, asm, logger)
	eng.SetEvidenceCollector(evpool)

	peerSet := engine.NewPeerSet()

	n := &Node{
		config:    cfg,
		valSet:    valSet,
		storeBS:   blockStore,
		committer: committer,
		mempool:   mp,
		evpool:    evpool,
		asm:       asm,
		wal:       w,
		engine:    eng,
		peerSet:   peerSet,
		trans:     trans,
		peerAddrs: peerTargets(cfg),
		log:       logger.WithField("module", "node"),
	}

	n.syncer = engine.NewBlockSyncer(cfg.ChainID, blockStore, n, valSet, peerSet, logger)
	n.syncer.SetOnBlockCommitted(n.onSyncedBlock)
	n.syncer.SetOnSyncStarted(n.onSyncStarted)
	n.syncer.SetOnCaughtUp(n.onCaughtUp)

	eng.SetProposalBroadcaster(n.broadcastProposal)
	eng.SetVoteBroadcaster(n.broadcastVote)
	eng.SetCommitCallback(n.onCommit)

	return n, nil
}

// Start reconciles stored blocks with the state trie, starts consensus at
// the next height and launches the dispatch, status and sync loops.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	if err := n.reconcileState(); err != nil {
		return err
	}

	height := n.storeBS.Height()
	var lastQC = n.loadQCOrNil(height)
	if err := n.engine.Start(height+1, lastQC); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := n.syncer.Start(); err != nil {
		return fmt.Errorf("failed to start block sync: %w", err)
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.wg.Add(2)
	go n.dispatchLoop()
	go n.statusLoop()

	n.started = true
	n.log.WithFields(logrus.Fields{
		"chain_id": n.config.ChainID,
		"height":   height + 1,
		"peers":    len(n.peerAddrs),
	}).Info("node started")
	return nil
}

// Stop shuts the node down in reverse dependency order.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return ErrNotStarted
	}
	n.started = false

	n.cancel()
	n.syncer.Stop()
	if err := n.engine.Stop(); err != nil && err != engine.ErrNotStarted {
		n.log.WithError(err).Warn("engine stop")
	}
	n.trans.Close()
	n.wg.Wait()
	return nil
}

// ApplyValidatorUpdate swaps the validator set across every subsystem.
// The epoch boundary is the caller's concern: the engine picks the new
// set up on its next start, so the caller restarts consensus at a height
// boundary after the swap.
func (n *Node) ApplyValidatorUpdate(valSet *types.ValidatorSet) error {
	if valSet == nil {
		return types.ErrInvalidConfiguration
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.valSet = valSet
	n.engine.UpdateValidatorSet(valSet)
	n.syncer.UpdateValidatorSet(valSet)
	n.asm.UpdateValidatorSet(valSet)
	n.evpool.UpdateValidatorSet(valSet)

	n.log.WithField("validators", valSet.Size()).Info("validator set updated")
	return nil
}

// reconcileState replays blocks the store holds past the state trie's
// latest version. Block sync persists blocks before the state apply, so a
// crash between the two leaves the store ahead.
func (n *Node) reconcileState() error {
	storeHeight := n.storeBS.Height()
	for h := n.committer.LatestVersion().Height + 1; h <= storeHeight; h++ {
		block, err := n.storeBS.LoadBlock(h)
		if err != nil {
			return fmt.Errorf("failed to load block %d for replay: %w", h, err)
		}
		qc, _ := n.storeBS.LoadQC(h)
		if err := n.asm.ApplyBlock(block, qc); err != nil {
			return fmt.Errorf("failed to replay block %d: %w", h, err)
		}
		n.log.WithField("height", h).Info("replayed stored block into state")
	}
	return nil
}

func (n *Node) loadQCOrNil(height uint64) *types.QuorumCertificate {
	if height == 0 {
		return nil
	}
	qc, err := n.storeBS.LoadQC(height)
	if err != nil {
		return nil
	}
	return qc
}

// RequestBlock implements the block sync provider over the transport.
func (n *Node) RequestBlock(ctx context.Context, peerID string, height uint64) error {
	addr, ok := n.peerAddrs[peerID]
	if !ok {
		return fmt.Errorf("no address for peer %q", peerID)
	}
	payload, err := transport.EncodeMsg(transport.BlockRequestMsg{Height: height})
	if err != nil {
		return err
	}
	return n.trans.Send(addr, transport.TypeBlockRequest, payload)
}

func (n *Node) dispatchLoop() {
	defer n.wg.Done()
	in := n.trans.Receive()
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if err := n.handleInbound(msg); err != nil {
				n.log.WithError(err).WithFields(logrus.Fields{
					"from": msg.From,
					"type": msg.Type,
				}).Debug("dropped inbound message")
			}
		}
	}
}

func (n *Node) handleInbound(msg transport.Inbound) error {
	switch msg.Type {
	case transport.TypeProposal, transport.TypeVote:
		// Payload is an engine-framed consensus message.
		return n.engine.HandleConsensusMessage(msg.From, msg.Payload)

	case transport.TypeStatus:
		var status transport.StatusMsg
		if err := transport.DecodeMsg(msg.Payload, &status); err != nil {
			return err
		}
		n.peerSet.AddPeer(msg.From).ApplyStatus(status.Height, status.Round, engine.RoundStep(status.Step))
		n.syncer.UpdateTargetHeight()
		return nil

	case transport.TypeBlockRequest:
		var req transport.BlockRequestMsg
		if err := transport.DecodeMsg(msg.Payload, &req); err != nil {
			return err
		}
		return n.serveBlock(msg.From, req.Height)

	case transport.TypeBlockResponse:
		var resp transport.BlockResponseMsg
		if err := transport.DecodeMsg(msg.Payload, &resp); err != nil {
			return err
		}
		block := new(types.Block)
		if err := rlp.DecodeBytes(resp.Block, block); err != nil {
			return err
		}
		qc := new(types.QuorumCertificate)
		if err := rlp.DecodeBytes(resp.QC, qc); err != nil {
			return err
		}
		return n.syncer.ReceiveBlock(block, qc)

	default:
		return transport.ErrUnknownType
	}
}

func (n *Node) serveBlock(peerID string, height uint64) error {
	block, err := n.storeBS.LoadBlock(height)
	if err != nil {
		return err
	}
	qc, err := n.storeBS.LoadQC(height)
	if err != nil {
		return err
	}
	blockRaw, err := rlp.EncodeToBytes(block)
	if err != nil {
		return err
	}
	qcRaw, err := rlp.EncodeToBytes(qc)
	if err != nil {
		return err
	}
	payload, err := transport.EncodeMsg(transport.BlockResponseMsg{
		Height: height,
		Block:  blockRaw,
		QC:     qcRaw,
	})
	if err != nil {
		return err
	}
	addr, ok := n.peerAddrs[peerID]
	if !ok {
		return fmt.Errorf("no address for peer %q", peerID)
	}
	return n.trans.Send(addr, transport.TypeBlockResponse, payload)
}

func (n *Node) statusLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.broadcastStatus()
		}
	}
}

func (n *Node) broadcastStatus() {
	height, round, step, err := n.engine.GetState()
	if err != nil {
		height = n.storeBS.Height()
	}
	payload, err := transport.EncodeMsg(transport.StatusMsg{
		Height: height,
		Round:  round,
		Step:   uint8(step),
	})
	if err != nil {
		return
	}
	n.broadcast(transport.TypeStatus, payload)
}

func (n *Node) broadcastProposal(proposal *types.Proposal) {
	data, err := engine.EncodeProposalMessage(proposal)
	if err != nil {
		n.log.WithError(err).Error("failed to encode proposal")
		return
	}
	n.broadcast(transport.TypeProposal, data)
}

func (n *Node) broadcastVote(vote *types.Vote) {
	data, err := engine.EncodeVoteMessage(vote)
	if err != nil {
		n.log.WithError(err).Error("failed to encode vote")
		return
	}
	n.broadcast(transport.TypeVote, data)
}

func (n *Node) broadcast(msgType uint8, payload []byte) {
	for name, addr := range n.peerAddrs {
		if err := n.trans.Send(addr, msgType, payload); err != nil {
			n.log.WithError(err).WithField("peer", name).Debug("send failed")
		}
	}
}

// onCommit runs after the engine finalizes a block through the assembler.
func (n *Node) onCommit(block *types.Block, qc *types.QuorumCertificate) {
	n.evpool.Update(block.Header.Height, time.Now())
	n.broadcastStatus()
}

// onSyncedBlock applies a block the syncer accepted on a certificate.
func (n *Node) onSyncedBlock(block *types.Block, qc *types.QuorumCertificate) {
	if err := n.asm.ApplyBlock(block, qc); err != nil {
		n.log.WithError(err).WithField("height", block.Header.Height).Error("failed to apply synced block")
		return
	}
	n.evpool.Update(block.Header.Height, time.Now())
}

// onSyncStarted pauses consensus while block sync runs. A lagging node
// must not keep voting at its stale height; onCaughtUp restarts the
// engine once the store reaches the network head.
func (n *Node) onSyncStarted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return
	}

	err := n.engine.Stop()
	if err == nil {
		n.log.Info("paused consensus for block sync")
	} else if err != engine.ErrNotStarted {
		n.log.WithError(err).Warn("engine stop for block sync")
	}
}

// onCaughtUp restarts consensus from the synced chain head. The engine
// cannot skip heights, so it is rebuilt at the new position.
func (n *Node) onCaughtUp() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return
	}

	height := n.storeBS.Height()
	if h, _, _, err := n.engine.GetState(); err == nil && h > height {
		return
	}

	if err := n.engine.Stop(); err != nil && err != engine.ErrNotStarted {
		n.log.WithError(err).Warn("engine stop for resync")
	}
	if err := n.engine.Start(height+1, n.loadQCOrNil(height)); err != nil {
		n.log.WithError(err).Error("failed to restart engine after sync")
		return
	}
	n.log.WithField("height", height+1).Info("rejoined consensus after block sync")
}

func timeoutsFromConfig(cfg *config.Config) engine.TimeoutConfig {
	t := engine.DefaultTimeoutConfig()
	if cfg.ProposeTimeout > 0 {
		t.Propose = cfg.ProposeTimeout
	}
	if cfg.PrevoteTimeout > 0 {
		t.Prevote = cfg.PrevoteTimeout
	}
	if cfg.PrecommitTimeout > 0 {
		t.Precommit = cfg.PrecommitTimeout
	}
	if cfg.CommitTimeout > 0 {
		t.Commit = cfg.CommitTimeout
	}
	return t
}

func peerTargets(cfg *config.Config) map[string]string {
	peers := make(map[string]string, len(cfg.PeerAddrs))
	for name, addr := range cfg.PeerAddrs {
		if name == cfg.Name {
			continue
		}
		peers[name] = addr
	}
	return peers
}
