package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/types"
	"github.com/crestchain/crest/wal"
)

// noRound marks the absence of a locked or valid round. Internal only;
// the wire encoding carries HasPol instead.
const noRound = int64(-1)

// ConsensusState drives one validator through the round state machine:
// NewHeight, NewRound, Propose, Prevote, PrevoteWait, Precommit,
// PrecommitWait, Commit. All inbound events (proposals, votes, timeouts)
// funnel through a single receive loop, so every transition has a total
// order and can be logged to the WAL before it takes effect.
type ConsensusState struct {
	mu sync.RWMutex

	config *Config

	validatorSet *types.ValidatorSet
	privVal      PrivValidator

	wal WAL

	height uint64
	round  uint32
	step   RoundStep

	proposal      *types.Proposal
	proposalBlock *types.Block

	// Locking: set when a prevote quorum forms for a block. A locked
	// validator prevotes its lock in later rounds unless it sees a
	// proof-of-lock from a later round.
	lockedRound int64
	lockedBlock *types.Block

	// Valid block: the most recent block known to have gathered a
	// prevote quorum. Re-proposed by leaders of later rounds.
	validRound int64
	validBlock *types.Block

	votes *HeightVoteSet

	// Certificate for the previous height, embedded into the next
	// proposed block.
	lastQC *types.QuorumCertificate

	timeoutTicker *TimeoutTicker

	proposalCh chan *types.Proposal
	voteCh     chan *types.Vote

	blockExecutor BlockExecutor
	evidence      EvidenceCollector

	broadcastProposal func(*types.Proposal)
	broadcastVote     func(*types.Vote)
	onCommit          func(*types.Block, *types.QuorumCertificate)

	// Commits awaiting notification. finalizeCommit runs under mu, so
	// callbacks are queued and delivered once the lock is released; a
	// callback may then re-enter the state it was notified by.
	pendingCommits []commitEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool

	// replaying suppresses WAL writes and broadcasts while the engine is
	// fed its own log after a restart.
	replaying bool

	log *logrus.Entry
}

type commitEvent struct {
	block *types.Block
	qc    *types.QuorumCertificate
}

// PrivValidator signs consensus messages for the local validator key.
type PrivValidator interface {
	GetPubKey() types.PublicKey
	SignVote(chainID string, vote *types.Vote) error
	SignProposal(chainID string, proposal *types.Proposal) error
}

// WAL is an alias for the wal package's interface.
type WAL = wal.WAL

// BlockExecutor assembles, validates and applies blocks on behalf of the
// engine. The engine never inspects transactions itself.
type BlockExecutor interface {
	// CreateProposalBlock builds a fresh block for the local proposer.
	// Returning ErrEmptyBatch declines the round without an error log.
	CreateProposalBlock(height uint64, lastQC *types.QuorumCertificate, proposer *types.Validator) (*types.Block, error)
	// ValidateBlock checks a proposed block against the current chain.
	ValidateBlock(block *types.Block) error
	// ApplyBlock commits a decided block with its certificate.
	ApplyBlock(block *types.Block, qc *types.QuorumCertificate) error
}

// EvidenceCollector watches verified votes and receives conflicting vote
// pairs observed by the engine.
type EvidenceCollector interface {
	// CheckVote records a verified vote, returning evidence when it
	// conflicts with one recorded earlier at the same coordinates.
	CheckVote(vote *types.Vote) *types.DuplicateVoteEvidence
	AddConflictingVotes(existing, conflicting *types.Vote)
}

// NewConsensusState creates a ConsensusState.
func NewConsensusState(
	config *Config,
	valSet *types.ValidatorSet,
	privVal PrivValidator,
	w WAL,
	executor BlockExecutor,
	logger *logrus.Logger,
) *ConsensusState {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ConsensusState{
		config:        config,
		validatorSet:  valSet,
		privVal:       privVal,
		wal:           w,
		blockExecutor: executor,
		timeoutTicker: NewTimeoutTicker(config.Timeouts, logger),
		proposalCh:    make(chan *types.Proposal, 10),
		voteCh:        make(chan *types.Vote, 1000),
		lockedRound:   noRound,
		validRound:    noRound,
		log:           logger.WithField("module", "consensus"),
	}
}

// SetBroadcasters installs the outbound callbacks. Must be called before
// Start.
func (cs *ConsensusState) SetBroadcasters(proposal func(*types.Proposal), vote func(*types.Vote)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.broadcastProposal = proposal
	cs.broadcastVote = vote
}

// SetCommitCallback installs the callback invoked after each applied block.
// Must be called before Start.
func (cs *ConsensusState) SetCommitCallback(fn func(*types.Block, *types.QuorumCertificate)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onCommit = fn
}

// SetEvidenceCollector installs the equivocation sink. Must be called
// before Start.
func (cs *ConsensusState) SetEvidenceCollector(ec EvidenceCollector) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.evidence = ec
}

// Start begins consensus at the given height. lastQC is the certificate
// that committed height-1, or nil at genesis.
func (cs *ConsensusState) Start(height uint64, lastQC *types.QuorumCertificate) error {
	cs.mu.Lock()

	if cs.started {
		cs.mu.Unlock()
		return ErrAlreadyStarted
	}

	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.height = height
	cs.lastQC = lastQC
	cs.votes = NewHeightVoteSet(cs.config.ChainID, height, cs.validatorSet)
	cs.started = true

	// Restore any progress logged for this height before a crash. Must
	// happen before live traffic so the recovered lock constrains our
	// first vote.
	startRound, err := cs.replayWAL(height)
	if err != nil {
		cs.started = false
		cs.mu.Unlock()
		return err
	}

	cs.timeoutTicker.Start()

	cs.wg.Add(1)
	go cs.receiveRoutine()

	cs.mu.Unlock()

	cs.enterNewRound(height, startRound)
	cs.flushCommits()
	return nil
}

// Stop halts the state machine and waits for the receive loop to exit.
func (cs *ConsensusState) Stop() error {
	cs.mu.Lock()
	if !cs.started {
		cs.mu.Unlock()
		return ErrNotStarted
	}
	cs.started = false
	cs.mu.Unlock()

	cs.cancel()
	cs.timeoutTicker.Stop()
	cs.wg.Wait()
	return nil
}

// AddProposal queues a proposal from the network. Drops when the queue is
// full; gossip will re-deliver.
func (cs *ConsensusState) AddProposal(proposal *types.Proposal) {
	select {
	case cs.proposalCh <- proposal:
	default:
	}
}

// AddVote queues a vote from the network.
func (cs *ConsensusState) AddVote(vote *types.Vote) {
	select {
	case cs.voteCh <- vote:
	default:
	}
}

func (cs *ConsensusState) receiveRoutine() {
	defer cs.wg.Done()

	for {
		select {
		case <-cs.ctx.Done():
			return

		case proposal := <-cs.proposalCh:
			cs.handleProposal(proposal)

		case vote := <-cs.voteCh:
			cs.handleVote(vote)

		case ti := <-cs.timeoutTicker.Chan():
			cs.handleTimeout(ti)
		}

		cs.flushCommits()
	}
}

// flushCommits delivers queued commit notifications outside the state
// lock.
func (cs *ConsensusState) flushCommits() {
	cs.mu.Lock()
	events := cs.pendingCommits
	cs.pendingCommits = nil
	fn := cs.onCommit
	cs.mu.Unlock()

	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev.block, ev.qc)
	}
}

// enterNewRound resets per-round state and, if the local validator leads
// this round, builds and broadcasts a proposal.
func (cs *ConsensusState) enterNewRound(height uint64, round uint32) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.enterNewRoundLocked(height, round)
}

func (cs *ConsensusState) enterNewRoundLocked(height uint64, round uint32) {
	if cs.height != height || round < cs.round {
		return
	}
	if round == cs.round && cs.step >= RoundStepNewRound {
		return
	}

	cs.log.WithFields(logrus.Fields{
		"height": height,
		"round":  round,
	}).Debug("entering new round")

	cs.round = round
	cs.step = RoundStepNewRound
	cs.proposal = nil
	cs.proposalBlock = nil

	cs.step = RoundStepPropose
	cs.scheduleTimeout(TimeoutInfo{
		Height: height,
		Round:  round,
		Step:   RoundStepPropose,
	})

	proposer := cs.validatorSet.Proposer(cs.config.ChainID, height, round)
	if cs.privVal != nil && proposer.PublicKey.Equal(cs.privVal.GetPubKey()) {
		cs.createAndSendProposal(proposer)
	}
}

func (cs *ConsensusState) createAndSendProposal(proposer *types.Validator) {
	var block *types.Block

	switch {
	case cs.validBlock != nil:
		block = cs.validBlock
	case cs.lockedBlock != nil:
		block = cs.lockedBlock
	default:
		var err error
		block, err = cs.blockExecutor.CreateProposalBlock(cs.height, cs.lastQC, proposer)
		if errors.Is(err, ErrEmptyBatch) {
			// Executor declined (empty mempool with empty blocks
			// disabled); the propose timeout moves us to a nil
			// prevote.
			cs.log.WithField("height", cs.height).Debug("nothing to propose")
			return
		}
		if err != nil {
			cs.log.WithError(err).Error("failed to create proposal block")
			return
		}
		if block == nil {
			return
		}
	}

	proposal := &types.Proposal{
		Height:        cs.height,
		Round:         cs.round,
		Timestamp:     uint64(time.Now().UnixNano()),
		Block:         *types.CopyBlock(block),
		ProposerIndex: proposer.Index,
	}
	if cs.validRound >= 0 {
		proposal.HasPol = true
		proposal.PolRound = uint32(cs.validRound)
	}

	if err := cs.privVal.SignProposal(cs.config.ChainID, proposal); err != nil {
		cs.log.WithError(err).Error("failed to sign proposal")
		return
	}

	cs.proposal = proposal
	cs.proposalBlock = block

	cs.walWrite(func() (*wal.Message, error) { return wal.NewProposalMessage(proposal) })

	if !cs.replaying && cs.broadcastProposal != nil {
		cs.broadcastProposal(proposal)
	}

	cs.log.WithFields(logrus.Fields{
		"height": proposal.Height,
		"round":  proposal.Round,
		"block":  proposal.BlockHash().Hex(),
	}).Info("proposed block")
}

func (cs *ConsensusState) handleProposal(proposal *types.Proposal) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if proposal == nil || proposal.Height != cs.height || proposal.Round != cs.round {
		return
	}
	if cs.proposal != nil {
		return
	}
	if proposal.HasPol && proposal.PolRound >= proposal.Round {
		return
	}

	proposer := cs.validatorSet.Proposer(cs.config.ChainID, cs.height, cs.round)
	if proposal.ProposerIndex != proposer.Index {
		return
	}
	if err := types.VerifyProposalSignature(cs.config.ChainID, proposal, proposer.PublicKey); err != nil {
		cs.log.WithError(err).Debug("rejected proposal: bad signature")
		return
	}
	if proposal.Block.Header.Height != proposal.Height {
		return
	}
	if err := cs.blockExecutor.ValidateBlock(&proposal.Block); err != nil {
		cs.log.WithError(err).Debug("rejected proposal: invalid block")
		return
	}

	cs.proposal = proposal
	cs.proposalBlock = &proposal.Block

	cs.walWrite(func() (*wal.Message, error) { return wal.NewProposalMessage(proposal) })

	cs.log.WithFields(logrus.Fields{
		"height":   proposal.Height,
		"round":    proposal.Round,
		"proposer": proposal.ProposerIndex,
	}).Debug("accepted proposal")

	if cs.step == RoundStepPropose {
		cs.enterPrevote(cs.height, cs.round)
	}
}

// enterPrevote casts a prevote. A locked validator votes its lock unless
// the proposal carries a proof-of-lock from a later round that actually
// gathered a prevote quorum for the proposed block.
func (cs *ConsensusState) enterPrevote(height uint64, round uint32) {
	if cs.height != height || cs.round != round || cs.step >= RoundStepPrevote {
		return
	}
	cs.step = RoundStepPrevote

	var blockHash *types.Hash

	switch {
	case cs.lockedBlock != nil:
		if cs.proposalUnlocks() {
			hash := types.BlockHash(cs.proposalBlock)
			blockHash = &hash
		} else {
			hash := types.BlockHash(cs.lockedBlock)
			blockHash = &hash
		}
	case cs.proposalBlock != nil:
		hash := types.BlockHash(cs.proposalBlock)
		blockHash = &hash
	}
	// otherwise prevote nil

	cs.signAndSendVote(types.VoteTypePrevote, blockHash)
}

// proposalUnlocks reports whether the current proposal's proof-of-lock is
// from a round later than our lock and is backed by a prevote quorum we
// have seen ourselves.
func (cs *ConsensusState) proposalUnlocks() bool {
	if cs.proposal == nil || cs.proposalBlock == nil || !cs.proposal.HasPol {
		return false
	}
	polRound := int64(cs.proposal.PolRound)
	if polRound <= cs.lockedRound {
		return false
	}
	polPrevotes := cs.votes.Prevotes(cs.proposal.PolRound)
	if polPrevotes == nil {
		return false
	}
	maj, ok := polPrevotes.QuorumBlockHash()
	if !ok || types.IsHashEmpty(maj) {
		return false
	}
	return types.HashEqual(*maj, types.BlockHash(cs.proposalBlock))
}

func (cs *ConsensusState) enterPrevoteWait(height uint64, round uint32) {
	if cs.height != height || cs.round != round || cs.step >= RoundStepPrevoteWait {
		return
	}
	cs.step = RoundStepPrevoteWait

	cs.scheduleTimeout(TimeoutInfo{
		Height: height,
		Round:  round,
		Step:   RoundStepPrevoteWait,
	})
}

// enterPrecommit casts a precommit based on the round's prevotes: lock and
// precommit a block with a prevote quorum, unlock on a nil quorum, and
// precommit nil in every other case.
func (cs *ConsensusState) enterPrecommit(height uint64, round uint32) {
	if cs.height != height || cs.round != round || cs.step >= RoundStepPrecommit {
		return
	}
	cs.step = RoundStepPrecommit

	prevotes := cs.votes.Prevotes(round)
	if prevotes == nil {
		cs.signAndSendVote(types.VoteTypePrecommit, nil)
		return
	}

	blockHash, ok := prevotes.QuorumBlockHash()
	if !ok {
		cs.signAndSendVote(types.VoteTypePrecommit, nil)
		return
	}

	if types.IsHashEmpty(blockHash) {
		// Prevote quorum for nil releases any lock.
		cs.lockedRound = noRound
		cs.lockedBlock = nil
		cs.signAndSendVote(types.VoteTypePrecommit, nil)
		return
	}

	if cs.proposalBlock != nil && types.HashEqual(types.BlockHash(cs.proposalBlock), *blockHash) {
		cs.lockedRound = int64(round)
		cs.lockedBlock = cs.proposalBlock
		cs.validRound = int64(round)
		cs.validBlock = cs.proposalBlock
		cs.signAndSendVote(types.VoteTypePrecommit, blockHash)
		return
	}
	if cs.lockedBlock != nil && types.HashEqual(types.BlockHash(cs.lockedBlock), *blockHash) {
		cs.lockedRound = int64(round)
		cs.validRound = int64(round)
		cs.validBlock = cs.lockedBlock
		cs.signAndSendVote(types.VoteTypePrecommit, blockHash)
		return
	}

	// Quorum for a block we do not hold.
	cs.signAndSendVote(types.VoteTypePrecommit, nil)
}

func (cs *ConsensusState) enterPrecommitWait(height uint64, round uint32) {
	if cs.height != height || cs.round != round || cs.step >= RoundStepPrecommitWait {
		return
	}
	cs.step = RoundStepPrecommitWait

	cs.scheduleTimeout(TimeoutInfo{
		Height: height,
		Round:  round,
		Step:   RoundStepPrecommitWait,
	})
}

// enterCommit finds the round whose precommits certify a block and
// finalizes it.
func (cs *ConsensusState) enterCommit(height uint64) {
	if cs.height != height || cs.step >= RoundStepCommit {
		return
	}
	cs.step = RoundStepCommit

	for round := int64(cs.round); round >= 0; round-- {
		precommits := cs.votes.Precommits(uint32(round))
		if precommits == nil {
			continue
		}
		qc := precommits.MakeQC()
		if qc != nil {
			cs.finalizeCommit(height, qc)
			return
		}
	}
}

func (cs *ConsensusState) finalizeCommit(height uint64, qc *types.QuorumCertificate) {
	block := cs.blockForHash(qc.BlockHash)
	if block == nil {
		// Certified a block we never received; catch-up will fetch it.
		cs.log.WithFields(logrus.Fields{
			"height": height,
			"block":  qc.BlockHash.Hex(),
		}).Warn("commit certificate for unknown block")
		return
	}

	if err := cs.blockExecutor.ApplyBlock(block, qc); err != nil {
		cs.log.WithError(err).Error("failed to apply committed block")
		return
	}

	cs.walWrite(func() (*wal.Message, error) { return wal.NewQCMessage(qc) })
	cs.walWriteSync(wal.NewEndHeightMessage(height))

	cs.log.WithFields(logrus.Fields{
		"height": height,
		"round":  qc.Round,
		"block":  qc.BlockHash.Hex(),
		"txs":    len(block.Txs),
	}).Info("committed block")

	if !cs.replaying && cs.onCommit != nil {
		cs.pendingCommits = append(cs.pendingCommits, commitEvent{block: block, qc: qc})
	}

	cs.height = height + 1
	cs.round = 0
	cs.step = RoundStepNewHeight
	cs.proposal = nil
	cs.proposalBlock = nil
	cs.lockedRound = noRound
	cs.lockedBlock = nil
	cs.validRound = noRound
	cs.validBlock = nil
	cs.lastQC = qc

	cs.votes.Reset(cs.height, cs.validatorSet)

	if cs.config.SkipTimeoutCommit {
		cs.enterNewRoundLocked(cs.height, 0)
	} else {
		// Scheduled for the height just entered; handleTimeout drops
		// timeouts whose height does not match the current one.
		cs.scheduleTimeout(TimeoutInfo{
			Height: cs.height,
			Round:  0,
			Step:   RoundStepCommit,
		})
	}
}

func (cs *ConsensusState) blockForHash(hash types.Hash) *types.Block {
	if cs.lockedBlock != nil && types.HashEqual(types.BlockHash(cs.lockedBlock), hash) {
		return cs.lockedBlock
	}
	if cs.proposalBlock != nil && types.HashEqual(types.BlockHash(cs.proposalBlock), hash) {
		return cs.proposalBlock
	}
	if cs.validBlock != nil && types.HashEqual(types.BlockHash(cs.validBlock), hash) {
		return cs.validBlock
	}
	return nil
}

func (cs *ConsensusState) handleVote(vote *types.Vote) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if vote == nil {
		return
	}

	added, err := cs.votes.AddVote(vote)
	if err != nil {
		if errors.Is(err, ErrConflictingVote) {
			cs.reportEquivocation(vote)
		}
		return
	}
	if !added {
		return
	}

	if cs.evidence != nil {
		// The collector's vote index outlives the per-height tracker,
		// so it also pairs conflicts with votes seen before a restart.
		if ev := cs.evidence.CheckVote(vote); ev != nil {
			cs.evidence.AddConflictingVotes(&ev.VoteA, &ev.VoteB)
		}
	}

	cs.walWrite(func() (*wal.Message, error) { return wal.NewVoteMessage(vote) })

	switch vote.Type {
	case types.VoteTypePrevote:
		cs.handlePrevote(vote)
	case types.VoteTypePrecommit:
		cs.handlePrecommit(vote)
	}
}

func (cs *ConsensusState) reportEquivocation(vote *types.Vote) {
	if cs.evidence == nil {
		return
	}
	var set *VoteSet
	switch vote.Type {
	case types.VoteTypePrevote:
		set = cs.votes.Prevotes(vote.Round)
	case types.VoteTypePrecommit:
		set = cs.votes.Precommits(vote.Round)
	}
	if set == nil {
		return
	}
	existing := set.GetVote(vote.ValidatorIndex)
	if existing == nil {
		return
	}
	cs.log.WithFields(logrus.Fields{
		"validator": vote.ValidatorIndex,
		"height":    vote.Height,
		"round":     vote.Round,
		"type":      vote.Type.String(),
	}).Warn("detected conflicting votes")
	cs.evidence.AddConflictingVotes(existing, vote)
}

func (cs *ConsensusState) handlePrevote(vote *types.Vote) {
	prevotes := cs.votes.Prevotes(vote.Round)
	if prevotes == nil {
		return
	}

	// A prevote quorum in a later round means the network has moved on.
	if vote.Round > cs.round && prevotes.HasQuorumAny() {
		cs.enterNewRoundLocked(cs.height, vote.Round)
		return
	}

	if vote.Round != cs.round {
		return
	}

	if prevotes.HasQuorum() {
		if cs.step == RoundStepPrevote || cs.step == RoundStepPrevoteWait {
			cs.enterPrecommit(cs.height, cs.round)
		}
	} else if prevotes.HasQuorumAny() {
		if cs.step == RoundStepPrevote {
			cs.enterPrevoteWait(cs.height, cs.round)
		}
	}
}

func (cs *ConsensusState) handlePrecommit(vote *types.Vote) {
	precommits := cs.votes.Precommits(vote.Round)
	if precommits == nil {
		return
	}

	if vote.Round > cs.round && precommits.HasQuorumAny() {
		cs.enterNewRoundLocked(cs.height, vote.Round)
		return
	}

	blockHash, ok := precommits.QuorumBlockHash()
	if ok && !types.IsHashEmpty(blockHash) {
		cs.enterCommit(cs.height)
		return
	}

	if vote.Round != cs.round {
		return
	}

	if ok {
		// Precommit quorum for nil; this round cannot commit.
		cs.enterNewRoundLocked(cs.height, cs.round+1)
		return
	}
	if precommits.HasQuorumAny() {
		if cs.step == RoundStepPrecommit {
			cs.enterPrecommitWait(cs.height, cs.round)
		}
	}
}

func (cs *ConsensusState) handleTimeout(ti TimeoutInfo) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if ti.Height != cs.height || ti.Round < cs.round {
		return
	}

	cs.walWrite(func() (*wal.Message, error) {
		return wal.NewTimeoutMessage(ti.Height, ti.Round, uint8(ti.Step))
	})

	switch ti.Step {
	case RoundStepPropose:
		if cs.step == RoundStepPropose {
			cs.enterPrevote(cs.height, cs.round)
		}

	case RoundStepPrevoteWait:
		if cs.step == RoundStepPrevoteWait {
			cs.enterPrecommit(cs.height, cs.round)
		}

	case RoundStepPrecommitWait:
		if cs.step == RoundStepPrecommitWait {
			cs.enterNewRoundLocked(cs.height, cs.round+1)
		}

	case RoundStepCommit:
		cs.enterNewRoundLocked(cs.height, 0)
	}
}

func (cs *ConsensusState) signAndSendVote(voteType types.VoteType, blockHash *types.Hash) {
	if cs.privVal == nil {
		return
	}

	validator := cs.validatorSet.GetByPublicKey(cs.privVal.GetPubKey())
	if validator == nil {
		return
	}

	vote := &types.Vote{
		Type:           voteType,
		Height:         cs.height,
		Round:          cs.round,
		BlockHash:      types.CopyHash(blockHash),
		Timestamp:      uint64(time.Now().UnixNano()),
		ValidatorIndex: validator.Index,
	}

	if err := cs.privVal.SignVote(cs.config.ChainID, vote); err != nil {
		cs.log.WithError(err).Error("failed to sign vote")
		return
	}

	// Own votes are synced to disk before they can leave the process.
	if !cs.replaying && cs.wal != nil {
		msg, err := wal.NewVoteMessage(vote)
		if err == nil {
			if err := cs.wal.WriteSync(msg); err != nil {
				cs.log.WithError(err).Error("failed to persist own vote")
				return
			}
		}
	}

	if _, err := cs.votes.AddVote(vote); err != nil {
		cs.log.WithError(err).Error("failed to add own vote")
		return
	}

	if !cs.replaying && cs.broadcastVote != nil {
		cs.broadcastVote(vote)
	}

	switch voteType {
	case types.VoteTypePrevote:
		cs.handlePrevote(vote)
	case types.VoteTypePrecommit:
		cs.handlePrecommit(vote)
	}
}

func (cs *ConsensusState) scheduleTimeout(ti TimeoutInfo) {
	cs.timeoutTicker.ScheduleTimeout(ti)
}

func (cs *ConsensusState) walWrite(build func() (*wal.Message, error)) {
	if cs.replaying || cs.wal == nil {
		return
	}
	msg, err := build()
	if err != nil {
		cs.log.WithError(err).Error("failed to encode wal record")
		return
	}
	if err := cs.wal.Write(msg); err != nil {
		cs.log.WithError(err).Error("failed to write wal record")
	}
}

func (cs *ConsensusState) walWriteSync(msg *wal.Message) {
	if cs.replaying || cs.wal == nil {
		return
	}
	if err := cs.wal.WriteSync(msg); err != nil {
		cs.log.WithError(err).Error("failed to sync wal record")
	}
}

// GetState returns the current position of the state machine.
func (cs *ConsensusState) GetState() (height uint64, round uint32, step RoundStep) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.height, cs.round, cs.step
}

// LastQC returns the certificate that committed the previous height.
func (cs *ConsensusState) LastQC() *types.QuorumCertificate {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return types.CopyQC(cs.lastQC)
}
