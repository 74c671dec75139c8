package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/types"
	"github.com/crestchain/crest/wal"
)

// Message framing errors.
var (
	ErrInvalidMessage     = errors.New("invalid consensus message")
	ErrUnknownMessageType = errors.New("unknown consensus message type")
)

// ConsensusMessageType prefixes every consensus message on the wire.
type ConsensusMessageType uint8

const (
	ConsensusMessageTypeProposal ConsensusMessageType = 1
	ConsensusMessageTypeVote     ConsensusMessageType = 2
)

// Engine wraps the consensus state machine with lifecycle management,
// network plumbing and validator set administration. It is the unit the
// node embeds.
type Engine struct {
	mu sync.RWMutex

	config *Config

	state    *ConsensusState
	wal      wal.WAL
	privVal  PrivValidator
	executor BlockExecutor
	evidence EvidenceCollector

	validatorSet *types.ValidatorSet

	proposalBroadcast func(*types.Proposal)
	voteBroadcast     func(*types.Vote)
	commitCallback    func(*types.Block, *types.QuorumCertificate)

	started bool

	log *logrus.Entry
}

// NewEngine creates a consensus engine. privVal may be nil for a
// non-validating observer.
func NewEngine(
	config *Config,
	valSet *types.ValidatorSet,
	pv PrivValidator,
	w wal.WAL,
	executor BlockExecutor,
	logger *logrus.Logger,
) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		config:       config,
		validatorSet: valSet,
		privVal:      pv,
		wal:          w,
		executor:     executor,
		log:          logger.WithField("module", "engine"),
	}
}

// SetProposalBroadcaster sets the proposal fan-out. Call before Start.
func (e *Engine) SetProposalBroadcaster(fn func(*types.Proposal)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proposalBroadcast = fn
}

// SetVoteBroadcaster sets the vote fan-out. Call before Start.
func (e *Engine) SetVoteBroadcaster(fn func(*types.Vote)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.voteBroadcast = fn
}

// SetCommitCallback sets the per-commit notification. Call before Start.
func (e *Engine) SetCommitCallback(fn func(*types.Block, *types.QuorumCertificate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commitCallback = fn
}

// SetEvidenceCollector sets the equivocation sink. Call before Start.
func (e *Engine) SetEvidenceCollector(ec EvidenceCollector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evidence = ec
}

// Start replays any WAL records past the last committed height, then runs
// consensus live from the given height.
func (e *Engine) Start(height uint64, lastQC *types.QuorumCertificate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	if e.wal != nil {
		if err := e.wal.Start(); err != nil {
			return fmt.Errorf("failed to start wal: %w", err)
		}
	}

	logger := e.log.Logger
	e.state = NewConsensusState(e.config, e.validatorSet, e.privVal, e.wal, e.executor, logger)
	e.state.SetBroadcasters(e.proposalBroadcast, e.voteBroadcast)
	e.state.SetCommitCallback(e.commitCallback)
	if e.evidence != nil {
		e.state.SetEvidenceCollector(e.evidence)
	}

	if err := e.state.Start(height, lastQC); err != nil {
		return fmt.Errorf("failed to start consensus state: %w", err)
	}

	e.started = true
	return nil
}

// Stop halts consensus and closes the WAL. The lock is released before
// the state machine drains, since in-flight commit callbacks may read
// engine state.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.started = false
	state := e.state
	w := e.wal
	e.mu.Unlock()

	if state != nil {
		if err := state.Stop(); err != nil {
			return fmt.Errorf("failed to stop consensus state: %w", err)
		}
	}
	if w != nil {
		if err := w.Stop(); err != nil {
			return fmt.Errorf("failed to stop wal: %w", err)
		}
	}
	return nil
}

// AddProposal feeds a network proposal into the state machine.
func (e *Engine) AddProposal(proposal *types.Proposal) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return ErrNotStarted
	}
	e.state.AddProposal(proposal)
	return nil
}

// AddVote feeds a network vote into the state machine.
func (e *Engine) AddVote(vote *types.Vote) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return ErrNotStarted
	}
	e.state.AddVote(vote)
	return nil
}

// GetState returns the machine's current height, round and step.
func (e *Engine) GetState() (height uint64, round uint32, step RoundStep, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return 0, 0, 0, ErrNotStarted
	}
	height, round, step = e.state.GetState()
	return height, round, step, nil
}

// GetValidatorSet returns a copy of the current validator set.
func (e *Engine) GetValidatorSet() *types.ValidatorSet {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.validatorSet == nil {
		return nil
	}
	return e.validatorSet.Copy()
}

// UpdateValidatorSet swaps the validator set. A running state machine
// keeps the set it started with; the swap takes effect when the engine
// next starts, so membership changes land on a restart at a height
// boundary.
func (e *Engine) UpdateValidatorSet(valSet *types.ValidatorSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validatorSet = valSet
}

// IsValidator reports whether the local key belongs to the active set.
func (e *Engine) IsValidator() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.privVal == nil {
		return false
	}
	return e.validatorSet.GetByPublicKey(e.privVal.GetPubKey()) != nil
}

// GetProposer returns the leader for the given height and round.
func (e *Engine) GetProposer(height uint64, round uint32) *types.Validator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validatorSet.Proposer(e.config.ChainID, height, round)
}

// ChainID returns the chain identifier.
func (e *Engine) ChainID() string {
	return e.config.ChainID
}

// HandleConsensusMessage decodes and routes a type-prefixed consensus
// message received from a peer.
func (e *Engine) HandleConsensusMessage(peerID string, data []byte) error {
	if len(data) < 1 {
		return ErrInvalidMessage
	}

	msgType := ConsensusMessageType(data[0])
	payload := data[1:]

	switch msgType {
	case ConsensusMessageTypeProposal:
		if len(payload) == 0 {
			return fmt.Errorf("%w: empty proposal payload", ErrInvalidMessage)
		}
		proposal := new(types.Proposal)
		if err := rlp.DecodeBytes(payload, proposal); err != nil {
			return fmt.Errorf("%w: failed to decode proposal: %v", ErrInvalidMessage, err)
		}
		return e.AddProposal(proposal)

	case ConsensusMessageTypeVote:
		if len(payload) == 0 {
			return fmt.Errorf("%w: empty vote payload", ErrInvalidMessage)
		}
		vote := new(types.Vote)
		if err := rlp.DecodeBytes(payload, vote); err != nil {
			return fmt.Errorf("%w: failed to decode vote: %v", ErrInvalidMessage, err)
		}
		return e.AddVote(vote)

	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, msgType)
	}
}

// EncodeProposalMessage frames a proposal for network transmission.
func EncodeProposalMessage(proposal *types.Proposal) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(proposal)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(ConsensusMessageTypeProposal)
	copy(msg[1:], payload)
	return msg, nil
}

// EncodeVoteMessage frames a vote for network transmission.
func EncodeVoteMessage(vote *types.Vote) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(vote)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(ConsensusMessageTypeVote)
	copy(msg[1:], payload)
	return msg, nil
}

// Metrics is a point-in-time snapshot for monitoring.
type Metrics struct {
	Height      uint64
	Round       uint32
	Step        string
	Validators  int
	TotalWeight uint64
	IsValidator bool
	Proposer    string
}

// GetMetrics returns current consensus metrics.
func (e *Engine) GetMetrics() (*Metrics, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return nil, ErrNotStarted
	}

	height, round, step := e.state.GetState()
	proposer := e.validatorSet.Proposer(e.config.ChainID, height, round)

	isValidator := false
	if e.privVal != nil {
		isValidator = e.validatorSet.GetByPublicKey(e.privVal.GetPubKey()) != nil
	}

	return &Metrics{
		Height:      height,
		Round:       round,
		Step:        step.String(),
		Validators:  e.validatorSet.Size(),
		TotalWeight: e.validatorSet.TotalWeight,
		IsValidator: isValidator,
		Proposer:    proposer.Name,
	}, nil
}
