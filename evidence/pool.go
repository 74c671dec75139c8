package evidence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/types"
)

var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
)

// MaxSeenVotes bounds the equivocation detection memory. With 100
// validators and two vote types per round this covers roughly 500 rounds
// of history.
const MaxSeenVotes = 100000

// Config holds evidence pool limits.
type Config struct {
	// MaxAge is the wall-clock validity window of evidence.
	MaxAge time.Duration
	// MaxAgeBlocks is the height-based validity window.
	MaxAgeBlocks uint64
	// MaxPerBlock caps how many evidence items a block may carry.
	MaxPerBlock int
}

// DefaultConfig returns default pool limits.
func DefaultConfig() Config {
	return Config{
		MaxAge:       48 * time.Hour,
		MaxAgeBlocks: 100000,
		MaxPerBlock:  64,
	}
}

// Pool collects proofs of double-signing until a proposer includes them in
// a block. It also does its own equivocation detection over every vote the
// node sees, independent of the vote sets that reject conflicting votes.
type Pool struct {
	mu     sync.RWMutex
	config Config

	chainID string
	valSet  *types.ValidatorSet

	pending   []*types.DuplicateVoteEvidence
	committed map[types.Hash]struct{}

	// seenVotes keys validator/height/round/type to the first vote
	// observed there.
	seenVotes map[string]*types.Vote

	currentHeight uint64
	currentTime   time.Time

	log *logrus.Entry
}

// NewPool creates an evidence pool verifying against the given set.
func NewPool(config Config, chainID string, valSet *types.ValidatorSet, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pool{
		config:    config,
		chainID:   chainID,
		valSet:    valSet,
		committed: make(map[types.Hash]struct{}),
		seenVotes: make(map[string]*types.Vote),
		log:       logger.WithField("module", "evidence"),
	}
}

// Update advances the pool's view of chain time and prunes expired items.
func (p *Pool) Update(height uint64, blockTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentHeight = height
	p.currentTime = blockTime
	p.pruneExpired()
}

// UpdateValidatorSet swaps the set used for signature verification.
func (p *Pool) UpdateValidatorSet(valSet *types.ValidatorSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valSet = valSet
}

// CheckVote records a vote and returns evidence if it conflicts with one
// seen earlier at the same coordinates.
func (p *Pool) CheckVote(vote *types.Vote) *types.DuplicateVoteEvidence {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := voteKey(vote)

	if existing, ok := p.seenVotes[key]; ok {
		if votesForSameBlock(existing, vote) {
			return nil
		}
		return types.NewDuplicateVoteEvidence(existing, vote, uint64(time.Now().UnixNano()))
	}

	if len(p.seenVotes) >= MaxSeenVotes {
		p.pruneOldestVotes(MaxSeenVotes / 10)
	}

	p.seenVotes[key] = types.CopyVote(vote)
	return nil
}

// AddConflictingVotes builds and pools evidence from a conflicting pair.
// This is the sink the consensus engine reports equivocations into.
func (p *Pool) AddConflictingVotes(existing, conflicting *types.Vote) {
	ev := types.NewDuplicateVoteEvidence(existing, conflicting, uint64(time.Now().UnixNano()))
	if ev == nil {
		return
	}
	if err := p.AddEvidence(ev); err != nil && !errors.Is(err, ErrDuplicateEvidence) {
		p.log.WithError(err).Warn("failed to pool equivocation evidence")
	}
}

// AddEvidence verifies and pools evidence. Duplicates of pending or
// committed evidence are rejected.
func (p *Pool) AddEvidence(ev *types.DuplicateVoteEvidence) error {
	if ev == nil {
		return ErrInvalidEvidence
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ev.Verify(p.chainID, p.valSet); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}

	hash := ev.Hash()
	if _, ok := p.committed[hash]; ok {
		return ErrDuplicateEvidence
	}
	for _, pending := range p.pending {
		if types.HashEqual(pending.Hash(), hash) {
			return ErrDuplicateEvidence
		}
	}

	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}

	p.pending = append(p.pending, ev)
	p.log.WithFields(logrus.Fields{
		"validator": ev.ValidatorIndex,
		"height":    ev.VoteA.Height,
		"round":     ev.VoteA.Round,
	}).Info("pooled duplicate vote evidence")
	return nil
}

// PendingEvidence returns up to max evidence items for block inclusion.
// Zero max uses the configured per-block cap.
func (p *Pool) PendingEvidence(max int) []types.DuplicateVoteEvidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if max <= 0 || max > p.config.MaxPerBlock {
		max = p.config.MaxPerBlock
	}

	result := make([]types.DuplicateVoteEvidence, 0, len(p.pending))
	for _, ev := range p.pending {
		if len(result) >= max {
			break
		}
		result = append(result, types.CopyDuplicateVoteEvidence(ev))
	}
	return result
}

// MarkCommitted retires evidence that a committed block carried.
func (p *Pool) MarkCommitted(evidence []types.DuplicateVoteEvidence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removeSet := make(map[types.Hash]struct{}, len(evidence))
	for i := range evidence {
		hash := evidence[i].Hash()
		p.committed[hash] = struct{}{}
		removeSet[hash] = struct{}{}
	}

	var remaining []*types.DuplicateVoteEvidence
	for _, ev := range p.pending {
		if _, ok := removeSet[ev.Hash()]; !ok {
			remaining = append(remaining, ev)
		}
	}
	p.pending = remaining
}

// Size returns the number of pending evidence items.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

func (p *Pool) pruneExpired() {
	var valid []*types.DuplicateVoteEvidence
	for _, ev := range p.pending {
		if !p.isExpired(ev) {
			valid = append(valid, ev)
		}
	}
	p.pending = valid

	for key, vote := range p.seenVotes {
		if p.currentHeight > vote.Height && p.currentHeight-vote.Height > p.config.MaxAgeBlocks {
			delete(p.seenVotes, key)
		}
	}
}

// pruneOldestVotes drops the n lowest-height seen votes. Caller holds p.mu.
func (p *Pool) pruneOldestVotes(n int) {
	if n <= 0 || len(p.seenVotes) == 0 {
		return
	}

	heightVotes := make(map[uint64][]string)
	for key, vote := range p.seenVotes {
		heightVotes[vote.Height] = append(heightVotes[vote.Height], key)
	}

	heights := make([]uint64, 0, len(heightVotes))
	for h := range heightVotes {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	removed := 0
	for _, h := range heights {
		for _, key := range heightVotes[h] {
			if removed >= n {
				return
			}
			delete(p.seenVotes, key)
			removed++
		}
	}
}

func (p *Pool) isExpired(ev *types.DuplicateVoteEvidence) bool {
	if p.currentHeight > ev.VoteA.Height && p.currentHeight-ev.VoteA.Height > p.config.MaxAgeBlocks {
		return true
	}
	evTime := time.Unix(0, int64(ev.Timestamp))
	return p.currentTime.Sub(evTime) > p.config.MaxAge
}

func voteKey(v *types.Vote) string {
	return fmt.Sprintf("%d/%d/%d/%d", v.ValidatorIndex, v.Height, v.Round, v.Type)
}

func votesForSameBlock(a, b *types.Vote) bool {
	if a.IsNil() && b.IsNil() {
		return true
	}
	if a.IsNil() || b.IsNil() {
		return false
	}
	return types.HashEqual(*a.BlockHash, *b.BlockHash)
}
