package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/crestchain/crest/types"
)

// VoteSet tracks votes for a single (height, round, type). It verifies
// signatures, dedups by validator index, tallies weight per block hash and
// detects equivocation. Aggregation is order-independent: the certificate it
// eventually produces depends only on the set of contributing voters.
type VoteSet struct {
	mu           sync.RWMutex
	chainID      string
	height       uint64
	round        uint32
	voteType     types.VoteType
	validatorSet *types.ValidatorSet

	votes        map[uint32]*types.Vote // by validator index
	votesByBlock map[string]*blockVotes
	sum          uint64
	quorum       *blockVotes

	// Stale detection: if the parent HeightVoteSet has moved to a new
	// height, this VoteSet must reject writes so replayed votes are not
	// silently lost against a dead set.
	parent       *HeightVoteSet
	myGeneration uint64
}

type blockVotes struct {
	blockHash *types.Hash
	votes     []*types.Vote
	weight    uint64
}

// NewVoteSet creates a standalone VoteSet (tests, evidence verification).
func NewVoteSet(chainID string, height uint64, round uint32, t types.VoteType, valSet *types.ValidatorSet) *VoteSet {
	return &VoteSet{
		chainID:      chainID,
		height:       height,
		round:        round,
		voteType:     t,
		validatorSet: valSet,
		votes:        make(map[uint32]*types.Vote),
		votesByBlock: make(map[string]*blockVotes),
	}
}

// newVoteSetWithParent creates a VoteSet linked to its HeightVoteSet.
// Caller must hold hvs.mu.
func newVoteSetWithParent(hvs *HeightVoteSet, round uint32, t types.VoteType) *VoteSet {
	return &VoteSet{
		chainID:      hvs.chainID,
		height:       hvs.height,
		round:        round,
		voteType:     t,
		validatorSet: hvs.validatorSet,
		votes:        make(map[uint32]*types.Vote),
		votesByBlock: make(map[string]*blockVotes),
		parent:       hvs,
		myGeneration: atomic.LoadUint64(&hvs.generation),
	}
}

// AddVote verifies and records a vote.
//
// Returns (true, nil) when the vote was added, (false, nil) for an exact
// duplicate, and (false, ErrConflictingVote) when the same validator already
// voted differently in this set - the caller extracts both votes as
// byzantine evidence via GetVote. Signature failures reject the vote with
// ErrInvalidSignature and no side effects.
func (vs *VoteSet) AddVote(vote *types.Vote) (bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.parent != nil && atomic.LoadUint64(&vs.parent.generation) != vs.myGeneration {
		return false, ErrStaleVoteSet
	}

	if vote.Height != vs.height || vote.Round != vs.round || vote.Type != vs.voteType {
		return false, ErrInvalidVote
	}

	val := vs.validatorSet.GetByIndex(vote.ValidatorIndex)
	if val == nil {
		return false, ErrUnknownValidator
	}

	if err := types.VerifyVoteSignature(vs.chainID, vote, val.PublicKey); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if existing := vs.votes[vote.ValidatorIndex]; existing != nil {
		if types.VotesEqual(existing, vote) {
			return false, nil
		}
		return false, ErrConflictingVote
	}

	voteCopy := types.CopyVote(vote)
	vs.votes[voteCopy.ValidatorIndex] = voteCopy
	vs.sum += val.Weight

	key := blockHashKey(voteCopy.BlockHash)
	bv, ok := vs.votesByBlock[key]
	if !ok {
		bv = &blockVotes{blockHash: voteCopy.BlockHash}
		vs.votesByBlock[key] = bv
	}
	bv.votes = append(bv.votes, voteCopy)
	bv.weight += val.Weight

	// At the chosen threshold, at most one block hash can reach quorum in
	// one (height, round, type).
	if bv.weight >= vs.validatorSet.QuorumThreshold() && vs.quorum == nil {
		vs.quorum = bv
	}

	return true, nil
}

// QuorumBlockHash returns the block hash that reached quorum, if any. The
// returned hash may be nil even with ok=true: a nil-vote quorum.
func (vs *VoteSet) QuorumBlockHash() (*types.Hash, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if vs.quorum != nil {
		return types.CopyHash(vs.quorum.blockHash), true
	}
	return nil, false
}

// HasQuorum reports whether any single block hash (or nil) reached quorum.
func (vs *VoteSet) HasQuorum() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.quorum != nil
}

// HasQuorumAny reports whether the summed weight of all distinct voters,
// regardless of block hash, reached quorum. Used to arm the wait timeouts.
func (vs *VoteSet) HasQuorumAny() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.sum >= vs.validatorSet.QuorumThreshold()
}

// GetVote returns a copy of the vote from a validator, if any.
func (vs *VoteSet) GetVote(valIndex uint32) *types.Vote {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	v := vs.votes[valIndex]
	if v == nil {
		return nil
	}
	return types.CopyVote(v)
}

// Size returns the number of distinct voters.
func (vs *VoteSet) Size() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.votes)
}

// Weight returns the summed weight of distinct voters.
func (vs *VoteSet) Weight() uint64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.sum
}

// GetVotes returns copies of all votes, sorted by validator index for
// deterministic ordering.
func (vs *VoteSet) GetVotes() []*types.Vote {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	votes := make([]*types.Vote, 0, len(vs.votes))
	for _, v := range vs.votes {
		votes = append(votes, types.CopyVote(v))
	}
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].ValidatorIndex < votes[j].ValidatorIndex
	})
	return votes
}

// MakeQC aggregates the quorum's precommit signatures into a quorum
// certificate. Returns nil if this set is not a precommit set, has no
// quorum, or the quorum is for the nil block. The certificate's weight and
// bitmap cover exactly the validators who precommitted the winning hash.
func (vs *VoteSet) MakeQC() *types.QuorumCertificate {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if vs.voteType != types.VoteTypePrecommit || vs.quorum == nil {
		return nil
	}
	if types.IsHashEmpty(vs.quorum.blockHash) {
		return nil
	}

	contributors := make([]*types.Vote, len(vs.quorum.votes))
	copy(contributors, vs.quorum.votes)
	sort.Slice(contributors, func(i, j int) bool {
		return contributors[i].ValidatorIndex < contributors[j].ValidatorIndex
	})

	bitmap := types.NewBitmap(vs.validatorSet.Size())
	sigs := make([]types.Signature, 0, len(contributors))
	var weight uint64
	for _, v := range contributors {
		types.SetBit(bitmap, v.ValidatorIndex)
		sigs = append(sigs, v.Signature)
		weight += vs.validatorSet.GetByIndex(v.ValidatorIndex).Weight
	}

	agg, err := types.AggregateSignatures(sigs...)
	if err != nil {
		// Every contributing signature already verified individually;
		// aggregation over verified points cannot fail.
		panic("engine: failed to aggregate verified signatures: " + err.Error())
	}

	return &types.QuorumCertificate{
		Height:    vs.height,
		Round:     vs.round,
		BlockHash: *vs.quorum.blockHash,
		Signature: agg,
		Bitmap:    bitmap,
		Weight:    weight,
	}
}

func blockHashKey(h *types.Hash) string {
	if types.IsHashEmpty(h) {
		return "nil"
	}
	return h.Hex()
}

// HeightVoteSet tracks all votes for one height across all rounds. The
// arena-of-rounds layout (round -> VoteSet) avoids back-references between
// votes and their round context.
type HeightVoteSet struct {
	mu           sync.RWMutex
	chainID      string
	height       uint64
	validatorSet *types.ValidatorSet

	prevotes   map[uint32]*VoteSet
	precommits map[uint32]*VoteSet

	// generation invalidates VoteSets handed out before a Reset.
	generation uint64
}

// NewHeightVoteSet creates the vote bookkeeping for a height.
func NewHeightVoteSet(chainID string, height uint64, valSet *types.ValidatorSet) *HeightVoteSet {
	return &HeightVoteSet{
		chainID:      chainID,
		height:       height,
		validatorSet: valSet,
		prevotes:     make(map[uint32]*VoteSet),
		precommits:   make(map[uint32]*VoteSet),
	}
}

// AddVote routes a vote to its round's VoteSet, creating it on first use.
func (hvs *HeightVoteSet) AddVote(vote *types.Vote) (bool, error) {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()

	if vote.Height != hvs.height {
		return false, ErrInvalidHeight
	}

	var voteSet *VoteSet
	switch vote.Type {
	case types.VoteTypePrevote:
		voteSet = hvs.prevotes[vote.Round]
		if voteSet == nil {
			voteSet = newVoteSetWithParent(hvs, vote.Round, types.VoteTypePrevote)
			hvs.prevotes[vote.Round] = voteSet
		}
	case types.VoteTypePrecommit:
		voteSet = hvs.precommits[vote.Round]
		if voteSet == nil {
			voteSet = newVoteSetWithParent(hvs, vote.Round, types.VoteTypePrecommit)
			hvs.precommits[vote.Round] = voteSet
		}
	default:
		return false, ErrInvalidVote
	}

	// VoteSet has its own mutex; nested locking is safe.
	return voteSet.AddVote(vote)
}

// Prevotes returns the prevote set for a round, or nil.
func (hvs *HeightVoteSet) Prevotes(round uint32) *VoteSet {
	hvs.mu.RLock()
	defer hvs.mu.RUnlock()
	return hvs.prevotes[round]
}

// Precommits returns the precommit set for a round, or nil.
func (hvs *HeightVoteSet) Precommits(round uint32) *VoteSet {
	hvs.mu.RLock()
	defer hvs.mu.RUnlock()
	return hvs.precommits[round]
}

// Height returns the height this set tracks.
func (hvs *HeightVoteSet) Height() uint64 {
	hvs.mu.RLock()
	defer hvs.mu.RUnlock()
	return hvs.height
}

// Reset discards all vote state and re-targets the set at a new height.
// Called exactly once per height transition; this is what bounds vote
// memory. Outstanding VoteSet references are invalidated via the generation
// counter.
func (hvs *HeightVoteSet) Reset(height uint64, valSet *types.ValidatorSet) {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()

	hvs.height = height
	hvs.validatorSet = valSet
	hvs.prevotes = make(map[uint32]*VoteSet)
	hvs.precommits = make(map[uint32]*VoteSet)
	atomic.AddUint64(&hvs.generation, 1)
}
