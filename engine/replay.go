package engine

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/crestchain/crest/types"
	"github.com/crestchain/crest/wal"
)

// replayWAL restores the progress logged for height before a crash: the
// accepted proposal, every recorded vote, and the lock implied by our own
// precommits. Returns the round consensus should resume at. Caller holds
// cs.mu and the receive loop is not yet running.
func (cs *ConsensusState) replayWAL(height uint64) (uint32, error) {
	if cs.wal == nil {
		return 0, nil
	}

	var reader wal.Reader
	if height > 1 {
		r, found, err := cs.wal.SearchForEndHeight(height - 1)
		if err != nil {
			return 0, fmt.Errorf("failed to search wal: %w", err)
		}
		if !found {
			return 0, nil
		}
		reader = r
	} else {
		r, err := wal.OpenWALForReading(walDir(cs.wal))
		if err != nil {
			// Fresh node: nothing written yet.
			return 0, nil
		}
		reader = r
	}
	defer reader.Close()

	cs.replaying = true
	defer func() { cs.replaying = false }()

	var (
		replayed   int
		startRound uint32
		proposal   *types.Proposal
		votes      []*types.Vote
	)

	for {
		msg, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Torn tail from the crash; everything before it is good.
			cs.log.WithError(err).Warn("stopping wal replay at corrupted record")
			break
		}
		if msg.Height != height {
			continue
		}
		if msg.Type == wal.MsgTypeEndHeight {
			// The height already committed; the caller starts fresh
			// at height+1, nothing to restore here.
			return 0, nil
		}

		switch msg.Type {
		case wal.MsgTypeProposal:
			p, err := wal.DecodeProposal(msg.Data)
			if err != nil {
				return 0, fmt.Errorf("failed to decode replayed proposal: %w", err)
			}
			proposal = p
			if msg.Round > startRound {
				startRound = msg.Round
			}

		case wal.MsgTypeVote:
			v, err := wal.DecodeVote(msg.Data)
			if err != nil {
				return 0, fmt.Errorf("failed to decode replayed vote: %w", err)
			}
			votes = append(votes, v)
			if msg.Round > startRound {
				startRound = msg.Round
			}

		case wal.MsgTypeTimeout:
			if msg.Round > startRound {
				startRound = msg.Round
			}
		}
		replayed++
	}

	if replayed == 0 {
		return 0, nil
	}

	for _, v := range votes {
		if _, err := cs.votes.AddVote(v); err != nil {
			cs.log.WithError(err).WithFields(logrus.Fields{
				"validator": v.ValidatorIndex,
				"round":     v.Round,
			}).Debug("skipping replayed vote")
		}
	}

	if proposal != nil && proposal.Round == startRound {
		cs.proposal = proposal
		cs.proposalBlock = &proposal.Block
	}

	cs.restoreLock(proposal, startRound)

	cs.log.WithFields(logrus.Fields{
		"height":   height,
		"round":    startRound,
		"messages": replayed,
	}).Info("replayed wal")

	return startRound, nil
}

// restoreLock rederives the lock from our own replayed precommits. A
// precommit for a block is only ever signed while locked on it, so the
// newest non-nil own precommit names the locked round and block.
func (cs *ConsensusState) restoreLock(proposal *types.Proposal, maxRound uint32) {
	if cs.privVal == nil {
		return
	}
	self := cs.validatorSet.GetByPublicKey(cs.privVal.GetPubKey())
	if self == nil {
		return
	}

	var lockedHash *types.Hash
	for round := int64(0); round <= int64(maxRound); round++ {
		precommits := cs.votes.Precommits(uint32(round))
		if precommits == nil {
			continue
		}
		own := precommits.GetVote(self.Index)
		if own == nil || own.IsNil() {
			continue
		}
		cs.lockedRound = round
		cs.validRound = round
		lockedHash = own.BlockHash
	}

	if lockedHash == nil || cs.lockedRound == noRound {
		return
	}

	// Block pointers come back only if the replayed proposal matches;
	// otherwise the lock is hash-only and we vote nil until the block
	// reappears via a proposal or block sync.
	if proposal != nil && types.HashEqual(types.BlockHash(&proposal.Block), *lockedHash) {
		block := types.CopyBlock(&proposal.Block)
		cs.lockedBlock = block
		cs.validBlock = block
	}

	cs.log.WithFields(logrus.Fields{
		"round": cs.lockedRound,
		"block": lockedHash.Hex(),
	}).Info("restored lock from wal")
}

// walDir extracts the directory from a FileWAL for full-log replay at
// genesis. Other WAL implementations replay nothing.
func walDir(w wal.WAL) string {
	type dirWAL interface{ Dir() string }
	if dw, ok := w.(dirWAL); ok {
		return dw.Dir()
	}
	return ""
}
