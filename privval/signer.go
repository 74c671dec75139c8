package privval

import (
	"errors"
	"fmt"

	"github.com/crestchain/crest/types"
)

var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrHeightRegression = errors.New("height regression")
	ErrRoundRegression  = errors.New("round regression")
	ErrStepRegression   = errors.New("step regression")
)

// PrivValidator signs consensus messages with the local validator key.
type PrivValidator interface {
	// GetPubKey returns the public key.
	GetPubKey() types.PublicKey

	// SignVote signs a vote, refusing anything that would conflict with
	// a vote already signed at the same height, round and step.
	SignVote(chainID string, vote *types.Vote) error

	// SignProposal signs a proposal.
	SignProposal(chainID string, proposal *types.Proposal) error
}

// LastSignState remembers the newest signature issued, so a restarted or
// confused caller can never extract two conflicting votes from the key.
type LastSignState struct {
	Height    uint64
	Round     uint32
	Step      int8
	Signature types.Signature
	BlockHash *types.Hash
}

// Step ordering within a round. A proposal precedes votes.
const (
	StepProposal  int8 = 0
	StepPrevote   int8 = 1
	StepPrecommit int8 = 2
)

// CheckHRS reports whether signing at (height, round, step) is allowed.
// Equal coordinates return ErrDoubleSign; the caller may still re-issue
// the cached signature if the payload is identical.
func (lss *LastSignState) CheckHRS(height uint64, round uint32, step int8) error {
	if lss.Height > height {
		return ErrHeightRegression
	}
	if lss.Height == height {
		if lss.Round > round {
			return ErrRoundRegression
		}
		if lss.Round == round {
			if lss.Step > step {
				return ErrStepRegression
			}
			if lss.Step == step {
				return ErrDoubleSign
			}
		}
	}
	return nil
}

// VoteStep maps a vote type onto the step ordering. Panics on an invalid
// type: that is a programming error in the consensus layer, and mapping it
// to StepProposal could match a cached proposal signature.
func VoteStep(t types.VoteType) int8 {
	switch t {
	case types.VoteTypePrevote:
		return StepPrevote
	case types.VoteTypePrecommit:
		return StepPrecommit
	default:
		panic(fmt.Sprintf("privval: invalid vote type: %v", t))
	}
}
