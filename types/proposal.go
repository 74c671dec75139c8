package types

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"
)

// ErrInvalidProposal marks proposals that fail structural or signature checks.
var ErrInvalidProposal = errors.New("invalid proposal")

// Proposal carries a candidate block from the round's leader. When the leader
// re-proposes a block that already gathered a prevote quorum in an earlier
// round, HasPol/PolRound name that round (proof-of-lock).
type Proposal struct {
	Height        uint64
	Round         uint32
	Timestamp     uint64
	Block         Block
	HasPol        bool
	PolRound      uint32
	ProposerIndex uint32
	Signature     Signature
}

// proposalSigning is the canonical signed portion of a proposal. The block is
// represented by its hash; the block body is validated separately against the
// header it hashes to.
type proposalSigning struct {
	ChainID   string
	Height    uint64
	Round     uint32
	BlockHash Hash
	HasPol    bool
	PolRound  uint32
	Proposer  uint32
}

// ProposalSignBytes returns the canonical bytes the proposer signs.
func ProposalSignBytes(chainID string, p *Proposal) []byte {
	data, err := rlp.EncodeToBytes(&proposalSigning{
		ChainID:   chainID,
		Height:    p.Height,
		Round:     p.Round,
		BlockHash: BlockHash(&p.Block),
		HasPol:    p.HasPol,
		PolRound:  p.PolRound,
		Proposer:  p.ProposerIndex,
	})
	if err != nil {
		panic("types: failed to encode proposal sign bytes: " + err.Error())
	}
	return data
}

// VerifyProposalSignature checks the proposer's signature.
func VerifyProposalSignature(chainID string, p *Proposal, pk PublicKey) error {
	if p == nil {
		return ErrInvalidProposal
	}
	if len(p.Signature) == 0 {
		return errors.New("proposal has no signature")
	}
	return Verify(pk, ProposalSignBytes(chainID, p), p.Signature)
}

// BlockHash returns the hash of the proposed block.
func (p *Proposal) BlockHash() Hash {
	return BlockHash(&p.Block)
}
