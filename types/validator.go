package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Limits
const (
	// MaxValidators bounds the set size; indices are uint32 but quorum
	// bitmaps and per-vote bookkeeping assume a small committee.
	MaxValidators = 65535

	// MaxTotalWeight prevents overflow in threshold arithmetic.
	MaxTotalWeight = uint64(1) << 60
)

// ErrInvalidConfiguration is the only fatal error class of the consensus
// core: a node with a malformed validator set cannot safely participate.
var ErrInvalidConfiguration = errors.New("invalid validator configuration")

// Errors wrapping ErrInvalidConfiguration
var (
	ErrEmptyValidatorSet  = fmt.Errorf("%w: empty validator set", ErrInvalidConfiguration)
	ErrDuplicateValidator = fmt.Errorf("%w: duplicate validator", ErrInvalidConfiguration)
	ErrZeroWeight         = fmt.Errorf("%w: validator weight must be positive", ErrInvalidConfiguration)
	ErrWeightOverflow     = fmt.Errorf("%w: total weight overflow", ErrInvalidConfiguration)
	ErrTooManyValidators  = fmt.Errorf("%w: too many validators", ErrInvalidConfiguration)
	ErrUnknownValidator   = errors.New("unknown validator")
)

// Validator is one consensus participant: a human-readable name, a BLS
// public key and a voting weight.
type Validator struct {
	Name      string
	Index     uint32
	PublicKey PublicKey
	Weight    uint64
}

// ValidatorSet is the immutable per-epoch registry of participants. It is
// built once at startup or at an epoch boundary and only ever read
// afterwards; reconfiguration swaps the whole set atomically.
type ValidatorSet struct {
	Validators  []*Validator
	TotalWeight uint64

	byName map[string]*Validator
}

// NewValidatorSet validates and indexes a set of validators. Indices are
// assigned by position. Fails with an ErrInvalidConfiguration-wrapped error
// on duplicates, zero weights or overflow.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d", ErrTooManyValidators, len(validators))
	}

	vs := &ValidatorSet{
		Validators: make([]*Validator, len(validators)),
		byName:     make(map[string]*Validator, len(validators)),
	}
	seenKeys := make(map[string]struct{}, len(validators))

	for i, v := range validators {
		if v.Name == "" {
			return nil, fmt.Errorf("%w: validator %d has empty name", ErrInvalidConfiguration, i)
		}
		if v.Weight == 0 {
			return nil, fmt.Errorf("%w: %s", ErrZeroWeight, v.Name)
		}
		if _, err := v.PublicKey.Point(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, v.Name, err)
		}
		if _, ok := vs.byName[v.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.Name)
		}
		key := v.PublicKey.String()
		if _, ok := seenKeys[key]; ok {
			return nil, fmt.Errorf("%w: public key of %s", ErrDuplicateValidator, v.Name)
		}
		seenKeys[key] = struct{}{}

		if vs.TotalWeight > MaxTotalWeight-v.Weight {
			return nil, fmt.Errorf("%w: exceeds %d", ErrWeightOverflow, MaxTotalWeight)
		}

		val := &Validator{
			Name:      v.Name,
			Index:     uint32(i),
			PublicKey: append(PublicKey(nil), v.PublicKey...),
			Weight:    v.Weight,
		}
		vs.Validators[i] = val
		vs.byName[v.Name] = val
		vs.TotalWeight += v.Weight
	}

	return vs, nil
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int { return len(vs.Validators) }

// GetByIndex returns a validator by index, or nil.
func (vs *ValidatorSet) GetByIndex(index uint32) *Validator {
	if int(index) >= len(vs.Validators) {
		return nil
	}
	return vs.Validators[index]
}

// GetByName returns a validator by name, or nil.
func (vs *ValidatorSet) GetByName(name string) *Validator {
	return vs.byName[name]
}

// GetByPublicKey returns the validator owning pk, or nil.
func (vs *ValidatorSet) GetByPublicKey(pk PublicKey) *Validator {
	for _, v := range vs.Validators {
		if v.PublicKey.Equal(pk) {
			return v
		}
	}
	return nil
}

// QuorumThreshold returns the weight a quorum must reach: strictly more than
// two thirds of total weight, i.e. floor(2W/3)+1 for integer weights. Any
// two quorums at this threshold intersect in at least one correct validator
// when faulty weight is at most one third.
func (vs *ValidatorSet) QuorumThreshold() uint64 {
	return vs.TotalWeight*2/3 + 1
}

// Proposer deterministically selects the leader for (height, round),
// weighted by voting weight. It is a pure function of its inputs plus the
// set composition, so every correct node derives the same leader without
// communication.
func (vs *ValidatorSet) Proposer(chainID string, height uint64, round uint32) *Validator {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint32(buf[8:], round)
	seed := HashBytes(append([]byte(chainID), buf[:]...))

	target := binary.BigEndian.Uint64(seed[:8]) % vs.TotalWeight
	var cum uint64
	for _, v := range vs.Validators {
		cum += v.Weight
		if target < cum {
			return v
		}
	}
	// Unreachable: cumulative weights cover [0, TotalWeight).
	return vs.Validators[len(vs.Validators)-1]
}

// validatorSetHashing is the canonical form hashed for the header's
// ValidatorsHash field.
type validatorSetHashing struct {
	Names       []string
	PublicKeys  []PublicKey
	Weights     []uint64
	TotalWeight uint64
}

// Hash computes a deterministic commitment to the set's composition.
func (vs *ValidatorSet) Hash() Hash {
	rec := validatorSetHashing{TotalWeight: vs.TotalWeight}
	for _, v := range vs.Validators {
		rec.Names = append(rec.Names, v.Name)
		rec.PublicKeys = append(rec.PublicKeys, v.PublicKey)
		rec.Weights = append(rec.Weights, v.Weight)
	}
	data, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		panic("types: failed to encode validator set for hashing: " + err.Error())
	}
	return HashBytes(data)
}

// Copy deep-copies the set.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	vals := make([]*Validator, len(vs.Validators))
	for i, v := range vs.Validators {
		vals[i] = &Validator{
			Name:      v.Name,
			Index:     v.Index,
			PublicKey: append(PublicKey(nil), v.PublicKey...),
			Weight:    v.Weight,
		}
	}
	out := &ValidatorSet{
		Validators:  vals,
		TotalWeight: vs.TotalWeight,
		byName:      make(map[string]*Validator, len(vals)),
	}
	for _, v := range vals {
		out.byName[v.Name] = v
	}
	return out
}
