package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/crestchain/crest/types"
)

func makeTestValidators(t *testing.T, n int) (*types.ValidatorSet, []*types.PrivateKey) {
	t.Helper()
	vals := make([]*types.Validator, n)
	privs := make([]*types.PrivateKey, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		priv := types.PrivateKeyFromSeed(seed)
		privs[i] = priv
		vals[i] = &types.Validator{
			Name:      fmt.Sprintf("val%d", i),
			Index:     uint32(i),
			PublicKey: priv.PublicKey(),
			Weight:    100,
		}
	}
	vs, err := types.NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("failed to build validator set: %v", err)
	}
	return vs, privs
}

func makeSignedVote(t *testing.T, priv *types.PrivateKey, chainID string, vt types.VoteType, height uint64, round uint32, blockHash *types.Hash, index uint32) *types.Vote {
	t.Helper()
	v := &types.Vote{
		Type:           vt,
		Height:         height,
		Round:          round,
		BlockHash:      blockHash,
		Timestamp:      1000,
		ValidatorIndex: index,
	}
	sig, err := priv.Sign(v.SignBytes(chainID))
	if err != nil {
		t.Fatalf("failed to sign vote: %v", err)
	}
	v.Signature = sig
	return v
}

func TestVoteSetQuorum(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	vs := NewVoteSet("chain", 1, 0, types.VoteTypePrevote, valSet)
	hash := types.HashBytes([]byte("block"))

	for i := 0; i < 2; i++ {
		added, err := vs.AddVote(makeSignedVote(t, privs[i], "chain", types.VoteTypePrevote, 1, 0, &hash, uint32(i)))
		if err != nil || !added {
			t.Fatalf("vote %d: added=%v err=%v", i, added, err)
		}
	}
	if vs.HasQuorum() {
		t.Error("200 of 400 weight reported as quorum")
	}

	if _, err := vs.AddVote(makeSignedVote(t, privs[2], "chain", types.VoteTypePrevote, 1, 0, &hash, 2)); err != nil {
		t.Fatal(err)
	}
	if !vs.HasQuorum() {
		t.Error("300 of 400 weight did not reach quorum")
	}
	got, ok := vs.QuorumBlockHash()
	if !ok || got == nil || *got != hash {
		t.Errorf("quorum hash = %v, ok = %v", got, ok)
	}
	if vs.Size() != 3 || vs.Weight() != 300 {
		t.Errorf("size=%d weight=%d", vs.Size(), vs.Weight())
	}
}

func TestVoteSetSplitVotesNoQuorum(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	vs := NewVoteSet("chain", 1, 0, types.VoteTypePrevote, valSet)
	hashA := types.HashBytes([]byte("a"))
	hashB := types.HashBytes([]byte("b"))

	vs.AddVote(makeSignedVote(t, privs[0], "chain", types.VoteTypePrevote, 1, 0, &hashA, 0))
	vs.AddVote(makeSignedVote(t, privs[1], "chain", types.VoteTypePrevote, 1, 0, &hashA, 1))
	vs.AddVote(makeSignedVote(t, privs[2], "chain", types.VoteTypePrevote, 1, 0, &hashB, 2))

	if vs.HasQuorum() {
		t.Error("split votes reported single-block quorum")
	}
	if !vs.HasQuorumAny() {
		t.Error("300 of 400 total weight not reported by HasQuorumAny")
	}
}

func TestVoteSetNilQuorum(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	vs := NewVoteSet("chain", 1, 0, types.VoteTypePrecommit, valSet)

	for i := 0; i < 3; i++ {
		if _, err := vs.AddVote(makeSignedVote(t, privs[i], "chain", types.VoteTypePrecommit, 1, 0, nil, uint32(i))); err != nil {
			t.Fatal(err)
		}
	}
	hash, ok := vs.QuorumBlockHash()
	if !ok {
		t.Fatal("nil votes did not reach quorum")
	}
	if hash != nil && *hash != (types.Hash{}) {
		t.Errorf("nil quorum returned hash %v", hash)
	}
	if qc := vs.MakeQC(); qc != nil {
		t.Error("certificate built over a nil-block quorum")
	}
}

func TestVoteSetDuplicateAndConflict(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	vs := NewVoteSet("chain", 1, 0, types.VoteTypePrevote, valSet)
	hashA := types.HashBytes([]byte("a"))
	hashB := types.HashBytes([]byte("b"))

	vote := makeSignedVote(t, privs[0], "chain", types.VoteTypePrevote, 1, 0, &hashA, 0)
	if added, err := vs.AddVote(vote); !added || err != nil {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	if added, err := vs.AddVote(vote); added || err != nil {
		t.Errorf("exact duplicate: added=%v err=%v, want false,nil", added, err)
	}

	conflict := makeSignedVote(t, privs[0], "chain", types.VoteTypePrevote, 1, 0, &hashB, 0)
	if _, err := vs.AddVote(conflict); !errors.Is(err, ErrConflictingVote) {
		t.Errorf("expected ErrConflictingVote, got %v", err)
	}
	// The original vote stays retrievable for evidence building.
	if got := vs.GetVote(0); got == nil || *got.BlockHash != hashA {
		t.Error("original vote lost after conflict")
	}
	if vs.Weight() != 100 {
		t.Errorf("conflict changed tallied weight to %d", vs.Weight())
	}
}

func TestVoteSetRejections(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	vs := NewVoteSet("chain", 1, 0, types.VoteTypePrevote, valSet)
	hash := types.HashBytes([]byte("a"))

	if _, err := vs.AddVote(makeSignedVote(t, privs[0], "chain", types.VoteTypePrevote, 2, 0, &hash, 0)); !errors.Is(err, ErrInvalidVote) {
		t.Errorf("wrong height: expected ErrInvalidVote, got %v", err)
	}
	if _, err := vs.AddVote(makeSignedVote(t, privs[0], "chain", types.VoteTypePrecommit, 1, 0, &hash, 0)); !errors.Is(err, ErrInvalidVote) {
		t.Errorf("wrong type: expected ErrInvalidVote, got %v", err)
	}

	unknown := makeSignedVote(t, privs[0], "chain", types.VoteTypePrevote, 1, 0, &hash, 99)
	if _, err := vs.AddVote(unknown); !errors.Is(err, ErrUnknownValidator) {
		t.Errorf("expected ErrUnknownValidator, got %v", err)
	}

	// Signed by val1 but claiming index 0.
	forged := makeSignedVote(t, privs[1], "chain", types.VoteTypePrevote, 1, 0, &hash, 0)
	if _, err := vs.AddVote(forged); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
	if vs.Size() != 0 {
		t.Errorf("rejected votes left residue, size=%d", vs.Size())
	}
}

func TestMakeQC(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	vs := NewVoteSet("chain", 3, 1, types.VoteTypePrecommit, valSet)
	hash := types.HashBytes([]byte("block"))

	for _, i := range []int{3, 0, 2} {
		if _, err := vs.AddVote(makeSignedVote(t, privs[i], "chain", types.VoteTypePrecommit, 3, 1, &hash, uint32(i))); err != nil {
			t.Fatal(err)
		}
	}

	qc := vs.MakeQC()
	if qc == nil {
		t.Fatal("no certificate from a quorum")
	}
	if qc.Height != 3 || qc.Round != 1 || qc.BlockHash != hash || qc.Weight != 300 {
		t.Errorf("certificate fields wrong: %+v", qc)
	}
	if err := types.VerifyQCForBlock("chain", valSet, hash, 3, qc); err != nil {
		t.Errorf("built certificate does not verify: %v", err)
	}

	signers := qc.Signers()
	want := []uint32{0, 2, 3}
	if len(signers) != len(want) {
		t.Fatalf("signers = %v", signers)
	}
	for i := range want {
		if signers[i] != want[i] {
			t.Errorf("signers = %v, want %v", signers, want)
		}
	}
}

func TestMakeQCOnlyForPrecommits(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	vs := NewVoteSet("chain", 1, 0, types.VoteTypePrevote, valSet)
	hash := types.HashBytes([]byte("block"))
	for i := 0; i < 3; i++ {
		vs.AddVote(makeSignedVote(t, privs[i], "chain", types.VoteTypePrevote, 1, 0, &hash, uint32(i)))
	}
	if vs.MakeQC() != nil {
		t.Error("certificate built from prevotes")
	}
}

func TestHeightVoteSetRouting(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	hvs := NewHeightVoteSet("chain", 1, valSet)
	hash := types.HashBytes([]byte("block"))

	if hvs.Prevotes(0) != nil || hvs.Precommits(0) != nil {
		t.Error("round sets exist before first vote")
	}

	hvs.AddVote(makeSignedVote(t, privs[0], "chain", types.VoteTypePrevote, 1, 0, &hash, 0))
	hvs.AddVote(makeSignedVote(t, privs[0], "chain", types.VoteTypePrecommit, 1, 2, &hash, 0))

	if hvs.Prevotes(0) == nil || hvs.Prevotes(0).Size() != 1 {
		t.Error("prevote not routed to round 0")
	}
	if hvs.Precommits(2) == nil || hvs.Precommits(2).Size() != 1 {
		t.Error("precommit not routed to round 2")
	}
	if hvs.Precommits(0) != nil {
		t.Error("precommit leaked into round 0")
	}

	if _, err := hvs.AddVote(makeSignedVote(t, privs[0], "chain", types.VoteTypePrevote, 9, 0, &hash, 0)); !errors.Is(err, ErrInvalidHeight) {
		t.Errorf("expected ErrInvalidHeight, got %v", err)
	}
}

func TestHeightVoteSetResetInvalidatesReferences(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	hvs := NewHeightVoteSet("chain", 1, valSet)
	hash := types.HashBytes([]byte("block"))

	hvs.AddVote(makeSignedVote(t, privs[0], "chain", types.VoteTypePrevote, 1, 0, &hash, 0))
	stale := hvs.Prevotes(0)

	hvs.Reset(2, valSet)
	if hvs.Height() != 2 {
		t.Fatalf("height = %d after reset", hvs.Height())
	}
	if hvs.Prevotes(0) != nil {
		t.Error("old round sets survived reset")
	}

	if _, err := stale.AddVote(makeSignedVote(t, privs[1], "chain", types.VoteTypePrevote, 1, 0, &hash, 1)); !errors.Is(err, ErrStaleVoteSet) {
		t.Errorf("expected ErrStaleVoteSet on pre-reset reference, got %v", err)
	}
}
