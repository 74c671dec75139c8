package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/crestchain/crest/evidence"
	"github.com/crestchain/crest/types"
	"github.com/crestchain/crest/wal"
)

// testSigner signs directly with a key, without the double-sign state a
// production validator carries.
type testSigner struct {
	priv *types.PrivateKey
}

func (s *testSigner) GetPubKey() types.PublicKey { return s.priv.PublicKey() }

func (s *testSigner) SignVote(chainID string, v *types.Vote) error {
	sig, err := s.priv.Sign(v.SignBytes(chainID))
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

func (s *testSigner) SignProposal(chainID string, p *types.Proposal) error {
	sig, err := s.priv.Sign(types.ProposalSignBytes(chainID, p))
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// fakeExecutor produces deterministic empty blocks and records applies.
type fakeExecutor struct {
	mu        sync.Mutex
	chainID   string
	decline   bool
	committed []*types.Block
	commitCh  chan *types.Block
}

func newFakeExecutor(chainID string) *fakeExecutor {
	return &fakeExecutor{chainID: chainID, commitCh: make(chan *types.Block, 64)}
}

func (f *fakeExecutor) CreateProposalBlock(height uint64, lastQC *types.QuorumCertificate, proposer *types.Validator) (*types.Block, error) {
	f.mu.Lock()
	decline := f.decline
	f.mu.Unlock()
	if decline {
		return nil, ErrEmptyBatch
	}
	return &types.Block{
		Header: types.Header{
			ChainID:       f.chainID,
			Height:        height,
			Time:          height, // deterministic across proposers
			TxRoot:        types.EmptyRoot,
			ReceiptRoot:   types.EmptyRoot,
			StateRoot:     types.EmptyRoot,
			ProposerIndex: proposer.Index,
		},
		QC: types.CopyQC(lastQC),
	}, nil
}

func (f *fakeExecutor) ValidateBlock(block *types.Block) error { return nil }

func (f *fakeExecutor) ApplyBlock(block *types.Block, qc *types.QuorumCertificate) error {
	f.mu.Lock()
	f.committed = append(f.committed, types.CopyBlock(block))
	f.mu.Unlock()
	select {
	case f.commitCh <- block:
	default:
	}
	return nil
}

func (f *fakeExecutor) setDecline(d bool) {
	f.mu.Lock()
	f.decline = d
	f.mu.Unlock()
}

func (f *fakeExecutor) committedBlocks() []*types.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Block, len(f.committed))
	copy(out, f.committed)
	return out
}

func testEngineConfig() *Config {
	return &Config{
		ChainID: "test-chain",
		Timeouts: TimeoutConfig{
			Propose:        200 * time.Millisecond,
			ProposeDelta:   100 * time.Millisecond,
			Prevote:        100 * time.Millisecond,
			PrevoteDelta:   50 * time.Millisecond,
			Precommit:      100 * time.Millisecond,
			PrecommitDelta: 50 * time.Millisecond,
			Commit:         50 * time.Millisecond,
		},
		CreateEmptyBlocks: true,
		SkipTimeoutCommit: true,
	}
}

// testNetwork wires n consensus states directly to each other.
type testNetwork struct {
	states    []*ConsensusState
	executors []*fakeExecutor
}

func newTestNetwork(t *testing.T, n int) *testNetwork {
	return newTestNetworkWithConfig(t, n, testEngineConfig)
}

func newTestNetworkWithConfig(t *testing.T, n int, config func() *Config) *testNetwork {
	t.Helper()
	valSet, privs := makeTestValidators(t, n)

	net := &testNetwork{}
	for i := 0; i < n; i++ {
		exec := newFakeExecutor("test-chain")
		cs := NewConsensusState(config(), valSet.Copy(), &testSigner{priv: privs[i]}, &wal.NopWAL{}, exec, nil)
		net.states = append(net.states, cs)
		net.executors = append(net.executors, exec)
	}

	for i, cs := range net.states {
		self := i
		cs.SetBroadcasters(
			func(p *types.Proposal) {
				for j, other := range net.states {
					if j != self {
						cp := *p
						other.AddProposal(&cp)
					}
				}
			},
			func(v *types.Vote) {
				for j, other := range net.states {
					if j != self {
						other.AddVote(types.CopyVote(v))
					}
				}
			},
		)
	}
	return net
}

func (net *testNetwork) start(t *testing.T) {
	t.Helper()
	for _, cs := range net.states {
		if err := cs.Start(1, nil); err != nil {
			t.Fatalf("failed to start consensus: %v", err)
		}
	}
	t.Cleanup(func() {
		for _, cs := range net.states {
			cs.Stop()
		}
	})
}

func waitForCommit(t *testing.T, exec *fakeExecutor, height uint64, timeout time.Duration) *types.Block {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case b := <-exec.commitCh:
			if b.Header.Height == height {
				return b
			}
		case <-deadline:
			t.Fatalf("no commit at height %d within %v", height, timeout)
			return nil
		}
	}
}

func TestSingleValidatorCommits(t *testing.T) {
	net := newTestNetwork(t, 1)
	net.start(t)

	for h := uint64(1); h <= 3; h++ {
		b := waitForCommit(t, net.executors[0], h, 5*time.Second)
		if b.Header.Height != h {
			t.Fatalf("committed height %d, want %d", b.Header.Height, h)
		}
	}
}

func TestFourValidatorsAgree(t *testing.T) {
	net := newTestNetwork(t, 4)
	net.start(t)

	var hashes [4]types.Hash
	for i, exec := range net.executors {
		b := waitForCommit(t, exec, 1, 10*time.Second)
		hashes[i] = types.BlockHash(b)
	}
	for i := 1; i < 4; i++ {
		if hashes[i] != hashes[0] {
			t.Fatalf("node %d committed %s, node 0 committed %s", i, hashes[i].Hex(), hashes[0].Hex())
		}
	}
}

func TestCommitProducesCertificate(t *testing.T) {
	net := newTestNetwork(t, 4)
	net.start(t)

	b := waitForCommit(t, net.executors[0], 1, 10*time.Second)
	blockHash := types.BlockHash(b)

	// LastQC must certify the block every node committed.
	var qc *types.QuorumCertificate
	for i := 0; i < 100; i++ {
		qc = net.states[0].LastQC()
		if qc != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if qc == nil {
		t.Fatal("no certificate after commit")
	}
	if err := types.VerifyQCForBlock("test-chain", net.states[0].validatorSet, blockHash, 1, qc); err != nil {
		t.Errorf("commit certificate does not verify: %v", err)
	}
}

func TestRoundAdvancesWithoutProposal(t *testing.T) {
	net := newTestNetwork(t, 4)
	for _, exec := range net.executors {
		exec.setDecline(true)
	}
	net.start(t)

	// With every proposer declining, each round times out into nil
	// prevotes and a nil precommit quorum, which advances the round.
	deadline := time.Now().Add(10 * time.Second)
	for {
		height, round, _ := net.states[0].GetState()
		if height == 1 && round >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("round never advanced: height=%d round=%d", height, round)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Re-enable proposals; consensus must recover and commit.
	for _, exec := range net.executors {
		exec.setDecline(false)
	}
	waitForCommit(t, net.executors[0], 1, 15*time.Second)
}

func TestCommitCallback(t *testing.T) {
	net := newTestNetwork(t, 1)
	committed := make(chan uint64, 8)
	net.states[0].SetCommitCallback(func(b *types.Block, qc *types.QuorumCertificate) {
		committed <- b.Header.Height
	})
	net.start(t)

	select {
	case h := <-committed:
		if h != 1 {
			t.Errorf("first commit callback at height %d", h)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("commit callback never fired")
	}
}

func TestCommitCallbackReentersState(t *testing.T) {
	net := newTestNetwork(t, 1)
	cs := net.states[0]
	committed := make(chan uint64, 8)
	cs.SetCommitCallback(func(b *types.Block, qc *types.QuorumCertificate) {
		// Reading engine state from inside the callback must not block.
		cs.GetState()
		cs.LastQC()
		committed <- b.Header.Height
	})
	net.start(t)

	for want := uint64(1); want <= 2; want++ {
		select {
		case h := <-committed:
			if h != want {
				t.Fatalf("commit callback height %d, want %d", h, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("commit callback for height %d never fired", want)
		}
	}
}

func TestCommitTimeoutAdvancesHeight(t *testing.T) {
	config := func() *Config {
		c := testEngineConfig()
		c.SkipTimeoutCommit = false
		return c
	}
	net := newTestNetworkWithConfig(t, 1, config)
	net.start(t)

	// With the commit timeout in effect, each height starts only after
	// the timeout fires; heights must keep advancing regardless.
	for h := uint64(1); h <= 3; h++ {
		waitForCommit(t, net.executors[0], h, 5*time.Second)
	}
}

func TestConflictingVotesPooledAcrossRestart(t *testing.T) {
	valSet, privs := makeTestValidators(t, 4)
	exec := newFakeExecutor("test-chain")
	cs := NewConsensusState(testEngineConfig(), valSet.Copy(), &testSigner{priv: privs[0]}, &wal.NopWAL{}, exec, nil)
	pool := evidence.NewPool(evidence.DefaultConfig(), "test-chain", valSet, nil)
	cs.SetEvidenceCollector(pool)

	if err := cs.Start(1, nil); err != nil {
		t.Fatalf("failed to start consensus: %v", err)
	}

	hashA := types.Hash{1}
	hashB := types.Hash{2}
	cs.AddVote(makeSignedVote(t, privs[1], "test-chain", types.VoteTypePrevote, 1, 0, &hashA, 1))
	time.Sleep(100 * time.Millisecond)

	// The restart resets the per-height vote tracker; only the evidence
	// pool still remembers the first vote.
	if err := cs.Stop(); err != nil {
		t.Fatalf("failed to stop consensus: %v", err)
	}
	if err := cs.Start(1, nil); err != nil {
		t.Fatalf("failed to restart consensus: %v", err)
	}
	defer cs.Stop()

	cs.AddVote(makeSignedVote(t, privs[1], "test-chain", types.VoteTypePrevote, 1, 0, &hashB, 1))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if evs := pool.PendingEvidence(1); len(evs) == 1 {
			if evs[0].ValidatorIndex != 1 {
				t.Errorf("evidence names validator %d, want 1", evs[0].ValidatorIndex)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("conflicting votes never pooled")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
