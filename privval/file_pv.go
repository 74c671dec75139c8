package privval

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/crestchain/crest/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
	dirPerm       = 0700
)

// FilePV is a file-backed private validator. The key file holds the BLS
// key pair; the state file is rewritten before every signature so that a
// crash between signing and broadcasting cannot lead to a conflicting
// signature after restart.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	privKey *types.PrivateKey
	pubKey  types.PublicKey

	lastSignState LastSignState
}

// FilePVKey is the key file layout.
type FilePVKey struct {
	PubKey  string `json:"pub_key"`
	PrivKey string `json:"priv_key"`
}

// FilePVState is the state file layout.
type FilePVState struct {
	Height    uint64 `json:"height"`
	Round     uint32 `json:"round"`
	Step      int8   `json:"step"`
	Signature string `json:"signature,omitempty"`
	BlockHash string `json:"block_hash,omitempty"`
}

// NewFilePV loads a private validator from disk, generating a fresh key if
// the key file does not exist yet.
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV creates a private validator with a new key pair and writes
// both files.
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	priv := types.GeneratePrivateKey()
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		privKey:       priv,
		pubKey:        priv.PublicKey(),
	}
	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) {
		priv := types.GeneratePrivateKey()
		pv.privKey = priv
		pv.pubKey = priv.PublicKey()
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}

	privBytes, err := hex.DecodeString(key.PrivKey)
	if err != nil {
		return fmt.Errorf("failed to decode private key: %w", err)
	}
	priv, err := types.PrivateKeyFromBytes(privBytes)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	pub, err := types.PublicKeyFromHex(key.PubKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if !priv.PublicKey().Equal(pub) {
		return fmt.Errorf("key file public key does not match private key")
	}

	pv.privKey = priv
	pv.pubKey = pub
	return nil
}

func (pv *FilePV) saveKey() error {
	if err := os.MkdirAll(filepath.Dir(pv.keyFilePath), dirPerm); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	key := FilePVKey{
		PubKey:  pv.pubKey.String(),
		PrivKey: hex.EncodeToString(pv.privKey.Bytes()),
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := os.WriteFile(pv.keyFilePath, data, keyFilePerm); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		pv.lastSignState = LastSignState{}
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state FilePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	pv.lastSignState = LastSignState{
		Height: state.Height,
		Round:  state.Round,
		Step:   state.Step,
	}
	if state.Signature != "" {
		sig, err := hex.DecodeString(state.Signature)
		if err != nil {
			return fmt.Errorf("failed to decode state signature: %w", err)
		}
		pv.lastSignState.Signature = sig
	}
	if state.BlockHash != "" {
		raw, err := hex.DecodeString(state.BlockHash)
		if err != nil || len(raw) != len(types.Hash{}) {
			return fmt.Errorf("failed to decode state block hash")
		}
		var h types.Hash
		copy(h[:], raw)
		pv.lastSignState.BlockHash = &h
	}
	return nil
}

func (pv *FilePV) saveState() error {
	if err := os.MkdirAll(filepath.Dir(pv.stateFilePath), dirPerm); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	state := FilePVState{
		Height: pv.lastSignState.Height,
		Round:  pv.lastSignState.Round,
		Step:   pv.lastSignState.Step,
	}
	if len(pv.lastSignState.Signature) > 0 {
		state.Signature = hex.EncodeToString(pv.lastSignState.Signature)
	}
	if pv.lastSignState.BlockHash != nil {
		state.BlockHash = hex.EncodeToString(pv.lastSignState.BlockHash[:])
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(pv.stateFilePath, data, stateFilePerm); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// GetPubKey returns the public key.
func (pv *FilePV) GetPubKey() types.PublicKey {
	return pv.pubKey
}

// SignVote signs a vote. Re-signing the exact vote of the last signature
// returns the cached signature; any other vote at the same coordinates is
// a double-sign and is refused.
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	step := VoteStep(vote.Type)

	if err := pv.lastSignState.CheckHRS(vote.Height, vote.Round, step); err != nil {
		if err == ErrDoubleSign && pv.isSameVote(vote) {
			vote.Signature = pv.lastSignState.Signature
			return nil
		}
		return err
	}

	sig, err := pv.privKey.Sign(vote.SignBytes(chainID))
	if err != nil {
		return fmt.Errorf("failed to sign vote: %w", err)
	}

	// Persist the new state before releasing the signature.
	pv.lastSignState.Height = vote.Height
	pv.lastSignState.Round = vote.Round
	pv.lastSignState.Step = step
	pv.lastSignState.Signature = sig
	pv.lastSignState.BlockHash = types.CopyHash(vote.BlockHash)
	if err := pv.saveState(); err != nil {
		return err
	}

	vote.Signature = sig
	return nil
}

// SignProposal signs a proposal.
func (pv *FilePV) SignProposal(chainID string, proposal *types.Proposal) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	sig, err := pv.privKey.Sign(types.ProposalSignBytes(chainID, proposal))
	if err != nil {
		return fmt.Errorf("failed to sign proposal: %w", err)
	}
	proposal.Signature = sig
	return nil
}

// isSameVote reports whether a vote matches the one last signed. The sign
// bytes cover type, height, round and block hash, so hash equality at
// identical coordinates means an identical payload.
func (pv *FilePV) isSameVote(vote *types.Vote) bool {
	if pv.lastSignState.BlockHash == nil && vote.BlockHash == nil {
		return true
	}
	if pv.lastSignState.BlockHash == nil || vote.BlockHash == nil {
		return false
	}
	return types.HashEqual(*pv.lastSignState.BlockHash, *vote.BlockHash)
}

// Reset clears the sign state. Only for tests; on a live network this
// reopens the double-sign window.
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = LastSignState{}
	return pv.saveState()
}

var _ PrivValidator = (*FilePV)(nil)
