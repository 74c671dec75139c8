package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crestchain/crest/types"
)

func testKeys(t *testing.T, n int) []*types.PrivateKey {
	t.Helper()
	keys := make([]*types.PrivateKey, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		keys[i] = types.PrivateKeyFromSeed(seed)
	}
	return keys
}

func writeConfigFile(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "crest.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	keys := testKeys(t, 2)

	writeConfigFile(t, dir, fmt.Sprintf(`name: node-0
chain_id: test-chain
data_dir: %s
bind_addr: 127.0.0.1:26000
private_key: %s
propose_timeout: 500ms
max_block_txs: 42
create_empty_blocks: false
peer_addrs:
  node-0: 127.0.0.1:26000
  node-1: 127.0.0.1:26001
validators:
  - name: node-0
    public_key: %s
    weight: 100
  - name: node-1
    public_key: %s
    weight: 50
`, dir, hex.EncodeToString(keys[0].Bytes()),
		keys[0].PublicKey().String(), keys[1].PublicKey().String()))

	cfg, err := Load("CRESTTEST", "crest", dir)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Name != "node-0" {
		t.Errorf("expected name node-0, got %q", cfg.Name)
	}
	if cfg.ChainID != "test-chain" {
		t.Errorf("expected chain id test-chain, got %q", cfg.ChainID)
	}
	if cfg.ProposeTimeout != 500*time.Millisecond {
		t.Errorf("expected propose timeout 500ms, got %v", cfg.ProposeTimeout)
	}
	if cfg.MaxBlockTxs != 42 {
		t.Errorf("expected 42 max block txs, got %d", cfg.MaxBlockTxs)
	}
	if cfg.CreateEmptyBlocks {
		t.Error("expected create_empty_blocks to be overridden to false")
	}

	// Unset fields keep their defaults.
	if cfg.PrevoteTimeout != time.Second {
		t.Errorf("expected default prevote timeout 1s, got %v", cfg.PrevoteTimeout)
	}
	if cfg.MaxPool != 3 {
		t.Errorf("expected default max pool 3, got %d", cfg.MaxPool)
	}
	if cfg.MaxPoolTxs != 5000 {
		t.Errorf("expected default max pool txs 5000, got %d", cfg.MaxPoolTxs)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}

	if cfg.PrivateKey == nil {
		t.Fatal("expected private key to be decoded")
	}
	if !cfg.PrivateKey.PublicKey().Equal(keys[0].PublicKey()) {
		t.Error("decoded private key does not match the one written")
	}

	if len(cfg.PeerAddrs) != 2 {
		t.Fatalf("expected 2 peer addrs, got %d", len(cfg.PeerAddrs))
	}
	if cfg.PeerAddrs["node-1"] != "127.0.0.1:26001" {
		t.Errorf("unexpected addr for node-1: %q", cfg.PeerAddrs["node-1"])
	}

	if len(cfg.Validators) != 2 {
		t.Fatalf("expected 2 validators, got %d", len(cfg.Validators))
	}
	if cfg.Validators[1].Name != "node-1" || cfg.Validators[1].Weight != 50 {
		t.Errorf("unexpected second validator: %+v", cfg.Validators[1])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("CRESTTEST", "no-such-config", t.TempDir()); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestLoadBadPrivateKey(t *testing.T) {
	dir := t.TempDir()
	keys := testKeys(t, 1)

	writeConfigFile(t, dir, fmt.Sprintf(`name: node-0
chain_id: test-chain
private_key: zznothex
validators:
  - name: node-0
    public_key: %s
    weight: 100
`, keys[0].PublicKey().String()))

	if _, err := Load("CRESTTEST", "crest", dir); err == nil {
		t.Error("expected an error for a malformed private key")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Name:    "node-0",
		ChainID: "test-chain",
		Validators: []ValidatorConfig{
			{Name: "node-0", PublicKey: "aa", Weight: 1},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid config to pass, got %v", err)
	}

	noName := valid
	noName.Name = ""
	if err := noName.Validate(); err == nil {
		t.Error("expected an error for a missing name")
	}

	noChain := valid
	noChain.ChainID = ""
	if err := noChain.Validate(); err == nil {
		t.Error("expected an error for a missing chain id")
	}

	noVals := valid
	noVals.Validators = nil
	if err := noVals.Validate(); err == nil {
		t.Error("expected an error for an empty validator list")
	}
}

func TestBuildValidatorSet(t *testing.T) {
	keys := testKeys(t, 3)

	cfg := Config{
		Name:    "node-0",
		ChainID: "test-chain",
	}
	for i, key := range keys {
		cfg.Validators = append(cfg.Validators, ValidatorConfig{
			Name:      fmt.Sprintf("node-%d", i),
			PublicKey: key.PublicKey().String(),
			Weight:    uint64(100 * (i + 1)),
		})
	}

	vs, err := cfg.BuildValidatorSet()
	if err != nil {
		t.Fatalf("failed to build validator set: %v", err)
	}
	if vs.Size() != 3 {
		t.Fatalf("expected 3 validators, got %d", vs.Size())
	}
	if vs.TotalWeight != 600 {
		t.Errorf("expected total weight 600, got %d", vs.TotalWeight)
	}
	for i, key := range keys {
		val := vs.GetByIndex(uint32(i))
		if val == nil {
			t.Fatalf("missing validator at index %d", i)
		}
		if !val.PublicKey.Equal(key.PublicKey()) {
			t.Errorf("validator %d has the wrong public key", i)
		}
		if val.Name != fmt.Sprintf("node-%d", i) {
			t.Errorf("expected declaration order to set indices, got %q at %d", val.Name, i)
		}
	}
}

func TestBuildValidatorSetBadKey(t *testing.T) {
	cfg := Config{
		Validators: []ValidatorConfig{
			{Name: "node-0", PublicKey: "not-hex", Weight: 1},
		},
	}
	if _, err := cfg.BuildValidatorSet(); err == nil {
		t.Error("expected an error for a malformed public key")
	}
}
