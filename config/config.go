// Package config loads node configuration from a file or environment
// through viper and turns the declared cluster into a validator set.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crestchain/crest/types"
)

// Config describes one node and the cluster it belongs to.
type Config struct {
	// Name is this node's identity in the cluster maps.
	Name string
	// ChainID is mixed into every signature payload.
	ChainID string
	// DataDir holds the database, WAL and signing state.
	DataDir string

	// BindAddr is the listen address for peer connections.
	BindAddr string
	// PeerAddrs maps validator names to reachable addresses.
	PeerAddrs map[string]string
	// MaxPool bounds idle pooled connections per peer.
	MaxPool int

	// PrivateKey is this node's BLS signing key. Empty for
	// non-validator nodes; they follow the chain through block sync.
	PrivateKey *types.PrivateKey

	// Validators is the cluster membership in index order.
	Validators []ValidatorConfig

	// ProposeTimeout is the base wait for a proposal; it grows linearly
	// with the round number, as do the vote timeouts.
	ProposeTimeout   time.Duration
	PrevoteTimeout   time.Duration
	PrecommitTimeout time.Duration
	CommitTimeout    time.Duration

	CreateEmptyBlocks bool
	MaxBlockTxs       int
	MaxPoolTxs        int

	LogLevel string
}

// ValidatorConfig is one cluster member as declared in the config file.
type ValidatorConfig struct {
	Name      string
	PublicKey string // hex
	Weight    uint64
}

// Load reads the named config file (searched in ./ and dir), with
// environment overrides under the given prefix.
func Load(prefix, name, dir string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigName(name)
	v.AddConfigPath("./")
	if dir != "" {
		v.AddConfigPath(dir)
	}

	v.SetDefault("max_pool", 3)
	v.SetDefault("propose_timeout", "3s")
	v.SetDefault("prevote_timeout", "1s")
	v.SetDefault("precommit_timeout", "1s")
	v.SetDefault("commit_timeout", "1s")
	v.SetDefault("create_empty_blocks", true)
	v.SetDefault("max_block_txs", 500)
	v.SetDefault("max_pool_txs", 5000)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Name:              v.GetString("name"),
		ChainID:           v.GetString("chain_id"),
		DataDir:           v.GetString("data_dir"),
		BindAddr:          v.GetString("bind_addr"),
		MaxPool:           v.GetInt("max_pool"),
		ProposeTimeout:    v.GetDuration("propose_timeout"),
		PrevoteTimeout:    v.GetDuration("prevote_timeout"),
		PrecommitTimeout:  v.GetDuration("precommit_timeout"),
		CommitTimeout:     v.GetDuration("commit_timeout"),
		CreateEmptyBlocks: v.GetBool("create_empty_blocks"),
		MaxBlockTxs:       v.GetInt("max_block_txs"),
		MaxPoolTxs:        v.GetInt("max_pool_txs"),
		LogLevel:          v.GetString("log_level"),
	}

	if s := v.GetString("private_key"); s != "" {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("bad private_key: %w", err)
		}
		key, err := types.PrivateKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("bad private_key: %w", err)
		}
		cfg.PrivateKey = key
	}

	cfg.PeerAddrs = v.GetStringMapString("peer_addrs")

	valMaps := v.Get("validators")
	if valMaps != nil {
		list, ok := valMaps.([]interface{})
		if !ok {
			return nil, errors.New("validators must be a list")
		}
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, errors.New("validators entries must be maps")
			}
			vc := ValidatorConfig{}
			if s, ok := m["name"].(string); ok {
				vc.Name = s
			}
			if s, ok := m["public_key"].(string); ok {
				vc.PublicKey = s
			}
			switch w := m["weight"].(type) {
			case int:
				vc.Weight = uint64(w)
			case int64:
				vc.Weight = uint64(w)
			case float64:
				vc.Weight = uint64(w)
			}
			cfg.Validators = append(cfg.Validators, vc)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks fields a node cannot run without.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("config: missing name")
	}
	if c.ChainID == "" {
		return errors.New("config: missing chain_id")
	}
	if len(c.Validators) == 0 {
		return errors.New("config: no validators declared")
	}
	return nil
}

// BuildValidatorSet decodes the declared members into a validator set.
// Indices follow declaration order.
func (c *Config) BuildValidatorSet() (*types.ValidatorSet, error) {
	vals := make([]*types.Validator, 0, len(c.Validators))
	for i, vc := range c.Validators {
		pk, err := types.PublicKeyFromHex(vc.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %q: %w", vc.Name, err)
		}
		vals = append(vals, &types.Validator{
			Name:      vc.Name,
			Index:     uint32(i),
			PublicKey: pk,
			Weight:    vc.Weight,
		})
	}
	return types.NewValidatorSet(vals)
}
