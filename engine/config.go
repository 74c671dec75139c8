package engine

import "errors"

// Config holds the consensus engine configuration.
type Config struct {
	// ChainID identifies the chain; it is mixed into every sign-bytes
	// payload to prevent cross-chain replay.
	ChainID string

	// Timeouts for each round step.
	Timeouts TimeoutConfig

	// CreateEmptyBlocks keeps height advancing during low transaction
	// volume by proposing empty placeholder blocks.
	CreateEmptyBlocks bool

	// SkipTimeoutCommit immediately starts the next height after commit
	// (used in tests to speed up rounds).
	SkipTimeoutCommit bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ChainID:           "crest-chain",
		Timeouts:          DefaultTimeoutConfig(),
		CreateEmptyBlocks: true,
	}
}

// ValidateBasic performs basic validation of the config.
func (cfg *Config) ValidateBasic() error {
	if cfg.ChainID == "" {
		return errors.New("engine config: empty chain id")
	}
	return nil
}
