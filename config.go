package payflow

import (
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

// Config carries the orchestrator's explicit configuration. There is no
// ambient "current network" state anywhere in this subsystem: the network a
// payment runs on is whatever this value says, so tests can run several
// networks side by side.
type Config struct {
	// Network is the chain network identifier every challenge must match
	// exactly (e.g. "mainnet-beta").
	Network Network

	// StableFunding and GasFunding are the decimal amounts transferred to
	// each fresh ephemeral identity.
	StableFunding string
	GasFunding    string

	// AutoApproveCeilings maps asset symbol to the decimal amount at or
	// above which the caller must obtain explicit user confirmation before
	// calling PayAndFetch. Assets with no entry are never auto-approved.
	AutoApproveCeilings map[string]string

	// DustThresholds maps asset symbol to the residual base units at or
	// above which a swept identity is flagged for manual recovery.
	DustThresholds map[string]uint64

	FundingTimeout    time.Duration
	SettlementTimeout time.Duration
	SweepTimeout      time.Duration

	// SettlementRetries and SweepRetries bound retry-with-backoff for
	// transient I/O failures. Fatal errors are never retried. Zero means the
	// default; a negative value disables retries for that phase.
	SettlementRetries int
	SweepRetries      int
	RetryBackoff      time.Duration

	Logger *slog.Logger
}

const (
	defaultFundingTimeout    = 90 * time.Second
	defaultSettlementTimeout = 60 * time.Second
	defaultSweepTimeout      = 90 * time.Second
	defaultRetryBackoff      = 2 * time.Second
	defaultSettlementRetries = 2
	defaultSweepRetries      = 3
)

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network identifier is required")
	}
	if _, err := parseDecimal(c.StableFunding); err != nil {
		return fmt.Errorf("invalid stable funding amount %q: %w", c.StableFunding, err)
	}
	if _, err := parseDecimal(c.GasFunding); err != nil {
		return fmt.Errorf("invalid gas funding amount %q: %w", c.GasFunding, err)
	}
	for asset, ceiling := range c.AutoApproveCeilings {
		if _, err := parseDecimal(ceiling); err != nil {
			return fmt.Errorf("invalid auto-approve ceiling for %s: %w", asset, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.FundingTimeout <= 0 {
		c.FundingTimeout = defaultFundingTimeout
	}
	if c.SettlementTimeout <= 0 {
		c.SettlementTimeout = defaultSettlementTimeout
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaultSweepTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	switch {
	case c.SettlementRetries == 0:
		c.SettlementRetries = defaultSettlementRetries
	case c.SettlementRetries < 0:
		c.SettlementRetries = 0
	}
	switch {
	case c.SweepRetries == 0:
		c.SweepRetries = defaultSweepRetries
	case c.SweepRetries < 0:
		c.SweepRetries = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// parseDecimal parses a non-negative decimal string.
func parseDecimal(s string) (*big.Rat, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("not a decimal number")
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount")
	}
	return r, nil
}
