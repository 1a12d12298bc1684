package payflow

import (
	"fmt"
	"net/http"
	"strings"

	solana "github.com/gagliardetto/solana-go"
)

// Network is a chain network identifier (e.g. "mainnet-beta", "devnet").
// Challenge/identity network comparison is exact string equality: near-matches
// like "mainnet" vs "mainnet-beta" never match.
type Network string

// Equal reports whether the two identifiers are exactly the same string.
func (n Network) Equal(other Network) bool {
	return n == other
}

// AssetAmount is an amount of a specific asset, expressed as a decimal string
// (e.g. {"0.001", "USDC"}).
type AssetAmount struct {
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

// PaymentRequirement is the caller-supplied template for one paid resource
// call. DeclaredCost is advisory only: it drives the auto-approval check and
// nothing else. The actual amount owed comes from the server's 402 challenge.
type PaymentRequirement struct {
	ResourceURL string
	Method      string
	Headers     map[string]string
	Body        []byte

	DeclaredCost AssetAmount
}

// Validate checks the requirement is well-formed enough to attempt.
func (r PaymentRequirement) Validate() error {
	if r.ResourceURL == "" {
		return fmt.Errorf("resource URL is required")
	}
	if !strings.HasPrefix(r.ResourceURL, "http://") && !strings.HasPrefix(r.ResourceURL, "https://") {
		return fmt.Errorf("resource URL must be http(s): %s", r.ResourceURL)
	}
	if r.Method != "" {
		switch r.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead:
		default:
			return fmt.Errorf("unsupported HTTP method: %s", r.Method)
		}
	}
	return nil
}

// ResourcePayload is the response fetched from the resource server. The body
// format is opaque to the payment subsystem.
type ResourcePayload struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// PaymentChallenge is the parsed, validated form of a 402 response body.
// RequiredAmount is authoritative and in integer base units of Asset.
type PaymentChallenge struct {
	RequiredAmount uint64
	Asset          string
	Network        Network
	PayTo          string
	Scheme         string
}

// TransferReceipt tracks one custodial transfer leg.
type TransferReceipt struct {
	Asset     string
	Amount    uint64
	Signature solana.Signature
	Submitted bool
	Confirmed bool
}

// FundingResult holds the two transfer receipts produced by funding an
// ephemeral identity: one stable-asset leg and one gas-asset leg.
type FundingResult struct {
	Stable TransferReceipt
	Gas    TransferReceipt
}

// Submitted reports whether at least one leg reached the chain. A partially
// submitted funding still requires a sweep.
func (r *FundingResult) Submitted() bool {
	if r == nil {
		return false
	}
	return r.Stable.Submitted || r.Gas.Submitted
}

// Confirmed reports whether both legs are observed confirmed. Settlement must
// not begin before this holds.
func (r *FundingResult) Confirmed() bool {
	if r == nil {
		return false
	}
	return r.Stable.Confirmed && r.Gas.Confirmed
}

// SweepResult reports what a sweep recovered and what it left behind,
// per asset symbol, in base units.
type SweepResult struct {
	Swept        map[string]uint64
	ResidualDust map[string]uint64
}

// NewSweepResult returns an empty result with both maps allocated.
func NewSweepResult() *SweepResult {
	return &SweepResult{
		Swept:        make(map[string]uint64),
		ResidualDust: make(map[string]uint64),
	}
}

// ExceedsDust reports the assets whose residual is at or above the given
// per-asset thresholds. A non-empty return means the identity must be flagged
// for manual recovery.
func (r *SweepResult) ExceedsDust(thresholds map[string]uint64) []string {
	if r == nil {
		return nil
	}
	var over []string
	for asset, residual := range r.ResidualDust {
		threshold, ok := thresholds[asset]
		if !ok {
			continue
		}
		if residual >= threshold {
			over = append(over, asset)
		}
	}
	return over
}
