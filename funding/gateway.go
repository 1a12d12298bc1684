// Package funding implements the custodial funding gateway: transferring a
// bounded amount of the stable asset plus gas to a fresh ephemeral address.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	solana "github.com/gagliardetto/solana-go"

	payflow "github.com/darkresearch/mallory-sub002"
	"github.com/darkresearch/mallory-sub002/chain"
	"github.com/darkresearch/mallory-sub002/custodian"
)

// Gateway funds ephemeral identities from the custodial wallet. Per-payment
// ceilings cap the blast radius of a buggy caller.
type Gateway struct {
	custodian custodian.Custodian
	client    chain.Client

	stableAsset chain.Asset
	gasAsset    chain.Asset

	// Ceilings in base units. Zero means the gateway refuses all transfers
	// of that asset, so both must be configured explicitly.
	maxStable uint64
	maxGas    uint64

	log *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the gateway's logger.
func WithLogger(log *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.log = log
	}
}

// NewGateway creates a funding gateway. maxStable and maxGas are per-payment
// ceilings in decimal notation.
func NewGateway(cust custodian.Custodian, client chain.Client, stableAsset, gasAsset chain.Asset, maxStable, maxGas string, opts ...GatewayOption) (*Gateway, error) {
	maxStableUnits, err := chain.ParseAmount(maxStable, stableAsset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid stable ceiling: %w", err)
	}
	maxGasUnits, err := chain.ParseAmount(maxGas, gasAsset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid gas ceiling: %w", err)
	}
	if maxStableUnits == 0 || maxGasUnits == 0 {
		return nil, fmt.Errorf("funding ceilings must be positive")
	}

	g := &Gateway{
		custodian:   cust,
		client:      client,
		stableAsset: stableAsset,
		gasAsset:    gasAsset,
		maxStable:   maxStableUnits,
		maxGas:      maxGasUnits,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// CustodialAddress returns the sweep destination.
func (g *Gateway) CustodialAddress() solana.PublicKey {
	return g.custodian.Address()
}

// Fund submits both transfers to dest. It returns once both are observed
// submitted; confirmation is awaited separately via AwaitConfirmed.
//
// When the stable leg was submitted but the gas leg fails (or vice versa) the
// partial result is returned alongside the error: the caller must still sweep
// the identity.
func (g *Gateway) Fund(ctx context.Context, dest solana.PublicKey, stableAmount, gasAmount string) (*payflow.FundingResult, error) {
	stableUnits, err := chain.ParseAmount(stableAmount, g.stableAsset.Decimals)
	if err != nil {
		return nil, payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeMalformedRequirement,
			fmt.Sprintf("invalid stable amount %q", stableAmount)).WithCause(err)
	}
	gasUnits, err := chain.ParseAmount(gasAmount, g.gasAsset.Decimals)
	if err != nil {
		return nil, payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeMalformedRequirement,
			fmt.Sprintf("invalid gas amount %q", gasAmount)).WithCause(err)
	}
	if stableUnits == 0 || gasUnits == 0 {
		return nil, payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeMalformedRequirement,
			"funding amounts must be positive")
	}
	if stableUnits > g.maxStable || gasUnits > g.maxGas {
		return nil, payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeFundingCeilingExceeded,
			"funding amount exceeds per-payment ceiling").WithDetails(map[string]interface{}{
			"stable":    stableAmount,
			"gas":       gasAmount,
			"maxStable": chain.FormatAmount(g.maxStable, g.stableAsset.Decimals),
			"maxGas":    chain.FormatAmount(g.maxGas, g.gasAsset.Decimals),
		})
	}

	if err := g.checkCustodialBalance(ctx, stableUnits, gasUnits); err != nil {
		return nil, err
	}

	cred, err := g.custodian.SessionCredential(ctx)
	if err != nil {
		if errors.Is(err, custodian.ErrSessionExpired) {
			return nil, payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeCustodianAuthExpired,
				"custodian signing session has lapsed").WithCause(err)
		}
		return nil, payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO,
			"failed to obtain session credential", err)
	}

	result := &payflow.FundingResult{
		Stable: payflow.TransferReceipt{Asset: g.stableAsset.Symbol, Amount: stableUnits},
		Gas:    payflow.TransferReceipt{Asset: g.gasAsset.Symbol, Amount: gasUnits},
	}

	stableSig, err := g.custodian.Transfer(ctx, cred, dest, stableUnits, g.stableAsset)
	if err != nil {
		return result, g.transferError(err, g.stableAsset)
	}
	result.Stable.Signature = stableSig
	result.Stable.Submitted = true

	gasSig, err := g.custodian.Transfer(ctx, cred, dest, gasUnits, g.gasAsset)
	if err != nil {
		// Stable leg already moved: report the partial result so the caller
		// sweeps it back.
		return result, g.transferError(err, g.gasAsset)
	}
	result.Gas.Signature = gasSig
	result.Gas.Submitted = true

	g.log.Info("funding transfers submitted",
		"dest", dest,
		"stable", stableSig,
		"gas", gasSig,
	)
	return result, nil
}

// AwaitConfirmed blocks until every submitted leg is confirmed on chain.
// Unsubmitted legs are skipped, so a partial funding can be awaited before
// it is swept.
func (g *Gateway) AwaitConfirmed(ctx context.Context, result *payflow.FundingResult) error {
	if !result.Submitted() {
		return payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeMalformedRequirement,
			"cannot await an unsubmitted funding")
	}
	if result.Stable.Submitted {
		if err := g.client.AwaitConfirmed(ctx, result.Stable.Signature); err != nil {
			return payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO,
				"stable funding transfer not confirmed", err)
		}
		result.Stable.Confirmed = true
	}
	if result.Gas.Submitted {
		if err := g.client.AwaitConfirmed(ctx, result.Gas.Signature); err != nil {
			return payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO,
				"gas funding transfer not confirmed", err)
		}
		result.Gas.Confirmed = true
	}
	return nil
}

func (g *Gateway) checkCustodialBalance(ctx context.Context, stableUnits, gasUnits uint64) error {
	stableBal, err := g.custodian.Balance(ctx, g.stableAsset)
	if err != nil {
		return payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO,
			"failed to read custodial stable balance", err)
	}
	gasBal, err := g.custodian.Balance(ctx, g.gasAsset)
	if err != nil {
		return payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO,
			"failed to read custodial gas balance", err)
	}

	// The gas leg also pays the two funding transaction fees.
	gasNeeded := gasUnits + 2*chain.SweepFeeLamports
	if stableBal < stableUnits || gasBal < gasNeeded {
		return payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeInsufficientCustodialBalance,
			"custodial wallet cannot cover the funding transfers").WithDetails(map[string]interface{}{
			"stableBalance": stableBal,
			"stableNeeded":  stableUnits,
			"gasBalance":    gasBal,
			"gasNeeded":     gasNeeded,
		})
	}
	return nil
}

func (g *Gateway) transferError(err error, asset chain.Asset) error {
	if errors.Is(err, custodian.ErrSessionExpired) {
		return payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeCustodianAuthExpired,
			"custodian signing session lapsed mid-funding").WithCause(err)
	}
	return payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO,
		fmt.Sprintf("%s funding transfer failed", asset.Symbol), err)
}
