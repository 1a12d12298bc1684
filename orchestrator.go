package payflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Funder transfers custodial funds to an ephemeral address. Implemented by
// funding.Gateway.
type Funder interface {
	// Fund submits the stable-asset and gas-asset transfers. When one leg was
	// submitted before the other failed, Fund returns both the partial result
	// and the error so the caller can still sweep.
	Fund(ctx context.Context, dest solana.PublicKey, stableAmount, gasAmount string) (*FundingResult, error)

	// AwaitConfirmed blocks until both legs are observed confirmed.
	AwaitConfirmed(ctx context.Context, result *FundingResult) error

	// CustodialAddress is the sweep destination.
	CustodialAddress() solana.PublicKey
}

// Settler runs the challenge/response protocol against the resource server.
// Implemented by settlement.Handler.
type Settler interface {
	Settle(ctx context.Context, req PaymentRequirement, id *EphemeralIdentity) (*ResourcePayload, error)
}

// Sweeper returns residual ephemeral balances to the custodial address.
// Implemented by sweep.Manager.
type Sweeper interface {
	Sweep(ctx context.Context, id *EphemeralIdentity, custodial solana.PublicKey) (*SweepResult, error)
}

// RecoveryRecorder is invoked when a sweep leaves more than the dust
// threshold behind, with the identity address (never the key) and the
// residual per asset, so operators can reclaim the funds later.
type RecoveryRecorder func(address string, residual map[string]uint64)

// Orchestrator sequences funding, settlement, and sweep for single payment
// attempts. It is the only entry point the application layer calls.
type Orchestrator struct {
	cfg      Config
	funder   Funder
	settler  Settler
	sweeper  Sweeper
	recovery RecoveryRecorder

	newIdentity func(Network) (*EphemeralIdentity, error)
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRecoveryRecorder sets the manual-recovery callback.
func WithRecoveryRecorder(rec RecoveryRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.recovery = rec
	}
}

// WithIdentityFactory overrides keypair generation. Intended for tests.
func WithIdentityFactory(factory func(Network) (*EphemeralIdentity, error)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.newIdentity = factory
	}
}

// NewOrchestrator wires the three collaborators under one failure policy.
func NewOrchestrator(cfg Config, funder Funder, settler Settler, sweeper Sweeper, opts ...OrchestratorOption) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:         cfg,
		funder:      funder,
		settler:     settler,
		sweeper:     sweeper,
		newIdentity: NewEphemeralIdentity,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ShouldAutoApprove reports whether a declared cost may proceed without
// explicit user confirmation: true strictly below the configured ceiling,
// false at or above it, false for unknown assets or unparseable amounts.
// Callers must run this check before PayAndFetch; it is never consulted
// inside retry logic.
func (o *Orchestrator) ShouldAutoApprove(amount, asset string) bool {
	ceilingStr, ok := o.cfg.AutoApproveCeilings[asset]
	if !ok {
		return false
	}
	amt, err := parseDecimal(amount)
	if err != nil {
		return false
	}
	ceiling, err := parseDecimal(ceilingStr)
	if err != nil {
		return false
	}
	return amt.Cmp(ceiling) < 0
}

// PayAndFetch executes one complete payment attempt: create identity, fund
// it, settle against the resource, and sweep the remainder back.
//
// Sweep is guaranteed on every path that funded the identity, including
// panics and caller cancellation; cancellation defers cleanup rather than
// skipping it. A sweep failure never fails the overall call: it is logged as
// an operational warning and, above the dust threshold, handed to the
// recovery recorder.
func (o *Orchestrator) PayAndFetch(ctx context.Context, req PaymentRequirement) (*ResourcePayload, error) {
	if err := req.Validate(); err != nil {
		return nil, NewError(PhaseConfig, ErrCodeMalformedRequirement, err.Error())
	}

	attempt := uuid.NewString()
	log := o.cfg.Logger.With("attempt", attempt, "resource", req.ResourceURL)

	id, err := o.newIdentity(o.cfg.Network)
	if err != nil {
		return nil, NewError(PhaseConfig, ErrCodeMalformedRequirement, "keypair generation failed").WithCause(err)
	}
	defer id.Destroy()
	log = log.With("identity", id)

	fundingCtx, cancelFunding := context.WithTimeout(ctx, o.cfg.FundingTimeout)
	defer cancelFunding()

	funded, err := o.funder.Fund(fundingCtx, id.Address(), o.cfg.StableFunding, o.cfg.GasFunding)
	if err != nil {
		// A partially submitted funding already moved custodial money, so the
		// identity must still be swept even though the attempt is over.
		if funded.Submitted() {
			log.Warn("funding partially submitted, sweeping before abort", "error", err)
			o.abortFundedAttempt(ctx, log, id, funded)
		}
		return nil, err
	}
	if err := o.funder.AwaitConfirmed(fundingCtx, funded); err != nil {
		log.Warn("funding confirmation failed, sweeping before abort", "error", err)
		o.abortFundedAttempt(ctx, log, id, funded)
		return nil, err
	}
	log.Info("identity funded",
		"stable", funded.Stable.Signature,
		"gas", funded.Gas.Signature,
	)

	// Identity is funded from here on: sweep must run exactly once whatever
	// settlement does, including a panic.
	swept := false
	runSweep := func() {
		if swept {
			return
		}
		swept = true
		o.sweepAndReport(ctx, log, id)
	}
	defer runSweep()

	payload, err := o.settleWithRetry(ctx, log, req, id)
	runSweep()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// settleWithRetry retries transient transport failures up to the configured
// bound. Fatal settlement errors (rejection, parse, network mismatch) are
// surfaced on first occurrence.
func (o *Orchestrator) settleWithRetry(ctx context.Context, log *slog.Logger, req PaymentRequirement, id *EphemeralIdentity) (*ResourcePayload, error) {
	var lastErr error
	for i := 0; i <= o.cfg.SettlementRetries; i++ {
		if i > 0 {
			log.Info("retrying settlement after transient error", "try", i+1, "error", lastErr)
			select {
			case <-time.After(o.cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, NewTransientError(PhaseSettlement, ErrCodeTransientIO, "settlement canceled during backoff", ctx.Err())
			}
		}

		settleCtx, cancel := context.WithTimeout(ctx, o.cfg.SettlementTimeout)
		payload, err := o.settler.Settle(settleCtx, req, id)
		cancel()
		if err == nil {
			return payload, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// abortFundedAttempt sweeps an identity whose funding was submitted but whose
// attempt is over. Submitted legs are confirmed first, detached from caller
// cancellation: sweeping before the transfers are visible at confirmed
// commitment would read a zero balance and silently strand the funds on the
// abandoned address. If confirmation still fails the identity is flagged for
// manual recovery, because the sweep's balance reads cannot be trusted.
func (o *Orchestrator) abortFundedAttempt(ctx context.Context, log *slog.Logger, id *EphemeralIdentity, funded *FundingResult) {
	if !funded.Confirmed() {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SweepTimeout)
		err := o.funder.AwaitConfirmed(waitCtx, funded)
		cancel()
		if err != nil {
			log.Warn("submitted funding leg unconfirmed at sweep time, flagging for manual recovery", "error", err)
			if o.recovery != nil {
				o.recovery(id.Address().String(), nil)
			}
		}
	}
	o.sweepAndReport(ctx, log, id)
}

// sweepAndReport runs the sweep under its own deadline, detached from caller
// cancellation, retrying transient broadcast failures. It never returns an
// error: failures are warnings for operational follow-up, and residuals above
// the dust threshold are flagged for manual recovery.
func (o *Orchestrator) sweepAndReport(ctx context.Context, log *slog.Logger, id *EphemeralIdentity) {
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SweepTimeout)
	defer cancel()

	var result *SweepResult
	var err error
	for i := 0; i <= o.cfg.SweepRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(o.cfg.RetryBackoff):
			case <-sweepCtx.Done():
			}
			if sweepCtx.Err() != nil {
				break
			}
		}
		result, err = o.sweeper.Sweep(sweepCtx, id, o.funder.CustodialAddress())
		if err == nil || !IsTransient(err) {
			break
		}
	}

	if err != nil {
		log.Warn("sweep failed, funds may be stranded on ephemeral address", "error", err)
		if o.recovery != nil {
			var residual map[string]uint64
			if result != nil {
				residual = result.ResidualDust
			}
			o.recovery(id.Address().String(), residual)
		}
		return
	}

	if over := result.ExceedsDust(o.cfg.DustThresholds); len(over) > 0 {
		log.Warn("sweep left more than dust behind, flagging for manual recovery",
			"assets", over, "residual", result.ResidualDust)
		if o.recovery != nil {
			o.recovery(id.Address().String(), result.ResidualDust)
		}
		return
	}

	log.Info("sweep complete", "swept", result.Swept, "residual", result.ResidualDust)
}
