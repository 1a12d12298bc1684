package payflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	payflow "github.com/darkresearch/mallory-sub002"
)

type fakeFunder struct {
	mu        sync.Mutex
	custodial solana.PublicKey

	fundErr    error
	partial    bool
	confirmErr error

	funded []solana.PublicKey
	awaits int
}

func newFakeFunder() *fakeFunder {
	key, _ := solana.NewRandomPrivateKey()
	return &fakeFunder{custodial: key.PublicKey()}
}

func (f *fakeFunder) Fund(_ context.Context, dest solana.PublicKey, _, _ string) (*payflow.FundingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funded = append(f.funded, dest)
	if f.fundErr != nil {
		if f.partial {
			return &payflow.FundingResult{
				Stable: payflow.TransferReceipt{Asset: "USDC", Submitted: true},
			}, f.fundErr
		}
		return nil, f.fundErr
	}
	return &payflow.FundingResult{
		Stable: payflow.TransferReceipt{Asset: "USDC", Submitted: true},
		Gas:    payflow.TransferReceipt{Asset: "SOL", Submitted: true},
	}, nil
}

func (f *fakeFunder) AwaitConfirmed(_ context.Context, result *payflow.FundingResult) error {
	f.mu.Lock()
	f.awaits++
	f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	if result.Stable.Submitted {
		result.Stable.Confirmed = true
	}
	if result.Gas.Submitted {
		result.Gas.Confirmed = true
	}
	return nil
}

func (f *fakeFunder) CustodialAddress() solana.PublicKey {
	return f.custodial
}

func (f *fakeFunder) fundCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.funded)
}

func (f *fakeFunder) awaitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.awaits
}

type fakeSettler struct {
	fn func(ctx context.Context, req payflow.PaymentRequirement, id *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error)

	mu    sync.Mutex
	calls int
}

func (s *fakeSettler) Settle(ctx context.Context, req payflow.PaymentRequirement, id *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx, req, id)
}

type fakeSweeper struct {
	mu     sync.Mutex
	calls  int
	ctxErr error
	result *payflow.SweepResult
	err    error
}

func (s *fakeSweeper) Sweep(ctx context.Context, id *payflow.EphemeralIdentity, _ solana.PublicKey) (*payflow.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return s.result, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return payflow.NewSweepResult(), nil
}

func (s *fakeSweeper) sweepCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig() payflow.Config {
	return payflow.Config{
		Network:             "mainnet-beta",
		StableFunding:       "0.01",
		GasFunding:          "0.002",
		AutoApproveCeilings: map[string]string{"USDC": "0.10"},
		DustThresholds:      map[string]uint64{"USDC": 10_000, "SOL": 100_000},
		RetryBackoff:        time.Millisecond,
	}
}

func testRequirement() payflow.PaymentRequirement {
	return payflow.PaymentRequirement{
		ResourceURL:  "https://api.example/data",
		DeclaredCost: payflow.AssetAmount{Amount: "0.001", Asset: "USDC"},
	}
}

func okPayload() *payflow.ResourcePayload {
	return &payflow.ResourcePayload{StatusCode: 200, Body: []byte(`{"balances":[]}`)}
}

func newOrchestrator(t *testing.T, funder *fakeFunder, settler *fakeSettler, sweeper *fakeSweeper, opts ...payflow.OrchestratorOption) *payflow.Orchestrator {
	t.Helper()
	orc, err := payflow.NewOrchestrator(testConfig(), funder, settler, sweeper, opts...)
	require.NoError(t, err)
	return orc
}

func TestPayAndFetchHappyPath(t *testing.T) {
	funder := newFakeFunder()
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		return okPayload(), nil
	}}
	sweeper := &fakeSweeper{}
	orc := newOrchestrator(t, funder, settler, sweeper)

	payload, err := orc.PayAndFetch(context.Background(), testRequirement())
	require.NoError(t, err)
	assert.Equal(t, 200, payload.StatusCode)
	assert.Equal(t, 1, funder.fundCalls())
	assert.Equal(t, 1, sweeper.sweepCalls(), "sweep must run exactly once")
}

func TestSweepRunsOnEverySettlementOutcome(t *testing.T) {
	outcomes := map[string]error{
		"payment rejected": payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodePaymentRejected, "server said no"),
		"network mismatch": payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodeNetworkMismatch, "mainnet != mainnet-beta"),
		"challenge parse":  payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodeChallengeParse, "bad body"),
	}

	for name, settleErr := range outcomes {
		t.Run(name, func(t *testing.T) {
			funder := newFakeFunder()
			settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
				return nil, settleErr
			}}
			sweeper := &fakeSweeper{}
			orc := newOrchestrator(t, funder, settler, sweeper)

			_, err := orc.PayAndFetch(context.Background(), testRequirement())
			require.Error(t, err)
			assert.ErrorIs(t, err, settleErr)
			assert.Equal(t, 1, sweeper.sweepCalls(), "sweep must run exactly once")
			assert.Equal(t, 1, settler.calls, "fatal settlement errors are not retried")
		})
	}
}

func TestSweepRunsWhenSettlerPanics(t *testing.T) {
	funder := newFakeFunder()
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		panic("settlement blew up")
	}}
	sweeper := &fakeSweeper{}
	orc := newOrchestrator(t, funder, settler, sweeper)

	assert.PanicsWithValue(t, "settlement blew up", func() {
		_, _ = orc.PayAndFetch(context.Background(), testRequirement())
	})
	assert.Equal(t, 1, sweeper.sweepCalls(), "sweep must run even when settlement panics")
}

func TestTransientSettlementErrorsAreRetried(t *testing.T) {
	funder := newFakeFunder()
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		return nil, payflow.NewTransientError(payflow.PhaseSettlement, payflow.ErrCodeTransientIO, "timeout", nil)
	}}
	sweeper := &fakeSweeper{}
	orc := newOrchestrator(t, funder, settler, sweeper)

	_, err := orc.PayAndFetch(context.Background(), testRequirement())
	require.Error(t, err)
	assert.True(t, payflow.IsTransient(err))
	assert.Equal(t, 3, settler.calls, "one attempt plus two retries")
	assert.Equal(t, 1, sweeper.sweepCalls())
	assert.Equal(t, 1, funder.fundCalls(), "retries never re-fund the identity")
}

func TestRetriesCanBeDisabled(t *testing.T) {
	funder := newFakeFunder()
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		return nil, payflow.NewTransientError(payflow.PhaseSettlement, payflow.ErrCodeTransientIO, "timeout", nil)
	}}
	sweeper := &fakeSweeper{err: payflow.NewTransientError(payflow.PhaseSweep, payflow.ErrCodeSweepFailed, "broadcast failed", nil)}

	cfg := testConfig()
	cfg.SettlementRetries = -1
	cfg.SweepRetries = -1
	orc, err := payflow.NewOrchestrator(cfg, funder, settler, sweeper)
	require.NoError(t, err)

	_, err = orc.PayAndFetch(context.Background(), testRequirement())
	require.Error(t, err)
	assert.Equal(t, 1, settler.calls, "negative retry bound disables settlement retries")
	assert.Equal(t, 1, sweeper.sweepCalls(), "negative retry bound disables sweep retries")
}

func TestNoSweepWhenFundingNeverSubmitted(t *testing.T) {
	funder := newFakeFunder()
	funder.fundErr = payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeInsufficientCustodialBalance, "short")
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		t.Fatal("settlement must not run after failed funding")
		return nil, nil
	}}
	sweeper := &fakeSweeper{}
	orc := newOrchestrator(t, funder, settler, sweeper)

	_, err := orc.PayAndFetch(context.Background(), testRequirement())
	assert.True(t, payflow.IsCode(err, payflow.ErrCodeInsufficientCustodialBalance))
	assert.Equal(t, payflow.PhaseFunding, payflow.PhaseOf(err))
	assert.Equal(t, 0, sweeper.sweepCalls(), "nothing was transferred, nothing to sweep")
	assert.Equal(t, 0, settler.calls)
}

func TestSweepRunsOnPartialFunding(t *testing.T) {
	funder := newFakeFunder()
	funder.fundErr = payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO, "gas leg failed", nil)
	funder.partial = true
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		t.Fatal("settlement must not run after failed funding")
		return nil, nil
	}}
	sweeper := &fakeSweeper{}
	orc := newOrchestrator(t, funder, settler, sweeper)

	_, err := orc.PayAndFetch(context.Background(), testRequirement())
	require.Error(t, err)
	assert.Equal(t, 1, sweeper.sweepCalls(), "a partially submitted funding must still be swept")
	assert.Equal(t, 1, funder.awaitCalls(), "the submitted leg must be confirmed before the sweep reads balances")
	assert.Equal(t, 0, settler.calls)
}

func TestPartialFundingUnconfirmableFlagsRecovery(t *testing.T) {
	// The sweep itself reads zero and reports a clean no-op, because the
	// submitted leg never became visible. That must not pass silently.
	var recorded []string
	funder := newFakeFunder()
	funder.fundErr = payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO, "gas leg failed", nil)
	funder.partial = true
	funder.confirmErr = payflow.NewTransientError(payflow.PhaseFunding, payflow.ErrCodeTransientIO, "not visible", nil)
	sweeper := &fakeSweeper{}
	orc := newOrchestrator(t, funder, &fakeSettler{}, sweeper,
		payflow.WithRecoveryRecorder(func(address string, _ map[string]uint64) {
			recorded = append(recorded, address)
		}))

	_, err := orc.PayAndFetch(context.Background(), testRequirement())
	require.Error(t, err)
	assert.Equal(t, 1, sweeper.sweepCalls())
	assert.Len(t, recorded, 1, "unconfirmable submitted funds must be flagged for manual recovery")
}

func TestFreshIdentityPerAttempt(t *testing.T) {
	funder := newFakeFunder()
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		return nil, payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodePaymentRejected, "no")
	}}
	sweeper := &fakeSweeper{}
	orc := newOrchestrator(t, funder, settler, sweeper)

	for i := 0; i < 3; i++ {
		_, _ = orc.PayAndFetch(context.Background(), testRequirement())
	}

	require.Len(t, funder.funded, 3)
	assert.NotEqual(t, funder.funded[0], funder.funded[1])
	assert.NotEqual(t, funder.funded[1], funder.funded[2])
	assert.NotEqual(t, funder.funded[0], funder.funded[2])
}

func TestCancellationDefersSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	funder := newFakeFunder()
	settler := &fakeSettler{fn: func(ctx context.Context, _ payflow.PaymentRequirement, _ *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		cancel()
		<-ctx.Done()
		return nil, payflow.NewTransientError(payflow.PhaseSettlement, payflow.ErrCodeTransientIO, "canceled", ctx.Err())
	}}
	sweeper := &fakeSweeper{}
	orc := newOrchestrator(t, funder, settler, sweeper)

	_, err := orc.PayAndFetch(ctx, testRequirement())
	require.Error(t, err)
	assert.Equal(t, 1, sweeper.sweepCalls(), "cancellation must not skip the sweep")
	assert.NoError(t, sweeper.ctxErr, "sweep must run detached from the canceled context")
}

func TestSweepFailureDoesNotFailTheCall(t *testing.T) {
	var recorded []string
	funder := newFakeFunder()
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		return okPayload(), nil
	}}
	sweeper := &fakeSweeper{err: payflow.NewTransientError(payflow.PhaseSweep, payflow.ErrCodeSweepFailed, "broadcast failed", nil)}

	cfg := testConfig()
	cfg.SweepRetries = 1
	orc, err := payflow.NewOrchestrator(cfg, funder, settler, sweeper,
		payflow.WithRecoveryRecorder(func(address string, _ map[string]uint64) {
			recorded = append(recorded, address)
		}))
	require.NoError(t, err)

	payload, err := orc.PayAndFetch(context.Background(), testRequirement())
	require.NoError(t, err, "a failed sweep is an operational warning, not a payment failure")
	assert.Equal(t, 200, payload.StatusCode)
	assert.Equal(t, 2, sweeper.sweepCalls(), "transient sweep failure retried up to the bound")
	assert.Len(t, recorded, 1, "stranded identity must be flagged for manual recovery")
}

func TestResidualAboveDustThresholdFlagsRecovery(t *testing.T) {
	var recorded map[string]uint64
	result := payflow.NewSweepResult()
	result.Swept["USDC"] = 9_000
	result.ResidualDust["USDC"] = 50_000 // above the 10_000 threshold

	funder := newFakeFunder()
	settler := &fakeSettler{fn: func(context.Context, payflow.PaymentRequirement, *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
		return okPayload(), nil
	}}
	sweeper := &fakeSweeper{result: result}
	orc := newOrchestrator(t, funder, settler, sweeper,
		payflow.WithRecoveryRecorder(func(_ string, residual map[string]uint64) {
			recorded = residual
		}))

	_, err := orc.PayAndFetch(context.Background(), testRequirement())
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), recorded["USDC"])
}

func TestShouldAutoApproveBoundary(t *testing.T) {
	orc := newOrchestrator(t, newFakeFunder(), &fakeSettler{}, &fakeSweeper{})

	tests := []struct {
		name   string
		amount string
		asset  string
		want   bool
	}{
		{"strictly below ceiling", "0.099999", "USDC", true},
		{"well below ceiling", "0.001", "USDC", true},
		{"exactly at ceiling", "0.10", "USDC", false},
		{"at ceiling, different notation", "0.1", "USDC", false},
		{"above ceiling", "0.11", "USDC", false},
		{"unknown asset", "0.001", "DOGE", false},
		{"unparseable amount", "lots", "USDC", false},
		{"empty amount", "", "USDC", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orc.ShouldAutoApprove(tt.amount, tt.asset))
		})
	}
}

func TestMalformedRequirementRejectedBeforeFunding(t *testing.T) {
	funder := newFakeFunder()
	orc := newOrchestrator(t, funder, &fakeSettler{}, &fakeSweeper{})

	_, err := orc.PayAndFetch(context.Background(), payflow.PaymentRequirement{})
	assert.True(t, payflow.IsCode(err, payflow.ErrCodeMalformedRequirement))
	assert.Equal(t, payflow.PhaseConfig, payflow.PhaseOf(err))
	assert.Equal(t, 0, funder.fundCalls())
}
