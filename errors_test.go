package payflow_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	payflow "github.com/darkresearch/mallory-sub002"
)

func TestErrorTagging(t *testing.T) {
	cause := errors.New("connection reset")
	err := payflow.NewTransientError(payflow.PhaseSettlement, payflow.ErrCodeTransientIO, "request failed", cause)

	assert.True(t, payflow.IsTransient(err))
	assert.True(t, payflow.IsCode(err, payflow.ErrCodeTransientIO))
	assert.Equal(t, payflow.PhaseSettlement, payflow.PhaseOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "settlement/transient_io: request failed", err.Error())
}

func TestErrorTaggingSurvivesWrapping(t *testing.T) {
	inner := payflow.NewError(payflow.PhaseFunding, payflow.ErrCodeInsufficientCustodialBalance, "short by 100")
	wrapped := fmt.Errorf("payment attempt failed: %w", inner)

	assert.True(t, payflow.IsCode(wrapped, payflow.ErrCodeInsufficientCustodialBalance))
	assert.Equal(t, payflow.PhaseFunding, payflow.PhaseOf(wrapped))
	assert.False(t, payflow.IsTransient(wrapped))
}

func TestErrorHelpersOnPlainErrors(t *testing.T) {
	plain := errors.New("nope")

	assert.False(t, payflow.IsTransient(plain))
	assert.False(t, payflow.IsCode(plain, payflow.ErrCodeTransientIO))
	assert.Equal(t, payflow.Phase(""), payflow.PhaseOf(plain))
}

func TestFundingResultStates(t *testing.T) {
	var nilResult *payflow.FundingResult
	assert.False(t, nilResult.Submitted())
	assert.False(t, nilResult.Confirmed())

	partial := &payflow.FundingResult{
		Stable: payflow.TransferReceipt{Submitted: true},
	}
	assert.True(t, partial.Submitted())
	assert.False(t, partial.Confirmed())

	full := &payflow.FundingResult{
		Stable: payflow.TransferReceipt{Submitted: true, Confirmed: true},
		Gas:    payflow.TransferReceipt{Submitted: true, Confirmed: true},
	}
	assert.True(t, full.Confirmed())
}

func TestSweepResultDustThresholds(t *testing.T) {
	result := payflow.NewSweepResult()
	result.ResidualDust["SOL"] = 10_000
	result.ResidualDust["USDC"] = 5

	thresholds := map[string]uint64{"SOL": 100_000, "USDC": 5}
	over := result.ExceedsDust(thresholds)
	assert.Equal(t, []string{"USDC"}, over, "residual at the threshold must flag")

	thresholds["USDC"] = 6
	assert.Empty(t, result.ExceedsDust(thresholds))
}
