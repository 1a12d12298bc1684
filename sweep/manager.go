// Package sweep returns residual ephemeral balances to the custodial wallet.
// Unswept ephemeral funds are the primary financial-leak risk of the whole
// design, so sweeping runs unconditionally after settlement, succeeded or
// not, and is safe to repeat.
package sweep

import (
	"context"
	"fmt"
	"log/slog"

	solana "github.com/gagliardetto/solana-go"

	payflow "github.com/darkresearch/mallory-sub002"
	"github.com/darkresearch/mallory-sub002/chain"
)

// Manager sweeps both assets off an ephemeral identity.
type Manager struct {
	client chain.Client

	stableAsset chain.Asset
	gasAsset    chain.Asset

	// feeBudget is the lamport reserve kept back to pay for the sweep
	// transactions themselves; it becomes unrecoverable dust.
	feeBudget uint64

	log *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithFeeBudget overrides the lamport reserve for sweep fees.
func WithFeeBudget(lamports uint64) ManagerOption {
	return func(m *Manager) {
		m.feeBudget = lamports
	}
}

// NewManager creates a sweep manager for the given asset pair.
func NewManager(client chain.Client, stableAsset, gasAsset chain.Asset, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:      client,
		stableAsset: stableAsset,
		gasAsset:    gasAsset,
		feeBudget:   chain.SweepFeeLamports,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep transfers all recoverable balance of both assets from the identity to
// custodial. The stable leg moves the full token balance and closes the token
// account so its rent-exempt reserve comes back as lamports; the gas leg
// moves balance minus the fee reserve. Idempotent: with nothing left to move
// it is a no-op success reporting zero swept.
//
// A single failed leg yields SweepPartial (so the caller can retry just that
// leg); both legs failing yields SweepFailed. Both are transient.
func (m *Manager) Sweep(ctx context.Context, id *payflow.EphemeralIdentity, custodial solana.PublicKey) (*payflow.SweepResult, error) {
	result := payflow.NewSweepResult()

	stableErr := m.sweepStable(ctx, id, custodial, result)
	gasErr := m.sweepGas(ctx, id, custodial, result)

	switch {
	case stableErr != nil && gasErr != nil:
		return result, payflow.NewTransientError(payflow.PhaseSweep, payflow.ErrCodeSweepFailed,
			"both sweep legs failed", fmt.Errorf("stable: %v; gas: %v", stableErr, gasErr))
	case stableErr != nil:
		return result, payflow.NewTransientError(payflow.PhaseSweep, payflow.ErrCodeSweepPartial,
			fmt.Sprintf("%s sweep failed, %s swept", m.stableAsset.Symbol, m.gasAsset.Symbol), stableErr)
	case gasErr != nil:
		return result, payflow.NewTransientError(payflow.PhaseSweep, payflow.ErrCodeSweepPartial,
			fmt.Sprintf("%s sweep failed, %s swept", m.gasAsset.Symbol, m.stableAsset.Symbol), gasErr)
	}
	return result, nil
}

// sweepStable moves the full token balance and closes the token account; the
// account's rent-exempt reserve lands on custodial as lamports. The close
// runs whenever the account exists, balance or not: the rent reserve alone is
// worth reclaiming, and a zero-balance account left open is stranded
// custodial money.
func (m *Manager) sweepStable(ctx context.Context, id *payflow.EphemeralIdentity, custodial solana.PublicKey, result *payflow.SweepResult) error {
	exists, err := m.client.TokenAccountExists(ctx, id.Address(), m.stableAsset)
	if err != nil {
		return fmt.Errorf("failed to check %s account: %w", m.stableAsset.Symbol, err)
	}
	if !exists {
		result.Swept[m.stableAsset.Symbol] = 0
		result.ResidualDust[m.stableAsset.Symbol] = 0
		return nil
	}

	balance, err := m.client.Balance(ctx, id.Address(), m.stableAsset)
	if err != nil {
		return fmt.Errorf("failed to read %s balance: %w", m.stableAsset.Symbol, err)
	}

	tx, err := m.client.BuildTokenSweep(ctx, id.Address(), custodial, balance, m.stableAsset)
	if err != nil {
		return fmt.Errorf("failed to build %s sweep: %w", m.stableAsset.Symbol, err)
	}
	if err := id.SignTransaction(tx); err != nil {
		return err
	}
	sig, err := m.client.Submit(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to broadcast %s sweep: %w", m.stableAsset.Symbol, err)
	}
	if err := m.client.AwaitConfirmed(ctx, sig); err != nil {
		return fmt.Errorf("%s sweep not confirmed: %w", m.stableAsset.Symbol, err)
	}

	m.log.Info("stable sweep confirmed", "identity", id, "amount", balance, "signature", sig)
	result.Swept[m.stableAsset.Symbol] = balance
	result.ResidualDust[m.stableAsset.Symbol] = 0
	return nil
}

func (m *Manager) sweepGas(ctx context.Context, id *payflow.EphemeralIdentity, custodial solana.PublicKey, result *payflow.SweepResult) error {
	balance, err := m.client.Balance(ctx, id.Address(), m.gasAsset)
	if err != nil {
		return fmt.Errorf("failed to read %s balance: %w", m.gasAsset.Symbol, err)
	}
	if balance <= m.feeBudget {
		// Nothing worth moving: what remains is below the cost of moving it.
		result.Swept[m.gasAsset.Symbol] = 0
		result.ResidualDust[m.gasAsset.Symbol] = balance
		return nil
	}

	amount := balance - m.feeBudget
	tx, err := m.client.BuildTransfer(ctx, id.Address(), custodial, amount, m.gasAsset)
	if err != nil {
		return fmt.Errorf("failed to build %s sweep: %w", m.gasAsset.Symbol, err)
	}
	if err := id.SignTransaction(tx); err != nil {
		return err
	}
	sig, err := m.client.Submit(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to broadcast %s sweep: %w", m.gasAsset.Symbol, err)
	}
	if err := m.client.AwaitConfirmed(ctx, sig); err != nil {
		return fmt.Errorf("%s sweep not confirmed: %w", m.gasAsset.Symbol, err)
	}

	m.log.Info("gas sweep confirmed", "identity", id, "amount", amount, "signature", sig)
	result.Swept[m.gasAsset.Symbol] = amount
	result.ResidualDust[m.gasAsset.Symbol] = m.feeBudget
	return nil
}
