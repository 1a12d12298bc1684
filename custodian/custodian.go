// Package custodian models the long-lived wallet/session service that funds
// ephemeral identities and receives swept funds back. Transfers are
// authorized by a session-bound credential; session renewal is the
// application's responsibility, never this subsystem's.
package custodian

import (
	"context"
	"errors"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/darkresearch/mallory-sub002/chain"
)

// ErrSessionExpired is returned when the session-bound signing credential has
// lapsed. Callers surface this for re-authentication; it is never retried
// internally.
var ErrSessionExpired = errors.New("custodian session expired")

// SessionCredential is an immutable capability authorizing transfers from the
// custodial wallet until ExpiresAt. A renewed session yields a new value;
// credentials are never mutated in place, so in-flight work holding a stale
// one fails loudly instead of silently switching identity.
type SessionCredential struct {
	Address   solana.PublicKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential has lapsed.
func (c SessionCredential) Expired() bool {
	return !time.Now().Before(c.ExpiresAt)
}

// Custodian signs and broadcasts transfers from the custodial wallet.
type Custodian interface {
	// SessionCredential returns the current session capability, or
	// ErrSessionExpired when the session has lapsed. Consulted once per
	// orchestrator run.
	SessionCredential(ctx context.Context) (SessionCredential, error)

	// Transfer signs and broadcasts one transfer using the given credential.
	// Returns ErrSessionExpired when the credential is no longer valid.
	Transfer(ctx context.Context, cred SessionCredential, to solana.PublicKey, amount uint64, asset chain.Asset) (solana.Signature, error)

	// Address is the custodial wallet address (funding source and sweep
	// destination).
	Address() solana.PublicKey

	// Balance reads the custodial wallet's balance of asset.
	Balance(ctx context.Context, asset chain.Asset) (uint64, error)
}
