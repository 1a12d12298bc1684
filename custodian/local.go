package custodian

import (
	"context"
	"fmt"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/darkresearch/mallory-sub002/chain"
)

// Local is a Custodian backed by a session key held in process memory. The
// session key is a delegate authorized for a bounded window; when the window
// lapses the application must renew before transfers succeed again.
type Local struct {
	key    solana.PrivateKey
	addr   solana.PublicKey
	client chain.Client
	ttl    time.Duration

	mu      sync.Mutex
	current SessionCredential
}

// LocalOption configures a Local custodian.
type LocalOption func(*Local)

// WithSessionTTL sets the session window length.
func WithSessionTTL(ttl time.Duration) LocalOption {
	return func(l *Local) {
		l.ttl = ttl
	}
}

const defaultSessionTTL = 15 * time.Minute

// NewLocal creates a custodian from a session signing key and a chain client.
func NewLocal(key solana.PrivateKey, client chain.Client, opts ...LocalOption) *Local {
	l := &Local{
		key:    key,
		addr:   key.PublicKey(),
		client: client,
		ttl:    defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.current = l.issue()
	return l
}

func (l *Local) issue() SessionCredential {
	now := time.Now()
	return SessionCredential{
		Address:   l.addr,
		IssuedAt:  now,
		ExpiresAt: now.Add(l.ttl),
	}
}

// Renew issues a fresh session credential. Existing credential values remain
// expired; callers must re-fetch.
func (l *Local) Renew() SessionCredential {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = l.issue()
	return l.current
}

// Expire forces the current session to lapse. Intended for tests.
func (l *Local) Expire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current.ExpiresAt = time.Now()
}

func (l *Local) SessionCredential(_ context.Context) (SessionCredential, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current.Expired() {
		return SessionCredential{}, ErrSessionExpired
	}
	return l.current, nil
}

func (l *Local) Transfer(ctx context.Context, cred SessionCredential, to solana.PublicKey, amount uint64, asset chain.Asset) (solana.Signature, error) {
	if cred.Expired() {
		return solana.Signature{}, ErrSessionExpired
	}
	if !cred.Address.Equals(l.addr) {
		return solana.Signature{}, fmt.Errorf("credential address %s does not match custodial wallet %s", cred.Address, l.addr)
	}

	tx, err := l.client.BuildTransfer(ctx, l.addr, to, amount, asset)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build custodial transfer: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(l.addr) {
			return &l.key
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign custodial transfer: %w", err)
	}

	sig, err := l.client.Submit(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to broadcast custodial transfer: %w", err)
	}
	return sig, nil
}

func (l *Local) Address() solana.PublicKey {
	return l.addr
}

func (l *Local) Balance(ctx context.Context, asset chain.Asset) (uint64, error) {
	return l.client.Balance(ctx, l.addr, asset)
}
