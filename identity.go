package payflow

import (
	"fmt"
	"log/slog"

	solana "github.com/gagliardetto/solana-go"
)

// EphemeralIdentity is a single-use keypair created to hold funds for exactly
// one payment attempt. The private key lives only in memory for the lifetime
// of the attempt: it is wiped by Destroy, never serialized, and never logged.
// Identities are never reused across attempts.
type EphemeralIdentity struct {
	network   Network
	key       solana.PrivateKey
	address   solana.PublicKey
	destroyed bool
}

// NewEphemeralIdentity generates a fresh keypair bound to the given network
// identifier. Randomness comes from crypto/rand via solana-go.
func NewEphemeralIdentity(network Network) (*EphemeralIdentity, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &EphemeralIdentity{
		network: network,
		key:     key,
		address: key.PublicKey(),
	}, nil
}

// Address returns the derived public address. Valid after Destroy.
func (id *EphemeralIdentity) Address() solana.PublicKey {
	return id.address
}

// Network returns the network identifier the identity was created for.
func (id *EphemeralIdentity) Network() Network {
	return id.network
}

// SignTransaction signs tx with the ephemeral key, signing for every message
// account the key controls (the identity is both fee payer and token owner in
// its own transactions).
func (id *EphemeralIdentity) SignTransaction(tx *solana.Transaction) error {
	if id.destroyed {
		return NewError(PhaseConfig, ErrCodeIdentityDestroyed, "ephemeral key already wiped")
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(id.address) {
			return &id.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

// Destroy wipes the private key material. Safe to call more than once. After
// Destroy the identity can no longer sign, but its address remains readable
// for sweep bookkeeping and manual-recovery records.
func (id *EphemeralIdentity) Destroy() {
	for i := range id.key {
		id.key[i] = 0
	}
	id.destroyed = true
}

// Destroyed reports whether the key material has been wiped.
func (id *EphemeralIdentity) Destroyed() bool {
	return id.destroyed
}

// String returns the public address only.
func (id *EphemeralIdentity) String() string {
	return id.address.String()
}

// LogValue keeps the private key out of structured logs.
func (id *EphemeralIdentity) LogValue() slog.Value {
	return slog.StringValue(id.address.String())
}

// MarshalJSON serializes the address only. The private key is never
// persisted in any form.
func (id *EphemeralIdentity) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", id.address.String())), nil
}
