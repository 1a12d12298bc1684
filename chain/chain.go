// Package chain wraps the Solana RPC surface the payment subsystem needs:
// balances, transfer construction, submission, and confirmation. The Client
// interface exists so funding, settlement, and sweep can be tested against a
// fake ledger.
package chain

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
)

// Asset describes a transferable asset on the target network. Native assets
// (SOL) move via system transfers; everything else is an SPL token
// identified by its mint.
type Asset struct {
	Symbol   string
	Mint     solana.PublicKey
	Decimals uint8
	Native   bool
}

// IsNative reports whether the asset is the network's gas asset.
func (a Asset) IsNative() bool {
	return a.Native
}

// Matches reports whether a challenge asset string refers to this asset,
// either by symbol or by mint address.
func (a Asset) Matches(s string) bool {
	if s == a.Symbol {
		return true
	}
	return !a.Native && s == a.Mint.String()
}

// Well-known assets.
var (
	SOL = Asset{
		Symbol:   "SOL",
		Decimals: 9,
		Native:   true,
	}

	USDCMainnet = Asset{
		Symbol:   "USDC",
		Mint:     solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		Decimals: 6,
	}

	USDCDevnet = Asset{
		Symbol:   "USDC",
		Mint:     solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
		Decimals: 6,
	}
)

// SweepFeeLamports is the lamport budget reserved to pay for the sweep
// transaction itself. It becomes unrecoverable dust on the ephemeral address.
const SweepFeeLamports uint64 = 10_000

// Client is the ledger collaborator. All methods honor context cancellation
// and deadlines.
type Client interface {
	// Balance returns the base-unit balance of asset held by owner. A missing
	// token account reads as zero.
	Balance(ctx context.Context, owner solana.PublicKey, asset Asset) (uint64, error)

	// TokenAccountExists reports whether owner's associated token account for
	// asset exists on chain. Errors for native assets.
	TokenAccountExists(ctx context.Context, owner solana.PublicKey, asset Asset) (bool, error)

	// LatestBlockhash returns a fresh blockhash for transaction construction.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)

	// BuildTransfer constructs an unsigned transfer of amount base units from
	// from to to, with from as fee payer. For token assets the recipient's
	// associated token account is created when missing (idempotent,
	// create-if-missing; not a separate caller-visible operation).
	BuildTransfer(ctx context.Context, from, to solana.PublicKey, amount uint64, asset Asset) (*solana.Transaction, error)

	// BuildTokenSweep constructs an unsigned transaction moving the full
	// token balance from owner to dest and closing owner's token account so
	// its rent-exempt reserve is reclaimed as lamports to dest.
	BuildTokenSweep(ctx context.Context, owner, dest solana.PublicKey, amount uint64, asset Asset) (*solana.Transaction, error)

	// Submit broadcasts a signed transaction.
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// AwaitConfirmed blocks until sig is confirmed, the transaction fails on
	// chain, or ctx expires.
	AwaitConfirmed(ctx context.Context, sig solana.Signature) error
}
