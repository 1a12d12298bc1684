// Package chaintest provides an in-memory ledger implementing chain.Client
// for funding, settlement, and sweep tests.
package chaintest

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/darkresearch/mallory-sub002/chain"
)

type balanceKey struct {
	owner solana.PublicKey
	asset string
}

// Transfer records one movement the ledger was asked to build.
type Transfer struct {
	Asset  chain.Asset
	From   solana.PublicKey
	To     solana.PublicKey
	Amount uint64
	Close  bool // token sweep closed the source account
}

// Ledger is a fake chain.Client backed by an in-memory balance table.
// Transactions built by the ledger are applied to balances on Submit;
// confirmation is instant unless a failure is injected.
type Ledger struct {
	mu        sync.Mutex
	balances  map[balanceKey]uint64
	tokenOpen map[balanceKey]bool
	pending   map[*solana.Transaction]Transfer

	// Applied records every transfer applied by Submit, in order.
	Applied []Transfer

	// FailSubmit makes the next n Submit calls fail.
	FailSubmit int

	// FailSubmitForAsset makes Submit fail for transfers of the given asset
	// symbol ("" disables).
	FailSubmitForAsset string

	// RentLamports is credited to the destination when a token sweep closes
	// the source token account.
	RentLamports uint64

	// Blockhash returned by LatestBlockhash.
	Blockhash solana.Hash
}

// NewLedger creates an empty fake ledger.
func NewLedger() *Ledger {
	var bh solana.Hash
	_, _ = rand.Read(bh[:])
	return &Ledger{
		balances:     make(map[balanceKey]uint64),
		tokenOpen:    make(map[balanceKey]bool),
		pending:      make(map[*solana.Transaction]Transfer),
		RentLamports: 2_039_280, // token account rent-exempt reserve
		Blockhash:    bh,
	}
}

// SetBalance seeds a balance. Seeding a token asset also opens the owner's
// token account, even at zero.
func (l *Ledger) SetBalance(owner solana.PublicKey, asset chain.Asset, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{owner, asset.Symbol}] = amount
	if !asset.Native {
		l.tokenOpen[balanceKey{owner, asset.Symbol}] = true
	}
}

// GetBalance reads a balance directly (test assertions).
func (l *Ledger) GetBalance(owner solana.PublicKey, asset chain.Asset) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[balanceKey{owner, asset.Symbol}]
}

func (l *Ledger) Balance(_ context.Context, owner solana.PublicKey, asset chain.Asset) (uint64, error) {
	return l.GetBalance(owner, asset), nil
}

func (l *Ledger) TokenAccountExists(_ context.Context, owner solana.PublicKey, asset chain.Asset) (bool, error) {
	if asset.Native {
		return false, fmt.Errorf("native asset %s has no token account", asset.Symbol)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokenOpen[balanceKey{owner, asset.Symbol}], nil
}

func (l *Ledger) LatestBlockhash(_ context.Context) (solana.Hash, error) {
	return l.Blockhash, nil
}

func (l *Ledger) BuildTransfer(_ context.Context, from, to solana.PublicKey, amount uint64, asset chain.Asset) (*solana.Transaction, error) {
	return l.record(from, Transfer{Asset: asset, From: from, To: to, Amount: amount})
}

func (l *Ledger) BuildTokenSweep(_ context.Context, owner, dest solana.PublicKey, amount uint64, asset chain.Asset) (*solana.Transaction, error) {
	if asset.Native {
		return nil, fmt.Errorf("token sweep does not apply to native asset")
	}
	return l.record(owner, Transfer{Asset: asset, From: owner, To: dest, Amount: amount, Close: true})
}

// record builds a minimal real transaction (so identities can sign it) and
// remembers the transfer it stands for.
func (l *Ledger) record(feePayer solana.PublicKey, tr Transfer) (*solana.Transaction, error) {
	var ix solana.Instruction
	if tr.Asset.Native {
		ix = system.NewTransferInstruction(tr.Amount, tr.From, tr.To).Build()
	} else {
		sourceATA, _, err := solana.FindAssociatedTokenAddress(tr.From, tr.Asset.Mint)
		if err != nil {
			return nil, err
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(tr.To, tr.Asset.Mint)
		if err != nil {
			return nil, err
		}
		ix, err = token.NewTransferCheckedInstructionBuilder().
			SetAmount(tr.Amount).
			SetDecimals(tr.Asset.Decimals).
			SetSourceAccount(sourceATA).
			SetMintAccount(tr.Asset.Mint).
			SetDestinationAccount(destATA).
			SetOwnerAccount(tr.From).
			ValidateAndBuild()
		if err != nil {
			return nil, err
		}
	}

	tx, err := solana.NewTransactionBuilder().
		SetRecentBlockHash(l.Blockhash).
		SetFeePayer(feePayer).
		AddInstruction(ix).
		Build()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.pending[tx] = tr
	l.mu.Unlock()
	return tx, nil
}

// Submit applies the recorded transfer to the balance table. Native
// transfers also deduct the sweep fee budget from the payer; token sweeps
// credit the rent-exempt reserve to the destination as lamports.
func (l *Ledger) Submit(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tr, ok := l.pending[tx]
	if !ok {
		return solana.Signature{}, fmt.Errorf("transaction was not built by this ledger")
	}

	if l.FailSubmit > 0 {
		l.FailSubmit--
		return solana.Signature{}, fmt.Errorf("broadcast failed: connection reset")
	}
	if l.FailSubmitForAsset != "" && l.FailSubmitForAsset == tr.Asset.Symbol {
		return solana.Signature{}, fmt.Errorf("broadcast failed for %s: connection reset", tr.Asset.Symbol)
	}

	fromKey := balanceKey{tr.From, tr.Asset.Symbol}
	if l.balances[fromKey] < tr.Amount {
		return solana.Signature{}, fmt.Errorf("insufficient balance on %s", tr.From)
	}
	delete(l.pending, tx)

	l.balances[fromKey] -= tr.Amount
	l.balances[balanceKey{tr.To, tr.Asset.Symbol}] += tr.Amount

	if tr.Asset.Native {
		fee := chain.SweepFeeLamports
		if l.balances[fromKey] < fee {
			fee = l.balances[fromKey]
		}
		l.balances[fromKey] -= fee
	} else {
		l.tokenOpen[balanceKey{tr.To, tr.Asset.Symbol}] = true
	}
	if tr.Close {
		delete(l.tokenOpen, fromKey)
		l.balances[balanceKey{tr.To, "SOL"}] += l.RentLamports
	}

	l.Applied = append(l.Applied, tr)

	var sig solana.Signature
	_, _ = rand.Read(sig[:])
	return sig, nil
}

func (l *Ledger) AwaitConfirmed(_ context.Context, _ solana.Signature) error {
	return nil
}
