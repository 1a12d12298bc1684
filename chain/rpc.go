package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

const (
	// Compute budget for ComputeLimit + ComputePrice + one transfer (plus an
	// optional ATA create).
	transferComputeUnits uint32 = 30_000
	defaultComputePrice  uint64 = 1_000

	confirmPollInterval = 500 * time.Millisecond
)

// RPC implements Client against a Solana JSON-RPC endpoint.
type RPC struct {
	client *rpc.Client

	mu            sync.Mutex
	verifiedMints map[solana.PublicKey]uint8
}

// NewRPC creates a chain client for the given RPC endpoint URL.
func NewRPC(endpoint string) *RPC {
	return &RPC{
		client:        rpc.New(endpoint),
		verifiedMints: make(map[solana.PublicKey]uint8),
	}
}

// Balance returns the base-unit balance of asset held by owner.
func (r *RPC) Balance(ctx context.Context, owner solana.PublicKey, asset Asset) (uint64, error) {
	if asset.Native {
		res, err := r.client.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
		if err != nil {
			return 0, fmt.Errorf("failed to get balance for %s: %w", owner, err)
		}
		return res.Value, nil
	}

	ata, _, err := solana.FindAssociatedTokenAddress(owner, asset.Mint)
	if err != nil {
		return 0, fmt.Errorf("failed to derive token account: %w", err)
	}
	res, err := r.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		// A never-created or closed token account reads as zero. Nodes answer
		// getTokenAccountBalance on such accounts with a -32602 "could not
		// find account" RPC error rather than the not-found sentinel.
		if errors.Is(err, rpc.ErrNotFound) || isMissingAccountErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get token balance for %s: %w", owner, err)
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token balance %q: %w", res.Value.Amount, err)
	}
	return amount, nil
}

// TokenAccountExists reports whether owner's associated token account for
// asset exists.
func (r *RPC) TokenAccountExists(ctx context.Context, owner solana.PublicKey, asset Asset) (bool, error) {
	if asset.Native {
		return false, fmt.Errorf("native asset %s has no token account", asset.Symbol)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, asset.Mint)
	if err != nil {
		return false, fmt.Errorf("failed to derive token account: %w", err)
	}
	return r.accountExists(ctx, ata)
}

// LatestBlockhash returns a finalized blockhash for transaction freshness.
func (r *RPC) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := r.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

// BuildTransfer constructs an unsigned transfer with from as fee payer. Token
// transfers create the recipient's associated token account when missing.
func (r *RPC) BuildTransfer(ctx context.Context, from, to solana.PublicKey, amount uint64, asset Asset) (*solana.Transaction, error) {
	var instructions []solana.Instruction

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(transferComputeUnits).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute limit instruction: %w", err)
	}
	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(defaultComputePrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute price instruction: %w", err)
	}
	instructions = append(instructions, cuLimit, cuPrice)

	if asset.Native {
		instructions = append(instructions, system.NewTransferInstruction(amount, from, to).Build())
	} else {
		if err := r.verifyMint(ctx, asset); err != nil {
			return nil, err
		}
		sourceATA, _, err := solana.FindAssociatedTokenAddress(from, asset.Mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive source token account: %w", err)
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(to, asset.Mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive destination token account: %w", err)
		}

		exists, err := r.accountExists(ctx, destATA)
		if err != nil {
			return nil, err
		}
		if !exists {
			createIx := associatedtokenaccount.NewCreateInstruction(from, to, asset.Mint).Build()
			instructions = append(instructions, createIx)
		}

		transferIx, err := token.NewTransferCheckedInstructionBuilder().
			SetAmount(amount).
			SetDecimals(asset.Decimals).
			SetSourceAccount(sourceATA).
			SetMintAccount(asset.Mint).
			SetDestinationAccount(destATA).
			SetOwnerAccount(from).
			ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
		}
		instructions = append(instructions, transferIx)
	}

	return r.buildTransaction(ctx, from, instructions)
}

// BuildTokenSweep moves the full token balance from owner to dest and closes
// owner's token account, sending its rent-exempt lamports to dest.
func (r *RPC) BuildTokenSweep(ctx context.Context, owner, dest solana.PublicKey, amount uint64, asset Asset) (*solana.Transaction, error) {
	if asset.Native {
		return nil, fmt.Errorf("token sweep does not apply to native asset %s", asset.Symbol)
	}
	if err := r.verifyMint(ctx, asset); err != nil {
		return nil, err
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(owner, asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(dest, asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination token account: %w", err)
	}

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(asset.Decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(asset.Mint).
		SetDestinationAccount(destATA).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build sweep transfer instruction: %w", err)
	}

	closeIx := token.NewCloseAccountInstruction(sourceATA, dest, owner, nil).Build()

	return r.buildTransaction(ctx, owner, []solana.Instruction{transferIx, closeIx})
}

// Submit broadcasts a signed transaction.
func (r *RPC) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := r.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to submit transaction: %w", err)
	}
	return sig, nil
}

// AwaitConfirmed polls signature status until confirmed or ctx expires.
func (r *RPC) AwaitConfirmed(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		out, err := r.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *RPC) buildTransaction(ctx context.Context, feePayer solana.PublicKey, instructions []solana.Instruction) (*solana.Transaction, error) {
	blockhash, err := r.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	builder := solana.NewTransactionBuilder().
		SetRecentBlockHash(blockhash).
		SetFeePayer(feePayer)
	for _, ix := range instructions {
		builder = builder.AddInstruction(ix)
	}
	tx, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	return tx, nil
}

// invalidParamsCode is the JSON-RPC error code nodes use for balance queries
// against accounts that do not exist.
const invalidParamsCode = -32602

func isMissingAccountErr(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == invalidParamsCode
}

func (r *RPC) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	info, err := r.client.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get account %s: %w", account, err)
	}
	return info != nil && info.Value != nil, nil
}

// verifyMint checks once per mint that the on-chain account is owned by a
// known token program and that its decimals match the configured asset.
// Catches misconfigured asset descriptors before money moves.
func (r *RPC) verifyMint(ctx context.Context, asset Asset) error {
	r.mu.Lock()
	decimals, ok := r.verifiedMints[asset.Mint]
	r.mu.Unlock()
	if ok {
		if decimals != asset.Decimals {
			return fmt.Errorf("asset %s configured with %d decimals but mint has %d", asset.Symbol, asset.Decimals, decimals)
		}
		return nil
	}

	info, err := r.client.GetAccountInfo(ctx, asset.Mint)
	if err != nil {
		return fmt.Errorf("failed to get mint account %s: %w", asset.Mint, err)
	}
	owner := info.Value.Owner
	if owner != solana.TokenProgramID && owner != solana.Token2022ProgramID {
		return fmt.Errorf("mint %s was not created by a known token program", asset.Mint)
	}

	var mint token.Mint
	if err := bin.NewBinDecoder(info.Value.Data.GetBinary()).Decode(&mint); err != nil {
		return fmt.Errorf("failed to decode mint data for %s: %w", asset.Mint, err)
	}
	if mint.Decimals != asset.Decimals {
		return fmt.Errorf("asset %s configured with %d decimals but mint has %d", asset.Symbol, asset.Decimals, mint.Decimals)
	}

	r.mu.Lock()
	r.verifiedMints[asset.Mint] = mint.Decimals
	r.mu.Unlock()
	return nil
}
