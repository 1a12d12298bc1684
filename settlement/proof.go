package settlement

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"

	payflow "github.com/darkresearch/mallory-sub002"
	"github.com/darkresearch/mallory-sub002/chain"
)

// PaymentHeader is the request header carrying the base64-encoded signed
// payment proof on resubmission.
const PaymentHeader = "X-PAYMENT"

// SchemeExact is the only settlement scheme this handler speaks: the proof is
// a transfer of exactly the challenged amount.
const SchemeExact = "exact"

const (
	// ComputeLimit + ComputePrice + TransferChecked
	proofComputeUnits uint32 = 6500
	proofComputePrice uint64 = 1000
)

// paymentPayload is the wire form of the proof carried in PaymentHeader,
// base64-encoded JSON.
type paymentPayload struct {
	X402Version int               `json:"x402Version"`
	Scheme      string            `json:"scheme"`
	Network     string            `json:"network"`
	Payload     map[string]string `json:"payload"`
}

// buildProof constructs the challenged transfer, signs it with the ephemeral
// key, and encodes it into the scheme-specific header value. Whether the
// resource server broadcasts the transaction itself or verifies it off-chain
// is opaque here.
func (h *Handler) buildProof(ctx context.Context, challenge payflow.PaymentChallenge, id *payflow.EphemeralIdentity, asset chain.Asset) (string, error) {
	payTo, err := solana.PublicKeyFromBase58(challenge.PayTo)
	if err != nil {
		return "", payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodeChallengeParse,
			fmt.Sprintf("invalid payTo address %q", challenge.PayTo)).WithCause(err)
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(id.Address(), asset.Mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive source token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(payTo, asset.Mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive destination token account: %w", err)
	}

	blockhash, err := h.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", payflow.NewTransientError(payflow.PhaseSettlement, payflow.ErrCodeTransientIO,
			"failed to fetch blockhash for proof", err)
	}

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(proofComputeUnits).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("failed to build compute limit instruction: %w", err)
	}
	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(proofComputePrice).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("failed to build compute price instruction: %w", err)
	}
	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(challenge.RequiredAmount).
		SetDecimals(asset.Decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(asset.Mint).
		SetDestinationAccount(destATA).
		SetOwnerAccount(id.Address()).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("failed to build proof transfer instruction: %w", err)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transferIx).
		SetRecentBlockHash(blockhash).
		SetFeePayer(id.Address()).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build proof transaction: %w", err)
	}

	if err := id.SignTransaction(tx); err != nil {
		return "", err
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize proof transaction: %w", err)
	}

	payload := paymentPayload{
		X402Version: 1,
		Scheme:      challenge.Scheme,
		Network:     string(challenge.Network),
		Payload: map[string]string{
			"transaction": base64.StdEncoding.EncodeToString(txBytes),
		},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadBytes), nil
}

// DecodePaymentHeader decodes a PaymentHeader value back into its payload.
// Used by resource servers and tests.
func DecodePaymentHeader(header string) (scheme, network, transactionB64 string, err error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid base64 payment header: %w", err)
	}
	var payload paymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", "", fmt.Errorf("invalid payment payload JSON: %w", err)
	}
	return payload.Scheme, payload.Network, payload.Payload["transaction"], nil
}
