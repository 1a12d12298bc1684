// Package settlement implements the x402 challenge/response protocol against
// a paid resource server: plain request, 402 challenge, signed payment proof,
// resubmission.
package settlement

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	payflow "github.com/darkresearch/mallory-sub002"
	"github.com/darkresearch/mallory-sub002/chain"
)

// settleState tracks progress through the protocol for logging.
type settleState string

const (
	stateInit       settleState = "INIT"
	stateChallenged settleState = "CHALLENGED"
	stateProofBuilt settleState = "PROOF_BUILT"
	stateSettled    settleState = "SETTLED"
	stateFailed     settleState = "FAILED"
)

// Handler runs settlement for one payment attempt at a time. It performs no
// retries itself: fatal errors end the attempt, transient transport errors
// are surfaced for the caller's backoff policy.
type Handler struct {
	httpClient *http.Client
	chain      chain.Client
	network    payflow.Network

	// assets the handler can pay with; the challenge's asset field must
	// resolve to one of them by symbol or mint address.
	assets []chain.Asset

	log *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHTTPClient overrides the HTTP client used for resource calls.
func WithHTTPClient(c *http.Client) HandlerOption {
	return func(h *Handler) {
		h.httpClient = c
	}
}

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// NewHandler creates a settlement handler for the given network and payable
// assets.
func NewHandler(client chain.Client, network payflow.Network, assets []chain.Asset, opts ...HandlerOption) *Handler {
	h := &Handler{
		httpClient: http.DefaultClient,
		chain:      client,
		network:    network,
		assets:     assets,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Settle executes the protocol state machine:
// INIT → CHALLENGED → PROOF_BUILT → SETTLED, or FAILED at any state.
//
// A non-402 first response is returned as-is (success or error payload
// alike); the Handler only intervenes when the server demands payment.
func (h *Handler) Settle(ctx context.Context, req payflow.PaymentRequirement, id *payflow.EphemeralIdentity) (*payflow.ResourcePayload, error) {
	if !id.Network().Equal(h.network) {
		return nil, payflow.NewError(payflow.PhaseConfig, payflow.ErrCodeNetworkMismatch,
			fmt.Sprintf("identity network %q does not match handler network %q", id.Network(), h.network))
	}

	log := h.log.With("resource", req.ResourceURL, "identity", id)
	log.Debug("settlement started", "state", stateInit)

	resp, body, err := h.do(ctx, req, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		log.Debug("no payment required", "status", resp.StatusCode)
		return payloadFrom(resp, body), nil
	}

	challenge, err := parseChallenge(body)
	if err != nil {
		log.Warn("challenge rejected", "state", stateFailed, "error", err)
		return nil, err
	}
	log.Debug("challenge received", "state", stateChallenged,
		"amount", challenge.RequiredAmount, "asset", challenge.Asset, "network", challenge.Network)

	// Exact string equality. A mismatch is a configuration bug, never a
	// transient condition, so it is fatal and unretryable.
	if !challenge.Network.Equal(id.Network()) {
		return nil, payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodeNetworkMismatch,
			fmt.Sprintf("challenge network %q does not match identity network %q", challenge.Network, id.Network()))
	}

	if challenge.Scheme != SchemeExact {
		return nil, payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodeChallengeParse,
			fmt.Sprintf("unsupported payment scheme %q", challenge.Scheme))
	}

	asset, ok := h.resolveAsset(challenge.Asset)
	if !ok {
		return nil, payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodeChallengeParse,
			fmt.Sprintf("challenge asset %q is not payable", challenge.Asset))
	}

	header, err := h.buildProof(ctx, challenge, id, asset)
	if err != nil {
		return nil, err
	}
	log.Debug("proof built", "state", stateProofBuilt)

	resp, body, err = h.do(ctx, req, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info("settlement complete", "state", stateSettled, "status", resp.StatusCode,
			"amount", challenge.RequiredAmount, "asset", asset.Symbol)
		return payloadFrom(resp, body), nil
	}

	// Second 402 or any error after presenting proof: rejected. The caller
	// decides whether to fund a fresh identity and retry.
	reason := rejectionReason(body)
	log.Warn("payment rejected", "state", stateFailed, "status", resp.StatusCode, "reason", reason)
	return nil, payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodePaymentRejected,
		"resource server rejected the payment proof").WithDetails(map[string]interface{}{
		"status": resp.StatusCode,
		"reason": reason,
	})
}

// do issues the request from the requirement template, optionally attaching
// the payment proof header. The template itself is never mutated.
func (h *Handler) do(ctx context.Context, req payflow.PaymentRequirement, proofHeader string) (*http.Response, []byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.ResourceURL, bodyReader)
	if err != nil {
		return nil, nil, payflow.NewError(payflow.PhaseSettlement, payflow.ErrCodeMalformedRequirement,
			"failed to build resource request").WithCause(err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if proofHeader != "" {
		httpReq.Header.Set(PaymentHeader, proofHeader)
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, payflow.NewTransientError(payflow.PhaseSettlement, payflow.ErrCodeTransientIO,
			"resource request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, payflow.NewTransientError(payflow.PhaseSettlement, payflow.ErrCodeTransientIO,
			"failed to read resource response", err)
	}
	return resp, body, nil
}

func (h *Handler) resolveAsset(s string) (chain.Asset, bool) {
	for _, a := range h.assets {
		if a.Matches(s) {
			return a, true
		}
	}
	return chain.Asset{}, false
}

func payloadFrom(resp *http.Response, body []byte) *payflow.ResourcePayload {
	return &payflow.ResourcePayload{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
}
