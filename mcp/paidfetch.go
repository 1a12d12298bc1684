// Package mcp exposes the payment orchestrator as a Model Context Protocol
// tool, so the agent layer can fetch paid resources through a single
// tool call with auto-approval gating applied.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	payflow "github.com/darkresearch/mallory-sub002"
)

// Payer is the orchestrator surface the tool needs.
type Payer interface {
	PayAndFetch(ctx context.Context, req payflow.PaymentRequirement) (*payflow.ResourcePayload, error)
	ShouldAutoApprove(amount, asset string) bool
}

// FetchArgs are the paid_fetch tool arguments.
type FetchArgs struct {
	URL            string            `json:"url" jsonschema:"URL of the paid resource"`
	Method         string            `json:"method,omitempty" jsonschema:"HTTP method, defaults to GET"`
	Headers        map[string]string `json:"headers,omitempty" jsonschema:"extra request headers"`
	Body           string            `json:"body,omitempty" jsonschema:"request body"`
	DeclaredAmount string            `json:"declaredAmount" jsonschema:"declared cost as a decimal string"`
	DeclaredAsset  string            `json:"declaredAsset" jsonschema:"declared cost asset symbol"`
}

// FetchResult is the paid_fetch tool output.
type FetchResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body"`
}

// ServerConfig configures the tool registration.
type ServerConfig struct {
	Logger *slog.Logger
}

// Register adds the paid_fetch tool to an MCP server. Declared costs at or
// above the auto-approval ceiling are not paid: the tool returns an
// approval-required error and the chat layer must confirm with the user
// before retrying.
func Register(server *mcpsdk.Server, payer Payer, cfg ServerConfig) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "paid_fetch",
		Description: "Fetch a paid HTTP resource, settling payment via the x402 protocol with an ephemeral wallet.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args FetchArgs) (*mcpsdk.CallToolResult, FetchResult, error) {
		if !payer.ShouldAutoApprove(args.DeclaredAmount, args.DeclaredAsset) {
			log.Info("paid_fetch requires explicit approval",
				"url", args.URL, "amount", args.DeclaredAmount, "asset", args.DeclaredAsset)
			return toolError(fmt.Sprintf(
				"payment of %s %s requires explicit user approval before it can proceed",
				args.DeclaredAmount, args.DeclaredAsset)), FetchResult{}, nil
		}

		requirement := payflow.PaymentRequirement{
			ResourceURL: args.URL,
			Method:      args.Method,
			Headers:     args.Headers,
			Body:        []byte(args.Body),
			DeclaredCost: payflow.AssetAmount{
				Amount: args.DeclaredAmount,
				Asset:  args.DeclaredAsset,
			},
		}

		payload, err := payer.PayAndFetch(ctx, requirement)
		if err != nil {
			log.Warn("paid_fetch failed", "url", args.URL, "phase", payflow.PhaseOf(err), "error", err)
			return toolError(err.Error()), FetchResult{}, nil
		}

		result := FetchResult{
			Status:      payload.StatusCode,
			ContentType: payload.ContentType,
			Body:        string(payload.Body),
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: result.Body}},
		}, result, nil
	})
}

func toolError(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}
