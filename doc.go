// Package payflow is the ephemeral-wallet x402 payment orchestrator: for each
// paid tool call it creates a disposable keypair, funds it from the custodial
// wallet, runs the HTTP 402 challenge/response settlement protocol against
// the resource server, and sweeps the remainder back, guaranteeing that no
// custodial funds are strandable and no payment runs twice for one request.
//
// Collaborator implementations live in the subpackages: chain (Solana RPC),
// custodian (session-bound signing), funding, settlement, and sweep. The mcp
// subpackage exposes the orchestrator as a Model Context Protocol tool for
// the agent layer.
package payflow
