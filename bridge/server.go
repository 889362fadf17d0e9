package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// ServerConfig configures a capability server.
type ServerConfig struct {
	// Name and Version identify the server in the MCP initialize response.
	Name    string
	Version string

	// Origin is reported to the keychain during the handshake.
	Origin string

	// Capabilities implements the wallet surface.
	Capabilities Capabilities

	// Lifecycle implements close/reload. Nil makes both no-ops.
	Lifecycle Lifecycle

	// RejectHandshake makes the handshake fail, for pages that refuse to host a keychain.
	RejectHandshake bool
}

// NewCapabilityServer exposes a Capabilities implementation as MCP tools. It
// is the embedding-page side of the bridge.
func NewCapabilityServer(cfg ServerConfig) *mcpserver.MCPServer {
	if cfg.Name == "" {
		cfg.Name = "keychain-host"
	}
	if cfg.Version == "" {
		cfg.Version = ClientVersion
	}
	srv := mcpserver.NewMCPServer(cfg.Name, cfg.Version)
	h := &capabilityHandlers{cfg: cfg}

	srv.AddTool(mcpproto.NewTool(MethodHandshake,
		mcpproto.WithDescription("Report the host origin to the keychain"),
		mcpproto.WithString("version", mcpproto.Description("Keychain protocol version")),
	), h.handshake)

	srv.AddTool(mcpproto.NewTool(MethodDetectWallets,
		mcpproto.WithDescription("List wallets available in the host page"),
	), h.detectWallets)

	srv.AddTool(mcpproto.NewTool(MethodConnectWallet,
		mcpproto.WithDescription("Connect an external wallet"),
		mcpproto.WithString("type", mcpproto.Required(), mcpproto.Description("Wallet type")),
		mcpproto.WithString("address", mcpproto.Description("Preferred account address")),
	), h.connectWallet)

	srv.AddTool(mcpproto.NewTool(MethodSignMessage,
		mcpproto.WithDescription("Sign a message with an external wallet"),
		mcpproto.WithString("identifier", mcpproto.Required(), mcpproto.Description("Wallet address")),
		mcpproto.WithString("message", mcpproto.Required(), mcpproto.Description("Message to sign")),
	), h.signMessage)

	srv.AddTool(mcpproto.NewTool(MethodSignTypedData,
		mcpproto.WithDescription("Sign typed data with an external wallet"),
		mcpproto.WithString("identifier", mcpproto.Required(), mcpproto.Description("Wallet address")),
		mcpproto.WithObject("data", mcpproto.Required(), mcpproto.Description("Typed data payload")),
	), h.signTypedData)

	srv.AddTool(mcpproto.NewTool(MethodSendTransaction,
		mcpproto.WithDescription("Sign and broadcast a transaction with an external wallet"),
		mcpproto.WithString("identifier", mcpproto.Required(), mcpproto.Description("Wallet address")),
		mcpproto.WithObject("txn", mcpproto.Required(), mcpproto.Description("Transaction payload")),
	), h.sendTransaction)

	srv.AddTool(mcpproto.NewTool(MethodGetBalance,
		mcpproto.WithDescription("Read a balance from an external wallet"),
		mcpproto.WithString("identifier", mcpproto.Required(), mcpproto.Description("Wallet address")),
		mcpproto.WithString("tokenAddress", mcpproto.Description("Token address, native if empty")),
	), h.getBalance)

	srv.AddTool(mcpproto.NewTool(MethodSwitchChain,
		mcpproto.WithDescription("Switch the external wallet's active chain"),
		mcpproto.WithString("identifier", mcpproto.Required(), mcpproto.Description("Wallet address")),
		mcpproto.WithString("chainId", mcpproto.Required(), mcpproto.Description("Target chain id")),
	), h.switchChain)

	srv.AddTool(mcpproto.NewTool(MethodWaitForTransaction,
		mcpproto.WithDescription("Wait for a transaction to be mined"),
		mcpproto.WithString("identifier", mcpproto.Required(), mcpproto.Description("Wallet address")),
		mcpproto.WithString("txHash", mcpproto.Required(), mcpproto.Description("Transaction hash")),
		mcpproto.WithNumber("timeoutMs", mcpproto.Description("Maximum wait in milliseconds")),
	), h.waitForTransaction)

	srv.AddTool(mcpproto.NewTool(MethodToast,
		mcpproto.WithDescription("Show a notification in the host page"),
		mcpproto.WithObject("toast", mcpproto.Required(), mcpproto.Description("Toast content")),
	), h.toast)

	srv.AddTool(mcpproto.NewTool(MethodClose,
		mcpproto.WithDescription("Close the keychain frame"),
	), h.close)

	srv.AddTool(mcpproto.NewTool(MethodReload,
		mcpproto.WithDescription("Reload the keychain frame"),
	), h.reload)

	return srv
}

// NewCapabilityHandler serves a capability server over streamable HTTP.
func NewCapabilityHandler(cfg ServerConfig) http.Handler {
	return mcpserver.NewStreamableHTTPServer(NewCapabilityServer(cfg))
}

type capabilityHandlers struct {
	cfg ServerConfig
}

func decodeArgs[T any](req mcpproto.CallToolRequest) (T, error) {
	var params T
	data, err := json.Marshal(req.GetArguments())
	if err != nil {
		return params, err
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("invalid arguments: %w", err)
	}
	return params, nil
}

func reply(v any, err error) (*mcpproto.CallToolResult, error) {
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return mcpproto.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcpproto.NewToolResultText(string(data)), nil
}

func (h *capabilityHandlers) handshake(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	if h.cfg.RejectHandshake {
		return mcpproto.NewToolResultError("host refused keychain handshake"), nil
	}
	return reply(HandshakeInfo{Origin: h.cfg.Origin, Version: h.cfg.Version}, nil)
}

func (h *capabilityHandlers) detectWallets(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	wallets, err := h.cfg.Capabilities.DetectWallets(ctx)
	if wallets == nil {
		wallets = []ExternalWallet{}
	}
	return reply(wallets, err)
}

func (h *capabilityHandlers) connectWallet(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	p, err := decodeArgs[connectWalletParams](req)
	if err != nil {
		return reply(nil, err)
	}
	return reply(h.cfg.Capabilities.ConnectWallet(ctx, p.Type, p.Address))
}

func (h *capabilityHandlers) signMessage(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	p, err := decodeArgs[signMessageParams](req)
	if err != nil {
		return reply(nil, err)
	}
	return reply(h.cfg.Capabilities.SignMessage(ctx, p.Identifier, p.Message))
}

func (h *capabilityHandlers) signTypedData(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	p, err := decodeArgs[signTypedDataParams](req)
	if err != nil {
		return reply(nil, err)
	}
	return reply(h.cfg.Capabilities.SignTypedData(ctx, p.Identifier, p.Data))
}

func (h *capabilityHandlers) sendTransaction(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	p, err := decodeArgs[sendTransactionParams](req)
	if err != nil {
		return reply(nil, err)
	}
	return reply(h.cfg.Capabilities.SendTransaction(ctx, p.Identifier, p.Txn))
}

func (h *capabilityHandlers) getBalance(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	p, err := decodeArgs[getBalanceParams](req)
	if err != nil {
		return reply(nil, err)
	}
	return reply(h.cfg.Capabilities.GetBalance(ctx, p.Identifier, p.TokenAddress))
}

func (h *capabilityHandlers) switchChain(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	p, err := decodeArgs[switchChainParams](req)
	if err != nil {
		return reply(nil, err)
	}
	return reply(h.cfg.Capabilities.SwitchChain(ctx, p.Identifier, p.ChainID))
}

func (h *capabilityHandlers) waitForTransaction(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	p, err := decodeArgs[waitForTransactionParams](req)
	if err != nil {
		return reply(nil, err)
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	return reply(h.cfg.Capabilities.WaitForTransaction(ctx, p.Identifier, p.TxHash, timeout))
}

func (h *capabilityHandlers) toast(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	p, err := decodeArgs[toastParams](req)
	if err != nil {
		return reply(nil, err)
	}
	return reply(struct{}{}, h.cfg.Capabilities.Toast(ctx, p.Toast))
}

func (h *capabilityHandlers) close(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	if h.cfg.Lifecycle == nil {
		return reply(struct{}{}, nil)
	}
	return reply(struct{}{}, h.cfg.Lifecycle.Close(ctx))
}

func (h *capabilityHandlers) reload(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	if h.cfg.Lifecycle == nil {
		return reply(struct{}{}, nil)
	}
	return reply(struct{}{}, h.cfg.Lifecycle.Reload(ctx))
}
