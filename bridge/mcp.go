package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/keychainkit/keychain-go"
)

// ErrRemoteCapability is wrapped by errors a capability reports from the remote side.
var ErrRemoteCapability = errors.New("bridge: remote capability failed")

// ClientName and ClientVersion identify the keychain in the MCP initialize request.
const (
	ClientName    = "keychain"
	ClientVersion = "1.0.0"
)

// MCPConnector connects to a capability server over MCP. Each capability is
// an MCP tool whose name is the wire method name.
type MCPConnector struct {
	newClient func() (*mcpclient.Client, error)
}

// NewMCPConnector connects to a capability server served over streamable HTTP at url.
func NewMCPConnector(url string) *MCPConnector {
	return &MCPConnector{
		newClient: func() (*mcpclient.Client, error) {
			return mcpclient.NewStreamableHttpClient(url)
		},
	}
}

// NewInProcessConnector connects to a capability server in the same process.
func NewInProcessConnector(srv *mcpserver.MCPServer) *MCPConnector {
	return &MCPConnector{
		newClient: func() (*mcpclient.Client, error) {
			return mcpclient.NewInProcessClient(srv)
		},
	}
}

// Connect starts the client, initializes the MCP session and performs the
// keychain handshake, which reports the remote's origin.
func (c *MCPConnector) Connect(ctx context.Context) (Remote, HandshakeInfo, error) {
	client, err := c.newClient()
	if err != nil {
		return nil, HandshakeInfo{}, fmt.Errorf("failed to create mcp client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, HandshakeInfo{}, fmt.Errorf("failed to start mcp client: %w", err)
	}

	_, err = client.Initialize(ctx, mcpproto.InitializeRequest{
		Params: mcpproto.InitializeParams{
			ProtocolVersion: mcpproto.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcpproto.Implementation{
				Name:    ClientName,
				Version: ClientVersion,
			},
			Capabilities: mcpproto.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, HandshakeInfo{}, fmt.Errorf("failed to initialize mcp session: %w", err)
	}

	remote := &MCPRemote{client: client}

	var info HandshakeInfo
	if err := remote.Call(ctx, MethodHandshake, handshakeParams{Version: ClientVersion}, &info); err != nil {
		_ = client.Close()
		if errors.Is(err, ErrRemoteCapability) {
			return nil, HandshakeInfo{}, fmt.Errorf("%w: %v", keychain.ErrHandshakeRejected, err)
		}
		return nil, HandshakeInfo{}, err
	}
	return remote, info, nil
}

// MCPRemote is a Remote backed by an mcp-go client.
type MCPRemote struct {
	client *mcpclient.Client
}

// Call invokes the tool named method with params as its arguments. The tool's
// first text content is decoded as JSON into result.
func (r *MCPRemote) Call(ctx context.Context, method string, params, result any) error {
	args, err := toArguments(params)
	if err != nil {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "failed to encode bridge arguments", err).
			WithDetails("method", method)
	}

	res, err := r.client.CallTool(ctx, mcpproto.CallToolRequest{
		Params: mcpproto.CallToolParams{
			Name:      method,
			Arguments: args,
		},
	})
	if err != nil {
		return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeNotConnected, "bridge call failed", err).
			WithDetails("method", method)
	}

	text := firstText(res)
	if res.IsError {
		return keychain.NewError(keychain.KindRejection, keychain.ErrCodeSigningFailed, method+" failed",
			fmt.Errorf("%w: %s", ErrRemoteCapability, text))
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(text), result); err != nil {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, method+" returned malformed data", keychain.ErrMalformedResponse).
			WithDetails("method", method).
			WithDetails("cause", err.Error())
	}
	return nil
}

// Close closes the underlying client.
func (r *MCPRemote) Close() error {
	return r.client.Close()
}

func toArguments(params any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	args := make(map[string]any)
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func firstText(res *mcpproto.CallToolResult) string {
	if res == nil {
		return ""
	}
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcpproto.TextContent:
			return c.Text
		case *mcpproto.TextContent:
			return c.Text
		}
	}
	return ""
}
