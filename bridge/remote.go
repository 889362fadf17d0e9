package bridge

import (
	"context"
	"encoding/json"
	"time"
)

// Remote is an established call-and-response channel to the embedding page.
// Call sends params under method and decodes the reply into result, which may
// be nil when the method returns nothing.
type Remote interface {
	Call(ctx context.Context, method string, params, result any) error
	Close() error
}

// Connector opens a Remote and performs the handshake.
type Connector interface {
	Connect(ctx context.Context) (Remote, HandshakeInfo, error)
}

// remoteCapabilities adapts a Remote to Capabilities and Lifecycle.
type remoteCapabilities struct {
	remote Remote
}

func (r remoteCapabilities) DetectWallets(ctx context.Context) ([]ExternalWallet, error) {
	var wallets []ExternalWallet
	if err := r.remote.Call(ctx, MethodDetectWallets, struct{}{}, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (r remoteCapabilities) ConnectWallet(ctx context.Context, walletType WalletType, address string) (*ExternalWalletResponse, error) {
	return r.respond(ctx, MethodConnectWallet, connectWalletParams{Type: walletType, Address: address})
}

func (r remoteCapabilities) SignMessage(ctx context.Context, identifier, message string) (*ExternalWalletResponse, error) {
	return r.respond(ctx, MethodSignMessage, signMessageParams{Identifier: identifier, Message: message})
}

func (r remoteCapabilities) SignTypedData(ctx context.Context, identifier string, data json.RawMessage) (*ExternalWalletResponse, error) {
	return r.respond(ctx, MethodSignTypedData, signTypedDataParams{Identifier: identifier, Data: data})
}

func (r remoteCapabilities) SendTransaction(ctx context.Context, identifier string, txn json.RawMessage) (*ExternalWalletResponse, error) {
	return r.respond(ctx, MethodSendTransaction, sendTransactionParams{Identifier: identifier, Txn: txn})
}

func (r remoteCapabilities) GetBalance(ctx context.Context, identifier, tokenAddress string) (*ExternalWalletResponse, error) {
	return r.respond(ctx, MethodGetBalance, getBalanceParams{Identifier: identifier, TokenAddress: tokenAddress})
}

func (r remoteCapabilities) SwitchChain(ctx context.Context, identifier, chainID string) (*ExternalWalletResponse, error) {
	return r.respond(ctx, MethodSwitchChain, switchChainParams{Identifier: identifier, ChainID: chainID})
}

func (r remoteCapabilities) WaitForTransaction(ctx context.Context, identifier, txHash string, timeout time.Duration) (*ExternalWalletResponse, error) {
	return r.respond(ctx, MethodWaitForTransaction, waitForTransactionParams{
		Identifier: identifier,
		TxHash:     txHash,
		TimeoutMs:  timeout.Milliseconds(),
	})
}

func (r remoteCapabilities) Toast(ctx context.Context, toast Toast) error {
	return r.remote.Call(ctx, MethodToast, toastParams{Toast: toast}, nil)
}

func (r remoteCapabilities) Close(ctx context.Context) error {
	return r.remote.Call(ctx, MethodClose, struct{}{}, nil)
}

func (r remoteCapabilities) Reload(ctx context.Context) error {
	return r.remote.Call(ctx, MethodReload, struct{}{}, nil)
}

func (r remoteCapabilities) respond(ctx context.Context, method string, params any) (*ExternalWalletResponse, error) {
	var resp ExternalWalletResponse
	if err := r.remote.Call(ctx, method, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
