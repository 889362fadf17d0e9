// Package bridgetest provides a scriptable external wallet and helpers for
// establishing bridge sessions against it in tests.
package bridgetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/keychainkit/keychain-go/bridge"
	"github.com/keychainkit/keychain-go/origin"
)

// Call records one capability invocation.
type Call struct {
	Method     string
	Identifier string
	Payload    json.RawMessage
}

// Wallet is a bridge.Capabilities implementation whose behaviour can be
// overridden per method. Unset methods succeed with deterministic results.
type Wallet struct {
	Type bridge.WalletType

	SignMessageFunc        func(ctx context.Context, identifier, message string) (*bridge.ExternalWalletResponse, error)
	SignTypedDataFunc      func(ctx context.Context, identifier string, data json.RawMessage) (*bridge.ExternalWalletResponse, error)
	SendTransactionFunc    func(ctx context.Context, identifier string, txn json.RawMessage) (*bridge.ExternalWalletResponse, error)
	GetBalanceFunc         func(ctx context.Context, identifier, tokenAddress string) (*bridge.ExternalWalletResponse, error)
	WaitForTransactionFunc func(ctx context.Context, identifier, txHash string, timeout time.Duration) (*bridge.ExternalWalletResponse, error)

	mu     sync.Mutex
	calls  []Call
	toasts []bridge.Toast
}

// NewWallet returns a MetaMask-flavoured fake wallet.
func NewWallet() *Wallet {
	return &Wallet{Type: bridge.WalletMetaMask}
}

func (w *Wallet) record(method, identifier string, payload json.RawMessage) {
	w.mu.Lock()
	w.calls = append(w.calls, Call{Method: method, Identifier: identifier, Payload: payload})
	w.mu.Unlock()
}

// Calls returns a copy of every recorded call.
func (w *Wallet) Calls() []Call {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Call, len(w.calls))
	copy(out, w.calls)
	return out
}

// CallCount returns how many times method was called.
func (w *Wallet) CallCount(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Toasts returns the notifications shown so far.
func (w *Wallet) Toasts() []bridge.Toast {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]bridge.Toast(nil), w.toasts...)
}

func (w *Wallet) DetectWallets(ctx context.Context) ([]bridge.ExternalWallet, error) {
	w.record(bridge.MethodDetectWallets, "", nil)
	return []bridge.ExternalWallet{{Type: w.Type, Available: true, Name: string(w.Type)}}, nil
}

func (w *Wallet) ConnectWallet(ctx context.Context, walletType bridge.WalletType, address string) (*bridge.ExternalWalletResponse, error) {
	w.record(bridge.MethodConnectWallet, address, nil)
	return bridge.StringResponse(walletType, address, address), nil
}

func (w *Wallet) SignMessage(ctx context.Context, identifier, message string) (*bridge.ExternalWalletResponse, error) {
	w.record(bridge.MethodSignMessage, identifier, nil)
	if w.SignMessageFunc != nil {
		return w.SignMessageFunc(ctx, identifier, message)
	}
	return bridge.StringResponse(w.Type, identifier, "signed:"+message), nil
}

func (w *Wallet) SignTypedData(ctx context.Context, identifier string, data json.RawMessage) (*bridge.ExternalWalletResponse, error) {
	w.record(bridge.MethodSignTypedData, identifier, data)
	if w.SignTypedDataFunc != nil {
		return w.SignTypedDataFunc(ctx, identifier, data)
	}
	return bridge.StringResponse(w.Type, identifier, "typed-signature"), nil
}

func (w *Wallet) SendTransaction(ctx context.Context, identifier string, txn json.RawMessage) (*bridge.ExternalWalletResponse, error) {
	w.record(bridge.MethodSendTransaction, identifier, txn)
	if w.SendTransactionFunc != nil {
		return w.SendTransactionFunc(ctx, identifier, txn)
	}
	return bridge.StringResponse(w.Type, identifier, "0x"+repeat("ab", 32)), nil
}

func (w *Wallet) GetBalance(ctx context.Context, identifier, tokenAddress string) (*bridge.ExternalWalletResponse, error) {
	w.record(bridge.MethodGetBalance, identifier, nil)
	if w.GetBalanceFunc != nil {
		return w.GetBalanceFunc(ctx, identifier, tokenAddress)
	}
	return bridge.StringResponse(w.Type, identifier, "1000000"), nil
}

func (w *Wallet) SwitchChain(ctx context.Context, identifier, chainID string) (*bridge.ExternalWalletResponse, error) {
	w.record(bridge.MethodSwitchChain, identifier, nil)
	return bridge.StringResponse(w.Type, identifier, chainID), nil
}

func (w *Wallet) WaitForTransaction(ctx context.Context, identifier, txHash string, timeout time.Duration) (*bridge.ExternalWalletResponse, error) {
	w.record(bridge.MethodWaitForTransaction, identifier, nil)
	if w.WaitForTransactionFunc != nil {
		return w.WaitForTransactionFunc(ctx, identifier, txHash, timeout)
	}
	receipt, _ := json.Marshal(map[string]string{"transactionHash": txHash, "status": "0x1"})
	return &bridge.ExternalWalletResponse{Success: true, Wallet: w.Type, Account: identifier, Result: receipt}, nil
}

func (w *Wallet) Toast(ctx context.Context, toast bridge.Toast) error {
	w.record(bridge.MethodToast, "", nil)
	w.mu.Lock()
	w.toasts = append(w.toasts, toast)
	w.mu.Unlock()
	return nil
}

// Connect establishes an embedded session against caps over an in-process
// MCP server that reports hostOrigin during the handshake.
func Connect(ctx context.Context, caps bridge.Capabilities, hostOrigin string, allowList ...string) (*bridge.Session, error) {
	srv := bridge.NewCapabilityServer(bridge.ServerConfig{
		Origin:       hostOrigin,
		Capabilities: caps,
	})
	session := bridge.NewEmbeddedSession(bridge.NewInProcessConnector(srv), origin.NewAllowedOriginSet(allowList...))
	if err := session.Establish(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

var _ bridge.Capabilities = (*Wallet)(nil)
