// Package wallet routes signing requests between wallets held inside the
// keychain and wallets reachable only through the bridge to the embedding page.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/bridge"
)

// Wallet is a signing capability held inside the keychain. Only message
// signing is mandatory; the remaining operations are detected through the
// optional interfaces below.
type Wallet interface {
	Address() string
	SignMessage(ctx context.Context, message string) (string, error)
}

// TypedDataSigner signs EIP-712 style structured data.
type TypedDataSigner interface {
	SignTypedData(ctx context.Context, data json.RawMessage) (string, error)
}

// TransactionSender signs and broadcasts a transaction, returning its hash or signature.
type TransactionSender interface {
	SendTransaction(ctx context.Context, txn json.RawMessage) (string, error)
}

// BalanceReader reads a balance in atomic units. An empty token address means the native asset.
type BalanceReader interface {
	GetBalance(ctx context.Context, tokenAddress string) (string, error)
}

// TransactionWaiter waits for a transaction to be mined and returns its receipt.
type TransactionWaiter interface {
	WaitForTransaction(ctx context.Context, txHash string, timeout time.Duration) (json.RawMessage, error)
}

// Option configures KeychainWallets.
type Option func(*KeychainWallets)

// WithBridge attaches the bridge used for external wallets.
func WithBridge(caps bridge.Capabilities) Option {
	return func(k *KeychainWallets) {
		k.bridge = caps
	}
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *KeychainWallets) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// KeychainWallets is the signing router. Embedded wallets are keyed by their
// canonical identifier, so identifiers differing only in case resolve to the
// same wallet. Identifiers with no embedded wallet are delegated to the
// bridge, exactly one capability call per request.
type KeychainWallets struct {
	mu       sync.RWMutex
	embedded map[keychain.Identifier]Wallet
	bridge   bridge.Capabilities
	logger   *slog.Logger
}

// New creates an empty router.
func New(opts ...Option) *KeychainWallets {
	k := &KeychainWallets{
		embedded: make(map[keychain.Identifier]Wallet),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// AttachBridge sets or replaces the bridge. Passing nil detaches it.
func (k *KeychainWallets) AttachBridge(caps bridge.Capabilities) {
	k.mu.Lock()
	k.bridge = caps
	k.mu.Unlock()
}

// AddEmbeddedWallet registers w under identifier. A later registration for the
// same canonical identifier replaces the earlier one.
func (k *KeychainWallets) AddEmbeddedWallet(identifier string, w Wallet) error {
	id, err := keychain.ParseIdentifier(identifier)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("wallet for %s cannot be nil", id)
	}

	k.mu.Lock()
	_, replaced := k.embedded[id]
	k.embedded[id] = w
	k.mu.Unlock()

	k.logger.Debug("embedded wallet registered", "identifier", id.String(), "replaced", replaced)
	return nil
}

// GetEmbeddedWallet returns the embedded wallet registered for identifier.
func (k *KeychainWallets) GetEmbeddedWallet(identifier string) (Wallet, bool) {
	id := keychain.CanonicalIdentifier(identifier)
	k.mu.RLock()
	defer k.mu.RUnlock()
	w, ok := k.embedded[id]
	return w, ok
}

// RemoveEmbeddedWallet unregisters identifier and reports whether it was present.
func (k *KeychainWallets) RemoveEmbeddedWallet(identifier string) bool {
	id := keychain.CanonicalIdentifier(identifier)
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.embedded[id]; !ok {
		return false
	}
	delete(k.embedded, id)
	return true
}

// Identifiers returns the canonical identifiers of every embedded wallet.
func (k *KeychainWallets) Identifiers() []keychain.Identifier {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]keychain.Identifier, 0, len(k.embedded))
	for id := range k.embedded {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of embedded wallets.
func (k *KeychainWallets) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.embedded)
}

// Reset drops every embedded wallet and detaches the bridge.
func (k *KeychainWallets) Reset() {
	k.mu.Lock()
	k.embedded = make(map[keychain.Identifier]Wallet)
	k.bridge = nil
	k.mu.Unlock()
}

// route resolves identifier to either an embedded wallet or the bridge.
func (k *KeychainWallets) route(identifier string) (Wallet, bridge.Capabilities, keychain.Identifier, error) {
	id, err := keychain.ParseIdentifier(identifier)
	if err != nil {
		return nil, nil, "", keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "invalid wallet identifier", err)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if w, ok := k.embedded[id]; ok {
		return w, nil, id, nil
	}
	if k.bridge == nil {
		return nil, nil, id, keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeNotReady,
			"no bridge attached for external wallet", keychain.ErrNotReady).
			WithDetails("identifier", id.String())
	}
	return nil, k.bridge, id, nil
}

// SignMessage signs message with the wallet owning identifier.
func (k *KeychainWallets) SignMessage(ctx context.Context, identifier, message string) (string, error) {
	w, caps, id, err := k.route(identifier)
	if err != nil {
		return "", err
	}
	if w != nil {
		sig, err := w.SignMessage(ctx, message)
		if err != nil {
			return "", embeddedFailure("signMessage", id, err)
		}
		return sig, nil
	}
	return external(caps.SignMessage(ctx, id.String(), message)).str(bridge.MethodSignMessage)
}

// SignTypedData signs structured data with the wallet owning identifier.
func (k *KeychainWallets) SignTypedData(ctx context.Context, identifier string, data json.RawMessage) (string, error) {
	w, caps, id, err := k.route(identifier)
	if err != nil {
		return "", err
	}
	if w != nil {
		signer, ok := w.(TypedDataSigner)
		if !ok {
			return "", unsupported("signTypedData", id)
		}
		sig, err := signer.SignTypedData(ctx, data)
		if err != nil {
			return "", embeddedFailure("signTypedData", id, err)
		}
		return sig, nil
	}
	return external(caps.SignTypedData(ctx, id.String(), data)).str(bridge.MethodSignTypedData)
}

// SendTransaction signs and broadcasts txn from the wallet owning identifier
// and returns the transaction hash or signature.
func (k *KeychainWallets) SendTransaction(ctx context.Context, identifier string, txn json.RawMessage) (string, error) {
	w, caps, id, err := k.route(identifier)
	if err != nil {
		return "", err
	}
	if w != nil {
		sender, ok := w.(TransactionSender)
		if !ok {
			return "", unsupported("sendTransaction", id)
		}
		hash, err := sender.SendTransaction(ctx, txn)
		if err != nil {
			return "", embeddedFailure("sendTransaction", id, err)
		}
		return hash, nil
	}
	return external(caps.SendTransaction(ctx, id.String(), txn)).str(bridge.MethodSendTransaction)
}

// GetBalance returns the balance of tokenAddress held by identifier.
func (k *KeychainWallets) GetBalance(ctx context.Context, identifier, tokenAddress string) (string, error) {
	w, caps, id, err := k.route(identifier)
	if err != nil {
		return "", err
	}
	if w != nil {
		reader, ok := w.(BalanceReader)
		if !ok {
			return "", unsupported("getBalance", id)
		}
		balance, err := reader.GetBalance(ctx, tokenAddress)
		if err != nil {
			return "", embeddedFailure("getBalance", id, err)
		}
		return balance, nil
	}
	return external(caps.GetBalance(ctx, id.String(), tokenAddress)).str(bridge.MethodGetBalance)
}

// WaitForTransaction waits for txHash to be mined and returns the raw receipt.
func (k *KeychainWallets) WaitForTransaction(ctx context.Context, identifier, txHash string, timeout time.Duration) (json.RawMessage, error) {
	w, caps, id, err := k.route(identifier)
	if err != nil {
		return nil, err
	}
	if w != nil {
		waiter, ok := w.(TransactionWaiter)
		if !ok {
			return nil, unsupported("waitForTransaction", id)
		}
		receipt, err := waiter.WaitForTransaction(ctx, txHash, timeout)
		if err != nil {
			return nil, embeddedFailure("waitForTransaction", id, err)
		}
		return receipt, nil
	}
	return external(caps.WaitForTransaction(ctx, id.String(), txHash, timeout)).raw(bridge.MethodWaitForTransaction)
}

type externalResult struct {
	resp *bridge.ExternalWalletResponse
	err  error
}

func external(resp *bridge.ExternalWalletResponse, err error) externalResult {
	return externalResult{resp: resp, err: err}
}

func (r externalResult) str(method string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.resp.StringResult(method)
}

// raw accepts any non-null JSON result.
func (r externalResult) raw(method string) (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.resp == nil || !r.resp.Success {
		_, err := r.resp.StringResult(method)
		return nil, err
	}
	if len(r.resp.Result) == 0 || string(r.resp.Result) == "null" {
		return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse,
			method+" returned no result", keychain.ErrMalformedResponse)
	}
	return r.resp.Result, nil
}

// embeddedFailure reports a failed embedded wallet call as a rejection.
// Finality and timeout outcomes from transaction waits keep their own kind.
func embeddedFailure(op string, id keychain.Identifier, err error) error {
	kind := keychain.KindRejection
	switch k := keychain.KindOf(err); k {
	case keychain.KindFinality, keychain.KindTimeout:
		kind = k
	}
	return keychain.NewError(kind, keychain.ErrCodeSigningFailed,
		fmt.Sprintf("embedded wallet %s failed", op), fmt.Errorf("%w: %w", keychain.ErrSigningFailed, err)).
		WithDetails("identifier", id.String()).
		WithDetails("detail", err.Error())
}

func unsupported(op string, id keychain.Identifier) error {
	return keychain.NewError(keychain.KindRejection, keychain.ErrCodeSigningFailed,
		fmt.Sprintf("embedded wallet does not support %s", op), keychain.ErrUnsupportedOperation).
		WithDetails("identifier", id.String())
}
