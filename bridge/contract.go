// Package bridge implements the typed RPC channel between the keychain and
// the page embedding it. The capability surface is a fixed set of named
// methods with fixed argument and result shapes; method names are part of the
// wire contract and never change.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keychainkit/keychain-go"
)

// Wire method names.
const (
	MethodDetectWallets      = "externalDetectWallets"
	MethodConnectWallet      = "externalConnectWallet"
	MethodSignMessage        = "externalSignMessage"
	MethodSignTypedData      = "externalSignTypedData"
	MethodSendTransaction    = "externalSendTransaction"
	MethodGetBalance         = "externalGetBalance"
	MethodSwitchChain        = "externalSwitchChain"
	MethodWaitForTransaction = "externalWaitForTransaction"
	MethodToast              = "toast"
	MethodClose              = "close"
	MethodReload             = "reload"
	MethodHandshake          = "handshake"
)

// WalletType identifies an external wallet implementation.
type WalletType string

const (
	WalletMetaMask      WalletType = "metamask"
	WalletPhantom       WalletType = "phantom"
	WalletArgent        WalletType = "argent"
	WalletRabby         WalletType = "rabby"
	WalletWalletConnect WalletType = "walletconnect"
)

// ExternalWallet describes a wallet detected in the embedding page.
type ExternalWallet struct {
	Type              WalletType `json:"type"`
	Available         bool       `json:"available"`
	Version           string     `json:"version,omitempty"`
	ChainID           string     `json:"chainId,omitempty"`
	Name              string     `json:"name,omitempty"`
	Platform          string     `json:"platform,omitempty"`
	ConnectedAccounts []string   `json:"connectedAccounts,omitempty"`
}

// ExternalWalletResponse is the result shape shared by every external wallet capability.
type ExternalWalletResponse struct {
	Success bool            `json:"success"`
	Wallet  WalletType      `json:"wallet"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Account string          `json:"account,omitempty"`
}

// StringResult returns the response's result as a string. A failed response
// becomes a rejection carrying the wallet's own error text; a successful
// response whose result is not a non-empty string is a validation error.
func (r *ExternalWalletResponse) StringResult(method string) (string, error) {
	if r == nil {
		return "", keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse,
			fmt.Sprintf("%s returned no response", method), keychain.ErrMalformedResponse)
	}
	if !r.Success {
		return "", keychain.NewError(keychain.KindRejection, keychain.ErrCodeSigningFailed,
			fmt.Sprintf("%s failed", method), remoteFailure(r.Error)).
			WithDetails("wallet", string(r.Wallet))
	}

	var s string
	if len(r.Result) == 0 || json.Unmarshal(r.Result, &s) != nil || s == "" {
		return "", keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse,
			fmt.Sprintf("%s returned a non-string result", method), keychain.ErrMalformedResponse).
			WithDetails("wallet", string(r.Wallet)).
			WithDetails("result", string(r.Result))
	}
	return s, nil
}

func remoteFailure(msg string) error {
	if msg == "" {
		return keychain.ErrSigningFailed
	}
	return fmt.Errorf("%w: %s", keychain.ErrSigningFailed, msg)
}

// StringResponse builds a successful response carrying a string result.
func StringResponse(wallet WalletType, account, result string) *ExternalWalletResponse {
	raw, _ := json.Marshal(result)
	return &ExternalWalletResponse{Success: true, Wallet: wallet, Account: account, Result: raw}
}

// FailureResponse builds a failed response.
func FailureResponse(wallet WalletType, msg string) *ExternalWalletResponse {
	return &ExternalWalletResponse{Success: false, Wallet: wallet, Error: msg}
}

// Toast is a notification shown by the embedding page.
type Toast struct {
	Variant     string `json:"variant"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	DurationMs  int64  `json:"duration,omitempty"`
}

// HandshakeInfo is what the remote side reports while the channel is being established.
type HandshakeInfo struct {
	Origin  string `json:"origin"`
	Version string `json:"version,omitempty"`
}

// EVMTransaction is the txn argument of externalSendTransaction on EVM rails.
// Quantities are 0x-prefixed hex.
type EVMTransaction struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Data    string `json:"data,omitempty"`
	Value   string `json:"value"`
	ChainID string `json:"chainId,omitempty"`
}

// SolanaTransaction is the txn argument of externalSendTransaction on Solana:
// a base64 wire transaction whose signature slots are left empty for the wallet.
type SolanaTransaction struct {
	Transaction string `json:"transaction"`
}

// Capabilities is the wallet surface exposed by the embedding page.
type Capabilities interface {
	DetectWallets(ctx context.Context) ([]ExternalWallet, error)
	ConnectWallet(ctx context.Context, walletType WalletType, address string) (*ExternalWalletResponse, error)
	SignMessage(ctx context.Context, identifier, message string) (*ExternalWalletResponse, error)
	SignTypedData(ctx context.Context, identifier string, data json.RawMessage) (*ExternalWalletResponse, error)
	SendTransaction(ctx context.Context, identifier string, txn json.RawMessage) (*ExternalWalletResponse, error)
	GetBalance(ctx context.Context, identifier, tokenAddress string) (*ExternalWalletResponse, error)
	SwitchChain(ctx context.Context, identifier, chainID string) (*ExternalWalletResponse, error)
	WaitForTransaction(ctx context.Context, identifier, txHash string, timeout time.Duration) (*ExternalWalletResponse, error)
	Toast(ctx context.Context, toast Toast) error
}

// Lifecycle controls the keychain frame from the embedding page.
type Lifecycle interface {
	Close(ctx context.Context) error
	Reload(ctx context.Context) error
}

// Argument shapes on the wire.
type (
	connectWalletParams struct {
		Type    WalletType `json:"type"`
		Address string     `json:"address,omitempty"`
	}
	signMessageParams struct {
		Identifier string `json:"identifier"`
		Message    string `json:"message"`
	}
	signTypedDataParams struct {
		Identifier string          `json:"identifier"`
		Data       json.RawMessage `json:"data"`
	}
	sendTransactionParams struct {
		Identifier string          `json:"identifier"`
		Txn        json.RawMessage `json:"txn"`
	}
	getBalanceParams struct {
		Identifier   string `json:"identifier"`
		TokenAddress string `json:"tokenAddress,omitempty"`
	}
	switchChainParams struct {
		Identifier string `json:"identifier"`
		ChainID    string `json:"chainId"`
	}
	waitForTransactionParams struct {
		Identifier string `json:"identifier"`
		TxHash     string `json:"txHash"`
		TimeoutMs  int64  `json:"timeoutMs,omitempty"`
	}
	toastParams struct {
		Toast Toast `json:"toast"`
	}
	handshakeParams struct {
		Version string `json:"version,omitempty"`
	}
)
