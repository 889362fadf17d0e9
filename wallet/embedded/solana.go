package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/bridge"
)

// SolanaClient is the subset of *rpc.Client used by SolanaWallet.
type SolanaClient interface {
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

// SolanaWallet is an embedded wallet for Solana.
type SolanaWallet struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	client     SolanaClient
}

// SolanaOption configures a SolanaWallet.
type SolanaOption func(*SolanaWallet) error

// NewSolanaWallet creates a Solana wallet. A key option is required.
func NewSolanaWallet(opts ...SolanaOption) (*SolanaWallet, error) {
	w := &SolanaWallet{}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if len(w.privateKey) == 0 {
		return nil, keychain.ErrInvalidKey
	}
	w.publicKey = w.privateKey.PublicKey()
	return w, nil
}

// WithSolanaPrivateKey sets the key from a base58 string.
func WithSolanaPrivateKey(base58Key string) SolanaOption {
	return func(w *SolanaWallet) error {
		key, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil || len(key) != 64 {
			return keychain.ErrInvalidKey
		}
		w.privateKey = key
		return nil
	}
}

// WithKeygenFile loads the key from a Solana CLI keygen JSON file.
func WithKeygenFile(path string) SolanaOption {
	return func(w *SolanaWallet) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", keychain.ErrInvalidKeystore, err)
		}
		var keyBytes []byte
		if err := json.Unmarshal(data, &keyBytes); err != nil {
			return fmt.Errorf("%w: invalid JSON format", keychain.ErrInvalidKeystore)
		}
		if len(keyBytes) != 64 {
			return fmt.Errorf("%w: invalid key length", keychain.ErrInvalidKeystore)
		}
		w.privateKey = solana.PrivateKey(keyBytes)
		return nil
	}
}

// WithSolanaClient sets the RPC client used to send transactions and read balances.
func WithSolanaClient(client SolanaClient) SolanaOption {
	return func(w *SolanaWallet) error {
		w.client = client
		return nil
	}
}

// Address returns the base58 public key.
func (w *SolanaWallet) Address() string {
	return w.publicKey.String()
}

// SignMessage returns the base58 ed25519 signature of message.
func (w *SolanaWallet) SignMessage(ctx context.Context, message string) (string, error) {
	sig, err := w.privateKey.Sign([]byte(message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", keychain.ErrSigningFailed, err)
	}
	return sig.String(), nil
}

// SignTransaction fills this wallet's signature slot in txn, a
// bridge.SolanaTransaction, and returns the signed transaction.
func (w *SolanaWallet) SignTransaction(txn json.RawMessage) (*solana.Transaction, error) {
	var req bridge.SolanaTransaction
	if err := json.Unmarshal(txn, &req); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	tx, err := solana.TransactionFromBase64(req.Transaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.publicKey) {
			return &w.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keychain.ErrSigningFailed, err)
	}
	return tx, nil
}

// SendTransaction signs txn and broadcasts it, returning the transaction signature.
func (w *SolanaWallet) SendTransaction(ctx context.Context, txn json.RawMessage) (string, error) {
	if w.client == nil {
		return "", ErrNoChainClient
	}
	tx, err := w.SignTransaction(txn)
	if err != nil {
		return "", err
	}
	sig, err := w.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig.String(), nil
}

// GetBalance returns the lamport balance, or the balance of the associated
// token account for the mint tokenAddress.
func (w *SolanaWallet) GetBalance(ctx context.Context, tokenAddress string) (string, error) {
	if w.client == nil {
		return "", ErrNoChainClient
	}
	if tokenAddress == "" {
		out, err := w.client.GetBalance(ctx, w.publicKey, rpc.CommitmentConfirmed)
		if err != nil {
			return "", fmt.Errorf("failed to get balance: %w", err)
		}
		return strconv.FormatUint(out.Value, 10), nil
	}

	mint, err := solana.PublicKeyFromBase58(tokenAddress)
	if err != nil {
		return "", keychain.ErrInvalidAddress
	}
	ata, _, err := solana.FindAssociatedTokenAddress(w.publicKey, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find token account: %w", err)
	}
	out, err := w.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		return "", fmt.Errorf("failed to get token balance: %w", err)
	}
	if out == nil || out.Value == nil {
		return "", fmt.Errorf("%w: token balance", keychain.ErrMalformedResponse)
	}
	return out.Value.Amount, nil
}
