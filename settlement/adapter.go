// Package settlement defines the contract shared by the per-rail settlement
// adapters. An adapter builds an unsigned deposit transaction, submits it
// through the wallet that owns the funds and waits for on-chain finality.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/keychainkit/keychain-go"
)

// Transfer describes a deposit to move on a rail.
type Transfer struct {
	// DepositAddress is the recipient of the deposit.
	DepositAddress string

	// Amount is the deposit amount in atomic units.
	Amount *big.Int

	// TokenAddress is the token contract or mint. Empty means the rail's USDC.
	TokenAddress string

	// Sender is the identifier of the wallet that pays.
	Sender string
}

// Validate checks the fields every adapter requires.
func (t Transfer) Validate() error {
	if t.DepositAddress == "" {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "deposit address is required", keychain.ErrInvalidAddress)
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "deposit amount must be positive", keychain.ErrInvalidAmount)
	}
	if t.Sender == "" {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "sender is required", keychain.ErrInvalidIdentifier)
	}
	return nil
}

// UnsignedPayload is a rail-specific transaction ready for the sender to sign.
type UnsignedPayload struct {
	Rail        keychain.Rail   `json:"rail"`
	Sender      string          `json:"sender"`
	Transaction json.RawMessage `json:"transaction"`
}

// Adapter settles deposits on one rail.
type Adapter interface {
	// Build creates the unsigned deposit transaction.
	Build(ctx context.Context, transfer Transfer) (*UnsignedPayload, error)

	// Submit has the sender sign and broadcast the payload.
	Submit(ctx context.Context, payload *UnsignedPayload) (*keychain.SubmissionReceipt, error)

	// AwaitFinality blocks until the submitted transaction is final. It
	// returns a KindFinality error for an on-chain failure and a KindTimeout
	// error when the rail's confirmation ceiling elapses.
	AwaitFinality(ctx context.Context, receipt *keychain.SubmissionReceipt) error
}

// Router is the part of the signing router adapters submit through.
// *wallet.KeychainWallets implements it.
type Router interface {
	SendTransaction(ctx context.Context, identifier string, txn json.RawMessage) (string, error)
	WaitForTransaction(ctx context.Context, identifier, txHash string, timeout time.Duration) (json.RawMessage, error)
}

// Registry selects the adapter for a rail.
type Registry struct {
	mu       sync.RWMutex
	adapters map[keychain.Rail]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[keychain.Rail]Adapter)}
}

// Register sets the adapter for rail, replacing any earlier one.
func (r *Registry) Register(rail keychain.Rail, adapter Adapter) error {
	if _, err := keychain.LookupRail(rail); err != nil {
		return err
	}
	if rail == keychain.RailCard {
		return fmt.Errorf("%w: card deposits are made by the payment provider", keychain.ErrInvalidRail)
	}
	if adapter == nil {
		return fmt.Errorf("adapter for %s cannot be nil", rail)
	}
	r.mu.Lock()
	r.adapters[rail] = adapter
	r.mu.Unlock()
	return nil
}

// For returns the adapter registered for rail.
func (r *Registry) For(rail keychain.Rail) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[rail]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keychain.ErrNoAdapter, rail)
	}
	return adapter, nil
}

// Rails returns the rails with a registered adapter.
func (r *Registry) Rails() []keychain.Rail {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rails := make([]keychain.Rail, 0, len(r.adapters))
	for rail := range r.adapters {
		rails = append(rails, rail)
	}
	return rails
}

// MalformedHash is returned by adapters when a wallet reports success without a usable hash.
func MalformedHash(rail keychain.Rail, hash string) error {
	return keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, "wallet returned an unusable transaction hash", keychain.ErrMalformedResponse).
		WithDetails("rail", string(rail)).
		WithDetails("hash", hash)
}

// OnChainFailure is returned by adapters when the rail reports the transaction failed.
func OnChainFailure(receipt *keychain.SubmissionReceipt, reason string) error {
	return keychain.NewError(keychain.KindFinality, keychain.ErrCodeFinality, "transaction failed on-chain", fmt.Errorf("%w: %s", keychain.ErrFinality, reason)).
		WithDetails("rail", string(receipt.Rail)).
		WithDetails("transaction", receipt.TransactionHash)
}

// ConfirmationTimeout is returned by adapters when the confirmation ceiling elapses.
func ConfirmationTimeout(receipt *keychain.SubmissionReceipt, ceiling time.Duration) error {
	return keychain.NewError(keychain.KindTimeout, keychain.ErrCodeConfirmationTimeout, "transaction not final before the confirmation ceiling", keychain.ErrConfirmationTimeout).
		WithDetails("rail", string(receipt.Rail)).
		WithDetails("transaction", receipt.TransactionHash).
		WithDetails("ceiling", ceiling.String())
}

// AwaitWithin runs wait under a deadline of ceiling. A wait cut short by that
// deadline while ctx is still live reports ConfirmationTimeout.
func AwaitWithin(ctx context.Context, receipt *keychain.SubmissionReceipt, ceiling time.Duration, wait func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	err := wait(wctx)
	if err != nil && ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		return ConfirmationTimeout(receipt, ceiling)
	}
	return err
}
