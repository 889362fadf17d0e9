// Package svm settles USDC deposits on Solana. The adapter builds an SPL
// transfer with an idempotent associated token account creation for the
// recipient, hands it to the sender's wallet with empty signature slots and
// polls signature statuses until the transaction is finalized.
package svm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/bridge"
	"github.com/keychainkit/keychain-go/internal/poll"
	"github.com/keychainkit/keychain-go/settlement"
)

const (
	// DefaultPollInterval is the wait between signature status checks.
	DefaultPollInterval = 2 * time.Second

	// DefaultFinalityCeiling is how long to wait for finalization.
	DefaultFinalityCeiling = 30 * time.Second

	defaultComputeUnitLimit = 200_000
	defaultComputeUnitPrice = 10_000
)

// RPC is the subset of *rpc.Client used by the adapter.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Adapter settles deposits on Solana.
type Adapter struct {
	rpc      RPC
	router   settlement.Router
	decimals uint8
	mint     string
	clock    clock.Clock
	interval time.Duration
	ceiling  time.Duration
	logger   *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock sets the clock used for finality polling.
func WithClock(clk clock.Clock) Option {
	return func(a *Adapter) {
		a.clock = clk
	}
}

// WithFinalityPolling overrides the poll interval and ceiling.
func WithFinalityPolling(interval, ceiling time.Duration) Option {
	return func(a *Adapter) {
		a.interval = interval
		a.ceiling = ceiling
	}
}

// WithMint sets the default token mint and its decimals.
func WithMint(mint string, decimals uint8) Option {
	return func(a *Adapter) {
		a.mint = mint
		a.decimals = decimals
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates a Solana adapter. client is usually rpc.New(url).
func New(client RPC, router settlement.Router, opts ...Option) *Adapter {
	a := &Adapter{
		rpc:      client,
		router:   router,
		decimals: keychain.Solana.Decimals,
		mint:     keychain.Solana.USDCAddress,
		clock:    clock.New(),
		interval: DefaultPollInterval,
		ceiling:  DefaultFinalityCeiling,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build implements settlement.Adapter.
func (a *Adapter) Build(ctx context.Context, transfer settlement.Transfer) (*settlement.UnsignedPayload, error) {
	if err := transfer.Validate(); err != nil {
		return nil, err
	}
	if !transfer.Amount.IsUint64() {
		return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "amount does not fit in a u64", keychain.ErrInvalidAmount)
	}

	mintAddress := transfer.TokenAddress
	if mintAddress == "" {
		mintAddress = a.mint
	}
	sender, err := parseKey("sender", transfer.Sender)
	if err != nil {
		return nil, err
	}
	recipient, err := parseKey("deposit address", transfer.DepositAddress)
	if err != nil {
		return nil, err
	}
	mint, err := parseKey("mint", mintAddress)
	if err != nil {
		return nil, err
	}

	recent, err := a.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeSubmissionFailed, "failed to get recent blockhash", err)
	}
	if recent == nil || recent.Value == nil {
		return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, "empty blockhash response", keychain.ErrMalformedResponse)
	}

	txBase64, err := BuildTransfer(sender, recipient, mint, transfer.Amount.Uint64(), a.decimals, recent.Value.Blockhash)
	if err != nil {
		return nil, err
	}
	txn, err := json.Marshal(bridge.SolanaTransaction{Transaction: txBase64})
	if err != nil {
		return nil, err
	}

	return &settlement.UnsignedPayload{
		Rail:        keychain.RailSolana,
		Sender:      transfer.Sender,
		Transaction: txn,
	}, nil
}

// BuildTransfer creates an unsigned SPL transfer from sender to recipient's
// associated token account, paid for by sender. Signature slots are left
// empty for the sender's wallet to fill.
func BuildTransfer(
	sender solana.PublicKey,
	recipient solana.PublicKey,
	mint solana.PublicKey,
	amount uint64,
	decimals uint8,
	blockhash solana.Hash,
) (string, error) {
	sourceATA, _, err := solana.FindAssociatedTokenAddress(sender, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find source ATA: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find destination ATA: %w", err)
	}

	limit, err := SetComputeUnitLimit(defaultComputeUnitLimit)
	if err != nil {
		return "", err
	}
	price, err := SetComputeUnitPrice(defaultComputeUnitPrice)
	if err != nil {
		return "", err
	}
	createATA, err := CreateAssociatedTokenAccountIdempotent(sender, recipient, mint, destATA)
	if err != nil {
		return "", err
	}

	transferInst := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(sourceATA).
		SetDestinationAccount(destATA).
		SetMintAccount(mint).
		SetOwnerAccount(sender).
		Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{limit, price, createATA, transferInst},
		blockhash,
		solana.TransactionPayer(sender),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx.ToBase64()
}

// Submit implements settlement.Adapter. The sender's wallet signs and
// broadcasts through the signing router.
func (a *Adapter) Submit(ctx context.Context, payload *settlement.UnsignedPayload) (*keychain.SubmissionReceipt, error) {
	sig, err := a.router.SendTransaction(ctx, payload.Sender, payload.Transaction)
	if err != nil {
		return nil, err
	}
	if _, err := solana.SignatureFromBase58(sig); err != nil {
		return nil, settlement.MalformedHash(keychain.RailSolana, sig)
	}

	a.logger.Info("solana deposit submitted", "signature", sig, "sender", payload.Sender)
	return keychain.NewSubmissionReceipt(keychain.RailSolana, sig, a.clock.Now()).From(payload.Sender), nil
}

// AwaitFinality implements settlement.Adapter. Status lookups that fail are
// retried on the next tick until the ceiling.
func (a *Adapter) AwaitFinality(ctx context.Context, receipt *keychain.SubmissionReceipt) error {
	sig, err := solana.SignatureFromBase58(receipt.TransactionHash)
	if err != nil {
		return settlement.MalformedHash(keychain.RailSolana, receipt.TransactionHash)
	}

	poller := poll.Poller{Clock: a.clock, Interval: a.interval, Ceiling: a.ceiling}
	err = poller.Run(ctx, func(ctx context.Context) (bool, error) {
		out, err := a.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			a.logger.Warn("signature status lookup failed", "signature", receipt.TransactionHash, "error", err)
			return false, nil
		}
		if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
			return false, nil
		}

		status := out.Value[0]
		if status.Err != nil {
			return false, settlement.OnChainFailure(receipt, fmt.Sprint(status.Err))
		}
		return status.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
	})
	if errors.Is(err, poll.ErrCeiling) {
		return settlement.ConfirmationTimeout(receipt, a.ceiling)
	}
	return err
}

func parseKey(field, value string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "invalid "+field, keychain.ErrInvalidAddress).
			WithDetails(field, value)
	}
	return key, nil
}
