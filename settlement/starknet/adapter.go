// Package starknet settles USDC deposits on Starknet. Deposits execute
// directly against the connected controller account; nothing is delegated
// to the bridge.
package starknet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/settlement"
)

// Call is a single contract invocation in an account execute.
type Call struct {
	ContractAddress string   `json:"contractAddress"`
	EntryPoint      string   `json:"entrypoint"`
	Calldata        []string `json:"calldata"`
}

// Execution statuses reported by the account's transaction wait.
const (
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionReverted  = "REVERTED"
	FinalityRejected   = "REJECTED"
)

// TransactionStatus is the outcome of a Starknet transaction.
type TransactionStatus struct {
	FinalityStatus  string `json:"finality_status"`
	ExecutionStatus string `json:"execution_status"`
	RevertReason    string `json:"revert_reason,omitempty"`
}

// Account is the connected controller account.
type Account interface {
	// Address is the account contract address.
	Address() string

	// Execute submits calls as one multicall and returns the transaction hash.
	Execute(ctx context.Context, calls []Call) (string, error)

	// WaitForTransaction blocks until the transaction is accepted or fails.
	WaitForTransaction(ctx context.Context, txHash string) (*TransactionStatus, error)
}

// DefaultFinalityTimeout bounds the account's transaction wait.
const DefaultFinalityTimeout = 2 * time.Minute

// Adapter settles deposits on Starknet.
type Adapter struct {
	account Account
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock sets the clock used to stamp receipts.
func WithClock(clk clock.Clock) Option {
	return func(a *Adapter) {
		a.clock = clk
	}
}

// WithFinalityTimeout bounds how long AwaitFinality waits for the account.
func WithFinalityTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
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

// New creates a Starknet adapter for account.
func New(account Account, opts ...Option) *Adapter {
	a := &Adapter{
		account: account,
		timeout: DefaultFinalityTimeout,
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var u128 = new(big.Int).Lsh(big.NewInt(1), 128)

// TransferCall builds an ERC-20 transfer call. The u256 amount is encoded as
// its low and high 128-bit felts.
func TransferCall(token, recipient string, amount *big.Int) Call {
	low := new(big.Int).Mod(amount, u128)
	high := new(big.Int).Rsh(amount, 128)
	return Call{
		ContractAddress: keychain.CanonicalIdentifier(token).String(),
		EntryPoint:      "transfer",
		Calldata: []string{
			keychain.CanonicalIdentifier(recipient).String(),
			"0x" + low.Text(16),
			"0x" + high.Text(16),
		},
	}
}

// Build implements settlement.Adapter.
func (a *Adapter) Build(ctx context.Context, transfer settlement.Transfer) (*settlement.UnsignedPayload, error) {
	if err := transfer.Validate(); err != nil {
		return nil, err
	}
	if transfer.Amount.BitLen() > 256 {
		return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "amount does not fit in a u256", keychain.ErrInvalidAmount)
	}

	token := transfer.TokenAddress
	if token == "" {
		token = keychain.Starknet.USDCAddress
	}
	for _, f := range []struct{ name, value string }{
		{"token", token},
		{"deposit address", transfer.DepositAddress},
		{"sender", transfer.Sender},
	} {
		if err := keychain.ValidateTokenAddress(keychain.RailStarknet, f.value); err != nil {
			return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "invalid "+f.name, err).
				WithDetails(f.name, f.value)
		}
	}
	if err := a.checkSender(transfer.Sender); err != nil {
		return nil, err
	}

	txn, err := json.Marshal([]Call{TransferCall(token, transfer.DepositAddress, transfer.Amount)})
	if err != nil {
		return nil, err
	}
	return &settlement.UnsignedPayload{
		Rail:        keychain.RailStarknet,
		Sender:      transfer.Sender,
		Transaction: txn,
	}, nil
}

// Submit implements settlement.Adapter.
func (a *Adapter) Submit(ctx context.Context, payload *settlement.UnsignedPayload) (*keychain.SubmissionReceipt, error) {
	if err := a.checkSender(payload.Sender); err != nil {
		return nil, err
	}
	var calls []Call
	if err := json.Unmarshal(payload.Transaction, &calls); err != nil || len(calls) == 0 {
		return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "payload has no calls", keychain.ErrMalformedResponse)
	}

	hash, err := a.account.Execute(ctx, calls)
	if err != nil {
		if keychain.KindOf(err) != keychain.KindUnknown {
			return nil, err
		}
		return nil, keychain.NewError(keychain.KindRejection, keychain.ErrCodeSubmissionFailed, "account execute failed", err)
	}
	if !strings.HasPrefix(hash, "0x") || len(hash) < 3 {
		return nil, settlement.MalformedHash(keychain.RailStarknet, hash)
	}

	a.logger.Info("starknet deposit submitted", "hash", hash, "account", a.account.Address())
	return keychain.NewSubmissionReceipt(keychain.RailStarknet, hash, a.clock.Now()).From(payload.Sender), nil
}

// AwaitFinality implements settlement.Adapter.
func (a *Adapter) AwaitFinality(ctx context.Context, receipt *keychain.SubmissionReceipt) error {
	var status *TransactionStatus
	err := settlement.AwaitWithin(ctx, receipt, a.timeout, func(ctx context.Context) error {
		var err error
		status, err = a.account.WaitForTransaction(ctx, receipt.TransactionHash)
		return err
	})
	if err != nil {
		return err
	}
	if status == nil {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, "empty transaction status", keychain.ErrMalformedResponse)
	}
	if status.ExecutionStatus == ExecutionReverted || status.FinalityStatus == FinalityRejected {
		reason := status.RevertReason
		if reason == "" {
			reason = strings.ToLower(status.ExecutionStatus + " " + status.FinalityStatus)
		}
		return settlement.OnChainFailure(receipt, strings.TrimSpace(reason))
	}
	return nil
}

func (a *Adapter) checkSender(sender string) error {
	if keychain.CanonicalIdentifier(sender) != keychain.CanonicalIdentifier(a.account.Address()) {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest,
			fmt.Sprintf("sender %s is not the connected account", sender), keychain.ErrInvalidIdentifier)
	}
	return nil
}
