// Package evm settles USDC deposits on EVM rails (Ethereum, Arbitrum,
// Optimism, Base) with an ERC-20 transfer sent through the sender's wallet.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/bridge"
	"github.com/keychainkit/keychain-go/settlement"
)

// DefaultConfirmationTimeout bounds externalWaitForTransaction.
const DefaultConfirmationTimeout = 2 * time.Minute

// maxFinalitySlack caps how long past the confirmation timeout the adapter
// waits for the wallet's own answer.
const maxFinalitySlack = 5 * time.Second

const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ERC-20 ABI: %v", err))
	}
	return parsed
}()

// Adapter settles deposits on one EVM rail.
type Adapter struct {
	rail    keychain.RailConfig
	router  settlement.Router
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithConfirmationTimeout sets the timeout passed to the wallet when waiting for a receipt.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock sets the clock used to stamp receipts and time the wallet's wait.
func WithClock(clk clock.Clock) Option {
	return func(a *Adapter) {
		a.clock = clk
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

// New creates an adapter for an EVM rail.
func New(rail keychain.Rail, router settlement.Router, opts ...Option) (*Adapter, error) {
	cfg, err := keychain.LookupRail(rail)
	if err != nil {
		return nil, err
	}
	if cfg.Type != keychain.RailTypeEVM {
		return nil, fmt.Errorf("%w: %s is not an EVM rail", keychain.ErrInvalidRail, rail)
	}

	a := &Adapter{
		rail:    cfg,
		router:  router,
		timeout: DefaultConfirmationTimeout,
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Build implements settlement.Adapter. The payload calls transfer(to, amount)
// on the token contract with zero native value.
func (a *Adapter) Build(ctx context.Context, transfer settlement.Transfer) (*settlement.UnsignedPayload, error) {
	if err := transfer.Validate(); err != nil {
		return nil, err
	}

	tokenAddress := transfer.TokenAddress
	if tokenAddress == "" {
		tokenAddress = a.rail.USDCAddress
	}
	if err := keychain.ValidateTokenAddress(a.rail.Rail, tokenAddress); err != nil {
		return nil, invalidAddress("token", tokenAddress, err)
	}
	if !common.IsHexAddress(transfer.DepositAddress) {
		return nil, invalidAddress("deposit address", transfer.DepositAddress, keychain.ErrInvalidAddress)
	}
	if !common.IsHexAddress(transfer.Sender) {
		return nil, invalidAddress("sender", transfer.Sender, keychain.ErrInvalidAddress)
	}

	data, err := erc20ABI.Pack("transfer", common.HexToAddress(transfer.DepositAddress), transfer.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer: %w", err)
	}

	txn, err := json.Marshal(bridge.EVMTransaction{
		From:    common.HexToAddress(transfer.Sender).Hex(),
		To:      common.HexToAddress(tokenAddress).Hex(),
		Data:    hexutil.Encode(data),
		Value:   "0x0",
		ChainID: hexutil.EncodeBig(big.NewInt(a.rail.ChainID)),
	})
	if err != nil {
		return nil, err
	}

	return &settlement.UnsignedPayload{
		Rail:        a.rail.Rail,
		Sender:      transfer.Sender,
		Transaction: txn,
	}, nil
}

// Submit implements settlement.Adapter.
func (a *Adapter) Submit(ctx context.Context, payload *settlement.UnsignedPayload) (*keychain.SubmissionReceipt, error) {
	hash, err := a.router.SendTransaction(ctx, payload.Sender, payload.Transaction)
	if err != nil {
		return nil, err
	}
	if !validHash(hash) {
		return nil, settlement.MalformedHash(a.rail.Rail, hash)
	}

	a.logger.Info("evm deposit submitted", "rail", a.rail.Rail, "hash", hash, "sender", payload.Sender)
	return keychain.NewSubmissionReceipt(a.rail.Rail, hash, a.clock.Now()).From(payload.Sender), nil
}

// receiptStatus is the part of a transaction receipt the adapter reads.
type receiptStatus struct {
	Status *string `json:"status"`
}

// AwaitFinality implements settlement.Adapter. The sender's wallet waits for
// the receipt; a zero status is an on-chain failure. The wait is bounded
// locally as well, and a wallet that gives up at the confirmation timeout is
// reported as a confirmation timeout.
func (a *Adapter) AwaitFinality(ctx context.Context, receipt *keychain.SubmissionReceipt) error {
	start := a.clock.Now()
	var raw json.RawMessage
	err := settlement.AwaitWithin(ctx, receipt, a.timeout+min(a.timeout/4, maxFinalitySlack), func(ctx context.Context) error {
		var err error
		raw, err = a.router.WaitForTransaction(ctx, receipt.Sender.String(), receipt.TransactionHash, a.timeout)
		return err
	})
	if err != nil {
		if keychain.KindOf(err) == keychain.KindRejection && ctx.Err() == nil && a.clock.Since(start) >= a.timeout {
			a.logger.Warn("wallet gave up waiting for receipt", "rail", a.rail.Rail, "hash", receipt.TransactionHash, "error", err)
			return settlement.ConfirmationTimeout(receipt, a.timeout)
		}
		return err
	}

	var r receiptStatus
	if err := json.Unmarshal(raw, &r); err != nil || r.Status == nil {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, "receipt has no status", keychain.ErrMalformedResponse).
			WithDetails("transaction", receipt.TransactionHash)
	}
	status, err := hexutil.DecodeUint64(*r.Status)
	if err != nil {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, "receipt status is not a hex quantity", keychain.ErrMalformedResponse).
			WithDetails("status", *r.Status)
	}
	if status == 0 {
		return settlement.OnChainFailure(receipt, "transaction reverted")
	}
	return nil
}

func validHash(hash string) bool {
	if len(hash) != 66 {
		return false
	}
	_, err := hexutil.Decode(hash)
	return err == nil
}

func invalidAddress(field, value string, err error) error {
	return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "invalid "+field, err).
		WithDetails(field, value)
}
