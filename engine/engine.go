// Package engine drives payment orders from creation to a terminal status.
//
// An Engine owns at most one active order. Begin creates the order through
// the order API and cancels every loop still running for the previous one.
// Crypto rails are settled with Settle, which builds, submits and confirms
// the deposit through a settlement adapter. Card orders are run with
// RunCardOrder, which waits for the payment provider's popup to report
// completion and then confirms it against the order API. Bridge deposits made
// outside the engine are followed with TrackDeposit.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/bus"
	"github.com/keychainkit/keychain-go/orderapi"
	"github.com/keychainkit/keychain-go/retry"
	"github.com/keychainkit/keychain-go/settlement"
	"github.com/keychainkit/keychain-go/store"
)

const (
	// DefaultStatusInterval is the order-status poll interval for bridge deposits.
	DefaultStatusInterval = 3 * time.Second

	// DefaultBridgeCeiling bounds how long a bridge deposit is polled.
	DefaultBridgeCeiling = 10 * time.Minute

	// DefaultCardInterval is the tight poll interval after the provider's success signal.
	DefaultCardInterval = time.Second

	// DefaultCardCeiling bounds the tight poll.
	DefaultCardCeiling = 15 * time.Second
)

// User-visible order messages.
const (
	MessageWaiting      = "Waiting for payment confirmation."
	MessageMayBeCharged = "We could not confirm your payment in time. You may have been charged; please contact support before trying again."
	MessageAbandoned    = "The payment window was closed before the payment completed."
	MessageCancelled    = "The payment was cancelled."
	MessageFailed       = "The payment failed."
	MessageExpired      = "The order expired before a deposit was received."
)

// ErrSuperseded is returned when an operation targets an order that is no
// longer the engine's active order.
var ErrSuperseded = errors.New("engine: order superseded by a newer order")

// OrderAPI is the subset of the order-management API the engine uses.
// *orderapi.Client implements it.
type OrderAPI interface {
	CreateOrder(ctx context.Context, req orderapi.CreateOrderRequest) (*orderapi.Order, error)
	OrderStatus(ctx context.Context, orderID string) (*orderapi.StatusResponse, error)
	Quote(ctx context.Context, req orderapi.QuoteRequest) (*orderapi.Quote, error)
}

// Popup opens the payment provider's checkout window for a card order.
type Popup interface {
	// Open shows paymentLink and returns a channel that is closed when the
	// window closes. An error means the window could not be opened.
	Open(ctx context.Context, paymentLink, orderID string) (closed <-chan struct{}, err error)
}

// Checkout is an order started by Begin.
type Checkout struct {
	Order *keychain.PaymentOrder

	// PaymentLink is the provider checkout URL of a card order.
	PaymentLink string

	// RunID correlates the log lines of one checkout.
	RunID string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used by polling loops and event timestamps.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStore persists a snapshot of the order after every transition.
func WithStore(s store.OrderStore) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithBus sets the bus card-rail popup events arrive on.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithCallback registers a callback for settlement events.
func WithCallback(cb keychain.SettlementCallback) Option {
	return func(e *Engine) {
		e.callback = cb
	}
}

// WithStrictBridgeStatuses fails a tracked deposit on an order status the
// engine does not recognize instead of polling on.
func WithStrictBridgeStatuses(strict bool) Option {
	return func(e *Engine) {
		e.strict = strict
	}
}

// WithQuoteRetry sets the retry policy for fee quotes.
func WithQuoteRetry(cfg retry.Config) Option {
	return func(e *Engine) {
		e.quoteRetry = cfg
	}
}

// WithStatusPolling sets the interval and ceiling of bridge deposit tracking.
func WithStatusPolling(interval, ceiling time.Duration) Option {
	return func(e *Engine) {
		e.statusInterval, e.bridgeCeiling = interval, ceiling
	}
}

// WithCardPolling sets the interval and ceiling of the card tight poll.
func WithCardPolling(interval, ceiling time.Duration) Option {
	return func(e *Engine) {
		e.cardInterval, e.cardCeiling = interval, ceiling
	}
}

// Engine settles payment orders.
type Engine struct {
	api      OrderAPI
	adapters *settlement.Registry
	bus      *bus.Bus
	store    store.OrderStore
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	callback keychain.SettlementCallback

	strict         bool
	quoteRetry     retry.Config
	statusInterval time.Duration
	bridgeCeiling  time.Duration
	cardInterval   time.Duration
	cardCeiling    time.Duration

	mu      sync.Mutex
	current *run
}

type run struct {
	id     string
	order  *keychain.PaymentOrder
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates an Engine. A nil registry is replaced by an empty one.
func New(api OrderAPI, adapters *settlement.Registry, opts ...Option) *Engine {
	if adapters == nil {
		adapters = settlement.NewRegistry()
	}
	metrics, _ := NewMetrics(nil)
	e := &Engine{
		api:            api,
		adapters:       adapters,
		clock:          clock.New(),
		logger:         slog.Default(),
		metrics:        metrics,
		quoteRetry:     retry.QuoteConfig,
		statusInterval: DefaultStatusInterval,
		bridgeCeiling:  DefaultBridgeCeiling,
		cardInterval:   DefaultCardInterval,
		cardCeiling:    DefaultCardCeiling,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = bus.New(bus.WithLogger(e.logger))
	}
	return e
}

// Bus returns the bus popup events are published on.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Current returns the active order, or nil.
func (e *Engine) Current() *keychain.PaymentOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current.order
}

// Close cancels every loop of the active order.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.current.cancel()
		e.current = nil
	}
}

// Begin creates an order through the order API and makes it the active
// order. Loops still running for the previous order are cancelled first.
func (e *Engine) Begin(ctx context.Context, req orderapi.CreateOrderRequest) (*Checkout, error) {
	e.Close()

	if _, err := keychain.LookupRail(req.Rail); err != nil {
		return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "unsupported rail", err).
			WithDetails("rail", string(req.Rail))
	}

	created, err := e.api.CreateOrder(ctx, req)
	if err != nil {
		return nil, classifyAPIError("failed to create order", err)
	}
	params, err := created.Params(req.Rail, e.clock.Now())
	if err != nil {
		return nil, err
	}
	order, err := keychain.NewPaymentOrder(params)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := e.logger.With("order", order.ID(), "rail", string(order.Rail()), "run", runID)
	e.observe(order, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.current = &run{id: runID, order: order, ctx: runCtx, cancel: cancel, logger: logger}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Save(ctx, order.Snapshot()); err != nil {
			logger.Error("failed to persist order", "error", err)
		}
	}
	e.metrics.OrdersStarted.WithLabelValues(string(order.Rail())).Inc()
	logger.Info("order created", "deposit_address", order.DepositAddress(), "amount", order.DepositAmount().String())

	return &Checkout{Order: order, PaymentLink: created.PaymentLink, RunID: runID}, nil
}

func (e *Engine) observe(order *keychain.PaymentOrder, logger *slog.Logger) {
	var (
		mu   sync.Mutex
		last = order.Status()
	)
	order.Observe(func(snap keychain.OrderSnapshot) {
		mu.Lock()
		prev := last
		last = snap.Status
		mu.Unlock()

		if e.store != nil {
			if err := e.store.Save(context.Background(), snap); err != nil {
				logger.Error("failed to persist order", "status", snap.Status, "error", err)
			}
		}
		e.metrics.observeSnapshot(prev, snap)
		if prev != snap.Status {
			logger.Info("order status changed", "from", prev, "to", snap.Status)
		}
		e.emit(keychain.SettlementEvent{
			Type:    keychain.SettlementEventStatus,
			OrderID: snap.ID,
			Rail:    snap.Rail,
			Status:  snap.Status,
			Receipt: snap.Receipt,
			Message: snap.Message,
		})
	})
}

// scope joins ctx with the run of order. The returned context is cancelled
// when either is done or when a newer order begins.
func (e *Engine) scope(ctx context.Context, order *keychain.PaymentOrder) (context.Context, *slog.Logger, context.CancelFunc, error) {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == nil || cur.order != order {
		return nil, nil, nil, ErrSuperseded
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cur.ctx, cancel)
	return ctx, cur.logger, func() {
		stop()
		cancel()
	}, nil
}

// Quote fetches the bridge fee for order and applies it, returning the new
// deposit amount. A failed quote leaves the order alive so it can be retried.
func (e *Engine) Quote(ctx context.Context, order *keychain.PaymentOrder) (*big.Int, error) {
	if !order.Rail().Bridged() {
		return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "rail does not take a bridge fee", keychain.ErrInvalidRail).
			WithDetails("rail", string(order.Rail()))
	}
	ctx, logger, done, err := e.scope(ctx, order)
	if err != nil {
		return nil, err
	}
	defer done()

	requested := order.Snapshot().RequestedAmount
	attempt := 0
	fee, err := retry.WithRetry(ctx, e.quoteRetry, quoteRetryable, func() (*big.Int, error) {
		attempt++
		quote, err := e.api.Quote(ctx, orderapi.QuoteRequest{Rail: order.Rail(), Amount: requested})
		if err != nil {
			logger.Warn("fee quote failed", "attempt", attempt, "error", err)
			return nil, err
		}
		fee, err := quote.FeeAmount()
		if err != nil {
			return nil, keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, "quote has an invalid fee", err).
				WithDetails("fee", quote.Fee)
		}
		return fee, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.metrics.QuoteFailures.Inc()
		return nil, keychain.NewError(keychain.KindFeeEstimation, keychain.ErrCodeFeeEstimation, "could not estimate the bridge fee", keychain.ErrFeeEstimation).
			WithDetails("order", order.ID()).
			WithDetails("attempts", attempt).
			WithDetails("cause", err.Error())
	}

	if err := order.ApplyQuote(fee); err != nil {
		return nil, err
	}
	logger.Info("fee quote applied", "fee", fee.String(), "deposit", order.DepositAmount().String())
	return order.DepositAmount(), nil
}

func quoteRetryable(err error) bool {
	return keychain.KindOf(err) != keychain.KindValidation && orderapi.Retryable(err)
}

// Settle deposits the order amount from sender through the adapter
// registered for the order's rail and waits for finality. Bridged rails must
// be quoted first.
//
// Failures before submission that may succeed on retry (connectivity) leave
// the order in awaiting_submission. Once a receipt is attached, every outcome
// is terminal except cancellation, which leaves the order polling.
func (e *Engine) Settle(ctx context.Context, order *keychain.PaymentOrder, sender string) error {
	adapter, err := e.adapters.For(order.Rail())
	if err != nil {
		return err
	}
	ctx, logger, done, err := e.scope(ctx, order)
	if err != nil {
		return err
	}
	defer done()

	if order.Rail().Bridged() && order.Status() == keychain.StatusCreated {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "a fee quote is required before submission", keychain.ErrInvalidTransition).
			WithDetails("order", order.ID())
	}
	if err := enterAwaiting(order); err != nil {
		return err
	}

	payload, err := adapter.Build(ctx, settlement.Transfer{
		DepositAddress: order.DepositAddress(),
		Amount:         order.DepositAmount(),
		TokenAddress:   order.TokenAddress(),
		Sender:         sender,
	})
	if err != nil {
		return e.abort(order, logger, "build", err)
	}

	receipt, err := adapter.Submit(ctx, payload)
	if err != nil {
		return e.abort(order, logger, "submit", err)
	}
	if err := order.AttachReceipt(receipt); err != nil {
		logger.Error("submitted transaction could not be attached", "tx", receipt.TransactionHash, "error", err)
		return err
	}
	logger.Info("transaction submitted", "tx", receipt.TransactionHash, "explorer", receipt.ExplorerLink)
	e.emit(keychain.SettlementEvent{
		Type:    keychain.SettlementEventSubmitted,
		OrderID: order.ID(),
		Rail:    order.Rail(),
		Status:  order.Status(),
		Receipt: receipt,
	})

	if err := order.Transition(keychain.StatusPolling, MessageWaiting); err != nil {
		return err
	}
	return e.finish(order, logger, adapter.AwaitFinality(ctx, receipt))
}

func (e *Engine) abort(order *keychain.PaymentOrder, logger *slog.Logger, stage string, err error) error {
	kind := keychain.KindOf(err)
	logger.Warn("settlement aborted before submission", "stage", stage, "kind", kind, "error", err)
	switch kind {
	case keychain.KindValidation, keychain.KindRejection:
		e.terminate(order, logger, keychain.StatusFailed, userMessage(err), nil)
	}
	return err
}

func (e *Engine) finish(order *keychain.PaymentOrder, logger *slog.Logger, err error) error {
	switch {
	case err == nil:
		if cerr := order.Confirm(nil); cerr != nil {
			logger.Warn("confirmation ignored", "error", cerr)
		}
	case errors.Is(err, context.Canceled):
		logger.Info("finality polling cancelled; order left polling", "tx", receiptHash(order))
	case keychain.KindOf(err) == keychain.KindTimeout:
		e.terminate(order, logger, keychain.StatusTimedOut, MessageMayBeCharged, err)
	default:
		e.terminate(order, logger, keychain.StatusFailed, userMessage(err), nil)
	}
	return err
}

// terminate moves order to a terminal status. A non-nil warning is emitted
// as a warning event so the embedding page can tell the user.
func (e *Engine) terminate(order *keychain.PaymentOrder, logger *slog.Logger, status keychain.OrderStatus, message string, warning error) {
	if err := order.Transition(status, message); err != nil {
		logger.Warn("terminal transition ignored", "status", status, "error", err)
		return
	}
	if warning == nil {
		return
	}
	logger.Warn("order outcome ambiguous", "status", status, "error", warning)
	e.emit(keychain.SettlementEvent{
		Type:    keychain.SettlementEventWarning,
		OrderID: order.ID(),
		Rail:    order.Rail(),
		Status:  status,
		Receipt: order.Receipt(),
		Message: message,
		Error:   warning,
	})
}

func (e *Engine) emit(ev keychain.SettlementEvent) {
	if e.callback == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	e.callback(ev)
}

func enterAwaiting(order *keychain.PaymentOrder) error {
	switch order.Status() {
	case keychain.StatusCreated, keychain.StatusQuoteReady:
		return order.Transition(keychain.StatusAwaitingSubmission, "")
	case keychain.StatusAwaitingSubmission:
		return nil
	}
	return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidTransition, "order was already submitted", keychain.ErrInvalidTransition).
		WithDetails("order", order.ID()).
		WithDetails("status", string(order.Status()))
}

func enterPolling(order *keychain.PaymentOrder) error {
	switch order.Status() {
	case keychain.StatusPolling:
		return nil
	case keychain.StatusSubmitted:
		return order.Transition(keychain.StatusPolling, MessageWaiting)
	}
	if err := enterAwaiting(order); err != nil {
		return err
	}
	return order.Transition(keychain.StatusPolling, MessageWaiting)
}

func userMessage(err error) string {
	var kerr *keychain.Error
	if errors.As(err, &kerr) && kerr.Message != "" {
		return kerr.Message
	}
	return err.Error()
}

func receiptHash(order *keychain.PaymentOrder) string {
	if r := order.Receipt(); r != nil {
		return r.TransactionHash
	}
	return ""
}

func classifyAPIError(message string, err error) error {
	var apiErr *orderapi.APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable {
		return keychain.NewError(keychain.KindRejection, keychain.ErrCodeInvalidRequest, message, err).
			WithDetails("status", apiErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeNotConnected, message, err)
}
