package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/bus"
	"github.com/keychainkit/keychain-go/internal/poll"
	"github.com/keychainkit/keychain-go/orderapi"
)

// TrackDeposit polls the order API until the bridge reports a terminal
// status for order, or until the bridge ceiling elapses, which times the
// order out. Pending statuses keep polling, as do unrecognized ones unless
// strict bridge statuses are enabled.
func (e *Engine) TrackDeposit(ctx context.Context, order *keychain.PaymentOrder) error {
	ctx, logger, done, err := e.scope(ctx, order)
	if err != nil {
		return err
	}
	defer done()

	if err := enterPolling(order); err != nil {
		return err
	}
	return e.pollStatus(ctx, order, logger, "bridge", e.statusInterval, e.bridgeCeiling, e.strict)
}

// RunCardOrder opens the provider popup for a card order and drives the
// order from the popup's events. The provider's success signal is only
// optimistic: it starts a tight poll of the order API, and the order is
// confirmed only when the API says so. If the tight poll runs out the order
// fails with a warning that the user may have been charged.
//
// Closing the popup before any terminal status flags the order abandoned
// and returns keychain.ErrPopupClosed. Closing it after a terminal status is
// ignored.
func (e *Engine) RunCardOrder(ctx context.Context, checkout *Checkout, popup Popup) error {
	order := checkout.Order
	if order.Rail() != keychain.RailCard {
		return keychain.NewError(keychain.KindValidation, keychain.ErrCodeInvalidRequest, "not a card order", keychain.ErrInvalidRail).
			WithDetails("rail", string(order.Rail()))
	}
	ctx, logger, done, err := e.scope(ctx, order)
	if err != nil {
		return err
	}
	defer done()

	// Subscribe before the popup exists so no event can be missed.
	events, unsubscribe := e.bus.Subscribe(bus.ChannelName(order.ID()))
	defer unsubscribe()

	closed, err := popup.Open(ctx, checkout.PaymentLink, order.ID())
	if err != nil {
		logger.Warn("payment popup blocked", "error", err)
		return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodePopupBlocked, "the payment window could not be opened", keychain.ErrPopupBlocked).
			WithDetails("order", order.ID()).
			WithDetails("cause", err.Error())
	}

	if err := enterPolling(order); err != nil {
		return err
	}

	for {
		select {
		case msg := <-events:
			return e.handlePopupMessage(ctx, order, logger, msg, closed)

		case <-closed:
			// A message queued before the close still decides the order.
			select {
			case msg := <-events:
				return e.handlePopupMessage(ctx, order, logger, msg, closed)
			default:
			}
			if !order.MarkAbandoned(MessageAbandoned) {
				logger.Debug("popup closed after terminal status; ignoring")
				return nil
			}
			e.metrics.AbandonedOrders.Inc()
			logger.Warn("payment popup closed before a terminal status")
			return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodePopupClosed, MessageAbandoned, keychain.ErrPopupClosed).
				WithDetails("order", order.ID())

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handlePopupMessage drives order from one provider message. Success starts
// the tight confirmation poll; anything else fails the order.
func (e *Engine) handlePopupMessage(ctx context.Context, order *keychain.PaymentOrder, logger *slog.Logger, msg bus.Message, closed <-chan struct{}) error {
	switch msg.Type {
	case bus.TypePollingSuccess:
		logger.Info("provider reported success; confirming")
		err := e.pollStatus(ctx, order, logger, "card", e.cardInterval, e.cardCeiling, false)
		e.popupClosedAfter(order, logger, closed)
		return err
	case bus.TypeCancel:
		e.terminate(order, logger, keychain.StatusFailed, MessageCancelled, nil)
		return keychain.NewError(keychain.KindRejection, keychain.ErrCodeUserRejected, MessageCancelled, keychain.ErrUserRejected)
	default:
		message := providerMessage(msg)
		e.terminate(order, logger, keychain.StatusFailed, message, nil)
		return keychain.NewError(keychain.KindRejection, keychain.ErrCodeSubmissionFailed, message, nil).
			WithDetails("type", string(msg.Type))
	}
}

// popupClosedAfter handles a popup that closed while the tight poll ran. A
// terminal order ignores it.
func (e *Engine) popupClosedAfter(order *keychain.PaymentOrder, logger *slog.Logger, closed <-chan struct{}) {
	select {
	case <-closed:
	default:
		return
	}
	if order.MarkAbandoned(MessageAbandoned) {
		e.metrics.AbandonedOrders.Inc()
		logger.Warn("payment popup closed before a terminal status")
		return
	}
	logger.Debug("popup closed after terminal status; ignoring")
}

func providerMessage(msg bus.Message) string {
	var data struct {
		Message string `json:"message"`
	}
	if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &data) == nil && data.Message != "" {
		return data.Message
	}
	switch msg.Type {
	case bus.TypeLoadError:
		return "The payment provider could not be loaded."
	case bus.TypeCommitError:
		return "The payment provider could not complete the charge."
	}
	return "The payment provider reported an error."
}

// pollStatus polls the order API for order with one request in flight. The
// returned error describes a non-confirmed outcome.
func (e *Engine) pollStatus(ctx context.Context, order *keychain.PaymentOrder, logger *slog.Logger, loop string, interval, ceiling time.Duration, strict bool) error {
	var outcome error
	poller := poll.Poller{Clock: e.clock, Interval: interval, Ceiling: ceiling}
	err := poller.Run(ctx, func(ctx context.Context) (bool, error) {
		if order.Terminal() {
			return true, nil
		}
		e.metrics.StatusPolls.WithLabelValues(loop).Inc()

		resp, err := e.api.OrderStatus(ctx, order.ID())
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logger.Warn("order status lookup failed", "loop", loop, "error", err)
			return false, nil
		}

		var stop bool
		stop, outcome = e.applyStatus(order, logger, resp, strict)
		return stop, nil
	})

	switch {
	case errors.Is(err, poll.ErrCeiling):
		if loop == "card" {
			e.terminate(order, logger, keychain.StatusFailed, MessageMayBeCharged, keychain.ErrConfirmationTimeout)
		} else {
			e.terminate(order, logger, keychain.StatusTimedOut, MessageMayBeCharged, keychain.ErrConfirmationTimeout)
		}
		return keychain.NewError(keychain.KindTimeout, keychain.ErrCodeConfirmationTimeout, MessageMayBeCharged, keychain.ErrConfirmationTimeout).
			WithDetails("order", order.ID()).
			WithDetails("ceiling", ceiling.String())
	case err != nil:
		return err
	}
	return outcome
}

// applyStatus maps an order API status onto order. It reports whether
// polling should stop and, for non-confirmed outcomes, why.
func (e *Engine) applyStatus(order *keychain.PaymentOrder, logger *slog.Logger, resp *orderapi.StatusResponse, strict bool) (bool, error) {
	switch {
	case resp.Status == orderapi.StatusConfirmed || resp.Status == orderapi.StatusCompleted:
		var receipt *keychain.SubmissionReceipt
		if resp.TxHash != "" {
			receipt = keychain.NewSubmissionReceipt(order.Rail(), resp.TxHash, e.clock.Now())
		}
		if err := order.Confirm(receipt); err != nil {
			logger.Warn("confirmation ignored", "error", err)
		}
		return true, nil

	case resp.Status == orderapi.StatusFailed:
		e.terminate(order, logger, keychain.StatusFailed, MessageFailed, nil)
		return true, keychain.NewError(keychain.KindFinality, keychain.ErrCodeFinality, MessageFailed, keychain.ErrFinality).
			WithDetails("order", order.ID())

	case resp.Status == orderapi.StatusExpired:
		e.terminate(order, logger, keychain.StatusExpired, MessageExpired, nil)
		return true, keychain.NewError(keychain.KindTimeout, keychain.ErrCodeOrderExpired, MessageExpired, keychain.ErrOrderExpired).
			WithDetails("order", order.ID())

	case resp.Status.Pending():
		return false, nil
	}

	if strict {
		message := "The order reported an unrecognized status."
		e.terminate(order, logger, keychain.StatusFailed, message, nil)
		return true, keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, message, keychain.ErrMalformedResponse).
			WithDetails("status", string(resp.Status))
	}
	logger.Debug("unrecognized order status; still pending", "status", resp.Status)
	return false, nil
}
