package engine

import (
	"context"
	"sync"

	"github.com/keychainkit/keychain-go"
)

// Resume drives an order restored from the store to a terminal status. It
// runs outside the active order, so several resumed orders may be tracked at
// once while a new checkout proceeds.
//
// Orders that never left created or quote_ready cannot hold funds and are
// expired. Direct-chain orders with a receipt wait for finality through
// their adapter. Everything else polls the order API on the bridge ceiling.
func (e *Engine) Resume(ctx context.Context, snap keychain.OrderSnapshot) error {
	order, err := keychain.RestoreOrder(snap)
	if err != nil {
		return err
	}
	if order.Terminal() {
		return nil
	}

	logger := e.logger.With("order", order.ID(), "rail", string(order.Rail()), "run", "resume")
	e.observe(order, logger)
	logger.Info("resuming order", "status", order.Status())

	switch order.Status() {
	case keychain.StatusCreated, keychain.StatusQuoteReady:
		e.terminate(order, logger, keychain.StatusExpired, MessageExpired, nil)
		return nil
	}

	receipt := order.Receipt()
	if receipt != nil && !order.Rail().Bridged() && order.Rail() != keychain.RailCard {
		adapter, err := e.adapters.For(order.Rail())
		if err == nil {
			if err := enterPolling(order); err != nil {
				return err
			}
			return e.finish(order, logger, adapter.AwaitFinality(ctx, receipt))
		}
		logger.Warn("no adapter for resumed order; polling order API", "error", err)
	}

	if err := enterPolling(order); err != nil {
		return err
	}
	return e.pollStatus(ctx, order, logger, "resume", e.statusInterval, e.bridgeCeiling, e.strict)
}

// ResumeAll resumes every active order in the store, one goroutine per
// order, and waits for all of them. Per-order outcomes are logged, not returned.
func (e *Engine) ResumeAll(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, snap := range active {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Resume(ctx, snap); err != nil {
				e.logger.Warn("resumed order did not confirm", "order", snap.ID, "error", err)
			}
		}()
	}
	wg.Wait()
	return len(active), nil
}
