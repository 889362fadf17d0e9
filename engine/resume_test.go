package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/orderapi"
	"github.com/keychainkit/keychain-go/settlement"
	"github.com/keychainkit/keychain-go/store"
)

func persisted(id string, rail keychain.Rail, status keychain.OrderStatus) keychain.OrderSnapshot {
	created := time.Unix(1700000000, 0)
	return keychain.OrderSnapshot{
		ID:              id,
		Rail:            rail,
		RequestedAmount: "100",
		Fee:             "5",
		DepositAmount:   "105",
		DepositAddress:  "deposit",
		Status:          status,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestEngine_ResumePollingOrder(t *testing.T) {
	api := &fakeAPI{status: func(ctx context.Context, call int) (*orderapi.StatusResponse, error) {
		if call < 3 {
			return &orderapi.StatusResponse{Status: orderapi.StatusPendingBridge}, nil
		}
		return &orderapi.StatusResponse{Status: orderapi.StatusCompleted, TxHash: "0xabc"}, nil
	}}
	orders := store.NewMemory()
	e, _ := newEngine(api, nil, WithStore(orders))

	snap := persisted("ord_poll", keychain.RailBase, keychain.StatusPolling)
	require.NoError(t, orders.Save(context.Background(), snap))

	require.NoError(t, e.Resume(context.Background(), snap))
	assert.Equal(t, 3, api.calls())

	saved, err := orders.Get(context.Background(), "ord_poll")
	require.NoError(t, err)
	assert.Equal(t, keychain.StatusConfirmed, saved.Status)
	require.NotNil(t, saved.Receipt)
	assert.Equal(t, "0xabc", saved.Receipt.TransactionHash)
	assert.Equal(t, "105", saved.DepositAmount)
}

func TestEngine_ResumeUnsubmittedOrderExpires(t *testing.T) {
	for _, status := range []keychain.OrderStatus{keychain.StatusCreated, keychain.StatusQuoteReady} {
		t.Run(string(status), func(t *testing.T) {
			api := &fakeAPI{status: statusAlways(orderapi.StatusConfirmed)}
			orders := store.NewMemory()
			e, _ := newEngine(api, nil, WithStore(orders))

			require.NoError(t, e.Resume(context.Background(), persisted("ord_new", keychain.RailSolana, status)))
			assert.Equal(t, 0, api.calls())

			saved, err := orders.Get(context.Background(), "ord_new")
			require.NoError(t, err)
			assert.Equal(t, keychain.StatusExpired, saved.Status)
			assert.Equal(t, MessageExpired, saved.Message)
		})
	}
}

func TestEngine_ResumeDirectChainUsesAdapter(t *testing.T) {
	api := &fakeAPI{status: func(ctx context.Context, call int) (*orderapi.StatusResponse, error) {
		t.Error("order API should not be polled for a direct-chain receipt")
		return &orderapi.StatusResponse{Status: orderapi.StatusPending}, nil
	}}
	reg := settlement.NewRegistry()
	require.NoError(t, reg.Register(keychain.RailStarknet, &fakeAdapter{}))
	e, _ := newEngine(api, reg)

	snap := persisted("ord_stark", keychain.RailStarknet, keychain.StatusSubmitted)
	snap.Receipt = keychain.NewSubmissionReceipt(keychain.RailStarknet, "0x0123", snap.CreatedAt)

	var final keychain.OrderStatus
	e.callback = func(ev keychain.SettlementEvent) { final = ev.Status }

	require.NoError(t, e.Resume(context.Background(), snap))
	assert.Equal(t, keychain.StatusConfirmed, final)
}

func TestEngine_ResumeAll(t *testing.T) {
	api := &fakeAPI{status: statusAlways(orderapi.StatusConfirmed)}
	orders := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, orders.Save(ctx, persisted("a", keychain.RailBase, keychain.StatusPolling)))
	require.NoError(t, orders.Save(ctx, persisted("b", keychain.RailCard, keychain.StatusPolling)))
	require.NoError(t, orders.Save(ctx, persisted("c", keychain.RailBase, keychain.StatusConfirmed)))

	e, _ := newEngine(api, nil, WithStore(orders))
	n, err := e.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := orders.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEngine_ResumeLeavesActiveOrderAlone(t *testing.T) {
	api := &fakeAPI{
		order:  orderapi.Order{ID: "ord_live", TokenAmount: "100"},
		status: statusAlways(orderapi.StatusConfirmed),
	}
	e, _ := newEngine(api, nil)
	checkout, err := e.Begin(context.Background(), orderapi.CreateOrderRequest{Rail: keychain.RailBase, Amount: "100"})
	require.NoError(t, err)

	require.NoError(t, e.Resume(context.Background(), persisted("ord_old", keychain.RailBase, keychain.StatusPolling)))

	assert.Same(t, checkout.Order, e.Current())
	assert.Equal(t, keychain.StatusCreated, checkout.Order.Status())
}
