// Package orderapi is a client for the order-management API that creates
// purchase orders, reports their status and quotes bridge fees.
package orderapi

import (
	"math/big"
	"strings"
	"time"

	"github.com/keychainkit/keychain-go"
)

// CreateOrderRequest creates a purchase order.
type CreateOrderRequest struct {
	Rail keychain.Rail `json:"rail"`

	// Amount is the requested amount in atomic units.
	Amount string `json:"amount"`

	// Sender is the identifier of the paying wallet. Empty for card orders.
	Sender string `json:"sender,omitempty"`

	// ProductID identifies what is being purchased.
	ProductID string `json:"productId,omitempty"`
}

// Order is the API's view of a newly created order.
type Order struct {
	ID             string `json:"id"`
	DepositAddress string `json:"depositAddress"`
	TokenAmount    string `json:"tokenAmount"`
	TokenAddress   string `json:"tokenAddress"`

	// PaymentLink is the provider checkout URL for card orders.
	PaymentLink string `json:"paymentLink,omitempty"`
}

// Params converts o into the parameters of a keychain.PaymentOrder.
func (o *Order) Params(rail keychain.Rail, createdAt time.Time) (keychain.OrderParams, error) {
	amount, err := keychain.ParseAtomic(o.TokenAmount)
	if err != nil {
		return keychain.OrderParams{}, keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, "order has an invalid token amount", err).
			WithDetails("tokenAmount", o.TokenAmount)
	}
	if o.ID == "" {
		return keychain.OrderParams{}, keychain.NewError(keychain.KindValidation, keychain.ErrCodeMalformedResponse, "order has no id", keychain.ErrMalformedResponse)
	}
	return keychain.OrderParams{
		ID:              o.ID,
		Rail:            rail,
		RequestedAmount: amount,
		DepositAddress:  o.DepositAddress,
		TokenAddress:    o.TokenAddress,
		CreatedAt:       createdAt,
	}, nil
}

// Status is an order status reported by the API.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusPendingDeposit Status = "PENDING_DEPOSIT"
	StatusPendingBridge  Status = "PENDING_BRIDGE"
	StatusProcessing     Status = "PROCESSING"
	StatusConfirmed      Status = "CONFIRMED"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusExpired        Status = "EXPIRED"
)

// Pending reports whether s belongs to the pending family.
func (s Status) Pending() bool {
	return strings.HasPrefix(string(s), string(StatusPending)) || s == StatusProcessing
}

// Known reports whether s is a status this client understands.
func (s Status) Known() bool {
	switch s {
	case StatusConfirmed, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return s.Pending()
}

// StatusResponse is the result of a status query.
type StatusResponse struct {
	Status Status `json:"status"`
	TxHash string `json:"txHash,omitempty"`
}

// QuoteRequest asks for the bridge fee of a deposit.
type QuoteRequest struct {
	Rail   keychain.Rail `json:"rail"`
	Amount string        `json:"amount"`
}

// Quote is a fee quote in atomic units.
type Quote struct {
	Fee string `json:"fee"`
}

// FeeAmount parses the quoted fee.
func (q *Quote) FeeAmount() (*big.Int, error) {
	return keychain.ParseAtomic(q.Fee)
}
