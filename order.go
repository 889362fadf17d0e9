package keychain

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// OrderStatus is the state of a PaymentOrder.
type OrderStatus string

const (
	StatusCreated            OrderStatus = "created"
	StatusQuoteReady         OrderStatus = "quote_ready"
	StatusAwaitingSubmission OrderStatus = "awaiting_submission"
	StatusSubmitted          OrderStatus = "submitted"
	StatusPolling            OrderStatus = "polling"
	StatusConfirmed          OrderStatus = "confirmed"
	StatusFailed             OrderStatus = "failed"
	StatusExpired            OrderStatus = "expired"
	StatusTimedOut           OrderStatus = "timed_out"
)

// Terminal reports whether no further transition is permitted out of s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired, StatusTimedOut:
		return true
	}
	return false
}

var transitions = map[OrderStatus][]OrderStatus{
	StatusCreated:            {StatusQuoteReady, StatusAwaitingSubmission, StatusFailed, StatusExpired},
	StatusQuoteReady:         {StatusQuoteReady, StatusAwaitingSubmission, StatusFailed, StatusExpired},
	StatusAwaitingSubmission: {StatusSubmitted, StatusPolling, StatusFailed, StatusExpired},
	StatusSubmitted:          {StatusPolling, StatusConfirmed, StatusFailed},
	StatusPolling:            {StatusConfirmed, StatusFailed, StatusExpired, StatusTimedOut},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderParams is the data returned by the order API when an order is created.
type OrderParams struct {
	ID              string
	Rail            Rail
	RequestedAmount *big.Int
	DepositAddress  string
	TokenAddress    string
	CreatedAt       time.Time
}

// OrderSnapshot is an immutable copy of a PaymentOrder's state.
type OrderSnapshot struct {
	ID              string             `json:"id"`
	Rail            Rail               `json:"rail"`
	RequestedAmount string             `json:"requestedAmount"`
	Fee             string             `json:"fee"`
	DepositAmount   string             `json:"depositAmount"`
	DepositAddress  string             `json:"depositAddress"`
	TokenAddress    string             `json:"tokenAddress,omitempty"`
	Status          OrderStatus        `json:"status"`
	Receipt         *SubmissionReceipt `json:"receipt,omitempty"`
	Message         string             `json:"message,omitempty"`
	Abandoned       bool               `json:"abandoned,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// PaymentOrder tracks one purchase through its lifecycle. All mutation goes
// through the state machine; once the status is terminal every mutation is
// rejected and the order is left unchanged.
type PaymentOrder struct {
	mu sync.RWMutex

	id             string
	rail           Rail
	requested      *big.Int
	fee            *big.Int
	deposit        *big.Int
	depositAddress string
	tokenAddress   string
	status         OrderStatus
	receipt        *SubmissionReceipt
	message        string
	abandoned      bool
	createdAt      time.Time
	updatedAt      time.Time

	observer func(OrderSnapshot)
}

// NewPaymentOrder creates an order in the created state. The deposit amount
// starts equal to the requested amount until a fee quote is applied.
func NewPaymentOrder(p OrderParams) (*PaymentOrder, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("order id cannot be empty")
	}
	if _, err := LookupRail(p.Rail); err != nil {
		return nil, err
	}
	if p.RequestedAmount == nil || p.RequestedAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return &PaymentOrder{
		id:             p.ID,
		rail:           p.Rail,
		requested:      new(big.Int).Set(p.RequestedAmount),
		fee:            new(big.Int),
		deposit:        new(big.Int).Set(p.RequestedAmount),
		depositAddress: p.DepositAddress,
		tokenAddress:   p.TokenAddress,
		status:         StatusCreated,
		createdAt:      created,
		updatedAt:      created,
	}, nil
}

// RestoreOrder rebuilds an order from a persisted snapshot, for recovery of
// orders that were in flight when the process stopped.
func RestoreOrder(snap OrderSnapshot) (*PaymentOrder, error) {
	if snap.ID == "" {
		return nil, fmt.Errorf("order id cannot be empty")
	}
	if _, err := LookupRail(snap.Rail); err != nil {
		return nil, err
	}
	if _, ok := transitions[snap.Status]; !ok && !snap.Status.Terminal() {
		return nil, NewError(KindValidation, ErrCodeInvalidTransition, "unknown order status", ErrInvalidTransition).
			WithDetails("status", string(snap.Status))
	}

	amounts := make([]*big.Int, 3)
	for i, s := range []string{snap.RequestedAmount, snap.Fee, snap.DepositAmount} {
		if s == "" {
			s = "0"
		}
		v, err := ParseAtomic(s)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", snap.ID, err)
		}
		amounts[i] = v
	}

	return &PaymentOrder{
		id:             snap.ID,
		rail:           snap.Rail,
		requested:      amounts[0],
		fee:            amounts[1],
		deposit:        amounts[2],
		depositAddress: snap.DepositAddress,
		tokenAddress:   snap.TokenAddress,
		status:         snap.Status,
		receipt:        snap.Receipt,
		message:        snap.Message,
		abandoned:      snap.Abandoned,
		createdAt:      snap.CreatedAt,
		updatedAt:      snap.UpdatedAt,
	}, nil
}

// ID returns the order id.
func (o *PaymentOrder) ID() string { return o.id }

// Rail returns the order's rail.
func (o *PaymentOrder) Rail() Rail { return o.rail }

// DepositAddress returns where the deposit must be sent.
func (o *PaymentOrder) DepositAddress() string { return o.depositAddress }

// TokenAddress returns the token the deposit is denominated in.
func (o *PaymentOrder) TokenAddress() string { return o.tokenAddress }

// Status returns the current status.
func (o *PaymentOrder) Status() OrderStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Terminal reports whether the order has reached a terminal status.
func (o *PaymentOrder) Terminal() bool {
	return o.Status().Terminal()
}

// DepositAmount returns a copy of the amount the user must send.
func (o *PaymentOrder) DepositAmount() *big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return new(big.Int).Set(o.deposit)
}

// Receipt returns the submission receipt, or nil before submission.
func (o *PaymentOrder) Receipt() *SubmissionReceipt {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.receipt
}

// Message returns the last user-visible status message.
func (o *PaymentOrder) Message() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.message
}

// Abandoned reports whether the user closed the payment window before a terminal status.
func (o *PaymentOrder) Abandoned() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.abandoned
}

// Observe registers fn to be called with a snapshot after every successful mutation.
func (o *PaymentOrder) Observe(fn func(OrderSnapshot)) {
	o.mu.Lock()
	o.observer = fn
	o.mu.Unlock()
}

// Snapshot returns a copy of the order's state.
func (o *PaymentOrder) Snapshot() OrderSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

func (o *PaymentOrder) snapshotLocked() OrderSnapshot {
	return OrderSnapshot{
		ID:              o.id,
		Rail:            o.rail,
		RequestedAmount: o.requested.String(),
		Fee:             o.fee.String(),
		DepositAmount:   o.deposit.String(),
		DepositAddress:  o.depositAddress,
		TokenAddress:    o.tokenAddress,
		Status:          o.status,
		Receipt:         o.receipt,
		Message:         o.message,
		Abandoned:       o.abandoned,
		CreatedAt:       o.createdAt,
		UpdatedAt:       o.updatedAt,
	}
}

// ApplyQuote records a fee quote and recomputes the deposit amount as
// requested + fee. A fresh quote may replace an earlier one.
func (o *PaymentOrder) ApplyQuote(fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return ErrInvalidAmount
	}
	return o.mutate(StatusQuoteReady, func() {
		o.fee = new(big.Int).Set(fee)
		o.deposit = new(big.Int).Add(o.requested, fee)
	})
}

// AttachReceipt moves the order to submitted and attaches the receipt.
func (o *PaymentOrder) AttachReceipt(receipt *SubmissionReceipt) error {
	if receipt == nil || receipt.TransactionHash == "" {
		return NewError(KindValidation, ErrCodeMalformedResponse, "submission receipt has no transaction hash", ErrMalformedResponse)
	}
	return o.mutate(StatusSubmitted, func() {
		o.receipt = receipt
	})
}

// Transition moves the order to status and records a user-visible message.
func (o *PaymentOrder) Transition(to OrderStatus, message string) error {
	return o.mutate(to, func() {
		o.message = message
	})
}

// Confirm moves the order to confirmed. A receipt reported alongside the
// confirmation is attached when the order does not have one yet.
func (o *PaymentOrder) Confirm(receipt *SubmissionReceipt) error {
	return o.mutate(StatusConfirmed, func() {
		if o.receipt == nil && receipt != nil {
			o.receipt = receipt
		}
		o.message = ""
	})
}

// MarkAbandoned flags an order whose payment window was closed before it
// reached a terminal status. The status itself is left untouched. It returns
// false, and changes nothing, when the order is already terminal.
func (o *PaymentOrder) MarkAbandoned(message string) bool {
	o.mu.Lock()
	if o.status.Terminal() {
		o.mu.Unlock()
		return false
	}
	o.abandoned = true
	o.message = message
	o.updatedAt = time.Now()
	snap, observer := o.snapshotLocked(), o.observer
	o.mu.Unlock()

	if observer != nil {
		observer(snap)
	}
	return true
}

func (o *PaymentOrder) mutate(to OrderStatus, apply func()) error {
	o.mu.Lock()
	from := o.status
	if from.Terminal() {
		o.mu.Unlock()
		return NewError(KindValidation, ErrCodeInvalidTransition, "order is terminal", ErrTerminalState).
			WithDetails("order", o.id).
			WithDetails("status", string(from)).
			WithDetails("requested", string(to))
	}
	if !CanTransition(from, to) {
		o.mu.Unlock()
		return NewError(KindValidation, ErrCodeInvalidTransition, fmt.Sprintf("cannot move from %s to %s", from, to), ErrInvalidTransition).
			WithDetails("order", o.id)
	}

	apply()
	o.status = to
	if to.Terminal() {
		o.abandoned = false
	}
	o.updatedAt = time.Now()
	snap, observer := o.snapshotLocked(), o.observer
	o.mu.Unlock()

	if observer != nil {
		observer(snap)
	}
	return nil
}
