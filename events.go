package keychain

import "time"

// SettlementEventType represents the type of settlement event.
type SettlementEventType string

const (
	// SettlementEventStatus indicates the order changed status.
	SettlementEventStatus SettlementEventType = "status"

	// SettlementEventSubmitted indicates a transaction was accepted by the rail.
	SettlementEventSubmitted SettlementEventType = "submitted"

	// SettlementEventWarning indicates an ambiguous outcome the user must be told about.
	SettlementEventWarning SettlementEventType = "warning"
)

// SettlementEvent represents an order lifecycle event. It is emitted by the
// settlement engine for logging, monitoring and forwarding to the embedding page.
type SettlementEvent struct {
	// Type is the event type.
	Type SettlementEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// OrderID is the order the event belongs to.
	OrderID string

	// Rail is the order's rail.
	Rail Rail

	// Status is the order status after the event.
	Status OrderStatus

	// Receipt is set once the order has been submitted.
	Receipt *SubmissionReceipt

	// Message is the user-visible message, if any.
	Message string

	// Error contains error details for failures and warnings.
	Error error
}

// SettlementCallback handles settlement events. Callbacks are invoked
// synchronously from the engine's loop and should return quickly.
type SettlementCallback func(SettlementEvent)
