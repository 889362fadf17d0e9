package keychain

import (
	"context"
	"errors"
)

// Sentinel errors for keychain bridge, signing and settlement operations.
var (
	// ErrNotConnected indicates a bridge capability was invoked before the channel was established or after it was closed.
	ErrNotConnected = errors.New("keychain: bridge not connected")

	// ErrNotReady indicates an external wallet was requested but no bridge is attached.
	ErrNotReady = errors.New("keychain: bridge not ready")

	// ErrHandshakeTimeout indicates the bridge handshake did not complete in time.
	ErrHandshakeTimeout = errors.New("keychain: bridge handshake timed out")

	// ErrHandshakeRejected indicates the remote side refused the handshake.
	ErrHandshakeRejected = errors.New("keychain: bridge handshake rejected")

	// ErrAlreadyEstablished indicates Establish was called twice on one session.
	ErrAlreadyEstablished = errors.New("keychain: bridge session already established")

	// ErrHandshakeInProgress indicates Establish was called while a handshake was running.
	ErrHandshakeInProgress = errors.New("keychain: bridge handshake in progress")

	// ErrSigningFailed indicates a wallet failed to sign.
	ErrSigningFailed = errors.New("keychain: signing failed")

	// ErrUnsupportedOperation indicates the wallet does not implement the requested operation.
	ErrUnsupportedOperation = errors.New("keychain: operation not supported by wallet")

	// ErrUserRejected indicates the user declined the request.
	ErrUserRejected = errors.New("keychain: request rejected by user")

	// ErrMalformedResponse indicates a remote capability returned a success with the wrong shape.
	ErrMalformedResponse = errors.New("keychain: malformed response")

	// ErrFeeEstimation indicates a fee quote could not be obtained.
	ErrFeeEstimation = errors.New("keychain: fee estimation failed")

	// ErrFinality indicates an on-chain error was observed while awaiting finality.
	ErrFinality = errors.New("keychain: transaction failed on-chain")

	// ErrConfirmationTimeout indicates the confirmation ceiling elapsed without a terminal status.
	ErrConfirmationTimeout = errors.New("keychain: confirmation timed out")

	// ErrTerminalState indicates a transition was attempted out of a terminal order status.
	ErrTerminalState = errors.New("keychain: order is in a terminal state")

	// ErrInvalidTransition indicates the requested status change is not a permitted edge.
	ErrInvalidTransition = errors.New("keychain: invalid order status transition")

	// ErrInvalidAmount indicates an invalid amount string or negative amount.
	ErrInvalidAmount = errors.New("keychain: invalid amount")

	// ErrInvalidRail indicates an unknown settlement rail.
	ErrInvalidRail = errors.New("keychain: invalid or unsupported rail")

	// ErrInvalidIdentifier indicates an empty or unparseable wallet identifier.
	ErrInvalidIdentifier = errors.New("keychain: invalid wallet identifier")

	// ErrInvalidAddress indicates an address that is not valid for its rail.
	ErrInvalidAddress = errors.New("keychain: invalid address")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("keychain: invalid private key")

	// ErrInvalidKeystore indicates an invalid or corrupted keystore file.
	ErrInvalidKeystore = errors.New("keychain: invalid keystore file")

	// ErrInvalidMnemonic indicates an invalid BIP39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("keychain: invalid mnemonic phrase")

	// ErrPopupBlocked indicates the payment popup could not be opened.
	ErrPopupBlocked = errors.New("keychain: payment popup blocked")

	// ErrPopupClosed indicates the payment popup was closed before the order reached a terminal state.
	ErrPopupClosed = errors.New("keychain: payment popup closed")

	// ErrOrderNotFound indicates an unknown order id.
	ErrOrderNotFound = errors.New("keychain: order not found")

	// ErrOrderExpired is returned when the deposit window of an order closed.
	ErrOrderExpired = errors.New("keychain: order expired")

	// ErrNoAdapter indicates no settlement adapter is registered for a rail.
	ErrNoAdapter = errors.New("keychain: no settlement adapter for rail")
)

// ErrorKind is the error taxonomy shared by the router, adapters and engine.
type ErrorKind string

const (
	// KindConnectivity covers bridge not established and popup blocked or closed prematurely.
	KindConnectivity ErrorKind = "connectivity"

	// KindRejection covers explicit failures reported by a wallet.
	KindRejection ErrorKind = "rejection"

	// KindValidation covers malformed remote responses and invalid input.
	KindValidation ErrorKind = "validation"

	// KindFeeEstimation covers fee quote failures.
	KindFeeEstimation ErrorKind = "fee_estimation"

	// KindFinality covers on-chain errors observed during confirmation.
	KindFinality ErrorKind = "finality"

	// KindTimeout covers confirmation ceilings exceeded without terminal truth.
	KindTimeout ErrorKind = "timeout"

	// KindUnknown is returned for errors outside the taxonomy.
	KindUnknown ErrorKind = "unknown"
)

// ErrorCode represents error codes for programmatic handling.
type ErrorCode string

const (
	ErrCodeNotConnected        ErrorCode = "NOT_CONNECTED"
	ErrCodeNotReady            ErrorCode = "NOT_READY"
	ErrCodeHandshakeFailed     ErrorCode = "HANDSHAKE_FAILED"
	ErrCodeSigningFailed       ErrorCode = "SIGNING_FAILED"
	ErrCodeUserRejected        ErrorCode = "USER_REJECTED"
	ErrCodeMalformedResponse   ErrorCode = "MALFORMED_RESPONSE"
	ErrCodeFeeEstimation       ErrorCode = "FEE_ESTIMATION_FAILED"
	ErrCodeFinality            ErrorCode = "FINALITY_FAILED"
	ErrCodeConfirmationTimeout ErrorCode = "CONFIRMATION_TIMEOUT"
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodePopupBlocked        ErrorCode = "POPUP_BLOCKED"
	ErrCodePopupClosed         ErrorCode = "POPUP_CLOSED"
	ErrCodeOrderExpired        ErrorCode = "ORDER_EXPIRED"
	ErrCodeSubmissionFailed    ErrorCode = "SUBMISSION_FAILED"
)

// Error provides structured error information classified into the keychain taxonomy.
type Error struct {
	// Kind is the taxonomy bucket that drives retry and escalation decisions.
	Kind ErrorKind

	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given kind, code and message.
func NewError(kind ErrorKind, code ErrorCode, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf classifies err into the taxonomy. Structured errors report their own
// kind; bare sentinels and context errors are mapped by identity.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var kerr *Error
	if errors.As(err, &kerr) && kerr.Kind != "" {
		return kerr.Kind
	}

	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrHandshakeTimeout),
		errors.Is(err, ErrHandshakeRejected),
		errors.Is(err, ErrHandshakeInProgress),
		errors.Is(err, ErrPopupBlocked),
		errors.Is(err, ErrPopupClosed):
		return KindConnectivity
	case errors.Is(err, ErrUserRejected),
		errors.Is(err, ErrUnsupportedOperation),
		errors.Is(err, ErrSigningFailed):
		return KindRejection
	case errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRail),
		errors.Is(err, ErrInvalidIdentifier),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrTerminalState),
		errors.Is(err, ErrInvalidTransition):
		return KindValidation
	case errors.Is(err, ErrFeeEstimation):
		return KindFeeEstimation
	case errors.Is(err, ErrFinality):
		return KindFinality
	case errors.Is(err, ErrConfirmationTimeout),
		errors.Is(err, ErrOrderExpired),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether err may succeed if the same request is repeated.
// Only connectivity and fee-estimation failures qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnectivity, KindFeeEstimation:
		return true
	}
	return false
}
