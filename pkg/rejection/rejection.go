// Package rejection defines the machine-readable failure kinds surfaced by the
// reward pool core, each paired with a human-readable remediation hint.
package rejection

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a rejection. Kinds are stable wire values.
type Kind string

const (
	KindMalformedAccount       Kind = "malformed_account"
	KindPoolNotFound           Kind = "pool_not_found"
	KindForbidden              Kind = "forbidden"
	KindCooldown               Kind = "cooldown"
	KindClaimInProgress        Kind = "claim_in_progress"
	KindDistributionInProgress Kind = "distribution_in_progress"
	KindInsufficientPayment    Kind = "insufficient_payment"
	KindTransactionNotFound    Kind = "transaction_not_found"
	KindTransactionFailed      Kind = "transaction_failed"
	KindDestinationNotInvolved Kind = "destination_not_involved"
	KindStoreUnavailable       Kind = "store_unavailable"
	KindAuthorityMismatch      Kind = "authority_mismatch"
	KindConfirmationTimeout    Kind = "confirmation_timeout"
	KindLedgerTimeout          Kind = "ledger_timeout"
	KindInvalidRequest         Kind = "invalid_request"
	KindQuoteNotFound          Kind = "quote_not_found"
	KindQuoteExpired           Kind = "quote_expired"
	KindQuoteConsumed          Kind = "quote_consumed"
	KindPaymentReused          Kind = "payment_reused"
	KindPayerMismatch          Kind = "payer_mismatch"
	KindInternal               Kind = "internal"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrMalformedAccount       = &Error{Kind: KindMalformedAccount}
	ErrPoolNotFound           = &Error{Kind: KindPoolNotFound}
	ErrForbidden              = &Error{Kind: KindForbidden}
	ErrCooldown               = &Error{Kind: KindCooldown}
	ErrClaimInProgress        = &Error{Kind: KindClaimInProgress}
	ErrDistributionInProgress = &Error{Kind: KindDistributionInProgress}
	ErrInsufficientPayment    = &Error{Kind: KindInsufficientPayment}
	ErrTransactionNotFound    = &Error{Kind: KindTransactionNotFound}
	ErrTransactionFailed      = &Error{Kind: KindTransactionFailed}
	ErrDestinationNotInvolved = &Error{Kind: KindDestinationNotInvolved}
	ErrStoreUnavailable       = &Error{Kind: KindStoreUnavailable}
	ErrAuthorityMismatch      = &Error{Kind: KindAuthorityMismatch}
	ErrConfirmationTimeout    = &Error{Kind: KindConfirmationTimeout}
	ErrLedgerTimeout          = &Error{Kind: KindLedgerTimeout}
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest}
	ErrQuoteNotFound          = &Error{Kind: KindQuoteNotFound}
	ErrQuoteExpired           = &Error{Kind: KindQuoteExpired}
	ErrQuoteConsumed          = &Error{Kind: KindQuoteConsumed}
	ErrPaymentReused          = &Error{Kind: KindPaymentReused}
	ErrPayerMismatch          = &Error{Kind: KindPayerMismatch}
)

// Error is a classified rejection. Details must only carry data belonging to the
// caller; it is serialized verbatim into API responses.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a rejection of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail returns e with the key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a rejection of the given kind.
func New(kind Kind, message, hint string) *Error {
	return &Error{Kind: kind, Message: message, Hint: hint}
}

// Wrap creates a rejection of the given kind that wraps err.
func Wrap(kind Kind, err error, message, hint string) *Error {
	return &Error{Kind: kind, Message: message, Hint: hint, Err: err}
}

// As extracts the rejection from err, if any.
func As(err error) (*Error, bool) {
	var rej *Error
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is not a rejection.
func KindOf(err error) Kind {
	if rej, ok := As(err); ok {
		return rej.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code returned by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindMalformedAccount:
		return http.StatusBadRequest
	case KindForbidden, KindPayerMismatch:
		return http.StatusForbidden
	case KindPoolNotFound, KindTransactionNotFound, KindQuoteNotFound:
		return http.StatusNotFound
	case KindClaimInProgress, KindDistributionInProgress, KindQuoteConsumed, KindPaymentReused:
		return http.StatusConflict
	case KindQuoteExpired:
		return http.StatusGone
	case KindInsufficientPayment, KindTransactionFailed, KindDestinationNotInvolved:
		return http.StatusUnprocessableEntity
	case KindCooldown:
		return http.StatusTooManyRequests
	case KindConfirmationTimeout:
		return http.StatusAccepted
	case KindStoreUnavailable, KindAuthorityMismatch:
		return http.StatusServiceUnavailable
	case KindLedgerTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
