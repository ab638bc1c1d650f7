// Package gwerrors defines the gateway's internal error taxonomy. Every
// error the dispatch pipeline returns to a caller is classified as one of
// these Kinds so the HTTP layer and the metrics engine can react without
// string-matching messages.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the gateway's classified error taxonomy entries.
type Kind string

const (
	QueueFull     Kind = "QUEUE_FULL"
	Validation    Kind = "VALIDATION"
	NoKeys        Kind = "NO_KEYS"
	NonceDrift    Kind = "NONCE_DRIFT"
	Transient     Kind = "TRANSIENT"
	InvalidTx     Kind = "INVALID_TX"
	ContractError Kind = "CONTRACT_ERROR"
	ShuttingDown  Kind = "SHUTTING_DOWN"
)

// Error wraps an underlying cause with a Kind so callers can classify it
// with errors.As without parsing message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Transient for errors
// that were never classified (treated as retryable-by-caller, the safest
// default for an unclassified failure).
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Transient
}

// HTTPStatus maps a Kind to the HTTP status code the gateway reports it as.
func HTTPStatus(k Kind) int {
	switch k {
	case QueueFull:
		return 503
	case Validation:
		return 400
	case NoKeys:
		return 503
	case ShuttingDown:
		return 503
	case NonceDrift, InvalidTx, ContractError:
		return 422
	case Transient:
		return 502
	default:
		return 500
	}
}
