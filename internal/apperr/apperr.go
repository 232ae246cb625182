// Package apperr carries the error taxonomy shared by handlers, the turn
// controller and the transport layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthentication Kind = "authentication_required"
	KindSubscription   Kind = "subscription_required"
	KindUpstream       Kind = "upstream_failure"
	KindValidation     Kind = "validation_failure"
	KindNotFound       Kind = "not_found"
	KindRateLimited    Kind = "rate_limited"
	KindCheckout       Kind = "checkout_failed"
	KindInternal       Kind = "internal"
)

// SubscriptionMessage is the message clients historically matched on before
// the structured kind existed. It is kept so older clients keep redirecting.
const SubscriptionMessage = "No Subscription Found"

var (
	ErrAuthenticationRequired = New(KindAuthentication, "authentication required")
	ErrSubscriptionRequired   = New(KindSubscription, SubscriptionMessage)
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by kind, so errors.Is(err, ErrSubscriptionRequired) holds for
// any subscription error in the chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message for err. Internal errors never
// leak their details.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
