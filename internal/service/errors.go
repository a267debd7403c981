package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies checkout failures
type ErrorKind string

const (
	KindUnauthenticated        ErrorKind = "Unauthenticated"
	KindEmptyCart              ErrorKind = "EmptyCart"
	KindValidation             ErrorKind = "ValidationError"
	KindSessionNotFound        ErrorKind = "SessionNotFound"
	KindInvalidStateTransition ErrorKind = "InvalidStateTransition"
	KindPaymentConflict        ErrorKind = "PaymentConflict"
	KindPaymentGateway         ErrorKind = "PaymentGatewayError"
	KindPersistence            ErrorKind = "PersistenceError"
)

// Retryable reports whether the same request may be safely retried
func (k ErrorKind) Retryable() bool {
	return k == KindPaymentGateway || k == KindPersistence
}

// Error is a checkout failure of a given kind
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is
var (
	ErrUnauthenticated        = &Error{Kind: KindUnauthenticated}
	ErrEmptyCart              = &Error{Kind: KindEmptyCart}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrSessionNotFound        = &Error{Kind: KindSessionNotFound}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrPaymentConflict        = &Error{Kind: KindPaymentConflict}
	ErrPaymentGateway         = &Error{Kind: KindPaymentGateway}
	ErrPersistence            = &Error{Kind: KindPersistence}
)

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a checkout error, or PersistenceError for anything unclassified
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}
