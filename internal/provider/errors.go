package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

// Error is a classified provider failure.
type Error struct {
	Kind    genjob.ErrorKind
	Message string
	// StatusCode is the provider's HTTP status when one was observed.
	StatusCode int
	Err        error
}

// NewError builds a classified error.
func NewError(kind genjob.ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the scheduler may move the job to another attempt.
func (e *Error) Retryable() bool {
	return e.Kind == genjob.ErrorKindTransient || e.Kind == genjob.ErrorKindAuth
}

// KindForStatus maps an HTTP status code onto an error kind.
func KindForStatus(code int) genjob.ErrorKind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return genjob.ErrorKindAuth
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return genjob.ErrorKindTransient
	case code == http.StatusUnavailableForLegalReasons:
		return genjob.ErrorKindFiltered
	case code >= 400:
		return genjob.ErrorKindInvalid
	default:
		return genjob.ErrorKindTransient
	}
}

// FromStatus builds an error from an HTTP status code.
func FromStatus(code int, msg string) *Error {
	return &Error{Kind: KindForStatus(code), Message: msg, StatusCode: code}
}

// Classify turns any error into a classified one. Unrecognised errors are
// transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, genjob.ErrInvalidParams) {
		return NewError(genjob.ErrorKindInvalid, "invalid parameters", err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewError(genjob.ErrorKindTransient, "provider call timed out", err)
	}
	return NewError(genjob.ErrorKindTransient, "provider call failed", err)
}
