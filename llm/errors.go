package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Class is the provider-independent category of a failed call. The router
// and the status registry depend only on this, never on payload shapes.
type Class string

const (
	ClassRateLimited Class = "rate_limited"
	ClassServerError Class = "server_error"
	ClassAuthError   Class = "auth_error"
	ClassOther       Class = "other"
)

// Retryable reports whether a call failing with this class may be retried
// against another provider.
func (c Class) Retryable() bool {
	return c == ClassRateLimited || c == ClassServerError
}

// Error is a classified upstream failure.
type Error struct {
	Provider   string
	Class      Class
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (%d, %s): %s", e.Provider, e.StatusCode, e.Class, msg)
	}
	return fmt.Sprintf("%s request failed (%s): %s", e.Provider, e.Class, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClassifyStatus maps an HTTP status code onto a Class.
func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuthError
	case code == http.StatusRequestTimeout || code >= 500:
		return ClassServerError
	default:
		return ClassOther
	}
}

// NewStatusError builds a classified error from a non-2xx HTTP response.
func NewStatusError(provider string, code int, body string) *Error {
	return &Error{
		Provider:   provider,
		Class:      ClassifyStatus(code),
		StatusCode: code,
		Message:    strings.TrimSpace(body),
	}
}

// NewTransportError classifies a failure that happened before any HTTP
// status was received.
func NewTransportError(provider string, err error) *Error {
	return &Error{
		Provider: provider,
		Class:    ClassOf(err),
		Err:      err,
	}
}

// ClassOf extracts the class of err. Deadline and network failures are
// treated as transient server errors; caller cancellation is not retryable.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Class != "" {
		return classified.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassServerError
	}
	return ClassOther
}
