package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorClass is the failure shape a provider adapter reports.
type ErrorClass string

const (
	ClassAuth         ErrorClass = "authError"
	ClassRateLimited  ErrorClass = "rateLimited"
	ClassNotFound     ErrorClass = "notFound"
	ClassNetwork      ErrorClass = "networkError"
	ClassInvalidInput ErrorClass = "invalidInput"
	ClassUnknown      ErrorClass = "unknown"
)

// Describe returns a human-readable phrase for failure causes.
func (c ErrorClass) Describe() string {
	switch c {
	case ClassAuth:
		return "authentication failed"
	case ClassRateLimited:
		return "rate limit exceeded"
	case ClassNotFound:
		return "not found"
	case ClassNetwork:
		return "network error"
	case ClassInvalidInput:
		return "invalid input"
	default:
		return "unexpected error"
	}
}

// ProviderError is the failure half of the provider call contract.
type ProviderError struct {
	Provider   string
	Class      ErrorClass
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Class.Describe())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a ProviderError.
func NewProviderError(provider string, class ErrorClass, status int, msg string) *ProviderError {
	return &ProviderError{Provider: provider, Class: class, StatusCode: status, Message: msg}
}

// ClassOf extracts the class of err. Errors without a ProviderError in their
// chain are networkError when they look transient and unknown otherwise.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if IsTransient(err) {
		return ClassNetwork
	}
	return ClassUnknown
}

// ClassifyHTTPStatus maps a provider HTTP status to an error class.
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 429:
		return ClassRateLimited
	case status == 404:
		return ClassNotFound
	case status == 400 || status == 422:
		return ClassInvalidInput
	case IsTransientHTTPStatus(status):
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// ShouldTripDefault counts every failure toward the circuit except ones the
// caller caused (bad input) or that carry an answer (not found).
func ShouldTripDefault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch ClassOf(err) {
	case ClassNotFound, ClassInvalidInput:
		return false
	}
	return true
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"connection refused",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a retryable ProviderError, a network timeout, a
// connection-level syscall error, or a message matching a known pattern.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class == ClassRateLimited || pe.Class == ClassNetwork
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
