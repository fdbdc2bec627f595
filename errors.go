package triviastream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrCode identifies an API error independently of its message.
type ErrCode string

const (
	ErrValidation          ErrCode = "VALIDATION_ERROR"
	ErrProviderConfig      ErrCode = "PROVIDER_CONFIG"
	ErrProviderUnavailable ErrCode = "PROVIDER_UNAVAILABLE"
	ErrProviderTimeout     ErrCode = "PROVIDER_TIMEOUT"
	ErrProviderFailed      ErrCode = "PROVIDER_ERROR"
	ErrNoQuestionsCode     ErrCode = "NO_QUESTIONS"
	ErrSessionNotFound     ErrCode = "SESSION_NOT_FOUND"
	ErrInternal            ErrCode = "INTERNAL_ERROR"
)

var (
	// ErrFirstByteTimeout means the provider sent nothing within the first-byte window.
	ErrFirstByteTimeout = errors.New("timed out waiting for the LLM provider to respond")

	// ErrNoQuestions means the provider finished without a single valid question.
	ErrNoQuestions = errors.New("no valid questions in provider response")
)

// FieldError describes one failed field of a generation request.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RequestValidationError is returned for malformed or out of range generation requests.
type RequestValidationError struct {
	Details []FieldError
}

func (e *RequestValidationError) Error() string {
	if len(e.Details) == 0 {
		return "invalid request parameters"
	}
	return fmt.Sprintf("invalid request parameters: %s: %s", e.Details[0].Field, e.Details[0].Message)
}

// ValidationError is returned when a candidate question object has the wrong shape.
// It is never fatal for a run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid question: %s %s", e.Field, e.Reason)
}

// ProviderConfigError means the LLM provider is not configured. Not retryable.
type ProviderConfigError struct {
	Reason string
}

func (e *ProviderConfigError) Error() string {
	return "LLM provider not configured: " + e.Reason
}

// ProviderHTTPError means the provider answered with a non-success status.
type ProviderHTTPError struct {
	StatusCode int
	Body       string
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("LLM provider error (status %d): %s", e.StatusCode, e.Body)
}

// ProviderConnectionError wraps a network level failure reaching or reading from the provider.
type ProviderConnectionError struct {
	Err error
}

func (e *ProviderConnectionError) Error() string {
	return fmt.Sprintf("LLM provider may be unavailable: %v", e.Err)
}

func (e *ProviderConnectionError) Unwrap() error { return e.Err }

// classifyTransportError turns a raw transport failure into a ProviderConnectionError
// when it is network level. Other errors are returned unchanged.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var connErr *ProviderConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	if isBadProviderURL(err) {
		return &ProviderConfigError{Reason: fmt.Sprintf("invalid provider base URL: %v", err)}
	}
	if isConnectionError(err) {
		return &ProviderConnectionError{Err: err}
	}
	return err
}

// isBadProviderURL reports whether a request failed before any network activity
// because the provider URL cannot be used.
func isBadProviderURL(err error) bool {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return false
	}
	if urlErr.Op == "parse" {
		return true
	}
	msg := urlErr.Err.Error()
	return strings.Contains(msg, "unsupported protocol scheme") || strings.Contains(msg, "no Host in request URL")
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// ErrorCode maps an error to its API code and HTTP status.
func ErrorCode(err error) (ErrCode, int) {
	var (
		reqErr  *RequestValidationError
		cfgErr  *ProviderConfigError
		connErr *ProviderConnectionError
		httpErr *ProviderHTTPError
		qErr    *ValidationError
	)
	switch {
	case errors.As(err, &reqErr), errors.As(err, &qErr):
		return ErrValidation, 400
	case errors.Is(err, ErrNoSession):
		return ErrSessionNotFound, 404
	case errors.Is(err, ErrFirstByteTimeout):
		return ErrProviderTimeout, 504
	case errors.As(err, &cfgErr):
		return ErrProviderConfig, 500
	case errors.As(err, &connErr):
		return ErrProviderUnavailable, 503
	case errors.As(err, &httpErr):
		return ErrProviderFailed, 500
	case errors.Is(err, ErrNoQuestions):
		return ErrNoQuestionsCode, 502
	default:
		return ErrInternal, 500
	}
}
