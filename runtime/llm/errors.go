package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies HTTP failures into a small set of categories suitable
// for retry and UX decisions.
type ErrorKind string

const (
	// ErrorKindAuth indicates authentication/authorization failures.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindInvalidRequest indicates the request is invalid and retrying
	// without changing the request will not succeed.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindRateLimited indicates the provider is throttling requests.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindUnavailable indicates a transient provider failure (5xx).
	ErrorKindUnavailable ErrorKind = "unavailable"

	// ErrorKindUnknown indicates an unclassified provider failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

var (
	// ErrUnsupported is matched by capability errors: the provider does not
	// offer the requested feature or operation.
	ErrUnsupported = errors.New("unsupported by provider")

	// ErrProtocol is matched by ProtocolError and MalformedToolCallError.
	ErrProtocol = errors.New("protocol violation")
)

type (
	// ValidationError reports a request that violates the provider
	// capability contract or is malformed. It is raised before any network
	// call and never retried.
	ValidationError struct {
		Provider string
		// Field names the offending request field, for example "tool_choice".
		Field  string
		Reason string
		// Unsupported marks capability errors.
		Unsupported bool
	}

	// TransportError reports a connectivity or timeout failure.
	TransportError struct {
		Provider  string
		Operation string
		Cause     error
	}

	// HTTPError reports a non-2xx provider response.
	HTTPError struct {
		Provider  string
		Operation string
		Status    int
		Body      string
		RequestID string
	}

	// ProtocolError reports a decoded event or result with an unrecognized
	// or structurally invalid shape.
	ProtocolError struct {
		Provider string
		Reason   string
		Cause    error
	}

	// PartialStreamError reports an error event received mid-stream. Text
	// already delivered to the incremental callback stands but no completed
	// response is produced.
	PartialStreamError struct {
		Provider string
		Code     string
		Message  string
		// DeliveredChars is the number of text characters (runes)
		// delivered before the error.
		DeliveredChars int
	}

	// MalformedToolCallError reports tool call arguments that do not parse
	// as JSON or a tool call without a name.
	MalformedToolCallError struct {
		ID        string
		Name      string
		Arguments string
		Cause     error
	}
)

// NewValidationError builds a ValidationError for field.
func NewValidationError(provider, field, format string, args ...any) *ValidationError {
	return &ValidationError{Provider: provider, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NewCapabilityError builds a ValidationError that matches ErrUnsupported.
func NewCapabilityError(provider, feature string) *ValidationError {
	return &ValidationError{
		Provider:    provider,
		Field:       feature,
		Reason:      feature + " is not supported",
		Unsupported: true,
	}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid request: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s: invalid request: %s: %s", e.Provider, e.Field, e.Reason)
}

// Is matches ErrUnsupported for capability errors.
func (e *ValidationError) Is(target error) bool {
	return e.Unsupported && target == ErrUnsupported
}

func (e *TransportError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	return fmt.Sprintf("%s: %s: transport: %v", e.Provider, op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *HTTPError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		body = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: %s: http %d: %s", e.Provider, op, e.Status, body)
}

// Kind returns the coarse-grained classification of the status code.
func (e *HTTPError) Kind() ErrorKind {
	switch {
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return ErrorKindAuth
	case e.Status == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case e.Status >= 500:
		return ErrorKindUnavailable
	case e.Status >= 400:
		return ErrorKindInvalidRequest
	default:
		return ErrorKindUnknown
	}
}

// Retryable reports whether the status is a server failure. Client errors
// (4xx) are never retried.
func (e *HTTPError) Retryable() bool { return e.Status >= 500 }

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: protocol: %s: %v", e.Provider, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: protocol: %s", e.Provider, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Is matches ErrProtocol.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func (e *PartialStreamError) Error() string {
	code := e.Code
	if code == "" {
		code = "error"
	}
	return fmt.Sprintf("%s: stream terminated by %s after %d chars: %s", e.Provider, code, e.DeliveredChars, e.Message)
}

func (e *MalformedToolCallError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("malformed tool call %q: missing name", e.ID)
	}
	if e.Cause == nil {
		return fmt.Sprintf("malformed tool call %q (%s): invalid arguments", e.ID, e.Name)
	}
	return fmt.Sprintf("malformed tool call %q (%s): %v", e.ID, e.Name, e.Cause)
}

func (e *MalformedToolCallError) Unwrap() error { return e.Cause }

// Is matches ErrProtocol.
func (e *MalformedToolCallError) Is(target error) bool { return target == ErrProtocol }

// AsHTTPError returns the first HTTPError in err's chain, if any.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsRateLimited reports whether err carries an HTTP 429.
func IsRateLimited(err error) bool {
	he, ok := AsHTTPError(err)
	return ok && he.Kind() == ErrorKindRateLimited
}
