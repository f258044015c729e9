// Package errs provides structured error types and helpers for brokerlink services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a broker-core error category.
type Code string

const (
	// CodeNotConnected indicates the operation requires an active broker session.
	CodeNotConnected Code = "not_connected"
	// CodeInvalidOrder indicates malformed order parameters.
	CodeInvalidOrder Code = "invalid_order"
	// CodeConnectionFailed indicates connection retries were exhausted.
	CodeConnectionFailed Code = "connection_failed"
	// CodeReconciliationFetch indicates a fill fetch failed during reconciliation.
	CodeReconciliationFetch Code = "reconciliation_fetch"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeBroker indicates a broker-side failure.
	CodeBroker Code = "broker_error"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the brokerlink stack.
type E struct {
	Component   string
	Code        Code
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Remediation: "",
		Metadata:    nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope with the same code.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code == e.Code && t.Component == "" && t.Message == ""
}

// Sentinels usable with errors.Is.
var (
	ErrNotConnected        = &E{Code: CodeNotConnected}
	ErrInvalidOrder        = &E{Code: CodeInvalidOrder}
	ErrConnectionFailed    = &E{Code: CodeConnectionFailed}
	ErrReconciliationFetch = &E{Code: CodeReconciliationFetch}
)

// NotConnected returns the standard error for operations attempted without an active session.
func NotConnected(component string) *E {
	return New(component, CodeNotConnected,
		WithMessage("no active broker session"),
		WithRemediation("connect to the broker before retrying"))
}

// InvalidOrder returns a validation error for malformed order parameters.
func InvalidOrder(component, msg string) *E {
	return New(component, CodeInvalidOrder, WithMessage(msg))
}

// CodeOf extracts the code of the first envelope in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code, true
	}
	return "", false
}

// IsCode reports whether err carries an envelope with the given code.
func IsCode(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
