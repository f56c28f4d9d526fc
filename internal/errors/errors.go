package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code is the unified error code used across the engine.
type Code string

// Severity describes how serious an error is, used for alerting and audit.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes provide default behaviour for an error code.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeConnectionFailure Code = "CONNECTION_FAILURE"
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeRouteNotFound     Code = "ROUTE_NOT_FOUND"
	CodeTimeout           Code = "TIMEOUT"
	CodeExecutionFailure  Code = "EXECUTION_FAILURE"
	CodeRetriesExhausted  Code = "RETRIES_EXHAUSTED"
	CodeStorageFailure    Code = "STORAGE_FAILURE"
	CodeStreamFailure     Code = "STREAM_FAILURE"
	CodeInitFailure       Code = "INITIALIZATION_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:   "unknown error",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeInvalidArgument: {
			Message:   "invalid argument",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeNotFound: {
			Message:   "resource not found",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeConflict: {
			Message:   "resource conflict",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     false,
		},
		CodeConnectionFailure: {
			Message:   "no live connection for chain",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeValidationFailed: {
			Message:   "transfer parameters failed validation",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeRouteNotFound: {
			Message:   "no viable route between chains",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     false,
		},
		CodeTimeout: {
			Message:   "transfer exceeded its lifecycle deadline",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeExecutionFailure: {
			Message:   "destination chain reported execution failure",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeRetriesExhausted: {
			Message:   "transfer retries exhausted",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeStreamFailure: {
			Message:   "stream publish failure",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeInitFailure: {
			Message:   "component not initialized",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
	}
)

// Register lets a package register additional error codes during init.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes for a code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the unified error type carried across component boundaries.
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option customizes a new Error.
type Option func(*Error)

// WithMetadata attaches a key/value pair to the error.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable overrides the registry default.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert overrides whether the error should trigger an alert.
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity overrides the default severity.
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New creates an error for the given code.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap creates an error for the given code wrapping a cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches errors by code so errors.Is works across wrap layers.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the human readable message.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable reports whether the error may be retried.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert reports whether the error warrants an alert.
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity returns the error severity.
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From extracts the unified error type from an arbitrary error.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or UNKNOWN.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError reports whether an arbitrary error is retryable.
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert reports whether an arbitrary error warrants an alert.
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf returns the severity of an arbitrary error.
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
