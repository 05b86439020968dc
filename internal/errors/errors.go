package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code identifies a class of failure across the daemon.
type Code string

// Severity grades an error for alerting and audit logs.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes holds the default behaviour of a code.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	ExitCode  int
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeConfiguration         Code = "CONFIGURATION"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeDuplicateAttribute    Code = "DUPLICATE_ATTRIBUTE"
	CodeUnknownAttribute      Code = "UNKNOWN_ATTRIBUTE"
	CodeUnknownPlugin         Code = "UNKNOWN_PLUGIN"
	CodeWriteDepthExceeded    Code = "WRITE_DEPTH_EXCEEDED"
	CodeUnresolvedBinding     Code = "UNRESOLVED_BINDING"
	CodeRoutingOverflow       Code = "ROUTING_OVERFLOW"
	CodeStartupStall          Code = "STARTUP_STALL"
	CodeDependencyUnavailable Code = "DEPENDENCY_UNAVAILABLE"
	CodeBusFailure            Code = "BUS_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
			Alert:    true,
			ExitCode: 1,
		},
		CodeInvalidArgument: {
			Message:  "invalid argument",
			Severity: SeverityInfo,
			ExitCode: 1,
		},
		CodeNotFound: {
			Message:  "resource not found",
			Severity: SeverityInfo,
			ExitCode: 1,
		},
		CodeConflict: {
			Message:  "resource conflict",
			Severity: SeverityWarning,
			ExitCode: 1,
		},
		CodeConfiguration: {
			Message:  "invalid configuration",
			Severity: SeverityCritical,
			ExitCode: 1,
		},
		CodeInitializationFailure: {
			Message:   "component not initialised",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
			ExitCode:  1,
		},
		CodeDuplicateAttribute: {
			Message:  "attribute already registered",
			Severity: SeverityCritical,
			ExitCode: 1,
		},
		CodeUnknownAttribute: {
			Message:  "attribute not registered",
			Severity: SeverityWarning,
			ExitCode: 1,
		},
		CodeUnknownPlugin: {
			Message:  "plugin not registered",
			Severity: SeverityWarning,
			ExitCode: 1,
		},
		CodeWriteDepthExceeded: {
			Message:  "nested attribute writes too deep",
			Severity: SeverityCritical,
			Alert:    true,
			ExitCode: 1,
		},
		CodeUnresolvedBinding: {
			Message:  "binding references unknown target",
			Severity: SeverityCritical,
			ExitCode: 1,
		},
		CodeRoutingOverflow: {
			Message:  "signal budget exceeded within one tick",
			Severity: SeverityCritical,
			Alert:    true,
			ExitCode: 3,
		},
		CodeStartupStall: {
			Message:  "plugins did not leave runlevel unknown before the startup deadline",
			Severity: SeverityCritical,
			Alert:    true,
			ExitCode: 2,
		},
		CodeDependencyUnavailable: {
			Message:   "dependency unavailable",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
			ExitCode:  1,
		},
		CodeBusFailure: {
			Message:   "bus failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
			ExitCode:  1,
		},
		CodeExecutorFailure: {
			Message:   "executor failure",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
			ExitCode:  1,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
			ExitCode:  1,
		},
	}
)

// Register lets a component describe an additional code during start-up.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the registered attributes for code, falling back to
// those of CodeUnknown.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the coded error type shared by every package of the daemon.
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option customises an Error.
type Option func(*Error)

// WithMetadata attaches a key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable overrides the retryable flag of the code.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert overrides whether the error raises an alert.
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

// New creates an error. An empty message takes the registered default.
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

// Wrap creates an error with cause attached.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
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

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error carrying the same code.
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

// Message returns the message without code or cause.
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

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From extracts the first *Error in err's chain.
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

// CodeOf returns the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError reports whether err may be retried.
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert reports whether err should raise an alert.
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf returns the severity of err.
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// ExitCodeOf maps err onto a process exit status. nil maps to 0.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exit interface{ ExitCode() int }
	if stdErrors.As(err, &exit) {
		return exit.ExitCode()
	}
	if code := AttributesOf(CodeOf(err)).ExitCode; code != 0 {
		return code
	}
	return 1
}
