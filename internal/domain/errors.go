package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass groups engine errors by how callers are expected to react.
type ErrorClass string

const (
	ClassConfiguration    ErrorClass = "ConfigurationError"
	ClassValidation       ErrorClass = "ValidationError"
	ClassTransientService ErrorClass = "TransientServiceError"
	ClassCustomerRun      ErrorClass = "CustomerRunError"
)

var (
	ErrNotFound            = errors.New("not_found")
	ErrDuplicateVersion    = errors.New("duplicate_version")
	ErrInvalidVersionName  = errors.New("invalid_version_name")
	ErrValidationFailed    = errors.New("validation_failed")
	ErrTerminalState       = errors.New("terminal_state")
	ErrUnresolvedReference = errors.New("unresolved_reference")
	ErrAmbiguousMapping    = errors.New("ambiguous_registry_mapping")
	ErrMalformedDocument   = errors.New("malformed_document")
	ErrInvalidReference    = errors.New("invalid_container_reference")
	ErrServiceUnavailable  = errors.New("service_unavailable")
	ErrServiceRejected     = errors.New("service_rejected")
	ErrVersionNotActive    = errors.New("version_not_active")
	ErrRunNotFailed        = errors.New("run_not_failed")
)

// Error is the structured error value returned across the engine. Err carries
// one of the sentinel causes above so callers can match with errors.Is.
type Error struct {
	Class      ErrorClass
	Kind       string
	Field      string
	Value      string
	Bound      string
	StatusCode int
	Details    []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Kind != "" {
		b.WriteString(": ")
		b.WriteString(e.Kind)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, " value=%q", e.Value)
	}
	if e.Bound != "" {
		fmt.Fprintf(&b, " bound=%s", e.Bound)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	if e.Err != nil && len(e.Details) == 0 {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf reports the class of err, or "" when err is not a *Error.
func ClassOf(err error) ErrorClass {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ""
}

// IsTransient reports whether err is safe to retry automatically.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransientService
}

func ConfigurationError(kind string, cause error, field, value string) *Error {
	return &Error{Class: ClassConfiguration, Kind: kind, Field: field, Value: value, Err: cause}
}

func ValidationFailure(kind string, cause error, details []string) *Error {
	return &Error{Class: ClassValidation, Kind: kind, Details: details, Err: cause}
}
