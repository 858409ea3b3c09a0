// Package errors provides structured operation errors shared across the
// agent's components: a consistent way to report what failed, where, and
// why, plus a small set of convenience constructors for common failure
// shapes (database, network, validation, timeout, auth).
package errors

import (
	"fmt"
	"strings"
)

// OperationError describes a failed operation together with the
// component and resource involved, so logs and error chains carry
// enough context to triage without a debugger.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to %s", e.Operation)
	if e.Component != "" {
		fmt.Fprintf(&b, ", component: %s", e.Component)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, ", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %s", e.Cause.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo reports that action failed, as "failed to <action>", with
// ": <cause>" appended (and cause wrapped) when cause is non-nil.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds a fully-populated OperationError.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf annotates err with a formatted message, standard fmt.Errorf
// %w-wrapping semantics. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// DatabaseError reports a failed database operation.
func DatabaseError(operation string, cause error) error {
	return &OperationError{Operation: operation, Component: "database", Cause: cause}
}

// NetworkError reports a failed network operation against endpoint.
func NetworkError(operation, endpoint string, cause error) error {
	return &OperationError{Operation: operation, Component: "network", Resource: endpoint, Cause: cause}
}

// ValidationError reports that field failed validation with msg.
func ValidationError(field, msg string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, msg)
}

// ConfigurationError reports an invalid configuration setting.
func ConfigurationError(setting, msg string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, msg)
}

// TimeoutError reports that operation timed out after duration.
func TimeoutError(operation, duration string) error {
	return fmt.Errorf("timeout while %s after %s", operation, duration)
}

// AuthenticationError reports a failed authentication attempt.
func AuthenticationError(msg string) error {
	return fmt.Errorf("authentication failed: %s", msg)
}

// AuthorizationError reports insufficient permission to perform action
// on resource.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// ParseError reports a failure to parse what as format.
func ParseError(what, format string, cause error) error {
	return &OperationError{
		Operation: fmt.Sprintf("parse %s as %s", what, format),
		Cause:     cause,
	}
}

var retryableSubstrings = []string{
	"timeout",
	"connection refused",
	"service unavailable",
}

// IsRetryable reports whether err looks like a transient failure worth
// retrying, based on common substrings seen in network/service errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Chain combines multiple errors (ignoring nils) into a single error.
// Returns nil if all inputs are nil, the error itself if exactly one is
// non-nil, or a combined "multiple errors: ..." message otherwise.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msgs := make([]string, len(nonNil))
		for i, e := range nonNil {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}
