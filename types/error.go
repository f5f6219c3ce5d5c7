package types

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// FailureKind classifies why a node (or a connector call on its behalf)
// failed. The kind decides whether the engine retries.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailureTimeout   FailureKind = "timeout"
	FailureExhausted FailureKind = "exhausted"
	FailureCancelled FailureKind = "cancelled"
)

var (
	_ error = &TransientError{}
	_ error = &PermanentError{}
	_ error = &TimeoutError{}
	_ error = &CancelledError{}
	_ error = &ExhaustedError{}
	_ error = &GraphError{}
	_ error = &ConnectorError{}
)

func NewTransientError(otherErr error) error {
	return &TransientError{baseError: newBaseErr(otherErr)}
}

func NewTransientErrorf(format string, args ...interface{}) error {
	return NewTransientError(errors.Errorf(format, args...))
}

func NewPermanentError(otherErr error) error {
	return &PermanentError{baseError: newBaseErr(otherErr)}
}

func NewPermanentErrorf(format string, args ...interface{}) error {
	return NewPermanentError(errors.Errorf(format, args...))
}

func NewTimeoutError(otherErr error) error {
	return &TimeoutError{baseError: newBaseErr(otherErr)}
}

func NewTimeoutErrorf(format string, args ...interface{}) error {
	return NewTimeoutError(errors.Errorf(format, args...))
}

func NewCancelledError(otherErr error) error {
	return &CancelledError{baseError: newBaseErr(otherErr)}
}

func NewCancelledErrorf(format string, args ...interface{}) error {
	return NewCancelledError(errors.Errorf(format, args...))
}

func NewExhaustedError(otherErr error) error {
	return &ExhaustedError{baseError: newBaseErr(otherErr)}
}

func NewExhaustedErrorf(format string, args ...interface{}) error {
	return NewExhaustedError(errors.Errorf(format, args...))
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

// TransientError marks a failure worth retrying: network resets, 5xx
// responses, flaky backends.
type TransientError struct {
	*baseError
}

// PermanentError marks a failure that retrying cannot fix: validation,
// authorization, malformed payloads. The node fails immediately.
type PermanentError struct {
	*baseError
}

// TimeoutError marks a node that exceeded its deadline. Timeouts count as
// retryable, but keep their own kind in the node's failure record.
type TimeoutError struct {
	*baseError
}

// CancelledError marks work abandoned because the run (or a dependency
// branch) was cancelled.
type CancelledError struct {
	*baseError
}

// ExhaustedError marks a failure caused by resource protection: connector
// pool or rate-limit wait timed out, or a circuit breaker is open.
type ExhaustedError struct {
	*baseError
}

// Classify maps an error onto the failure taxonomy, looking through
// errors.Trace wrapping. Unknown errors are treated as permanent so that
// bugs fail loudly instead of spinning retries.
func Classify(err error) FailureKind {
	for err != nil {
		switch e := err.(type) {
		case *TransientError:
			return FailureTransient
		case *PermanentError:
			return FailurePermanent
		case *TimeoutError:
			return FailureTimeout
		case *CancelledError:
			return FailureCancelled
		case *ExhaustedError:
			return FailureExhausted
		case *ConnectorError:
			return e.Kind
		}
		err = errors.Unwrap(err)
	}
	return FailurePermanent
}

// IsClassified reports whether the error already carries a taxonomy kind
// somewhere in its chain. Unclassified errors may be reinterpreted by the
// executor, e.g. as a timeout when the node's deadline elapsed.
func IsClassified(err error) bool {
	for err != nil {
		switch err.(type) {
		case *TransientError, *PermanentError, *TimeoutError,
			*CancelledError, *ExhaustedError, *ConnectorError:
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Retryable reports whether the engine may retry a failure of this kind,
// subject to the node's retry budget.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureTimeout || k == FailureExhausted
}

// Cause returns the innermost error behind trace and taxonomy wrappers.
func Cause(err error) error {
	for {
		if ue, ok := err.(wrappedErr); ok {
			if inner := ue.UnwrapLocal(); inner != nil && inner != err {
				err = inner
				continue
			}
		}
		inner := errors.Unwrap(err)
		if inner == nil || inner == err {
			return err
		}
		err = inner
	}
}

// GraphError rejects a malformed workflow artifact at submission time.
// A run is never created for a graph that fails validation.
type GraphError struct {
	Graph   string
	Details []string
}

func NewGraphError(graph string, details ...string) *GraphError {
	return &GraphError{Graph: graph, Details: details}
}

func (e *GraphError) Add(format string, args ...interface{}) {
	e.Details = append(e.Details, fmt.Sprintf(format, args...))
}

func (e *GraphError) HasDetails() bool {
	return len(e.Details) > 0
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("invalid workflow graph %q: %s", e.Graph, strings.Join(e.Details, "; "))
}

// ConnectorError carries the failure classification of one connector call.
type ConnectorError struct {
	Connector string
	Target    string
	Operation string
	Kind      FailureKind
	Cause     error
}

func NewConnectorError(connector, target, operation string, kind FailureKind, cause error) *ConnectorError {
	return &ConnectorError{
		Connector: connector,
		Target:    target,
		Operation: operation,
		Kind:      kind,
		Cause:     cause,
	}
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector %s(%s) %s: %s failure: %v",
		e.Connector, e.Target, e.Operation, e.Kind, e.Cause)
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}
