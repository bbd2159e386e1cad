// Package errors defines the error kinds surfaced by the tablet-hosting
// control plane: admission failures, registry lookups, metadata I/O, and
// the drain timeout. Invariant violations are not modeled here — those are
// fatal and handled by logger.Fatal/panic at the call site, not returned.
package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code identifies the kind of failure.
type Code int

const (
	CodeOK Code = iota
	CodeAlreadyPresent
	CodeNotFound
	CodeServiceUnavailable
	CodeTimedOut
	CodeIOError
	CodeCorruption
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeAlreadyPresent:
		return "AlreadyPresent"
	case CodeNotFound:
		return "NotFound"
	case CodeServiceUnavailable:
		return "ServiceUnavailable"
	case CodeTimedOut:
		return "TimedOut"
	case CodeIOError:
		return "IOError"
	case CodeCorruption:
		return "Corruption"
	default:
		return "Internal"
	}
}

// TabletError is a structured error carrying a Code and optional cause and
// detail fields, for callers that need more than a string to decide how to
// react (e.g. distinguishing AlreadyPresent from a generic failure).
type TabletError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *TabletError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TabletError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key/value pair for logging or diagnostics.
func (e *TabletError) WithDetail(key string, value interface{}) *TabletError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToGRPCStatus translates a TabletError into the status an RPC layer would
// forward to its caller. No server uses this directly in this module — the
// RPC server is an external collaborator — but the mapping is the contract
// such a server would rely on.
func (e *TabletError) ToGRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Error())
}

func (e *TabletError) grpcCode() codes.Code {
	switch e.Code {
	case CodeOK:
		return codes.OK
	case CodeAlreadyPresent:
		return codes.AlreadyExists
	case CodeNotFound:
		return codes.NotFound
	case CodeServiceUnavailable:
		return codes.Unavailable
	case CodeTimedOut:
		return codes.DeadlineExceeded
	case CodeIOError:
		return codes.Unavailable
	case CodeCorruption:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

func newErr(code Code, message string, cause error) *TabletError {
	return &TabletError{Code: code, Message: message, Cause: cause}
}

// AlreadyPresent reports that a tablet_id is already registered, or that a
// create for it is already in progress.
func AlreadyPresent(tabletID string) *TabletError {
	return newErr(CodeAlreadyPresent, fmt.Sprintf("tablet already present: %s", tabletID), nil).
		WithDetail("tablet_id", tabletID)
}

// NotFound reports that a tablet_id is not registered.
func NotFound(tabletID string) *TabletError {
	return newErr(CodeNotFound, fmt.Sprintf("tablet not found: %s", tabletID), nil).
		WithDetail("tablet_id", tabletID)
}

// ServiceUnavailable reports a shutdown race or an admission rejection.
func ServiceUnavailable(message string, cause error) *TabletError {
	return newErr(CodeServiceUnavailable, message, cause)
}

// TimedOut reports a drain that did not complete within its deadline.
func TimedOut(message string, cause error) *TabletError {
	return newErr(CodeTimedOut, message, cause)
}

// IOError reports a metadata filesystem failure.
func IOError(message string, cause error) *TabletError {
	return newErr(CodeIOError, message, cause)
}

// Corruption reports a metadata record that failed to load.
func Corruption(message string, cause error) *TabletError {
	return newErr(CodeCorruption, message, cause)
}

// Internal reports an otherwise-unclassified failure.
func Internal(message string, cause error) *TabletError {
	return newErr(CodeInternal, message, cause)
}

// Is reports whether err is a *TabletError of the given code.
func Is(err error, code Code) bool {
	te, ok := err.(*TabletError)
	return ok && te.Code == code
}

// GetCode extracts the Code from an error, defaulting to CodeInternal.
func GetCode(err error) Code {
	if te, ok := err.(*TabletError); ok {
		return te.Code
	}
	return CodeInternal
}
