package errors

import (
	"errors"
	"fmt"
)

// Code classifies an error the way the wire protocol does. The sync engine
// routes on codes, never on concrete error types.
type Code string

const (
	CodeOK                 Code = "OK"
	CodeCancelled          Code = "CANCELLED"
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeAborted            Code = "ABORTED"
	CodeOutOfRange         Code = "OUT_OF_RANGE"
	CodeUnimplemented      Code = "UNIMPLEMENTED"
	CodeInternal           Code = "INTERNAL"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeDataLoss           Code = "DATA_LOSS"

	// CodeStorageUnavailable wraps local persistence failures. It is kept
	// distinct from the wire codes so the engine can degrade network
	// operation instead of surfacing a user-visible error.
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// Common sentinel errors
var (
	ErrClientTerminated = errors.New("client has already been terminated")
	ErrLostPrimaryLease = errors.New("this client lost its primary lease")
	ErrUserChanged      = errors.New("pending writes rejected due to a user change")
)

// SyncError is the error type carried across the engine. It pairs a Code
// with a human-readable message and an optional cause.
type SyncError struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// New creates a SyncError with the given code
func New(code Code, message string) *SyncError {
	return &SyncError{Code: code, Message: message}
}

// Newf creates a SyncError with a formatted message
func Newf(code Code, format string, args ...interface{}) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches the underlying cause
func (e *SyncError) WithCause(cause error) *SyncError {
	e.Cause = cause
	return e
}

// WithDetail attaches a detail field
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common constructors

// NewInvalidArgument reports API misuse. Fatal to the call, not the client.
func NewInvalidArgument(format string, args ...interface{}) *SyncError {
	return Newf(CodeInvalidArgument, format, args...)
}

// NewFailedPrecondition reports a violated state assumption.
func NewFailedPrecondition(format string, args ...interface{}) *SyncError {
	return Newf(CodeFailedPrecondition, format, args...)
}

// NewUnavailable reports a transient transport failure.
func NewUnavailable(format string, args ...interface{}) *SyncError {
	return Newf(CodeUnavailable, format, args...)
}

// NewAborted reports a concurrency conflict (e.g. transaction contention).
func NewAborted(format string, args ...interface{}) *SyncError {
	return Newf(CodeAborted, format, args...)
}

// NewStorageUnavailable wraps a persistence-layer failure.
func NewStorageUnavailable(cause error) *SyncError {
	return New(CodeStorageUnavailable, "local persistence is unavailable").WithCause(cause)
}

// CodeOf extracts the Code from any error. Unclassified errors map to
// CodeUnknown, nil maps to CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, ErrLostPrimaryLease) {
		return CodeFailedPrecondition
	}
	return CodeUnknown
}

// IsStorageUnavailable reports whether err wraps a persistence failure.
func IsStorageUnavailable(err error) bool {
	return CodeOf(err) == CodeStorageUnavailable
}

// IsPermanentError reports whether a stream should treat err as permanent
// rather than retry it with backoff. The inverse of the retryable set used
// for watch/write streams.
func IsPermanentError(err error) bool {
	switch CodeOf(err) {
	case CodeCancelled, CodeUnknown, CodeDeadlineExceeded, CodeResourceExhausted,
		CodeInternal, CodeUnavailable, CodeUnauthenticated, CodeAborted:
		// Unauthenticated means the token expired; the stream restarts with
		// a fresh token rather than failing the client.
		return false
	case CodeStorageUnavailable:
		return false
	default:
		return true
	}
}

// IsPermanentWriteError is IsPermanentError with the write-handshake
// exception: Aborted on the handshake means the stream token is stale and a
// clean retry (without backoff) is required, so it stays non-permanent there
// and permanent everywhere else in the write pipeline.
func IsPermanentWriteError(err error) bool {
	return IsPermanentError(err) && CodeOf(err) != CodeAborted
}

// RequiresTokenRefresh reports whether the credentials should be invalidated
// before the next retry.
func RequiresTokenRefresh(err error) bool {
	return CodeOf(err) == CodeUnauthenticated
}

// FromServerStatus converts a wire status (code string + message) into a
// SyncError.
func FromServerStatus(code string, message string) *SyncError {
	c := Code(code)
	switch c {
	case CodeOK:
		return nil
	case CodeCancelled, CodeUnknown, CodeInvalidArgument, CodeDeadlineExceeded,
		CodeNotFound, CodeAlreadyExists, CodePermissionDenied, CodeUnauthenticated,
		CodeResourceExhausted, CodeFailedPrecondition, CodeAborted, CodeOutOfRange,
		CodeUnimplemented, CodeInternal, CodeUnavailable, CodeDataLoss:
		return New(c, message)
	default:
		return New(CodeUnknown, message).WithDetail("server_code", code)
	}
}
