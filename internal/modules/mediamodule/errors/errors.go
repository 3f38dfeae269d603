// Package errors provides structured error handling for the media module.
// Every failure that crosses a component boundary is a *MediaError carrying
// one of the ErrorType kinds below, so the gateway can report a single kind
// plus a readable message without exposing process output.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies failures for callers and the HTTP layer
type ErrorType string

const (
	// ErrorTypeValidation indicates a bad declared size or content type
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInvalidState indicates a session state machine violation
	ErrorTypeInvalidState ErrorType = "invalid_state"
	// ErrorTypeIncompleteUpload indicates one or more chunks are missing
	ErrorTypeIncompleteUpload ErrorType = "incomplete_upload"
	// ErrorTypeUnprobableMedia indicates the prober failed or found no audio
	ErrorTypeUnprobableMedia ErrorType = "unprobable_media"
	// ErrorTypeEncode indicates the encoder exited non-zero or timed out
	ErrorTypeEncode ErrorType = "encode"
	// ErrorTypeStorage indicates an object store failure
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeNotFound indicates an unknown session or object
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeUnavailable indicates a required external tool is missing
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeInternal indicates internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Sentinel errors for common scenarios
var (
	// ErrSessionNotFound indicates a session ID doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates duplicate session creation attempt
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidTransition indicates a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMissingChunks indicates reassembly found gaps in the chunk sequence
	ErrMissingChunks = errors.New("missing chunks")

	// ErrNoAudioStream indicates the probed file carries no audio stream
	ErrNoAudioStream = errors.New("no audio stream found")

	// ErrProberUnavailable indicates ffprobe cannot be executed
	ErrProberUnavailable = errors.New("media prober unavailable")

	// ErrObjectNotFound indicates a key doesn't exist in the object store
	ErrObjectNotFound = errors.New("object not found")

	// ErrTimeout indicates an external process exceeded its deadline
	ErrTimeout = errors.New("operation timed out")
)

// MediaError provides structured error information with context
type MediaError struct {
	Type      ErrorType              // Error classification
	Op        string                 // Operation that failed (e.g., "initialize", "encode_quality")
	SessionID string                 // Related session ID if applicable
	Err       error                  // Underlying error
	Details   map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *MediaError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s error in %s for session %s: %v", e.Type, e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Type, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *MediaError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for sentinel errors
func (e *MediaError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// New creates a new MediaError
func New(errType ErrorType, op string, err error) *MediaError {
	return &MediaError{
		Type:    errType,
		Op:      op,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithSession adds session context to the error
func (e *MediaError) WithSession(sessionID string) *MediaError {
	e.SessionID = sessionID
	return e
}

// WithDetail adds a key-value detail to the error
func (e *MediaError) WithDetail(key string, value interface{}) *MediaError {
	e.Details[key] = value
	return e
}

// Retryable reports whether the operation might succeed if repeated.
// Only storage failures qualify; a bad input will not encode on retry.
func (e *MediaError) Retryable() bool {
	return e.Type == ErrorTypeStorage && !errors.Is(e.Err, ErrObjectNotFound)
}

// EncodeError describes a failed external encoder run
type EncodeError struct {
	ExitCode   int
	StderrTail string
}

func (e *EncodeError) Error() string {
	if e.ExitCode < 0 {
		return "encoder killed after timeout"
	}
	return fmt.Sprintf("encoder exited with code %d", e.ExitCode)
}

// MaxStderrTail bounds how much process output is kept on an EncodeError
const MaxStderrTail = 2048

// Tail returns the last MaxStderrTail bytes of process output
func Tail(output []byte) string {
	if len(output) > MaxStderrTail {
		output = output[len(output)-MaxStderrTail:]
	}
	return strings.TrimSpace(string(output))
}

// Error creation helpers

// ValidationError creates a validation error
func ValidationError(op string, err error) *MediaError {
	return New(ErrorTypeValidation, op, err)
}

// InvalidStateError creates a state machine violation error
func InvalidStateError(op string, err error) *MediaError {
	return New(ErrorTypeInvalidState, op, err)
}

// IncompleteUploadError creates an error listing the missing chunk indices
func IncompleteUploadError(op string, missing []int) *MediaError {
	return New(ErrorTypeIncompleteUpload, op, fmt.Errorf("%w: %v", ErrMissingChunks, missing)).
		WithDetail("missing", missing)
}

// UnprobableMediaError creates a probe failure error
func UnprobableMediaError(op string, err error) *MediaError {
	return New(ErrorTypeUnprobableMedia, op, err)
}

// EncodeFailure wraps an EncodeError with operation context
func EncodeFailure(op string, cause *EncodeError) *MediaError {
	return New(ErrorTypeEncode, op, cause).WithDetail("exit_code", cause.ExitCode)
}

// StorageError creates a storage-related error
func StorageError(op string, err error) *MediaError {
	return New(ErrorTypeStorage, op, err)
}

// NotFoundError creates a lookup failure error
func NotFoundError(op string, err error) *MediaError {
	return New(ErrorTypeNotFound, op, err)
}

// UnavailableError creates an error for a missing external dependency
func UnavailableError(op string, err error) *MediaError {
	return New(ErrorTypeUnavailable, op, err)
}

// InternalError creates an internal system error
func InternalError(op string, err error) *MediaError {
	return New(ErrorTypeInternal, op, err)
}

// Wrap wraps an error with operation context if it's not already a MediaError
func Wrap(err error, errType ErrorType, op string) error {
	if err == nil {
		return nil
	}

	var mErr *MediaError
	if errors.As(err, &mErr) {
		return err
	}

	return New(errType, op, err)
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var mErr *MediaError
	if errors.As(err, &mErr) {
		return mErr.Type
	}
	return ErrorTypeInternal
}

// GetOperation extracts the operation from an error
func GetOperation(err error) string {
	var mErr *MediaError
	if errors.As(err, &mErr) {
		return mErr.Op
	}
	return "unknown"
}

// IsType reports whether err is a MediaError of the given type
func IsType(err error, errType ErrorType) bool {
	var mErr *MediaError
	return errors.As(err, &mErr) && mErr.Type == errType
}

// IsRetryable reports whether err is a transient failure worth repeating
func IsRetryable(err error) bool {
	var mErr *MediaError
	if errors.As(err, &mErr) {
		return mErr.Retryable()
	}
	return false
}
