// Package errors provides the error codes shared by the event store, the
// backup codec and the sync layer. Codes cross the FFI boundary as strings.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Business rule violations raised by reducers
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrDuplicate        ErrorCode = "DUPLICATE"
	ErrInvariant        ErrorCode = "INVARIANT_VIOLATION"
	ErrUnknownEventType ErrorCode = "UNKNOWN_EVENT_TYPE"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Backup errors
	ErrExportFailed        ErrorCode = "EXPORT_FAILED"
	ErrImportFailed        ErrorCode = "IMPORT_FAILED"
	ErrDecryptInvalidGhash ErrorCode = "DECRYPT_INVALID_GHASH"
	ErrDecryptUnknown      ErrorCode = "DECRYPT_UNKNOWN"

	// Sync errors
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrMissingSignaling   ErrorCode = "MISSING_SIGNALING"
	ErrIncompleteBundle   ErrorCode = "INCOMPLETE_BUNDLE"
	ErrUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
	ErrTransport          ErrorCode = "TRANSPORT_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
