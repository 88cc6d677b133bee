// Package errors provides structured error types for Lens.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by how a caller should react to them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryConflict   ErrorCategory = "CONFLICT"
	ErrCategoryNotFound   ErrorCategory = "NOT_FOUND"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryBackend    ErrorCategory = "BACKEND"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidName      = "INVALID_NAME"
	CodeInvalidIndexType = "INVALID_INDEX_TYPE"
	CodeInvalidLength    = "INVALID_LENGTH"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeNoGroupFields    = "NO_GROUP_FIELDS"

	// Conflict codes
	CodeSinkExists  = "SINK_EXISTS"
	CodeIndexExists = "INDEX_EXISTS"
	CodeGroupExists = "GROUP_EXISTS"

	// CodeDefinitionsChanged means indexes or groups were defined while a
	// row was being brought up to date; the row is left dirty.
	CodeDefinitionsChanged = "DEFINITIONS_CHANGED"

	// Not found codes
	CodeSinkNotFound   = "SINK_NOT_FOUND"
	CodeIndexNotFound  = "INDEX_NOT_FOUND"
	CodeGroupNotFound  = "GROUP_NOT_FOUND"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Schema codes
	CodeApplyFailed = "APPLY_FAILED"

	// Backend codes
	CodeBusy         = "BUSY"
	CodeCommitFailed = "COMMIT_FAILED"
	CodeQueryFailed  = "QUERY_FAILED"

	// Storage codes
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// LensError is the structured error type used throughout the system.
type LensError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *LensError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *LensError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *LensError) Is(target error) bool {
	var t *LensError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new LensError.
func New(category ErrorCategory, code, message string) *LensError {
	return &LensError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new LensError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *LensError {
	return &LensError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *LensError) WithDetails(details map[string]interface{}) *LensError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var le *LensError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a LensError.
func GetCategory(err error) ErrorCategory {
	var le *LensError
	if errors.As(err, &le) {
		return le.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a LensError.
func GetCode(err error) string {
	var le *LensError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// GetMessage returns the user-facing message of the first LensError in the
// chain, or err.Error() for other errors.
func GetMessage(err error) string {
	var le *LensError
	if errors.As(err, &le) {
		return le.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return GetCategory(err) == ErrCategoryValidation }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return GetCategory(err) == ErrCategoryConflict }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return GetCategory(err) == ErrCategoryNotFound }

// isRetryable determines if an error code is retryable. Only transient
// backend conditions qualify; a conflict is a final answer.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryBackend && code == CodeBusy:
		return true
	case category == ErrCategoryBackend && code == CodeCommitFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *LensError {
	return New(ErrCategoryValidation, code, message)
}

func NewConflictError(code, message string) *LensError {
	return New(ErrCategoryConflict, code, message)
}

func NewNotFoundError(code, message string) *LensError {
	return New(ErrCategoryNotFound, code, message)
}

func NewSchemaError(message string, cause error) *LensError {
	return Wrap(ErrCategorySchema, CodeApplyFailed, message, cause)
}

func NewBackendError(code, message string, cause error) *LensError {
	return Wrap(ErrCategoryBackend, code, message, cause)
}

func NewStorageError(code, message string, cause error) *LensError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *LensError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
