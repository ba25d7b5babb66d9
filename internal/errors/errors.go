// Package errors provides structured error types for the Foresight system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryIngest    ErrorCategory = "INGEST"
	ErrCategoryTransform ErrorCategory = "TRANSFORM"
	ErrCategoryTraining  ErrorCategory = "TRAINING"
	ErrCategoryRegistry  ErrorCategory = "REGISTRY"
	ErrCategoryServing   ErrorCategory = "SERVING"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Ingest codes
	CodeSourceUnavailable    = "SOURCE_UNAVAILABLE"
	CodeSourceSchemaMismatch = "SOURCE_SCHEMA_MISMATCH"

	// Transform codes
	CodeDataQualityExceeded = "DATA_QUALITY_EXCEEDED"

	// Training codes
	CodeInsufficientData = "INSUFFICIENT_DATA"
	CodeTrainingDiverged = "TRAINING_DIVERGED"

	// Registry codes
	CodeArtifactNotValidated = "ARTIFACT_NOT_VALIDATED"
	CodeNoActiveModel        = "NO_ACTIVE_MODEL"

	// Serving codes
	CodeInvalidFeatureShape = "INVALID_FEATURE_SHAPE"
	CodePredictionTimeout   = "PREDICTION_TIMEOUT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// ForesightError is the structured error type used throughout the system.
type ForesightError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *ForesightError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ForesightError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ForesightError) Is(target error) bool {
	var t *ForesightError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ForesightError.
func New(category ErrorCategory, code, message string) *ForesightError {
	return &ForesightError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new ForesightError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ForesightError {
	return &ForesightError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ForesightError) WithDetails(details map[string]interface{}) *ForesightError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var fe *ForesightError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a ForesightError.
func GetCategory(err error) ErrorCategory {
	var fe *ForesightError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a ForesightError.
func GetCode(err error) string {
	var fe *ForesightError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// isRetryable determines if an error code may be retried by the caller.
// Only transient source connectivity failures qualify; every other kind
// is surfaced as-is and never silently downgraded.
func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryIngest && code == CodeSourceUnavailable
}

// Convenience constructors for common errors.

func NewIngestError(code, message string, cause error) *ForesightError {
	return Wrap(ErrCategoryIngest, code, message, cause)
}

func NewTransformError(code, message string) *ForesightError {
	return New(ErrCategoryTransform, code, message)
}

func NewTrainingError(code, message string, cause error) *ForesightError {
	return Wrap(ErrCategoryTraining, code, message, cause)
}

func NewRegistryError(code, message string) *ForesightError {
	return New(ErrCategoryRegistry, code, message)
}

func NewServingError(code, message string) *ForesightError {
	return New(ErrCategoryServing, code, message)
}

func NewInternalError(message string, cause error) *ForesightError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
