package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict      ErrorCode = "CONFLICT"

	// Credit ledger
	ErrCodeInsufficientCredit ErrorCode = "INSUFFICIENT_CREDIT"
	ErrCodeDuplicateOperation ErrorCode = "DUPLICATE_OPERATION"
	ErrCodeAccountDisabled    ErrorCode = "ACCOUNT_DISABLED"

	// Session protocol
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Payments
	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	ErrCodeUnknownReference ErrorCode = "UNKNOWN_REFERENCE"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase            ErrorCode = "DATABASE_ERROR"
	ErrCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func AlreadyExists(resource string) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func InsufficientCredit() *AppError {
	return New(ErrCodeInsufficientCredit, "Insufficient credit")
}

// DuplicateOperation reports that a delta with the same idempotency key was
// already committed. Callers treat it as success.
func DuplicateOperation(key string) *AppError {
	return New(ErrCodeDuplicateOperation, "Operation already applied").
		WithDetails(map[string]string{"idempotencyKey": key})
}

// KeyConflict reports an idempotency key already bound to a different
// account, amount or reason. Unlike DuplicateOperation it is a failure.
func KeyConflict(key string) *AppError {
	return New(ErrCodeConflict, "Idempotency key already used by a different operation").
		WithDetails(map[string]string{"idempotencyKey": key})
}

func SessionElsewhere() *AppError {
	return New(ErrCodeConflict, "Session is served by another instance")
}

func AccountDisabled() *AppError {
	return New(ErrCodeAccountDisabled, "Account is disabled")
}

func InvalidTransition(from string, request string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("Cannot %s while session is %s", request, from))
}

func InvalidSignature() *AppError {
	return New(ErrCodeInvalidSignature, "Invalid signature")
}

func UnknownReference(reference string) *AppError {
	return New(ErrCodeUnknownReference, fmt.Sprintf("Unknown payment reference %q", reference))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func UpstreamUnavailable(service string, cause error) *AppError {
	return Wrap(ErrCodeUpstreamUnavailable, fmt.Sprintf("Upstream unavailable: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsDuplicate reports whether err is the idempotent-replay outcome of a ledger operation.
func IsDuplicate(err error) bool {
	return HasCode(err, ErrCodeDuplicateOperation)
}

// IgnoreDuplicate maps DuplicateOperation to nil and returns any other error unchanged.
func IgnoreDuplicate(err error) error {
	if IsDuplicate(err) {
		return nil
	}
	return err
}
