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
	ErrCodeUntrusted    ErrorCode = "UNTRUSTED_FINGERPRINT"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Pairing. The lowercase values are the wire-level reason strings the
	// pairing protocol has always used; they must stay stable.
	ErrCodeNoActiveToken        ErrorCode = "no_active_token"
	ErrCodeTokenExpired         ErrorCode = "token_expired"
	ErrCodeInvalidToken         ErrorCode = "invalid_token"
	ErrCodeSessionNotFound      ErrorCode = "session_not_found"
	ErrCodeSessionExpired       ErrorCode = "session_expired"
	ErrCodePending              ErrorCode = "pending"
	ErrCodeAuthValidationFailed ErrorCode = "auth_validation_failed"

	// Transport
	ErrCodeFingerprintMismatch ErrorCode = "FINGERPRINT_MISMATCH"
	ErrCodeProtocolViolation   ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeChannelClosed       ErrorCode = "CHANNEL_CLOSED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
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

func UntrustedFingerprint(fingerprint string) *AppError {
	return New(ErrCodeUntrusted, "Caller fingerprint is not in the trust store").
		WithDetails(map[string]string{"fingerprint": fingerprint})
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
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

func NoActiveToken() *AppError {
	return New(ErrCodeNoActiveToken, "No pairing token is active")
}

func TokenExpired() *AppError {
	return New(ErrCodeTokenExpired, "Pairing token has expired")
}

func InvalidToken() *AppError {
	return New(ErrCodeInvalidToken, "Pairing token does not match")
}

func SessionNotFound() *AppError {
	return New(ErrCodeSessionNotFound, "Pairing session not found")
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "Pairing session has expired")
}

func Pending() *AppError {
	return New(ErrCodePending, "Awaiting local confirmation")
}

func AuthValidationFailed() *AppError {
	return New(ErrCodeAuthValidationFailed, "Codes did not match")
}

func FingerprintMismatch(expected, got string) *AppError {
	return New(ErrCodeFingerprintMismatch, "Peer certificate fingerprint mismatch").
		WithDetails(map[string]string{"expected": expected, "got": got})
}

func ProtocolViolation(message string) *AppError {
	return New(ErrCodeProtocolViolation, message)
}

func ChannelClosed() *AppError {
	return New(ErrCodeChannelClosed, "Channel closed")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
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
