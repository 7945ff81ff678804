package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Subscription not found")
		assert.Equal(t, "NOT_FOUND: Subscription not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("handshake failed")
		err := Wrap(ErrCodeFingerprintMismatch, "Fingerprint mismatch", cause)
		assert.Contains(t, err.Error(), "FINGERPRINT_MISMATCH")
		assert.Contains(t, err.Error(), "handshake failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "deliveryToken", "reason": "empty"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"UntrustedFingerprint", func() *AppError { return UntrustedFingerprint("ab12") }, ErrCodeUntrusted},
		{"NotFound", func() *AppError { return NotFound("Subscription") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("threshold", "negative") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("deliveryToken") }, ErrCodeMissingRequired},
		{"NoActiveToken", func() *AppError { return NoActiveToken() }, ErrCodeNoActiveToken},
		{"TokenExpired", func() *AppError { return TokenExpired() }, ErrCodeTokenExpired},
		{"InvalidToken", func() *AppError { return InvalidToken() }, ErrCodeInvalidToken},
		{"SessionNotFound", func() *AppError { return SessionNotFound() }, ErrCodeSessionNotFound},
		{"SessionExpired", func() *AppError { return SessionExpired() }, ErrCodeSessionExpired},
		{"Pending", func() *AppError { return Pending() }, ErrCodePending},
		{"AuthValidationFailed", func() *AppError { return AuthValidationFailed() }, ErrCodeAuthValidationFailed},
		{"ProtocolViolation", func() *AppError { return ProtocolViolation("bad frame") }, ErrCodeProtocolViolation},
		{"ChannelClosed", func() *AppError { return ChannelClosed() }, ErrCodeChannelClosed},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestPairingCodesStayLowercase(t *testing.T) {
	// these values cross the wire as rejection reasons
	assert.Equal(t, ErrorCode("no_active_token"), ErrCodeNoActiveToken)
	assert.Equal(t, ErrorCode("token_expired"), ErrCodeTokenExpired)
	assert.Equal(t, ErrorCode("invalid_token"), ErrCodeInvalidToken)
	assert.Equal(t, ErrorCode("session_not_found"), ErrCodeSessionNotFound)
	assert.Equal(t, ErrorCode("session_expired"), ErrCodeSessionExpired)
	assert.Equal(t, ErrorCode("pending"), ErrCodePending)
	assert.Equal(t, ErrorCode("auth_validation_failed"), ErrCodeAuthValidationFailed)
}

func TestIsAppError(t *testing.T) {
	t.Run("returns true for AppError", func(t *testing.T) {
		assert.True(t, IsAppError(New(ErrCodeNotFound, "test")))
	})

	t.Run("returns false for standard error", func(t *testing.T) {
		assert.False(t, IsAppError(errors.New("standard error")))
	})

	t.Run("returns true for wrapped AppError", func(t *testing.T) {
		wrapped := fmt.Errorf("outer: %w", SessionExpired())
		assert.True(t, IsAppError(wrapped))
		assert.Equal(t, ErrCodeSessionExpired, GetCode(wrapped))
	})
}
