package service

import (
	"errors"
	"fmt"
)

// Validation and policy outcomes surfaced to the HTTP boundary. Each maps
// to a stable response code there; the services never leak store errors.
var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidPassword   = errors.New("password must be between 10 and 128 characters")

	ErrChallengeNotFound = errors.New("challenge not found")
	ErrOTPExpired        = errors.New("otp challenge expired")
	ErrOTPInvalid        = errors.New("otp code invalid")

	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrCredentialNotFound  = errors.New("totp credential not found")
	ErrCredentialDisabled  = errors.New("totp credential disabled")
	ErrCredentialCorrupted = errors.New("totp credential corrupted")
	ErrTOTPInvalid         = errors.New("totp code invalid")
	ErrTOTPReplayed        = errors.New("totp code already used")
	ErrTOTPNotConfigured   = errors.New("no active totp credential")
	ErrPasswordRequired    = errors.New("password required to complete enrollment")

	ErrSessionInvalid = errors.New("session invalid")
	ErrSessionExpired = errors.New("session expired")

	ErrDeliveryNotConfigured = errors.New("delivery not configured")
	ErrDeliveryFailed        = errors.New("delivery failed")
)

// RateLimitedError carries the advisory retry hint. RetryAfterSeconds may
// be zero when no hint applies.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
	}
	return "rate limited"
}

// IsRateLimited reports whether err is a rate-limit rejection and returns
// its retry hint.
func IsRateLimited(err error) (int, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfterSeconds, true
	}
	return 0, false
}
