package service

import (
	"regexp"
	"time"
)

// Protocol constants shared by the verification flows.
const (
	OTPLifetime    = 5 * time.Minute
	OTPResendAfter = 30 * time.Second
	OTPMaxAttempts = 5

	// Per-identifier request budget over the trailing window.
	OTPRateWindow      = 5 * time.Minute
	OTPMaxRequests     = 3
	OTPRetryAfterHint  = 30

	TOTPMaxFailures     = 5
	TOTPLockoutDuration = 120 * time.Second

	PasswordMinLength = 10
	PasswordMaxLength = 128

	SessionLifetime = 5 * time.Minute

	ConsentPurpose       = "SELF_AUDIT"
	ConsentPolicyVersion = "v1"

	userAgentMaxLength = 512
)

var otpCodePattern = regexp.MustCompile(`^\d{6}$`)

// ClientInfo is the request provenance captured at the boundary. The raw
// IP is hashed before storage; the user agent is truncated.
type ClientInfo struct {
	IP        string
	UserAgent string
}

func truncateUserAgent(ua string) *string {
	if ua == "" {
		return nil
	}
	if len(ua) > userAgentMaxLength {
		ua = ua[:userAgentMaxLength]
	}
	return &ua
}

func validPasswordLength(password string) bool {
	return len(password) >= PasswordMinLength && len(password) <= PasswordMaxLength
}
