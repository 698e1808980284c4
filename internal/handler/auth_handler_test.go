package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/service"
)

func TestCodeForError(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{service.ErrInvalidPayload, http.StatusBadRequest, "INVALID_PAYLOAD"},
		{service.ErrInvalidPassword, http.StatusBadRequest, "INVALID_PAYLOAD"},
		{service.ErrInvalidIdentifier, http.StatusBadRequest, "INVALID_IDENTIFIER"},
		{service.ErrOTPExpired, http.StatusBadRequest, "OTP_EXPIRED"},
		{service.ErrOTPInvalid, http.StatusBadRequest, "OTP_INVALID"},
		{service.ErrTOTPInvalid, http.StatusBadRequest, "TOTP_INVALID"},
		{service.ErrTOTPReplayed, http.StatusBadRequest, "TOTP_REPLAYED"},
		{service.ErrPasswordRequired, http.StatusBadRequest, "PASSWORD_REQUIRED"},
		{service.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{service.ErrSessionInvalid, http.StatusUnauthorized, "SESSION_INVALID"},
		{service.ErrSessionExpired, http.StatusUnauthorized, "SESSION_EXPIRED"},
		{service.ErrCredentialDisabled, http.StatusForbidden, "CREDENTIAL_DISABLED"},
		{service.ErrChallengeNotFound, http.StatusNotFound, "CHALLENGE_NOT_FOUND"},
		{service.ErrCredentialNotFound, http.StatusNotFound, "CREDENTIAL_NOT_FOUND"},
		{service.ErrTOTPNotConfigured, http.StatusNotFound, "TOTP_NOT_CONFIGURED"},
		{service.ErrCredentialCorrupted, http.StatusInternalServerError, "CREDENTIAL_CORRUPTED"},
		{service.ErrDeliveryNotConfigured, http.StatusServiceUnavailable, "DELIVERY_NOT_CONFIGURED"},
		{service.ErrDeliveryFailed, http.StatusServiceUnavailable, "DELIVERY_FAILED"},
		{assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		status, code := codeForError(tc.err)
		assert.Equal(t, tc.wantStatus, status, tc.wantCode)
		assert.Equal(t, tc.wantCode, code)
	}
}

func TestRateLimitedResponseIncludesRetryAfter(t *testing.T) {
	h := NewAuthHandler(nil, nil, nil, false, zap.NewNop())
	rec := httptest.NewRecorder()

	h.handleServiceError(rec, &service.RateLimitedError{RetryAfterSeconds: 30}, "Too many attempts")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"RATE_LIMITED"`)
	assert.Contains(t, rec.Body.String(), `"retryAfterSeconds":30`)
}

func TestInvalidJSONBodyRejected(t *testing.T) {
	h := NewAuthHandler(nil, nil, nil, false, zap.NewNop())
	router := NewRouter(h, nil, zap.NewNop())

	endpoints := []string{
		"/api/v1/auth/otp/request",
		"/api/v1/auth/otp/verify",
		"/api/v1/auth/password/signup",
		"/api/v1/auth/password/login",
		"/api/v1/auth/totp/setup",
		"/api/v1/auth/totp/verify",
		"/api/v1/auth/totp/login",
	}
	for _, path := range endpoints {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "INVALID_PAYLOAD", path)
	}
}

func TestRouterHealthAndFallbacks(t *testing.T) {
	h := NewAuthHandler(nil, nil, nil, false, zap.NewNop())
	router := NewRouter(h, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/auth/otp/request", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUnhealthyBackendReported(t *testing.T) {
	h := NewAuthHandler(nil, nil, nil, false, zap.NewNop())
	router := NewRouter(h, func(*http.Request) error { return assert.AnError }, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
