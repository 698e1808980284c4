package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

// AuthHandler exposes the verification protocols over HTTP.
type AuthHandler struct {
	otp         *service.OtpService
	password    *service.PasswordService
	totp        *service.TotpService
	development bool
	logger      *zap.Logger
}

func NewAuthHandler(otp *service.OtpService, password *service.PasswordService, totp *service.TotpService, development bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		otp:         otp,
		password:    password,
		totp:        totp,
		development: development,
		logger:      logger,
	}
}

// Response is the standard API envelope. Error carries a stable machine
// code; Message is human-readable.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(code, message string) Response {
	return Response{Success: false, Error: code, Message: message}
}

// RegisterRoutes mounts the auth endpoints.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/otp/request", h.RequestOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/password/signup", h.PasswordSignup)
		r.Post("/password/login", h.PasswordLogin)
		r.Post("/totp/setup", h.TotpSetup)
		r.Post("/totp/verify", h.TotpVerify)
		r.Post("/totp/login", h.TotpLogin)
	})
}

func (h *AuthHandler) clientInfo(r *http.Request) service.ClientInfo {
	// RemoteAddr reflects the first X-Forwarded-For hop via the RealIP
	// middleware.
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.ClientInfo{IP: ip, UserAgent: r.UserAgent()}
}

type otpRequestPayload struct {
	Channel string `json:"channel"`
	Value   string `json:"value"`
}

func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var payload otpRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid request body")
		return
	}

	result, err := h.otp.RequestChallenge(r.Context(), payload.Channel, payload.Value, h.clientInfo(r))
	if err != nil {
		h.handleServiceError(w, err, "Failed to request verification code")
		return
	}

	data := map[string]interface{}{
		"challengeId":      result.ChallengeID,
		"maskedIdentifier": result.MaskedIdentifier,
		"expiresInSeconds": result.ExpiresInSeconds,
		"resendInSeconds":  result.ResendInSeconds,
		"status":           "OTP_SENT",
	}
	if result.DebugCode != "" {
		data["debugCode"] = result.DebugCode
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(data, "Verification code sent"))
}

type otpVerifyPayload struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var payload otpVerifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid request body")
		return
	}

	result, err := h.otp.VerifyChallenge(r.Context(), payload.ChallengeID, payload.Code, h.clientInfo(r))
	if err != nil {
		h.handleServiceError(w, err, "Failed to verify code")
		return
	}

	status := "VERIFIED"
	if result.UserCreated {
		status = "ACCOUNT_CREATED"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"userId": result.UserID,
		"status": status,
	}, "Identifier verified"))
}

type passwordPayload struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *AuthHandler) PasswordSignup(w http.ResponseWriter, r *http.Request) {
	var payload passwordPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid request body")
		return
	}

	result, err := h.password.Signup(r.Context(), payload.Identifier, payload.Password, h.clientInfo(r))
	if err != nil {
		h.handleServiceError(w, err, "Failed to create account")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"userId":           result.UserID,
		"maskedIdentifier": result.MaskedIdentifier,
		"totpEnabled":      false,
		"status":           "ACCOUNT_CREATED",
	}, "Account created"))
}

func (h *AuthHandler) PasswordLogin(w http.ResponseWriter, r *http.Request) {
	var payload passwordPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid request body")
		return
	}

	result, err := h.password.Login(r.Context(), payload.Identifier, payload.Password, h.clientInfo(r))
	if err != nil {
		h.handleServiceError(w, err, "Failed to authenticate")
		return
	}

	data := map[string]interface{}{
		"userId":           result.UserID,
		"maskedIdentifier": result.MaskedIdentifier,
		"totpEnabled":      result.TotpEnabled,
		"status":           "AUTHENTICATED",
	}
	if result.SessionID != nil {
		data["sessionId"] = *result.SessionID
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(data, "Authenticated"))
}

type totpSetupPayload struct {
	Identifier string `json:"identifier"`
}

func (h *AuthHandler) TotpSetup(w http.ResponseWriter, r *http.Request) {
	var payload totpSetupPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid request body")
		return
	}

	result, err := h.totp.Setup(r.Context(), payload.Identifier, h.clientInfo(r))
	if err != nil {
		h.handleServiceError(w, err, "Failed to start authenticator enrollment")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"credentialId":     result.CredentialID,
		"issuer":           result.Issuer,
		"label":            result.Label,
		"otpauthUri":       result.OtpauthURI,
		"qrCodeDataUrl":    result.QRCodeDataURL,
		"secret":           result.Secret,
		"maskedIdentifier": result.MaskedIdentifier,
		"status":           "SETUP_CREATED",
	}, "Authenticator enrollment started"))
}

type totpVerifyPayload struct {
	CredentialID string `json:"credentialId"`
	Code         string `json:"code"`
	Password     string `json:"password,omitempty"`
}

func (h *AuthHandler) TotpVerify(w http.ResponseWriter, r *http.Request) {
	var payload totpVerifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid request body")
		return
	}

	result, err := h.totp.VerifyAndActivate(r.Context(), payload.CredentialID, payload.Code, payload.Password, h.clientInfo(r))
	if err != nil {
		h.handleServiceError(w, err, "Failed to activate authenticator")
		return
	}

	status := "VERIFIED"
	if result.UserCreated {
		status = "ACCOUNT_CREATED"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"userId": result.UserID,
		"status": status,
	}, "Authenticator activated"))
}

type totpLoginPayload struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

func (h *AuthHandler) TotpLogin(w http.ResponseWriter, r *http.Request) {
	var payload totpLoginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid request body")
		return
	}

	result, err := h.totp.Login(r.Context(), payload.SessionID, payload.Code, h.clientInfo(r))
	if err != nil {
		h.handleServiceError(w, err, "Failed to authenticate")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"userId": result.UserID,
		"status": "AUTHENTICATED",
	}, "Authenticated"))
}

// handleServiceError maps domain outcomes to stable response codes.
// Unrecognized errors are logged and collapsed so internals never leak.
func (h *AuthHandler) handleServiceError(w http.ResponseWriter, err error, message string) {
	if retryAfter, ok := service.IsRateLimited(err); ok {
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		resp := errorResponse("RATE_LIMITED", "Too many attempts")
		if retryAfter > 0 {
			resp.Data = map[string]interface{}{"retryAfterSeconds": retryAfter}
		}
		h.respondWithJSON(w, http.StatusTooManyRequests, resp)
		return
	}

	statusCode, code := codeForError(err)
	if statusCode == http.StatusInternalServerError && code == "INTERNAL_ERROR" {
		h.logger.Error("Unhandled service error", util.ErrorField(err))
		if h.development {
			message = err.Error()
		}
	}
	h.respondWithError(w, statusCode, code, message)
}

func codeForError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidPayload), errors.Is(err, service.ErrInvalidPassword):
		return http.StatusBadRequest, "INVALID_PAYLOAD"
	case errors.Is(err, service.ErrInvalidIdentifier):
		return http.StatusBadRequest, "INVALID_IDENTIFIER"
	case errors.Is(err, service.ErrOTPExpired):
		return http.StatusBadRequest, "OTP_EXPIRED"
	case errors.Is(err, service.ErrOTPInvalid):
		return http.StatusBadRequest, "OTP_INVALID"
	case errors.Is(err, service.ErrTOTPInvalid):
		return http.StatusBadRequest, "TOTP_INVALID"
	case errors.Is(err, service.ErrTOTPReplayed):
		return http.StatusBadRequest, "TOTP_REPLAYED"
	case errors.Is(err, service.ErrPasswordRequired):
		return http.StatusBadRequest, "PASSWORD_REQUIRED"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS"
	case errors.Is(err, service.ErrSessionInvalid):
		return http.StatusUnauthorized, "SESSION_INVALID"
	case errors.Is(err, service.ErrSessionExpired):
		return http.StatusUnauthorized, "SESSION_EXPIRED"
	case errors.Is(err, service.ErrCredentialDisabled):
		return http.StatusForbidden, "CREDENTIAL_DISABLED"
	case errors.Is(err, service.ErrChallengeNotFound):
		return http.StatusNotFound, "CHALLENGE_NOT_FOUND"
	case errors.Is(err, service.ErrCredentialNotFound):
		return http.StatusNotFound, "CREDENTIAL_NOT_FOUND"
	case errors.Is(err, service.ErrTOTPNotConfigured):
		return http.StatusNotFound, "TOTP_NOT_CONFIGURED"
	case errors.Is(err, service.ErrCredentialCorrupted):
		return http.StatusInternalServerError, "CREDENTIAL_CORRUPTED"
	case errors.Is(err, service.ErrDeliveryNotConfigured):
		return http.StatusServiceUnavailable, "DELIVERY_NOT_CONFIGURED"
	case errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusServiceUnavailable, "DELIVERY_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	h.logger.Warn("HTTP error response",
		util.String("code", code),
		util.Int("status_code", statusCode),
	)
	h.respondWithJSON(w, statusCode, errorResponse(code, message))
}
