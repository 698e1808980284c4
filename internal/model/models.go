package model

import (
	"time"

	"github.com/google/uuid"

	"identity-service/internal/identifier"
)

// -------------------- CHALLENGE STATUS --------------------

// ChallengeStatus tags an OTP challenge. A wrong code under the attempt
// limit keeps the challenge PENDING with an incremented counter; EXPIRED,
// RATE_LIMITED and VERIFIED are terminal.
type ChallengeStatus string

const (
	ChallengePending     ChallengeStatus = "PENDING"
	ChallengeVerified    ChallengeStatus = "VERIFIED"
	ChallengeExpired     ChallengeStatus = "EXPIRED"
	ChallengeRateLimited ChallengeStatus = "RATE_LIMITED"
)

// -------------------- TOTP STATUS --------------------

type TotpStatus string

const (
	TotpPending  TotpStatus = "PENDING"
	TotpActive   TotpStatus = "ACTIVE"
	TotpDisabled TotpStatus = "DISABLED"
)

// -------------------- SESSION STATUS --------------------

type SessionStatus string

const (
	SessionPendingOTP SessionStatus = "PENDING_OTP"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionExpired    SessionStatus = "EXPIRED"
)

// -------------------- VERIFIED IDENTIFIER --------------------

// VerifiedIdentifier is one user-claimed contact channel. Only the peppered
// hash of the canonical value is stored; (Kind, ValueHash) is globally
// unique. UserID stays nil until some protocol completes verification.
type VerifiedIdentifier struct {
	ID          uuid.UUID       `json:"id"`
	Kind        identifier.Kind `json:"kind"`
	ValueHash   string          `json:"-"`
	ValueMasked string          `json:"value_masked"`
	UserID      *uuid.UUID      `json:"user_id,omitempty"`
	VerifiedAt  *time.Time      `json:"verified_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// -------------------- OTP CHALLENGE --------------------

type OtpChallenge struct {
	ID              uuid.UUID          `json:"id"`
	IdentifierID    uuid.UUID          `json:"identifier_id"`
	Channel         identifier.Channel `json:"channel"`
	CodeHash        string             `json:"-"`
	Attempts        int                `json:"attempts"`
	MaxAttempts     int                `json:"max_attempts"`
	Status          ChallengeStatus    `json:"status"`
	ExpiresAt       time.Time          `json:"expires_at"`
	ResendAt        time.Time          `json:"resend_at"`
	RequestedIPHash *string            `json:"-"`
	UserAgent       *string            `json:"-"`
	VerifiedAt      *time.Time         `json:"verified_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// -------------------- USER --------------------

// User is created lazily the first time a protocol verifies an identifier
// with no existing owner. The password credential is optional.
type User struct {
	ID            uuid.UUID  `json:"id"`
	PasswordHash  *string    `json:"-"`
	PasswordSalt  *string    `json:"-"`
	PasswordSetAt *time.Time `json:"password_set_at,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != nil && u.PasswordSalt != nil
}

// -------------------- TOTP CREDENTIAL --------------------

// TotpCredential is one authenticator enrollment. LastUsedStep is a
// monotonic watermark: a verification resolving to a step at or below it is
// a replay regardless of code correctness.
type TotpCredential struct {
	ID               uuid.UUID  `json:"id"`
	IdentifierID     uuid.UUID  `json:"identifier_id"`
	Issuer           string     `json:"issuer"`
	Label            string     `json:"label"`
	Status           TotpStatus `json:"status"`
	SecretCiphertext string     `json:"-"`
	SecretIV         string     `json:"-"`
	SecretTag        string     `json:"-"`
	FailedAttempts   int        `json:"failed_attempts"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	LastUsedStep     *int64     `json:"-"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// -------------------- SIDE RECORDS --------------------

// ConsentProof is an append-only record of the consent captured when a
// verification completes.
type ConsentProof struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	IdentifierID  uuid.UUID `json:"identifier_id"`
	Purpose       string    `json:"purpose"`
	PolicyVersion string    `json:"policy_version"`
	IPHash        *string   `json:"-"`
	UserAgent     *string   `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

type AuditScopeStatus string

const (
	AuditScopeActive  AuditScopeStatus = "ACTIVE"
	AuditScopeRevoked AuditScopeStatus = "REVOKED"
)

// AuditScope marks ongoing consent for self-audit processing of one
// verified identifier; unique per (user, identifier).
type AuditScope struct {
	ID           uuid.UUID        `json:"id"`
	UserID       uuid.UUID        `json:"user_id"`
	IdentifierID uuid.UUID        `json:"identifier_id"`
	Status       AuditScopeStatus `json:"status"`
	RevokedAt    *time.Time       `json:"revoked_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// AccessLog is an append-only provenance record for successful logins.
type AccessLog struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	EventType string         `json:"event_type"`
	Resource  string         `json:"resource"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// -------------------- AUTH SESSION --------------------

// AuthSession is the pending-second-factor hand-off between password login
// and TOTP login. It lives in Redis with a TTL; see repository/redis.
type AuthSession struct {
	ID           uuid.UUID     `json:"id"`
	IdentifierID uuid.UUID     `json:"identifier_id"`
	UserID       uuid.UUID     `json:"user_id"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}
