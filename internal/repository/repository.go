package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/identifier"
	"identity-service/internal/model"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("record already exists")
	ErrStaleCounter = errors.New("counter changed concurrently")
)

// Transactor runs fn atomically. Repository calls made with the context
// passed to fn join the same transaction.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IdentifierRepository stores hashed contact identifiers.
type IdentifierRepository interface {
	// GetOrCreate returns the row for (kind, valueHash), inserting an
	// unowned one if none exists.
	GetOrCreate(ctx context.Context, kind identifier.Kind, valueHash, valueMasked string) (*model.VerifiedIdentifier, error)
	FindByHash(ctx context.Context, kind identifier.Kind, valueHash string) (*model.VerifiedIdentifier, error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.VerifiedIdentifier, error)
	// BindToUser sets the owner and verification time. Fails with
	// ErrDuplicate if the identifier already belongs to another user.
	BindToUser(ctx context.Context, id, userID uuid.UUID, verifiedAt time.Time) error
}

type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// FindByIDForUpdate locks the row for the enclosing transaction.
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.User, error)
	SetPassword(ctx context.Context, id uuid.UUID, hash, salt string, setAt time.Time) error
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ChallengeRepository interface {
	Create(ctx context.Context, ch *model.OtpChallenge) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.OtpChallenge, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.OtpChallenge, error)
	// IncrementAttempts is a compare-and-set on the attempt counter:
	// it only applies when the stored counter still equals prevAttempts,
	// otherwise ErrStaleCounter.
	IncrementAttempts(ctx context.Context, id uuid.UUID, prevAttempts int) error
	SetStatus(ctx context.Context, id uuid.UUID, status model.ChallengeStatus, at time.Time) error
	ExpirePending(ctx context.Context, identifierID uuid.UUID, before time.Time) error
}

type TotpRepository interface {
	Create(ctx context.Context, cred *model.TotpCredential) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.TotpCredential, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.TotpCredential, error)
	// FindActiveByIdentifier returns the ACTIVE credential for the
	// identifier, or ErrNotFound.
	FindActiveByIdentifier(ctx context.Context, identifierID uuid.UUID) (*model.TotpCredential, error)
	Activate(ctx context.Context, id uuid.UUID, lastUsedStep int64, verifiedAt time.Time) error
	// RecordFailure writes the failure counter, conditioned on the
	// previously read value. lockedUntil is set when the failure run
	// reaches the lockout threshold.
	RecordFailure(ctx context.Context, id uuid.UUID, prevFailed, newFailed int, lockedUntil *time.Time) error
	// RecordSuccess advances the replay watermark and clears the
	// failure counter and lock.
	RecordSuccess(ctx context.Context, id uuid.UUID, lastUsedStep int64) error
	DisablePending(ctx context.Context, identifierID uuid.UUID) error
}

// AuditRepository covers the append-only side records written alongside
// successful verifications and logins.
type AuditRepository interface {
	CreateConsentProof(ctx context.Context, proof *model.ConsentProof) error
	UpsertAuditScope(ctx context.Context, scope *model.AuditScope) error
	CreateAccessLog(ctx context.Context, entry *model.AccessLog) error
}

// SessionStore keeps short-lived auth sessions between the password and
// TOTP legs of a two-factor login.
type SessionStore interface {
	Save(ctx context.Context, session *model.AuthSession) error
	Find(ctx context.Context, id uuid.UUID) (*model.AuthSession, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// RateLimiter tracks OTP request frequency per identifier over a trailing
// window.
type RateLimiter interface {
	// CountRequests returns how many requests were recorded in the
	// trailing window ending now.
	CountRequests(ctx context.Context, key string, window time.Duration) (int, error)
	RecordRequest(ctx context.Context, key string, window time.Duration) error
}
