package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/crypto"
	"identity-service/internal/events"
	"identity-service/internal/identifier"
	"identity-service/internal/model"
	"identity-service/internal/repository"
)

// PasswordService covers email+password signup and login. Login does not
// enforce a second factor itself: when an active authenticator exists it
// hands back a pending session for the TOTP login step.
type PasswordService struct {
	hasher      *crypto.Hasher
	identifiers repository.IdentifierRepository
	users       repository.UserRepository
	totp        repository.TotpRepository
	audits      repository.AuditRepository
	sessions    repository.SessionStore
	tx          repository.Transactor
	publisher   events.Publisher
}

func NewPasswordService(
	hasher *crypto.Hasher,
	identifiers repository.IdentifierRepository,
	users repository.UserRepository,
	totp repository.TotpRepository,
	audits repository.AuditRepository,
	sessions repository.SessionStore,
	tx repository.Transactor,
	publisher events.Publisher,
) *PasswordService {
	return &PasswordService{
		hasher:      hasher,
		identifiers: identifiers,
		users:       users,
		totp:        totp,
		audits:      audits,
		sessions:    sessions,
		tx:          tx,
		publisher:   publisher,
	}
}

type SignupResult struct {
	UserID           uuid.UUID
	MaskedIdentifier string
	UserCreated      bool
}

type LoginResult struct {
	UserID           uuid.UUID
	MaskedIdentifier string
	TotpEnabled      bool
	// SessionID is set when TOTP is enabled; the caller completes login
	// through the TOTP step using it.
	SessionID *uuid.UUID
}

// Signup creates or overwrites the password credential for an email
// identifier. Re-registering an owned identifier replaces the stored
// credential rather than adding a second one.
func (s *PasswordService) Signup(ctx context.Context, emailRaw, password string, client ClientInfo) (*SignupResult, error) {
	canonical := identifier.NormalizeEmail(emailRaw)
	if !identifier.IsValidEmail(canonical) {
		return nil, ErrInvalidPayload
	}
	if !validPasswordLength(password) {
		return nil, ErrInvalidPassword
	}

	valueHash := s.hasher.HashIdentifier(string(identifier.KindEmail), canonical)
	masked := identifier.MaskEmail(canonical)

	salt, err := crypto.GeneratePasswordSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	passwordHash, err := crypto.HashPassword(password, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var result *SignupResult
	txErr := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		ident, err := s.identifiers.GetOrCreate(ctx, identifier.KindEmail, valueHash, masked)
		if err != nil {
			return fmt.Errorf("failed to upsert identifier: %w", err)
		}

		now := time.Now().UTC()
		created := false
		var userID uuid.UUID
		if ident.UserID == nil {
			user := &model.User{
				ID:            uuid.New(),
				PasswordHash:  &passwordHash,
				PasswordSalt:  &salt,
				PasswordSetAt: &now,
				CreatedAt:     now,
			}
			if err := s.users.Create(ctx, user); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			userID = user.ID
			created = true
		} else {
			userID = *ident.UserID
			if err := s.users.SetPassword(ctx, userID, passwordHash, salt, now); err != nil {
				return fmt.Errorf("failed to update password: %w", err)
			}
		}

		if err := s.identifiers.BindToUser(ctx, ident.ID, userID, now); err != nil {
			return fmt.Errorf("failed to bind identifier: %w", err)
		}

		result = &SignupResult{UserID: userID, MaskedIdentifier: masked, UserCreated: created}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.publisher.Publish(ctx, events.Event{
		Type:    events.TypePasswordSignup,
		Subject: result.UserID.String(),
	})
	return result, nil
}

// Login verifies the password and records provenance. Absent identifiers,
// unowned identifiers, missing credentials, and wrong passwords are all
// collapsed into the same rejection.
func (s *PasswordService) Login(ctx context.Context, emailRaw, password string, client ClientInfo) (*LoginResult, error) {
	canonical := identifier.NormalizeEmail(emailRaw)
	if canonical == "" || password == "" {
		return nil, ErrInvalidPayload
	}

	valueHash := s.hasher.HashIdentifier(string(identifier.KindEmail), canonical)
	ident, err := s.identifiers.FindByHash(ctx, identifier.KindEmail, valueHash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up identifier: %w", err)
	}
	if ident.UserID == nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.FindByID(ctx, *ident.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.HasPassword() {
		return nil, ErrInvalidCredentials
	}

	ok, err := crypto.VerifyPassword(password, *user.PasswordSalt, *user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	totpEnabled := false
	if _, err := s.totp.FindActiveByIdentifier(ctx, ident.ID); err == nil {
		totpEnabled = true
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to check totp credential: %w", err)
	}

	now := time.Now().UTC()
	txErr := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
			return fmt.Errorf("failed to update last login: %w", err)
		}
		entry := &model.AccessLog{
			ID:        uuid.New(),
			UserID:    user.ID,
			EventType: "PASSWORD_LOGIN_SUCCESS",
			Resource:  "auth/password",
			Metadata:  map[string]any{"totpEnabled": totpEnabled},
			CreatedAt: now,
		}
		if err := s.audits.CreateAccessLog(ctx, entry); err != nil {
			return fmt.Errorf("failed to write access log: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	result := &LoginResult{
		UserID:           user.ID,
		MaskedIdentifier: ident.ValueMasked,
		TotpEnabled:      totpEnabled,
	}

	if totpEnabled {
		session := &model.AuthSession{
			ID:           uuid.New(),
			IdentifierID: ident.ID,
			UserID:       user.ID,
			Status:       model.SessionPendingOTP,
			CreatedAt:    now,
			ExpiresAt:    now.Add(SessionLifetime),
		}
		if err := s.sessions.Save(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to create auth session: %w", err)
		}
		result.SessionID = &session.ID
	}

	s.publisher.Publish(ctx, events.Event{
		Type:     events.TypePasswordLogin,
		Subject:  user.ID.String(),
		Metadata: map[string]any{"totpEnabled": totpEnabled},
	})
	return result, nil
}
