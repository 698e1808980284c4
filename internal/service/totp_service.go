package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"identity-service/internal/crypto"
	"identity-service/internal/events"
	"identity-service/internal/identifier"
	"identity-service/internal/model"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const qrImageSize = 256

// TotpService handles authenticator enrollment and verification: setup
// issues a provisioning URI and a PENDING credential, verify-and-activate
// proves possession and finalizes the account, and session login runs the
// second factor after a password login.
type TotpService struct {
	hasher      *crypto.Hasher
	cipher      *crypto.SecretCipher
	issuer      string
	identifiers repository.IdentifierRepository
	users       repository.UserRepository
	totp        repository.TotpRepository
	audits      repository.AuditRepository
	sessions    repository.SessionStore
	tx          repository.Transactor
	publisher   events.Publisher

	// now is swappable for tests.
	now func() time.Time
}

func NewTotpService(
	hasher *crypto.Hasher,
	cipher *crypto.SecretCipher,
	issuer string,
	identifiers repository.IdentifierRepository,
	users repository.UserRepository,
	totp repository.TotpRepository,
	audits repository.AuditRepository,
	sessions repository.SessionStore,
	tx repository.Transactor,
	publisher events.Publisher,
) *TotpService {
	return &TotpService{
		hasher:      hasher,
		cipher:      cipher,
		issuer:      issuer,
		identifiers: identifiers,
		users:       users,
		totp:        totp,
		audits:      audits,
		sessions:    sessions,
		tx:          tx,
		publisher:   publisher,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type SetupResult struct {
	CredentialID     uuid.UUID
	Issuer           string
	Label            string
	OtpauthURI       string
	QRCodeDataURL    string
	Secret           string
	MaskedIdentifier string
}

// Setup enrolls a fresh secret for the email identifier. The plaintext
// secret appears in the result exactly once and is never retrievable
// afterwards; storage only holds the encrypted form.
func (s *TotpService) Setup(ctx context.Context, emailRaw string, client ClientInfo) (*SetupResult, error) {
	canonical := identifier.NormalizeEmail(emailRaw)
	if !identifier.IsValidEmail(canonical) {
		return nil, ErrInvalidIdentifier
	}

	valueHash := s.hasher.HashIdentifier(string(identifier.KindEmail), canonical)
	masked := identifier.MaskEmail(canonical)

	ident, err := s.identifiers.GetOrCreate(ctx, identifier.KindEmail, valueHash, masked)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert identifier: %w", err)
	}

	secret, err := crypto.GenerateTOTPSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	encrypted, err := s.cipher.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}

	uri := crypto.BuildOtpauthURI(s.issuer, canonical, secret)
	png, err := qrcode.Encode(uri, qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}

	now := s.now()
	cred := &model.TotpCredential{
		ID:               uuid.New(),
		IdentifierID:     ident.ID,
		Issuer:           s.issuer,
		Label:            canonical,
		Status:           model.TotpPending,
		SecretCiphertext: encrypted.Ciphertext,
		SecretIV:         encrypted.IV,
		SecretTag:        encrypted.Tag,
		CreatedAt:        now,
	}

	txErr := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		// A new enrollment supersedes any unfinished one.
		if err := s.totp.DisablePending(ctx, ident.ID); err != nil {
			return err
		}
		return s.totp.Create(ctx, cred)
	})
	if txErr != nil {
		return nil, fmt.Errorf("failed to persist totp credential: %w", txErr)
	}

	return &SetupResult{
		CredentialID:     cred.ID,
		Issuer:           s.issuer,
		Label:            canonical,
		OtpauthURI:       uri,
		QRCodeDataURL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		Secret:           secret,
		MaskedIdentifier: masked,
	}, nil
}

// VerifyAndActivate proves possession of the enrolled secret. The first
// activation may also establish the account password when the identifier
// has no credentialed owner yet.
func (s *TotpService) VerifyAndActivate(ctx context.Context, credentialIDRaw, code, password string, client ClientInfo) (*VerifyResult, error) {
	credentialID, err := uuid.Parse(strings.TrimSpace(credentialIDRaw))
	if err != nil || !otpCodePattern.MatchString(code) {
		return nil, ErrInvalidPayload
	}

	cred, err := s.totp.FindByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred.Status == model.TotpDisabled {
		return nil, ErrCredentialDisabled
	}

	// The failure counter and lockout write commit here, outside the
	// finalize transaction, so they survive the error return.
	now := s.now()
	step, err := s.checkCode(ctx, cred, code, now)
	if err != nil {
		return nil, err
	}

	var result *VerifyResult
	txErr := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		cred, err := s.totp.FindByIDForUpdate(ctx, cred.ID)
		if err != nil {
			return fmt.Errorf("failed to lock credential: %w", err)
		}
		if cred.Status == model.TotpDisabled {
			return ErrCredentialDisabled
		}
		if err := s.rejectConsumedStep(ctx, cred, step); err != nil {
			return err
		}

		ident, err := s.identifiers.FindByID(ctx, cred.IdentifierID)
		if err != nil {
			return fmt.Errorf("failed to load identifier: %w", err)
		}

		userID, created, err := s.resolveUser(ctx, ident, password, now)
		if err != nil {
			return err
		}

		if err := s.identifiers.BindToUser(ctx, ident.ID, userID, now); err != nil {
			return fmt.Errorf("failed to bind identifier: %w", err)
		}

		if cred.Status == model.TotpPending {
			if err := s.totp.Activate(ctx, cred.ID, step, now); err != nil {
				return fmt.Errorf("failed to activate credential: %w", err)
			}
		} else {
			if err := s.totp.RecordSuccess(ctx, cred.ID, step); err != nil {
				return fmt.Errorf("failed to record totp success: %w", err)
			}
		}

		if err := writeConsentRecords(ctx, s.audits, s.hasher, userID, ident.ID, client, now); err != nil {
			return err
		}

		result = &VerifyResult{UserID: userID, UserCreated: created}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.publisher.Publish(ctx, events.Event{
		Type:    events.TypeTotpEnrolled,
		Subject: result.UserID.String(),
	})
	return result, nil
}

// Login completes a pending two-factor session created by a successful
// password login.
func (s *TotpService) Login(ctx context.Context, sessionIDRaw, code string, client ClientInfo) (*VerifyResult, error) {
	sessionID, err := uuid.Parse(strings.TrimSpace(sessionIDRaw))
	if err != nil || !otpCodePattern.MatchString(code) {
		return nil, ErrInvalidPayload
	}

	session, err := s.sessions.Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := s.now()
	switch session.Status {
	case model.SessionPendingOTP:
		// proceed
	case model.SessionExpired:
		return nil, ErrSessionExpired
	default:
		return nil, ErrSessionInvalid
	}
	if !now.Before(session.ExpiresAt) {
		session.Status = model.SessionExpired
		if err := s.sessions.Save(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to expire session: %w", err)
		}
		return nil, ErrSessionExpired
	}

	cred, err := s.totp.FindActiveByIdentifier(ctx, session.IdentifierID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTOTPNotConfigured
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	// Rejection writes commit here, outside the finalize transaction.
	step, err := s.checkCode(ctx, cred, code, now)
	if err != nil {
		return nil, err
	}

	var result *VerifyResult
	txErr := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		cred, err := s.totp.FindByIDForUpdate(ctx, cred.ID)
		if err != nil {
			return fmt.Errorf("failed to lock credential: %w", err)
		}
		if err := s.rejectConsumedStep(ctx, cred, step); err != nil {
			return err
		}

		if err := s.totp.RecordSuccess(ctx, cred.ID, step); err != nil {
			return fmt.Errorf("failed to record totp success: %w", err)
		}
		if err := s.users.TouchLastLogin(ctx, session.UserID, now); err != nil {
			return fmt.Errorf("failed to update last login: %w", err)
		}

		entry := &model.AccessLog{
			ID:        uuid.New(),
			UserID:    session.UserID,
			EventType: "TOTP_LOGIN_SUCCESS",
			Resource:  "auth/totp",
			Metadata:  map[string]any{"sessionId": session.ID.String()},
			CreatedAt: now,
		}
		if err := s.audits.CreateAccessLog(ctx, entry); err != nil {
			return fmt.Errorf("failed to write access log: %w", err)
		}

		result = &VerifyResult{UserID: session.UserID}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	// The login already committed; a failed completion write only means
	// the session record lags until its TTL reaps it.
	if err := s.sessions.MarkCompleted(ctx, session.ID, now); err != nil {
		util.Get().Warn("Failed to mark session completed",
			util.String("session_id", session.ID.String()),
			util.ErrorField(err))
	}

	s.publisher.Publish(ctx, events.Event{
		Type:     events.TypeTotpLogin,
		Subject:  session.UserID.String(),
		Metadata: map[string]any{"sessionId": session.ID.String()},
	})
	return result, nil
}

// checkCode enforces lockout, decrypts the secret, and verifies the code
// within the drift window. Failures move the counter before returning so
// the stored state always reflects this attempt. Returns the matched step.
func (s *TotpService) checkCode(ctx context.Context, cred *model.TotpCredential, code string, now time.Time) (int64, error) {
	if cred.LockedUntil != nil && now.Before(*cred.LockedUntil) {
		remaining := int(cred.LockedUntil.Sub(now).Seconds()) + 1
		return 0, &RateLimitedError{RetryAfterSeconds: remaining}
	}

	secret, err := s.cipher.Decrypt(&crypto.EncryptedSecret{
		Ciphertext: cred.SecretCiphertext,
		IV:         cred.SecretIV,
		Tag:        cred.SecretTag,
	})
	if err != nil {
		return 0, ErrCredentialCorrupted
	}

	step, ok := crypto.VerifyTOTPCode(secret, code, now)
	if !ok {
		failed := cred.FailedAttempts + 1
		if failed >= TOTPMaxFailures {
			lockedUntil := now.Add(TOTPLockoutDuration)
			if err := s.recordFailure(ctx, cred, 0, &lockedUntil); err != nil {
				return 0, err
			}
			s.publisher.Publish(ctx, events.Event{
				Type:    events.TypeTotpLockout,
				Subject: cred.IdentifierID.String(),
			})
			return 0, &RateLimitedError{RetryAfterSeconds: int(TOTPLockoutDuration.Seconds())}
		}
		if err := s.recordFailure(ctx, cred, failed, nil); err != nil {
			return 0, err
		}
		return 0, ErrTOTPInvalid
	}

	if err := s.rejectConsumedStep(ctx, cred, step); err != nil {
		return 0, err
	}
	return step, nil
}

// recordFailure writes the counter, tolerating a concurrent attempt having
// already consumed the slot.
func (s *TotpService) recordFailure(ctx context.Context, cred *model.TotpCredential, newFailed int, lockedUntil *time.Time) error {
	err := s.totp.RecordFailure(ctx, cred.ID, cred.FailedAttempts, newFailed, lockedUntil)
	if err != nil && !errors.Is(err, repository.ErrStaleCounter) {
		return fmt.Errorf("failed to record totp failure: %w", err)
	}
	return nil
}

// rejectConsumedStep blocks a correct code at a step already spent, whether
// by setup verification or a previous login.
func (s *TotpService) rejectConsumedStep(ctx context.Context, cred *model.TotpCredential, step int64) error {
	if cred.LastUsedStep != nil && step <= *cred.LastUsedStep {
		s.publisher.Publish(ctx, events.Event{
			Type:    events.TypeTotpReplayBlocked,
			Subject: cred.IdentifierID.String(),
		})
		return ErrTOTPReplayed
	}
	return nil
}

// resolveUser attaches or creates the account during activation. A missing
// account or one without a password credential requires the password to be
// supplied in the same request.
func (s *TotpService) resolveUser(ctx context.Context, ident *model.VerifiedIdentifier, password string, now time.Time) (uuid.UUID, bool, error) {
	var user *model.User
	if ident.UserID != nil {
		var err error
		user, err = s.users.FindByIDForUpdate(ctx, *ident.UserID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to load user: %w", err)
		}
	}

	if user != nil && user.HasPassword() {
		if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to update last login: %w", err)
		}
		return user.ID, false, nil
	}

	if password == "" {
		return uuid.Nil, false, ErrPasswordRequired
	}
	if !validPasswordLength(password) {
		return uuid.Nil, false, ErrInvalidPassword
	}

	salt, err := crypto.GeneratePasswordSalt()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to generate salt: %w", err)
	}
	passwordHash, err := crypto.HashPassword(password, salt)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to hash password: %w", err)
	}

	if user == nil {
		created := &model.User{
			ID:            uuid.New(),
			PasswordHash:  &passwordHash,
			PasswordSalt:  &salt,
			PasswordSetAt: &now,
			LastLoginAt:   &now,
			CreatedAt:     now,
		}
		if err := s.users.Create(ctx, created); err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to create user: %w", err)
		}
		return created.ID, true, nil
	}

	if err := s.users.SetPassword(ctx, user.ID, passwordHash, salt, now); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to set password: %w", err)
	}
	if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to update last login: %w", err)
	}
	return user.ID, false, nil
}
