package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/crypto"
	"identity-service/internal/delivery"
	"identity-service/internal/events"
	"identity-service/internal/identifier"
	"identity-service/internal/model"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

// OtpService issues and verifies short-lived numeric challenges over
// email and SMS.
type OtpService struct {
	hasher      *crypto.Hasher
	identifiers repository.IdentifierRepository
	users       repository.UserRepository
	challenges  repository.ChallengeRepository
	audits      repository.AuditRepository
	limiter     repository.RateLimiter
	sender      delivery.Sender
	tx          repository.Transactor
	publisher   events.Publisher
}

func NewOtpService(
	hasher *crypto.Hasher,
	identifiers repository.IdentifierRepository,
	users repository.UserRepository,
	challenges repository.ChallengeRepository,
	audits repository.AuditRepository,
	limiter repository.RateLimiter,
	sender delivery.Sender,
	tx repository.Transactor,
	publisher events.Publisher,
) *OtpService {
	return &OtpService{
		hasher:      hasher,
		identifiers: identifiers,
		users:       users,
		challenges:  challenges,
		audits:      audits,
		limiter:     limiter,
		sender:      sender,
		tx:          tx,
		publisher:   publisher,
	}
}

type ChallengeResult struct {
	ChallengeID      uuid.UUID
	MaskedIdentifier string
	ExpiresInSeconds int
	ResendInSeconds  int
	// DebugCode is only populated by the development echo provider.
	DebugCode string
}

type VerifyResult struct {
	UserID      uuid.UUID
	UserCreated bool
}

// RequestChallenge validates the destination, enforces the per-identifier
// request budget, delivers a fresh code, and persists the challenge.
func (s *OtpService) RequestChallenge(ctx context.Context, channelRaw, value string, client ClientInfo) (*ChallengeResult, error) {
	channel, ok := identifier.ParseChannel(strings.TrimSpace(channelRaw))
	if !ok || strings.TrimSpace(value) == "" {
		return nil, ErrInvalidPayload
	}

	canonical := identifier.NormalizeForChannel(value, channel)
	if !identifier.IsValid(canonical, channel) {
		return nil, ErrInvalidIdentifier
	}

	kind := identifier.KindForChannel(channel)
	valueHash := s.hasher.HashIdentifier(string(kind), canonical)
	masked := identifier.Mask(canonical, channel)

	ident, err := s.identifiers.GetOrCreate(ctx, kind, valueHash, masked)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert identifier: %w", err)
	}

	count, err := s.limiter.CountRequests(ctx, valueHash, OTPRateWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if count >= OTPMaxRequests {
		s.publisher.Publish(ctx, events.Event{
			Type:    events.TypeOtpRateLimited,
			Subject: ident.ID.String(),
		})
		return nil, &RateLimitedError{RetryAfterSeconds: OTPRetryAfterHint}
	}

	code, err := crypto.GenerateOTPCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp code: %w", err)
	}

	sent, err := s.sender.Send(ctx, channel, canonical, code)
	if err != nil {
		if errors.Is(err, delivery.ErrChannelUnavailable) {
			return nil, ErrDeliveryNotConfigured
		}
		util.Get().Warn("OTP delivery failed",
			util.String("channel", string(channel)),
			util.ErrorField(err))
		return nil, ErrDeliveryFailed
	}

	now := time.Now().UTC()
	ch := &model.OtpChallenge{
		ID:           uuid.New(),
		IdentifierID: ident.ID,
		Channel:      channel,
		CodeHash:     s.hasher.HashOTP(code),
		Attempts:     0,
		MaxAttempts:  OTPMaxAttempts,
		Status:       model.ChallengePending,
		ExpiresAt:    now.Add(OTPLifetime),
		ResendAt:     now.Add(OTPResendAfter),
		UserAgent:    truncateUserAgent(client.UserAgent),
		CreatedAt:    now,
	}
	if client.IP != "" {
		ipHash := s.hasher.HashIP(client.IP)
		ch.RequestedIPHash = &ipHash
	}

	if err := s.challenges.Create(ctx, ch); err != nil {
		return nil, fmt.Errorf("failed to persist challenge: %w", err)
	}

	// The fresh challenge supersedes any earlier PENDING ones for this
	// identifier.
	if err := s.challenges.ExpirePending(ctx, ident.ID, ch.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to supersede pending challenges: %w", err)
	}

	// Recorded after the challenge exists so failed issuance never
	// consumes request budget.
	if err := s.limiter.RecordRequest(ctx, valueHash, OTPRateWindow); err != nil {
		util.Get().Warn("Failed to record rate limit entry", util.ErrorField(err))
	}

	s.publisher.Publish(ctx, events.Event{
		Type:    events.TypeOtpRequested,
		Subject: ident.ID.String(),
		Metadata: map[string]any{
			"channel":  string(channel),
			"provider": sent.Provider,
		},
	})

	return &ChallengeResult{
		ChallengeID:      ch.ID,
		MaskedIdentifier: masked,
		ExpiresInSeconds: int(OTPLifetime.Seconds()),
		ResendInSeconds:  int(OTPResendAfter.Seconds()),
		DebugCode:        sent.DebugCode,
	}, nil
}

// VerifyChallenge checks a submitted code against a challenge and, on the
// first success, finalizes account state in one transaction.
func (s *OtpService) VerifyChallenge(ctx context.Context, challengeIDRaw, code string, client ClientInfo) (*VerifyResult, error) {
	challengeID, err := uuid.Parse(strings.TrimSpace(challengeIDRaw))
	if err != nil || !otpCodePattern.MatchString(code) {
		return nil, ErrInvalidPayload
	}

	ch, err := s.challenges.FindByID(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	now := time.Now().UTC()

	switch ch.Status {
	case model.ChallengeVerified:
		// Idempotent success: no counters move and no account side
		// effects re-run.
		return s.verifiedResult(ctx, ch)
	case model.ChallengeExpired:
		return nil, ErrOTPExpired
	case model.ChallengeRateLimited:
		return nil, &RateLimitedError{}
	}

	// Rejection writes run outside the finalize transaction: the
	// counter and status changes must stay committed even though the
	// call returns an error.
	if !now.Before(ch.ExpiresAt) {
		if err := s.challenges.SetStatus(ctx, ch.ID, model.ChallengeExpired, now); err != nil {
			return nil, fmt.Errorf("failed to expire challenge: %w", err)
		}
		return nil, ErrOTPExpired
	}

	if ch.Attempts >= ch.MaxAttempts {
		if err := s.challenges.SetStatus(ctx, ch.ID, model.ChallengeRateLimited, now); err != nil {
			return nil, fmt.Errorf("failed to rate limit challenge: %w", err)
		}
		return nil, &RateLimitedError{}
	}

	submittedHash := s.hasher.HashOTP(code)
	if subtle.ConstantTimeCompare([]byte(submittedHash), []byte(ch.CodeHash)) != 1 {
		if err := s.challenges.IncrementAttempts(ctx, ch.ID, ch.Attempts); err != nil {
			// ErrStaleCounter means a concurrent attempt already
			// consumed this slot.
			if !errors.Is(err, repository.ErrStaleCounter) {
				return nil, fmt.Errorf("failed to count attempt: %w", err)
			}
		}
		if ch.Attempts+1 >= ch.MaxAttempts {
			if err := s.challenges.SetStatus(ctx, ch.ID, model.ChallengeRateLimited, now); err != nil {
				return nil, fmt.Errorf("failed to rate limit challenge: %w", err)
			}
			return nil, &RateLimitedError{}
		}
		return nil, ErrOTPInvalid
	}

	var result *VerifyResult
	txErr := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		locked, err := s.challenges.FindByIDForUpdate(ctx, ch.ID)
		if err != nil {
			return fmt.Errorf("failed to lock challenge: %w", err)
		}

		// A concurrent verify may have settled the challenge between
		// the unlocked read and here.
		switch locked.Status {
		case model.ChallengeVerified:
			res, err := s.verifiedResult(ctx, locked)
			if err != nil {
				return err
			}
			result = res
			return nil
		case model.ChallengeExpired:
			return ErrOTPExpired
		case model.ChallengeRateLimited:
			return &RateLimitedError{}
		}

		res, err := s.finalizeVerification(ctx, locked, client, now)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.publisher.Publish(ctx, events.Event{
		Type:    events.TypeOtpVerified,
		Subject: result.UserID.String(),
	})
	return result, nil
}

// verifiedResult resolves the account an already-consumed challenge belongs
// to, without mutating anything.
func (s *OtpService) verifiedResult(ctx context.Context, ch *model.OtpChallenge) (*VerifyResult, error) {
	ident, err := s.identifiers.FindByID(ctx, ch.IdentifierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identifier: %w", err)
	}
	if ident.UserID == nil {
		return nil, ErrChallengeNotFound
	}
	return &VerifyResult{UserID: *ident.UserID}, nil
}

// finalizeVerification runs inside the verify transaction: it attaches the
// identifier to a user (creating one on first verification), marks the
// challenge consumed, and writes the consent and audit side records.
func (s *OtpService) finalizeVerification(ctx context.Context, ch *model.OtpChallenge, client ClientInfo, now time.Time) (*VerifyResult, error) {
	ident, err := s.identifiers.FindByID(ctx, ch.IdentifierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identifier: %w", err)
	}

	created := false
	var userID uuid.UUID
	if ident.UserID == nil {
		user := &model.User{ID: uuid.New(), LastLoginAt: &now, CreatedAt: now}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		userID = user.ID
		created = true
	} else {
		userID = *ident.UserID
		if err := s.users.TouchLastLogin(ctx, userID, now); err != nil {
			return nil, fmt.Errorf("failed to update last login: %w", err)
		}
	}

	if err := s.identifiers.BindToUser(ctx, ident.ID, userID, now); err != nil {
		return nil, fmt.Errorf("failed to bind identifier: %w", err)
	}
	if err := s.challenges.SetStatus(ctx, ch.ID, model.ChallengeVerified, now); err != nil {
		return nil, fmt.Errorf("failed to mark challenge verified: %w", err)
	}

	if err := writeConsentRecords(ctx, s.audits, s.hasher, userID, ident.ID, client, now); err != nil {
		return nil, err
	}

	return &VerifyResult{UserID: userID, UserCreated: created}, nil
}
