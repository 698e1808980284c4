package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"identity-service/internal/model"
	"identity-service/internal/repository"
)

type ChallengeRepository struct {
	client *Client
}

func NewChallengeRepository(client *Client) *ChallengeRepository {
	return &ChallengeRepository{client: client}
}

const challengeColumns = `id, identifier_id, channel, code_hash, attempts, max_attempts, status,
		expires_at, resend_at, requested_ip_hash, user_agent, verified_at, created_at`

func scanChallenge(row pgx.Row) (*model.OtpChallenge, error) {
	ch := &model.OtpChallenge{}
	err := row.Scan(
		&ch.ID, &ch.IdentifierID, &ch.Channel, &ch.CodeHash,
		&ch.Attempts, &ch.MaxAttempts, &ch.Status,
		&ch.ExpiresAt, &ch.ResendAt, &ch.RequestedIPHash, &ch.UserAgent,
		&ch.VerifiedAt, &ch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan otp challenge: %w", err)
	}
	return ch, nil
}

func (r *ChallengeRepository) Create(ctx context.Context, ch *model.OtpChallenge) error {
	query := `
		INSERT INTO otp_challenges (` + challengeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.client.conn(ctx).Exec(ctx, query,
		ch.ID, ch.IdentifierID, ch.Channel, ch.CodeHash,
		ch.Attempts, ch.MaxAttempts, ch.Status,
		ch.ExpiresAt, ch.ResendAt, ch.RequestedIPHash, ch.UserAgent,
		ch.VerifiedAt, ch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create otp challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.OtpChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM otp_challenges WHERE id = $1`
	return scanChallenge(r.client.conn(ctx).QueryRow(ctx, query, id))
}

func (r *ChallengeRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.OtpChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM otp_challenges WHERE id = $1 FOR UPDATE`
	return scanChallenge(r.client.conn(ctx).QueryRow(ctx, query, id))
}

// IncrementAttempts bumps the counter only if it has not moved since the
// caller read it, so two concurrent wrong guesses cannot both land on the
// same slot.
func (r *ChallengeRepository) IncrementAttempts(ctx context.Context, id uuid.UUID, prevAttempts int) error {
	query := `
		UPDATE otp_challenges
		SET attempts = attempts + 1
		WHERE id = $1 AND attempts = $2 AND status = $3`

	tag, err := r.client.conn(ctx).Exec(ctx, query, id, prevAttempts, model.ChallengePending)
	if err != nil {
		return fmt.Errorf("failed to increment challenge attempts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrStaleCounter
	}
	return nil
}

func (r *ChallengeRepository) SetStatus(ctx context.Context, id uuid.UUID, status model.ChallengeStatus, at time.Time) error {
	query := `UPDATE otp_challenges SET status = $2 WHERE id = $1`
	args := []any{id, status}
	if status == model.ChallengeVerified {
		query = `UPDATE otp_challenges SET status = $2, verified_at = $3 WHERE id = $1`
		args = append(args, at)
	}
	tag, err := r.client.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update challenge status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ExpirePending marks stale PENDING challenges for the identifier as
// EXPIRED. Issuing a new challenge supersedes the ones before it.
func (r *ChallengeRepository) ExpirePending(ctx context.Context, identifierID uuid.UUID, before time.Time) error {
	query := `
		UPDATE otp_challenges
		SET status = $3
		WHERE identifier_id = $1 AND status = $2 AND created_at < $4`

	_, err := r.client.conn(ctx).Exec(ctx, query,
		identifierID, model.ChallengePending, model.ChallengeExpired, before)
	if err != nil {
		return fmt.Errorf("failed to expire pending challenges: %w", err)
	}
	return nil
}
