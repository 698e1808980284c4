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

type TotpRepository struct {
	client *Client
}

func NewTotpRepository(client *Client) *TotpRepository {
	return &TotpRepository{client: client}
}

const totpColumns = `id, identifier_id, issuer, label, status, secret_ciphertext, secret_iv, secret_tag,
		failed_attempts, locked_until, last_used_step, verified_at, created_at`

func scanTotp(row pgx.Row) (*model.TotpCredential, error) {
	cred := &model.TotpCredential{}
	err := row.Scan(
		&cred.ID, &cred.IdentifierID, &cred.Issuer, &cred.Label, &cred.Status,
		&cred.SecretCiphertext, &cred.SecretIV, &cred.SecretTag,
		&cred.FailedAttempts, &cred.LockedUntil, &cred.LastUsedStep,
		&cred.VerifiedAt, &cred.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan totp credential: %w", err)
	}
	return cred, nil
}

func (r *TotpRepository) Create(ctx context.Context, cred *model.TotpCredential) error {
	query := `
		INSERT INTO totp_credentials (` + totpColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.client.conn(ctx).Exec(ctx, query,
		cred.ID, cred.IdentifierID, cred.Issuer, cred.Label, cred.Status,
		cred.SecretCiphertext, cred.SecretIV, cred.SecretTag,
		cred.FailedAttempts, cred.LockedUntil, cred.LastUsedStep,
		cred.VerifiedAt, cred.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create totp credential: %w", err)
	}
	return nil
}

func (r *TotpRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.TotpCredential, error) {
	query := `SELECT ` + totpColumns + ` FROM totp_credentials WHERE id = $1`
	return scanTotp(r.client.conn(ctx).QueryRow(ctx, query, id))
}

func (r *TotpRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.TotpCredential, error) {
	query := `SELECT ` + totpColumns + ` FROM totp_credentials WHERE id = $1 FOR UPDATE`
	return scanTotp(r.client.conn(ctx).QueryRow(ctx, query, id))
}

func (r *TotpRepository) findByIdentifierAndStatus(ctx context.Context, identifierID uuid.UUID, status model.TotpStatus) (*model.TotpCredential, error) {
	query := `
		SELECT ` + totpColumns + `
		FROM totp_credentials
		WHERE identifier_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`
	return scanTotp(r.client.conn(ctx).QueryRow(ctx, query, identifierID, status))
}

func (r *TotpRepository) FindActiveByIdentifier(ctx context.Context, identifierID uuid.UUID) (*model.TotpCredential, error) {
	return r.findByIdentifierAndStatus(ctx, identifierID, model.TotpActive)
}

// Activate flips a PENDING credential to ACTIVE and seeds the replay
// watermark with the step that proved enrollment.
func (r *TotpRepository) Activate(ctx context.Context, id uuid.UUID, lastUsedStep int64, verifiedAt time.Time) error {
	query := `
		UPDATE totp_credentials
		SET status = $2, last_used_step = $3, verified_at = $4,
		    failed_attempts = 0, locked_until = NULL
		WHERE id = $1 AND status = $5`

	tag, err := r.client.conn(ctx).Exec(ctx, query,
		id, model.TotpActive, lastUsedStep, verifiedAt, model.TotpPending)
	if err != nil {
		return fmt.Errorf("failed to activate totp credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordFailure is a compare-and-set on the failure counter. The counter
// resets to zero when a lockout is imposed, so the next run starts fresh
// once the lock lapses.
func (r *TotpRepository) RecordFailure(ctx context.Context, id uuid.UUID, prevFailed, newFailed int, lockedUntil *time.Time) error {
	query := `
		UPDATE totp_credentials
		SET failed_attempts = $3, locked_until = $4
		WHERE id = $1 AND failed_attempts = $2`

	tag, err := r.client.conn(ctx).Exec(ctx, query, id, prevFailed, newFailed, lockedUntil)
	if err != nil {
		return fmt.Errorf("failed to record totp failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrStaleCounter
	}
	return nil
}

func (r *TotpRepository) RecordSuccess(ctx context.Context, id uuid.UUID, lastUsedStep int64) error {
	query := `
		UPDATE totp_credentials
		SET last_used_step = $2, failed_attempts = 0, locked_until = NULL
		WHERE id = $1`

	tag, err := r.client.conn(ctx).Exec(ctx, query, id, lastUsedStep)
	if err != nil {
		return fmt.Errorf("failed to record totp success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DisablePending retires unfinished enrollments for the identifier before
// a new setup replaces them.
func (r *TotpRepository) DisablePending(ctx context.Context, identifierID uuid.UUID) error {
	query := `
		UPDATE totp_credentials
		SET status = $2
		WHERE identifier_id = $1 AND status = $3`

	_, err := r.client.conn(ctx).Exec(ctx, query, identifierID, model.TotpDisabled, model.TotpPending)
	if err != nil {
		return fmt.Errorf("failed to disable pending totp credentials: %w", err)
	}
	return nil
}
