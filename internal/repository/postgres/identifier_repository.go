package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"identity-service/internal/identifier"
	"identity-service/internal/model"
	"identity-service/internal/repository"
)

type IdentifierRepository struct {
	client *Client
}

func NewIdentifierRepository(client *Client) *IdentifierRepository {
	return &IdentifierRepository{client: client}
}

const identifierColumns = `id, kind, value_hash, value_masked, user_id, verified_at, created_at, updated_at`

func scanIdentifier(row pgx.Row) (*model.VerifiedIdentifier, error) {
	ident := &model.VerifiedIdentifier{}
	err := row.Scan(
		&ident.ID, &ident.Kind, &ident.ValueHash, &ident.ValueMasked,
		&ident.UserID, &ident.VerifiedAt, &ident.CreatedAt, &ident.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan identifier: %w", err)
	}
	return ident, nil
}

// GetOrCreate inserts an unowned identifier row for (kind, valueHash) or
// returns the existing one with its masked form refreshed. The upsert keeps
// concurrent first requests for the same identifier from racing on the
// unique constraint.
func (r *IdentifierRepository) GetOrCreate(ctx context.Context, kind identifier.Kind, valueHash, valueMasked string) (*model.VerifiedIdentifier, error) {
	query := `
		INSERT INTO verified_identifiers (id, kind, value_hash, value_masked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (kind, value_hash) DO UPDATE SET
			value_masked = EXCLUDED.value_masked,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + identifierColumns

	now := time.Now().UTC()
	return scanIdentifier(r.client.conn(ctx).QueryRow(ctx, query, uuid.New(), kind, valueHash, valueMasked, now))
}

func (r *IdentifierRepository) FindByHash(ctx context.Context, kind identifier.Kind, valueHash string) (*model.VerifiedIdentifier, error) {
	query := `SELECT ` + identifierColumns + ` FROM verified_identifiers WHERE kind = $1 AND value_hash = $2`
	return scanIdentifier(r.client.conn(ctx).QueryRow(ctx, query, kind, valueHash))
}

func (r *IdentifierRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.VerifiedIdentifier, error) {
	query := `SELECT ` + identifierColumns + ` FROM verified_identifiers WHERE id = $1`
	return scanIdentifier(r.client.conn(ctx).QueryRow(ctx, query, id))
}

// BindToUser attaches the identifier to its first owner. An identifier
// already bound to a different user is left untouched and reported as a
// duplicate.
func (r *IdentifierRepository) BindToUser(ctx context.Context, id, userID uuid.UUID, verifiedAt time.Time) error {
	query := `
		UPDATE verified_identifiers
		SET user_id = $2, verified_at = COALESCE(verified_at, $3), updated_at = $3
		WHERE id = $1 AND (user_id IS NULL OR user_id = $2)`

	tag, err := r.client.conn(ctx).Exec(ctx, query, id, userID, verifiedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to bind identifier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrDuplicate
	}
	return nil
}
