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

type UserRepository struct {
	client *Client
}

func NewUserRepository(client *Client) *UserRepository {
	return &UserRepository{client: client}
}

const userColumns = `id, password_hash, password_salt, password_set_at, last_login_at, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(
		&user.ID, &user.PasswordHash, &user.PasswordSalt,
		&user.PasswordSetAt, &user.LastLoginAt, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return user, nil
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (id, password_hash, password_salt, password_set_at, last_login_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.client.conn(ctx).Exec(ctx, query,
		user.ID, user.PasswordHash, user.PasswordSalt,
		user.PasswordSetAt, user.LastLoginAt, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.client.conn(ctx).QueryRow(ctx, query, id))
}

func (r *UserRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`
	return scanUser(r.client.conn(ctx).QueryRow(ctx, query, id))
}

func (r *UserRepository) SetPassword(ctx context.Context, id uuid.UUID, hash, salt string, setAt time.Time) error {
	query := `UPDATE users SET password_hash = $2, password_salt = $3, password_set_at = $4 WHERE id = $1`
	tag, err := r.client.conn(ctx).Exec(ctx, query, id, hash, salt, setAt)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserRepository) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE users SET last_login_at = $2 WHERE id = $1`
	tag, err := r.client.conn(ctx).Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
