package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"identity-service/internal/client"
	"identity-service/internal/model"
	"identity-service/internal/repository"
)

const sessionPrefix = "auth_session:"

// SessionCache stores the short-lived sessions that bridge a password
// login to its TOTP second factor. Records are kept for twice the session
// lifetime so an expired session is still distinguishable from one that
// never existed.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) Save(ctx context.Context, session *model.AuthSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode auth session: %w", err)
	}

	ttl := 2 * time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	if err := c.client.Client.Set(ctx, sessionPrefix+session.ID.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store auth session: %w", err)
	}
	return nil
}

func (c *SessionCache) Find(ctx context.Context, id uuid.UUID) (*model.AuthSession, error) {
	data, err := c.client.Client.Get(ctx, sessionPrefix+id.String()).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load auth session: %w", err)
	}

	session := &model.AuthSession{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("failed to decode auth session: %w", err)
	}
	return session, nil
}

func (c *SessionCache) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	session, err := c.Find(ctx, id)
	if err != nil {
		return err
	}
	session.Status = model.SessionCompleted
	session.CompletedAt = &at
	return c.Save(ctx, session)
}
