package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"identity-service/internal/client"
)

const rateLimitPrefix = "rate_limit:otp:"

// RateLimitCache counts OTP requests per identifier over a trailing window
// using a sorted set of request timestamps. Entries older than the window
// are pruned on every call, so the count is an exact sliding window rather
// than a fixed bucket.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) CountRequests(ctx context.Context, key string, window time.Duration) (int, error) {
	rateKey := rateLimitPrefix + key
	cutoff := time.Now().Add(-window).UnixMilli()

	pipe := c.client.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rateKey, "0", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, rateKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count rate limit entries: %w", err)
	}
	return int(countCmd.Val()), nil
}

// RecordRequest is called after a challenge has been persisted, so the
// window never counts requests that failed to issue.
func (c *RateLimitCache) RecordRequest(ctx context.Context, key string, window time.Duration) error {
	rateKey := rateLimitPrefix + key
	now := time.Now()

	// Member includes a nonce so two requests in the same millisecond
	// both count.
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())

	pipe := c.client.Client.Pipeline()
	pipe.ZAdd(ctx, rateKey, goredis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, rateKey, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rate limit entry: %w", err)
	}
	return nil
}
