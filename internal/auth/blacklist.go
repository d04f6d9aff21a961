package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist defines the interface for checking revoked session tokens.
type TokenBlacklist interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error
}

type RedisBlacklist struct {
	client *redis.Client
}

func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func (r *RedisBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	key := fmt.Sprintf("blacklist:%s", jti)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (r *RedisBlacklist) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	key := fmt.Sprintf("blacklist:%s", jti)
	return r.client.Set(ctx, key, "revoked", ttl).Err()
}

// NoopBlacklist satisfies TokenBlacklist when no redis instance is
// configured; logout then relies on cookie expiry alone.
type NoopBlacklist struct{}

func (NoopBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) { return false, nil }
func (NoopBlacklist) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return nil
}
