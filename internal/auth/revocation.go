// Package auth tracks API tokens revoked before they expire.
package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocations reports and records revoked token ids (jti).
type Revocations interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

// RedisRevocations keeps one key per revoked jti, expiring together with the
// token it revokes.
type RedisRevocations struct {
	client *redis.Client
	prefix string
}

func NewRedisRevocations(client *redis.Client, prefix string) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: prefix}
}

func (r *RedisRevocations) key(jti string) string {
	return r.prefix + ":revoked:" + jti
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Revoke is a no-op for tokens that have already expired.
func (r *RedisRevocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(jti), "revoked", ttl).Err()
}
