// Package ratelimit counts requests per key in fixed redis windows.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Decision struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate" envconfig:"RATE"`
	Window time.Duration `yaml:"window" envconfig:"WINDOW"`
}

// incrScript starts the window on the first hit and returns the count and the
// remaining window in milliseconds.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {current, redis.call("PTTL", KEYS[1])}
`)

type Limiter struct {
	client *redis.Client
	prefix string
	salt   string
}

func NewLimiter(client *redis.Client, prefix, salt string) *Limiter {
	if salt == "" {
		salt = "esimd"
	}
	return &Limiter{client: client, prefix: prefix, salt: salt}
}

// HashIP keeps caller addresses out of redis.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

func (l *Limiter) Allow(ctx context.Context, key string, cfg LimitConfig) (*Decision, error) {
	res, err := incrScript.Run(ctx, l.client, []string{fmt.Sprintf("%s:rl:%s", l.prefix, key)}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = cfg.Window
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Limit:      cfg.Rate,
		Remaining:  remaining,
		RetryAfter: ttl,
		Allowed:    count <= cfg.Rate,
	}, nil
}
