package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the snapshot as one JSON value and the registry as a
// sorted set scored by insertion time.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "esimd"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// OpenRedisStore dials addr and verifies the connection.
func OpenRedisStore(ctx context.Context, addr, password, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisStore(rdb, prefix), nil
}

func (s *RedisStore) profilesKey() string {
	return fmt.Sprintf("%s:cellular_esim_profiles", s.prefix)
}

func (s *RedisStore) refreshedKey() string {
	return fmt.Sprintf("%s:esim_refreshed_euiccs", s.prefix)
}

func (s *RedisStore) LoadProfiles(ctx context.Context) ([]ESimProfile, error) {
	raw, err := s.client.Get(ctx, s.profilesKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var profiles []ESimProfile
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("decode persisted profiles: %w", err)
	}
	return profiles, nil
}

func (s *RedisStore) SaveProfiles(ctx context.Context, profiles []ESimProfile) error {
	if profiles == nil {
		profiles = []ESimProfile{}
	}
	raw, err := json.Marshal(profiles)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.profilesKey(), raw, 0).Err()
}

func (s *RedisStore) RefreshedEuiccs(ctx context.Context) ([]string, error) {
	return s.client.ZRange(ctx, s.refreshedKey(), 0, -1).Result()
}

func (s *RedisStore) AddRefreshedEuicc(ctx context.Context, id string) error {
	// NX keeps the original insertion score.
	return s.client.ZAddNX(ctx, s.refreshedKey(), redis.Z{
		Score:  float64(s.now().UnixNano()),
		Member: id,
	}).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
