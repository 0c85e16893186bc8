package data

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(rdb, "test"), mr
}

func TestRedisStore_ProfilesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	got, err := s.LoadProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	profiles := []ESimProfile{
		{EID: "E1", ICCID: "8901", State: ProfileStateActive, Class: ProfileClassOperational},
		{EID: "E1", ICCID: "8902", State: ProfileStatePending, Class: ProfileClassTesting},
	}
	require.NoError(t, s.SaveProfiles(ctx, profiles))
	assert.True(t, mr.Exists("test:cellular_esim_profiles"))

	got, err = s.LoadProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, profiles, got)

	require.NoError(t, s.SaveProfiles(ctx, nil))
	got, err = s.LoadProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStore_RefreshedEuiccs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)
	tick := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	require.NoError(t, s.AddRefreshedEuicc(ctx, "E2"))
	require.NoError(t, s.AddRefreshedEuicc(ctx, "/org/chromium/Hermes/euicc/1"))
	require.NoError(t, s.AddRefreshedEuicc(ctx, "E2"))

	ids, err := s.RefreshedEuiccs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"E2", "/org/chromium/Hermes/euicc/1"}, ids)
}

func TestRedisStore_CorruptSnapshot(t *testing.T) {
	s, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set("test:cellular_esim_profiles", "{not json"))
	_, err := s.LoadProfiles(context.Background())
	assert.ErrorContains(t, err, "decode persisted profiles")
}
