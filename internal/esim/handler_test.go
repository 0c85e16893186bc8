package esim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/inhibit"
	"github.com/technosupport/esimd/internal/shill"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	hermes    *hermes.FakeClient
	shill     *shill.FakeClient
	inhibitor *inhibit.Inhibitor
	handler   *ProfileHandler
	store     *data.RedisStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	f := &fixture{
		hermes: hermes.NewFakeClient(),
		shill:  shill.NewFakeClient(),
		store:  data.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test"),
	}
	f.inhibitor = inhibit.New(f.shill, zap.NewNop())
	f.handler = NewProfileHandler(f.hermes, f.shill, f.inhibitor, zap.NewNop(), Options{})
	t.Cleanup(f.handler.Shutdown)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.handler.Start(context.Background()))
}

func iccids(profiles []data.ESimProfile) []string {
	var out []string
	for _, p := range profiles {
		out = append(out, p.ICCID)
	}
	return out
}

func TestProfiles_IgnoresEmptyICCID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t)
	f.handler.SetPersistentStore(ctx, f.store)

	euicc := f.hermes.AddEuicc("E1", true)
	blank := f.hermes.AddProfile(euicc, hermes.ProfileProperties{State: hermes.ProfileStateInactive})
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8901", State: hermes.ProfileStateActive})

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"8901"}, iccids(f.handler.Profiles()))
	}, waitFor, tick)

	f.hermes.SetProfileIccid(blank, "8902")
	require.Eventually(t, func() bool {
		return len(f.handler.Profiles()) == 2
	}, waitFor, tick)
	assert.ElementsMatch(t, []string{"8901", "8902"}, iccids(f.handler.Profiles()))

	persisted, err := f.store.LoadProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestRecompute_UnchangedStateNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handler.SetPersistentStore(ctx, f.store)

	euicc := f.hermes.AddEuicc("E1", true)
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8901", State: hermes.ProfileStateInactive})
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8902", State: hermes.ProfileStateInactive})

	var mu sync.Mutex
	var updates [][]data.ESimProfile
	sub := f.handler.Subscribe(func(p []data.ESimProfile) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	f.handler.Recompute(ctx)
	f.handler.Recompute(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"8901", "8902"}, iccids(updates[0]))
}

func TestProfiles_OneNotificationPerBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handler.SetPersistentStore(ctx, f.store)

	var mu sync.Mutex
	var updates [][]data.ESimProfile
	sub := f.handler.Subscribe(func(p []data.ESimProfile) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})
	defer sub.Unsubscribe()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(updates)
	}

	// Queue several Hermes changes while the watch loop cannot rebuild.
	f.handler.recomputeMu.Lock()
	f.start(t)
	before := f.hermes.Calls("AvailableEuiccs")
	euicc := f.hermes.AddEuicc("E1", true)
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8901", State: hermes.ProfileStateInactive})
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8902", State: hermes.ProfileStateInactive})
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8903", State: hermes.ProfileStateInactive})
	f.handler.recomputeMu.Unlock()

	// One rebuild on start plus one for the whole queued batch.
	require.Eventually(t, func() bool {
		return f.hermes.Calls("AvailableEuiccs") == before+2
	}, waitFor, tick)
	assert.Never(t, func() bool {
		return f.hermes.Calls("AvailableEuiccs") > before+2 || count() > 1
	}, 100*time.Millisecond, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"8901", "8902", "8903"}, iccids(updates[0]))
}

func TestProfiles_PrunedWhenLastEuiccRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t)
	f.handler.SetPersistentStore(ctx, f.store)

	euicc := f.hermes.AddEuicc("E1", true)
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8901", State: hermes.ProfileStateActive})
	require.Eventually(t, func() bool {
		return len(f.handler.Profiles()) == 1
	}, waitFor, tick)

	var mu sync.Mutex
	var updates [][]data.ESimProfile
	sub := f.handler.Subscribe(func(p []data.ESimProfile) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	f.hermes.RemoveEuicc(euicc)
	f.handler.Recompute(ctx)
	assert.Empty(t, f.handler.Profiles())

	persisted, err := f.store.LoadProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	assert.Empty(t, updates[len(updates)-1])
}

func TestProfiles_PersistedKeptUntilHermesListsEuicc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveProfiles(ctx, []data.ESimProfile{
		{EID: "E1", ICCID: "8901", State: data.ProfileStateActive, Class: data.ProfileClassOperational},
	}))

	f.handler.SetPersistentStore(ctx, f.store)
	f.handler.Recompute(ctx)
	assert.Equal(t, []string{"8901"}, iccids(f.handler.Profiles()))
}

func TestSetPersistentStore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddRefreshedEuicc(ctx, "E1"))
	require.NoError(t, f.store.AddRefreshedEuicc(ctx, "E2"))
	require.NoError(t, f.store.SaveProfiles(ctx, []data.ESimProfile{
		{EID: "E1", ICCID: "8901", State: data.ProfileStateActive, Class: data.ProfileClassOperational},
	}))

	assert.Empty(t, f.handler.Profiles())
	f.handler.SetPersistentStore(ctx, f.store)

	assert.True(t, f.handler.HasRefreshedEuicc("E1"))
	assert.True(t, f.handler.HasRefreshedEuicc("E2"))
	assert.False(t, f.handler.HasRefreshedEuicc("E3"))
	assert.Equal(t, []string{"8901"}, iccids(f.handler.Profiles()))

	f.handler.SetPersistentStore(ctx, nil)
	assert.Empty(t, f.handler.Profiles())

	persisted, err := f.store.LoadProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"8901"}, iccids(persisted))
	ids, err := f.store.RefreshedEuiccs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "E2"}, ids)
}

func TestProfiles_EmptyWithoutStore(t *testing.T) {
	f := newFixture(t)
	euicc := f.hermes.AddEuicc("E1", true)
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8901", State: hermes.ProfileStateInactive})

	f.handler.Recompute(context.Background())
	assert.Empty(t, f.handler.Profiles())
}

func TestAutoRefresh_NewEuiccRefreshedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shill.AddCellularDevice()
	euicc := f.hermes.AddEuicc("E1", true)

	var mu sync.Mutex
	nonEmpty := 0
	sub := f.handler.Subscribe(func(p []data.ESimProfile) {
		if len(p) > 0 {
			mu.Lock()
			nonEmpty++
			mu.Unlock()
		}
	})
	defer sub.Unsubscribe()

	f.start(t)
	f.handler.SetPersistentStore(ctx, f.store)

	require.Eventually(t, func() bool {
		return f.handler.HasRefreshedEuicc("E1") && f.handler.HasRefreshedEuicc(string(euicc))
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return f.handler.RefreshState(euicc) == RefreshIdle
	}, waitFor, tick)

	f.handler.Recompute(ctx)
	assert.Equal(t, 1, f.hermes.Calls(hermes.EuiccMethodRefreshInstalledProfiles))
	assert.Empty(t, f.handler.Profiles())

	ids, err := f.store.RefreshedEuiccs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "E1")

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, nonEmpty)
}

func TestAutoRefresh_SkippedWithoutCellularDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.hermes.AddEuicc("E1", true)

	f.handler.SetPersistentStore(ctx, f.store)
	f.handler.Recompute(ctx)

	assert.Zero(t, f.hermes.Calls(hermes.EuiccMethodRefreshInstalledProfiles))
	assert.False(t, f.handler.HasRefreshedEuicc("E1"))
	ids, err := f.store.RefreshedEuiccs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestShutdown_DropsLateUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handler.SetPersistentStore(ctx, f.store)
	euicc := f.hermes.AddEuicc("E1", true)

	f.handler.Shutdown()
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{Iccid: "8901", State: hermes.ProfileStateInactive})
	f.handler.Recompute(ctx)
	assert.Empty(t, f.handler.Profiles())
}

