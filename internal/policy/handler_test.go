package policy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/godbus/dbus/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/clock"
	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/inhibit"
	"github.com/technosupport/esimd/internal/onc"
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
	profiles  *esim.ProfileHandler
	clock     *clock.Fake
	policy    *Handler
	applied   atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hermes: hermes.NewFakeClient(),
		shill:  shill.NewFakeClient(),
		clock:  clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	f.inhibitor = inhibit.New(f.shill, zap.NewNop())
	f.profiles = esim.NewProfileHandler(f.hermes, f.shill, f.inhibitor, zap.NewNop(), esim.Options{})
	t.Cleanup(f.profiles.Shutdown)

	f.policy = NewHandler(DefaultConfig(), f.hermes, f.shill, f.profiles, esim.NewInstaller(f.profiles), f.clock, zap.NewNop())
	f.policy.SubscribePoliciesApplied(func() { f.applied.Add(1) })
	require.NoError(t, f.policy.Start(context.Background()))
	t.Cleanup(f.policy.Shutdown)
	return f
}

func (f *fixture) attachStore(t *testing.T, refreshed ...string) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := data.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	for _, id := range refreshed {
		require.NoError(t, store.AddRefreshedEuicc(context.Background(), id))
	}
	f.profiles.SetPersistentStore(context.Background(), store)
}

func network(guid, code string) onc.CellularNetwork {
	return onc.CellularNetwork{
		GUID:     guid,
		Type:     onc.TypeCellular,
		Cellular: onc.Cellular{SMDPAddress: code, AutoConnect: true},
	}
}

func (f *fixture) only(t *testing.T) RequestInfo {
	t.Helper()
	reqs := f.policy.PendingRequests()
	require.Len(t, reqs, 1)
	return reqs[0]
}

func (f *fixture) waitForState(t *testing.T, state RequestState, timers int) RequestInfo {
	t.Helper()
	require.Eventually(t, func() bool {
		reqs := f.policy.PendingRequests()
		return len(reqs) == 1 && reqs[0].State == state && f.clock.Pending() == timers
	}, waitFor, tick)
	return f.only(t)
}

func (f *fixture) waitForDrain(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.policy.PendingRequests()) == 0
	}, waitFor, tick)
}

func (f *fixture) ready() dbus.ObjectPath {
	f.shill.AddCellularDevice()
	f.shill.SetOnline(true)
	return f.hermes.AddEuicc("E1", true)
}

func TestInstallESim_Validation(t *testing.T) {
	f := newFixture(t)
	f.shill.AddCellularDevice()

	_, err := f.policy.InstallESim(onc.CellularNetwork{GUID: "g"})
	assert.ErrorIs(t, err, onc.ErrNoActivationCode)

	hold, err := f.inhibitor.Acquire(context.Background(), inhibit.ReasonInstallingProfile)
	require.NoError(t, err)
	defer hold.Release()

	id1, err := f.policy.InstallESim(network("g1", "LPA:1$smdp$A"))
	require.NoError(t, err)
	id2, err := f.policy.InstallESim(network("g1-again", "LPA:1$smdp$A"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, f.policy.PendingRequests(), 1)
}

func TestRequestsAreProcessedOneAtATime(t *testing.T) {
	f := newFixture(t)
	euicc := f.ready()
	f.hermes.SetInstallable("LPA:1$smdp$code1", hermes.ProfileProperties{Iccid: "8911"})
	f.hermes.SetInstallable("LPA:1$smdp$code2", hermes.ProfileProperties{Iccid: "8912"})

	hold, err := f.inhibitor.Acquire(context.Background(), inhibit.ReasonInstallingProfile)
	require.NoError(t, err)

	id1, err := f.policy.InstallESim(network("g1", "LPA:1$smdp$code1"))
	require.NoError(t, err)
	id2, err := f.policy.InstallESim(network("g2", "LPA:1$smdp$code2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		reqs := f.policy.PendingRequests()
		return len(reqs) == 2 && reqs[0].State == StateRefreshingProfileList
	}, waitFor, tick)
	reqs := f.policy.PendingRequests()
	assert.Equal(t, id1, reqs[0].ID)
	assert.Equal(t, id2, reqs[1].ID)
	assert.Equal(t, StateQueued, reqs[1].State)
	assert.Zero(t, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))

	hold.Release()
	f.waitForDrain(t)

	e, err := f.hermes.EuiccProperties(context.Background(), euicc)
	require.NoError(t, err)
	require.Len(t, e.InstalledProfiles, 2)
	first, err := f.hermes.ProfileProperties(context.Background(), e.InstalledProfiles[0])
	require.NoError(t, err)
	assert.Equal(t, "LPA:1$smdp$code1", first.ActivationCode)

	assert.Equal(t, 2, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))
	assert.Equal(t, 1, f.hermes.Calls(hermes.EuiccMethodRefreshInstalledProfiles))
	assert.Len(t, f.shill.Configured(), 2)
	require.Eventually(t, func() bool { return f.applied.Load() == 1 }, waitFor, tick)
}

func TestExistingProfileOnlyConfiguresService(t *testing.T) {
	f := newFixture(t)
	f.shill.AddCellularDevice()
	euicc := f.hermes.AddEuicc("E1", true)
	f.hermes.AddProfile(euicc, hermes.ProfileProperties{
		Iccid:          "8901",
		ActivationCode: "LPA:1$smdp$ABC",
		State:          hermes.ProfileStateInactive,
	})
	f.attachStore(t, "E1")
	_, ok := f.profiles.ProfileByICCID("8901")
	require.True(t, ok)

	n := network("guid-c", "LPA:1$smdp$ABC")
	n.Cellular.ICCID = "8901"
	_, err := f.policy.InstallESim(n)
	require.NoError(t, err)
	f.waitForDrain(t)

	assert.Zero(t, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))
	configured := f.shill.Configured()
	require.Len(t, configured, 1)
	assert.Equal(t, "guid-c", configured[0].GUID)
	assert.Equal(t, "8901", configured[0].ICCID)
	assert.Equal(t, "E1", configured[0].EID)
}

func TestOtherFailuresDroppedAfterRetryLimit(t *testing.T) {
	f := newFixture(t)
	f.ready()
	f.hermes.SetError(hermes.EuiccMethodInstallProfileFromActivationCode, hermes.NewError(hermes.StatusInternalLpaFailure))

	_, err := f.policy.InstallESim(network("g", "LPA:1$smdp$X"))
	require.NoError(t, err)

	var last time.Duration
	for attempt := 1; attempt < 3; attempt++ {
		info := f.waitForState(t, StateWaitingForRetry, 1)
		assert.Equal(t, attempt, info.Failures)
		assert.Equal(t, ReasonOther.String(), info.LastFailure)
		require.NotNil(t, info.NextAttempt)

		delay := info.NextAttempt.Sub(f.clock.Now())
		assert.GreaterOrEqual(t, delay, 24*time.Hour)
		assert.GreaterOrEqual(t, delay, last)
		last = delay
		f.clock.Advance(delay)
	}

	f.waitForDrain(t)
	assert.Equal(t, 3, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))
	assert.Zero(t, f.clock.Pending())

	f.clock.Advance(72 * time.Hour)
	assert.Equal(t, 3, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))
}

func TestMissingConnectivityCountsAgainstLimit(t *testing.T) {
	f := newFixture(t)
	f.ready()
	f.shill.SetOnline(false)

	_, err := f.policy.InstallESim(network("g", "LPA:1$smdp$X"))
	require.NoError(t, err)

	want := []time.Duration{5 * time.Minute, 10 * time.Minute}
	for i, d := range want {
		info := f.waitForState(t, StateWaitingForRetry, 1)
		assert.Equal(t, i+1, info.Failures)
		assert.Equal(t, ReasonMissingNonCellularConnectivity.String(), info.LastFailure)
		assert.Equal(t, d, info.NextAttempt.Sub(f.clock.Now()))
		f.clock.Advance(d)
	}
	f.waitForDrain(t)
	assert.Zero(t, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))
}

func TestInternalErrorsRetryWithoutLimit(t *testing.T) {
	f := newFixture(t)
	f.hermes.SetInstallable("LPA:1$smdp$X", hermes.ProfileProperties{Iccid: "8920"})

	_, err := f.policy.InstallESim(network("g", "LPA:1$smdp$X"))
	require.NoError(t, err)

	want := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, time.Hour, time.Hour}
	for _, d := range want {
		f.waitForState(t, StateWaitingForDevice, 1)
		f.clock.Advance(30 * time.Second)

		info := f.waitForState(t, StateWaitingForRetry, 1)
		assert.Zero(t, info.Failures)
		assert.Equal(t, ReasonInternalError.String(), info.LastFailure)
		assert.Equal(t, d, info.NextAttempt.Sub(f.clock.Now()))
		f.clock.Advance(d)
	}

	info := f.waitForState(t, StateWaitingForDevice, 1)
	assert.Equal(t, len(want)+1, info.Attempts)

	f.ready()
	f.waitForDrain(t)
	assert.Equal(t, 1, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))
	_, ok := f.profiles.ProfileByICCID("8920")
	assert.False(t, ok, "no store attached")
}

func TestWaitsForEuicc(t *testing.T) {
	f := newFixture(t)
	f.shill.AddCellularDevice()
	f.shill.SetOnline(true)

	_, err := f.policy.InstallESim(network("g", "LPA:1$smdp$X"))
	require.NoError(t, err)
	f.waitForState(t, StateWaitingForEuicc, 1)

	f.hermes.AddEuicc("E1", true)
	f.waitForDrain(t)
	assert.Equal(t, 1, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))
	assert.Zero(t, f.clock.Pending())
}

func TestEuiccWaitTimesOut(t *testing.T) {
	f := newFixture(t)
	f.shill.AddCellularDevice()

	_, err := f.policy.InstallESim(network("g", "LPA:1$smdp$X"))
	require.NoError(t, err)
	f.waitForState(t, StateWaitingForEuicc, 1)

	f.clock.Advance(3 * time.Minute)
	info := f.waitForState(t, StateWaitingForRetry, 1)
	assert.Equal(t, ReasonInternalError.String(), info.LastFailure)
	assert.Zero(t, info.Failures)
}

func TestUserErrorDroppedImmediately(t *testing.T) {
	f := newFixture(t)
	f.ready()
	f.hermes.SetError(hermes.EuiccMethodInstallProfileFromActivationCode, hermes.NewError(hermes.StatusInvalidActivationCode))

	_, err := f.policy.InstallESim(network("g", "LPA:1$smdp$bad"))
	require.NoError(t, err)
	f.waitForDrain(t)

	assert.Equal(t, 1, f.hermes.Calls(hermes.EuiccMethodInstallProfileFromActivationCode))
	assert.Zero(t, f.clock.Pending())
	require.Eventually(t, func() bool { return f.applied.Load() == 1 }, waitFor, tick)
}

func TestShutdownStopsRetries(t *testing.T) {
	f := newFixture(t)
	f.ready()
	f.shill.SetOnline(false)

	_, err := f.policy.InstallESim(network("g", "LPA:1$smdp$X"))
	require.NoError(t, err)
	f.waitForState(t, StateWaitingForRetry, 1)

	f.policy.Shutdown()
	assert.Zero(t, f.clock.Pending())
	_, err = f.policy.InstallESim(network("g2", "LPA:1$smdp$Y"))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ReasonMissingNonCellularConnectivity, classify(esim.ErrNoNonCellularConnectivity))
	assert.Equal(t, ReasonInternalError, classify(errors.Join(esim.ErrInhibitFailed, errors.New("busy"))))
	assert.Equal(t, ReasonUserError, classify(hermes.NewError(hermes.StatusWrongState)))
	assert.Equal(t, ReasonOther, classify(hermes.NewError(hermes.StatusSendHttpsFailure)))
	assert.Equal(t, ReasonOther, classify(esim.ErrNoPendingProfile))
}
