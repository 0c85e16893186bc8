package inhibit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/shill"
)

func TestInhibitor_AcquireRelease(t *testing.T) {
	sh := shill.NewFakeClient()
	sh.AddCellularDevice()
	inh := New(sh, zap.NewNop())

	lock, err := inh.Acquire(context.Background(), ReasonRefreshingProfileList)
	require.NoError(t, err)
	assert.Equal(t, ReasonRefreshingProfileList, inh.Holder())

	lock.Release()
	lock.Release()
	assert.Equal(t, Reason(""), inh.Holder())
	assert.Equal(t, []bool{true, false}, sh.InhibitCalls())
}

func TestInhibitor_Exclusive(t *testing.T) {
	sh := shill.NewFakeClient()
	sh.AddCellularDevice()
	inh := New(sh, zap.NewNop())

	first, err := inh.Acquire(context.Background(), ReasonInstallingProfile)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = inh.Acquire(ctx, ReasonRenamingProfile)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Lock, 1)
	go func() {
		l, err := inh.Acquire(context.Background(), ReasonRenamingProfile)
		if err == nil {
			got <- l
		}
	}()
	first.Release()

	select {
	case l := <-got:
		assert.Equal(t, ReasonRenamingProfile, l.Reason())
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}
}

func TestInhibitor_NoDevice(t *testing.T) {
	inh := New(shill.NewFakeClient(), zap.NewNop())
	_, err := inh.Acquire(context.Background(), ReasonRefreshingProfileList)
	assert.ErrorIs(t, err, ErrNoCellularDevice)

	sh := shill.NewFakeClient()
	sh.AddCellularDevice()
	sh.SetInhibitError(errors.New("busy"))
	inh = New(sh, zap.NewNop())
	_, err = inh.Acquire(context.Background(), ReasonRefreshingProfileList)
	require.Error(t, err)

	sh.SetInhibitError(nil)
	l, err := inh.Acquire(context.Background(), ReasonRefreshingProfileList)
	require.NoError(t, err)
	l.Release()
}
