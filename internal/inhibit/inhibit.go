// Package inhibit serializes operations that change cellular hardware state.
// Holding a Lock keeps the cellular device inhibited in shill.
package inhibit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/technosupport/esimd/internal/shill"
)

// Reason names the operation holding the lock.
type Reason string

const (
	ReasonInstallingProfile           Reason = "installing_profile"
	ReasonRenamingProfile             Reason = "renaming_profile"
	ReasonRemovingProfile             Reason = "removing_profile"
	ReasonConnectingToProfile         Reason = "connecting_to_profile"
	ReasonRefreshingProfileList       Reason = "refreshing_profile_list"
	ReasonRequestingAvailableProfiles Reason = "requesting_available_profiles"
	ReasonDisablingProfile            Reason = "disabling_profile"
)

var ErrNoCellularDevice = errors.New("inhibit: no cellular device")

const releaseTimeout = 10 * time.Second

// Inhibitor hands out at most one Lock at a time.
type Inhibitor struct {
	shill shill.Client
	sem   *semaphore.Weighted
	log   *zap.Logger

	mu     sync.Mutex
	holder Reason
}

func New(client shill.Client, logger *zap.Logger) *Inhibitor {
	return &Inhibitor{
		shill: client,
		sem:   semaphore.NewWeighted(1),
		log:   logger.Named("inhibit"),
	}
}

// Acquire blocks until the lock is free, then inhibits the cellular device.
func (i *Inhibitor) Acquire(ctx context.Context, reason Reason) (*Lock, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for inhibit lock: %w", err)
	}
	if err := i.shill.SetCellularInhibited(ctx, true); err != nil {
		i.sem.Release(1)
		if errors.Is(err, shill.ErrNoCellularDevice) {
			return nil, ErrNoCellularDevice
		}
		return nil, fmt.Errorf("inhibit cellular device: %w", err)
	}

	i.mu.Lock()
	i.holder = reason
	i.mu.Unlock()
	i.log.Debug("inhibit lock acquired", zap.String("reason", string(reason)))
	return &Lock{owner: i, reason: reason}, nil
}

// Holder returns the reason of the current lock, or "" when unlocked.
func (i *Inhibitor) Holder() Reason {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.holder
}

func (i *Inhibitor) release(reason Reason) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := i.shill.SetCellularInhibited(ctx, false); err != nil {
		i.log.Warn("failed to uninhibit cellular device", zap.String("reason", string(reason)), zap.Error(err))
	}
	i.mu.Lock()
	i.holder = ""
	i.mu.Unlock()
	i.sem.Release(1)
	i.log.Debug("inhibit lock released", zap.String("reason", string(reason)))
}

// Lock is the exclusive right to change cellular hardware state.
type Lock struct {
	owner  *Inhibitor
	reason Reason
	once   sync.Once
}

func (l *Lock) Reason() Reason {
	return l.reason
}

// Release gives the lock back. Calling it more than once is a no-op.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.owner.release(l.reason) })
}
