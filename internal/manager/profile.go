package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/inhibit"
)

// OperationResult is the outcome of a profile operation.
type OperationResult int

const (
	OperationSuccess OperationResult = iota
	OperationFailure
)

func (r OperationResult) String() string {
	if r == OperationSuccess {
		return "success"
	}
	return "failure"
}

func (r OperationResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

var errPrecondition = errors.New("profile state does not allow this operation")

// ESimProfile is the handle for one Hermes profile object.
type ESimProfile struct {
	euicc *Euicc
	path  dbus.ObjectPath
	iccid string

	mu   sync.Mutex
	busy bool
}

func (p *ESimProfile) ICCID() string         { return p.iccid }
func (p *ESimProfile) Path() dbus.ObjectPath { return p.path }
func (p *ESimProfile) Euicc() *Euicc         { return p.euicc }

// Info reads the profile from Hermes.
func (p *ESimProfile) Info(ctx context.Context) (data.ESimProfile, error) {
	m := p.euicc.m
	eprops, err := m.hermes.EuiccProperties(ctx, p.euicc.path)
	if err != nil {
		return data.ESimProfile{}, err
	}
	pprops, err := m.hermes.ProfileProperties(ctx, p.path)
	if err != nil {
		return data.ESimProfile{}, err
	}
	info := m.profiles.Describe(eprops, pprops)

	p.mu.Lock()
	if p.busy && info.State == data.ProfileStatePending {
		info.State = data.ProfileStateInstalling
	}
	p.mu.Unlock()
	return info, nil
}

// InstallProfile installs a pending profile discovered through SM-DS.
func (p *ESimProfile) InstallProfile(ctx context.Context, confirmationCode string) OperationResult {
	return p.run(ctx, "install_pending", Change{Kind: ChangeProfileList}, func(s data.ProfileState) bool {
		return s == data.ProfileStatePending
	}, func(ctx context.Context) error {
		_, err := p.euicc.m.installer.InstallPending(ctx, p.euicc.path, p.path, confirmationCode)
		return err
	})
}

func (p *ESimProfile) Enable(ctx context.Context) OperationResult {
	return p.run(ctx, "enable", Change{Kind: ChangeProfile}, func(s data.ProfileState) bool {
		return s == data.ProfileStateInactive
	}, p.locked(inhibit.ReasonConnectingToProfile, func(ctx context.Context) error {
		return p.euicc.m.hermes.EnableProfile(ctx, p.path)
	}))
}

func (p *ESimProfile) Disable(ctx context.Context) OperationResult {
	return p.run(ctx, "disable", Change{Kind: ChangeProfile}, func(s data.ProfileState) bool {
		return s == data.ProfileStateActive
	}, p.locked(inhibit.ReasonDisablingProfile, func(ctx context.Context) error {
		return p.euicc.m.hermes.DisableProfile(ctx, p.path)
	}))
}

func (p *ESimProfile) Uninstall(ctx context.Context) OperationResult {
	return p.run(ctx, "uninstall", Change{Kind: ChangeProfileList}, installed, p.locked(inhibit.ReasonRemovingProfile, func(ctx context.Context) error {
		return p.euicc.m.hermes.UninstallProfile(ctx, p.euicc.path, p.path)
	}))
}

func (p *ESimProfile) SetNickname(ctx context.Context, nickname string) OperationResult {
	return p.run(ctx, "rename", Change{Kind: ChangeProfile}, installed, p.locked(inhibit.ReasonRenamingProfile, func(ctx context.Context) error {
		return p.euicc.m.hermes.RenameProfile(ctx, p.path, nickname)
	}))
}

func installed(s data.ProfileState) bool {
	return s == data.ProfileStateActive || s == data.ProfileStateInactive
}

func (p *ESimProfile) locked(reason inhibit.Reason, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return p.euicc.withLock(ctx, reason, fn)
	}
}

// run checks the precondition against the current Hermes state, performs op
// and publishes c once when it succeeds. Only one operation runs per profile.
func (p *ESimProfile) run(ctx context.Context, name string, c Change, allowed func(data.ProfileState) bool, op func(ctx context.Context) error) OperationResult {
	m := p.euicc.m
	log := m.log.With(zap.String("op", name), zap.String("iccid", p.iccid))

	info, err := p.Info(ctx)
	if err != nil {
		log.Warn("failed to read profile", zap.Error(err))
		observe(name, false)
		return OperationFailure
	}

	p.mu.Lock()
	if p.busy || !allowed(info.State) {
		p.mu.Unlock()
		log.Warn("operation rejected", zap.String("state", string(info.State)), zap.Error(errPrecondition))
		observe(name, false)
		return OperationFailure
	}
	p.busy = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
	}()

	if err := op(ctx); err != nil {
		log.Error("profile operation failed", zap.Error(fmt.Errorf("%s %s: %w", name, p.path, err)))
		observe(name, false)
		return OperationFailure
	}
	m.profiles.Recompute(ctx)

	c.EID = p.euicc.eid
	c.ICCID = p.iccid
	observe(name, true)
	m.publish(c)
	return OperationSuccess
}
