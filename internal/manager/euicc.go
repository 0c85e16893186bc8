package manager

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/inhibit"
	"github.com/technosupport/esimd/internal/onc"
)

// InstallResult is the outcome of installing from an activation code.
type InstallResult int

const (
	InstallSuccess InstallResult = iota
	InstallFailure
	InstallAlreadyInstalling
	InstallNeedsConfirmationCode
	InstallInvalidActivationCode
)

func (r InstallResult) String() string {
	switch r {
	case InstallSuccess:
		return "success"
	case InstallAlreadyInstalling:
		return "already_installing"
	case InstallNeedsConfirmationCode:
		return "needs_confirmation_code"
	case InstallInvalidActivationCode:
		return "invalid_activation_code"
	default:
		return "failure"
	}
}

func (r InstallResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Euicc is the handle for one Hermes EUICC object.
type Euicc struct {
	m    *Manager
	path dbus.ObjectPath
	eid  string

	mu         sync.Mutex
	profiles   map[dbus.ObjectPath]*ESimProfile
	installing map[string]bool
}

func newEuicc(m *Manager, path dbus.ObjectPath, eid string) *Euicc {
	return &Euicc{
		m:          m,
		path:       path,
		eid:        eid,
		profiles:   make(map[dbus.ObjectPath]*ESimProfile),
		installing: make(map[string]bool),
	}
}

func (e *Euicc) EID() string           { return e.eid }
func (e *Euicc) Path() dbus.ObjectPath { return e.path }

func (e *Euicc) Properties(ctx context.Context) (*hermes.EuiccProperties, error) {
	return e.m.hermes.EuiccProperties(ctx, e.path)
}

// Profiles returns handles for installed and pending profiles. Profiles Hermes
// has not assigned an ICCID yet are left out.
func (e *Euicc) Profiles(ctx context.Context) ([]*ESimProfile, error) {
	props, err := e.Properties(ctx)
	if err != nil {
		return nil, err
	}
	paths := append(append([]dbus.ObjectPath(nil), props.InstalledProfiles...), props.PendingProfiles...)

	var out []*ESimProfile
	seen := make(map[dbus.ObjectPath]bool, len(paths))
	for _, p := range paths {
		pp, err := e.m.hermes.ProfileProperties(ctx, p)
		if err != nil {
			e.m.log.Warn("failed to read profile", zap.String("path", string(p)), zap.Error(err))
			continue
		}
		if pp.Iccid == "" {
			e.m.log.Debug("skipping profile without iccid", zap.String("path", string(p)))
			continue
		}
		seen[p] = true
		out = append(out, e.profile(p, pp.Iccid))
	}

	e.mu.Lock()
	for p := range e.profiles {
		if !seen[p] {
			delete(e.profiles, p)
		}
	}
	e.mu.Unlock()
	return out, nil
}

// profile returns the single handle for path, creating it on first use.
func (e *Euicc) profile(path dbus.ObjectPath, iccid string) *ESimProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.profiles[path]
	if p == nil || p.iccid != iccid {
		p = &ESimProfile{euicc: e, path: path, iccid: iccid}
		e.profiles[path] = p
	}
	return p
}

// InstallProfileFromActivationCode downloads a profile from an SM-DP+ server
// and configures a shill service for it. A second install of the same code
// while the first is running returns InstallAlreadyInstalling.
func (e *Euicc) InstallProfileFromActivationCode(ctx context.Context, code, confirmationCode string) (InstallResult, *ESimProfile) {
	code = strings.TrimSpace(code)
	if code == "" {
		observe("install", false)
		return InstallInvalidActivationCode, nil
	}

	e.mu.Lock()
	if e.installing[code] {
		e.mu.Unlock()
		observe("install", false)
		return InstallAlreadyInstalling, nil
	}
	e.installing[code] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.installing, code)
		e.mu.Unlock()
	}()

	log := e.m.log.With(zap.String("eid", e.eid))
	path, err := e.m.installer.Install(ctx, esim.InstallRequest{
		Euicc:            e.path,
		ActivationCode:   onc.ActivationCode{Type: onc.ActivationCodeSMDP, Value: code},
		ConfirmationCode: confirmationCode,
	})
	if path == "" {
		result := installResult(err)
		log.Error("install from activation code failed", zap.Stringer("result", result), zap.Error(err))
		observe("install", false)
		return result, nil
	}
	if err != nil {
		log.Warn("profile installed but service configuration failed", zap.String("profile", string(path)), zap.Error(err))
	}

	observe("install", true)
	e.m.publish(Change{Kind: ChangeProfileList, EID: e.eid})

	pp, err := e.m.hermes.ProfileProperties(ctx, path)
	if err != nil {
		log.Warn("failed to read installed profile", zap.String("profile", string(path)), zap.Error(err))
		return InstallSuccess, nil
	}
	return InstallSuccess, e.profile(path, pp.Iccid)
}

func installResult(err error) InstallResult {
	switch hermes.StatusOf(err) {
	case hermes.StatusNeedConfirmationCode:
		return InstallNeedsConfirmationCode
	case hermes.StatusInvalidActivationCode:
		return InstallInvalidActivationCode
	default:
		return InstallFailure
	}
}

// RefreshInstalledProfiles asks Hermes to re-read the installed profiles.
func (e *Euicc) RefreshInstalledProfiles(ctx context.Context) OperationResult {
	err := e.m.profiles.RefreshProfileList(ctx, e.path, nil)
	if err != nil {
		e.m.log.Warn("profile list refresh failed", zap.String("eid", e.eid), zap.Error(err))
	}
	return e.finish("refresh", Change{Kind: ChangeProfileList, EID: e.eid}, err)
}

// RequestPendingProfiles asks Hermes to fetch profiles pushed to this EUICC
// by the carrier.
func (e *Euicc) RequestPendingProfiles(ctx context.Context) OperationResult {
	err := e.withLock(ctx, inhibit.ReasonRequestingAvailableProfiles, func(ctx context.Context) error {
		return e.m.hermes.RequestPendingProfiles(ctx, e.path, "")
	})
	if err != nil {
		e.m.log.Warn("pending profile request failed", zap.String("eid", e.eid), zap.Error(err))
	} else {
		e.m.profiles.Recompute(ctx)
	}
	return e.finish("request_pending", Change{Kind: ChangeProfileList, EID: e.eid}, err)
}

// RequestAvailableProfiles scans the configured SM-DS servers and returns the
// profiles they offer for this EUICC.
func (e *Euicc) RequestAvailableProfiles(ctx context.Context) (OperationResult, []data.ESimProfile) {
	res, found := e.m.profiles.RequestAvailableProfiles(ctx, e.path)
	var err error
	if res != esim.ResultSuccess {
		err = errors.New("no sm-ds scan succeeded")
	}
	return e.finish("request_available", Change{Kind: ChangeProfileList, EID: e.eid}, err), found
}

func (e *Euicc) withLock(ctx context.Context, reason inhibit.Reason, fn func(ctx context.Context) error) error {
	lock, err := e.m.inhibitor.Acquire(ctx, reason)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn(ctx)
}

func (e *Euicc) finish(op string, c Change, err error) OperationResult {
	observe(op, err == nil)
	if err != nil {
		return OperationFailure
	}
	e.m.publish(c)
	return OperationSuccess
}
