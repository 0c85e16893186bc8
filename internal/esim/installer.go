package esim

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/inhibit"
	"github.com/technosupport/esimd/internal/onc"
	"github.com/technosupport/esimd/internal/shill"
)

var (
	ErrNoNonCellularConnectivity = errors.New("esim: no non-cellular connectivity")
	ErrNoPendingProfile          = errors.New("esim: sm-ds scan found no profile")
)

// InstallRequest describes one profile download.
type InstallRequest struct {
	Euicc            dbus.ObjectPath
	ActivationCode   onc.ActivationCode
	ConfirmationCode string

	// Network configures the shill service of the new profile. A default
	// auto-connecting service is created when nil.
	Network *onc.CellularNetwork

	// Lock is an inhibit lock already held by the caller, who keeps ownership.
	Lock *inhibit.Lock
}

// Installer downloads profiles and creates their shill services.
type Installer struct {
	handler *ProfileHandler
	log     *zap.Logger
}

func NewInstaller(h *ProfileHandler) *Installer {
	return &Installer{handler: h, log: h.log.Named("installer")}
}

// Install downloads a profile from an SM-DP+ activation code, or discovers one
// through SM-DS and installs it. Installing requires a non-cellular route to
// the internet.
func (i *Installer) Install(ctx context.Context, req InstallRequest) (dbus.ObjectPath, error) {
	h := i.handler
	online, err := h.shill.HasNonCellularConnectivity(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoNonCellularConnectivity, err)
	}
	if !online {
		return "", ErrNoNonCellularConnectivity
	}

	lock := req.Lock
	if lock == nil {
		l, err := h.inhibitor.Acquire(ctx, inhibit.ReasonInstallingProfile)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInhibitFailed, err)
		}
		defer l.Release()
	}

	var profile dbus.ObjectPath
	switch req.ActivationCode.Type {
	case onc.ActivationCodeSMDS:
		pending, err := h.hermes.RefreshSmdxProfiles(ctx, req.Euicc, req.ActivationCode.Value, true)
		if err != nil {
			return "", err
		}
		if len(pending) == 0 {
			return "", ErrNoPendingProfile
		}
		profile, err = i.installPending(ctx, req.Euicc, pending[0], req.ConfirmationCode)
		if err != nil {
			return "", err
		}
	default:
		profile, err = h.hermes.InstallProfileFromActivationCode(ctx, req.Euicc, req.ActivationCode.Value, req.ConfirmationCode)
		if err != nil {
			return "", err
		}
	}

	i.log.Info("installed profile",
		zap.String("euicc", string(req.Euicc)),
		zap.String("profile", string(profile)),
		zap.Stringer("code_type", req.ActivationCode.Type),
	)
	if err := i.configureProfile(ctx, req.Euicc, profile, req.Network); err != nil {
		return profile, err
	}
	h.recompute(ctx)
	return profile, nil
}

// InstallPending installs a profile previously discovered through SM-DS.
func (i *Installer) InstallPending(ctx context.Context, euicc, profile dbus.ObjectPath, confirmationCode string) (dbus.ObjectPath, error) {
	lock, err := i.handler.inhibitor.Acquire(ctx, inhibit.ReasonInstallingProfile)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInhibitFailed, err)
	}
	defer lock.Release()

	installed, err := i.installPending(ctx, euicc, profile, confirmationCode)
	if err != nil {
		return "", err
	}
	if err := i.configureProfile(ctx, euicc, installed, nil); err != nil {
		return installed, err
	}
	i.handler.recompute(ctx)
	return installed, nil
}

func (i *Installer) installPending(ctx context.Context, euicc, profile dbus.ObjectPath, confirmationCode string) (dbus.ObjectPath, error) {
	i.handler.MarkInstalling(ctx, profile, true)
	defer i.handler.MarkInstalling(ctx, profile, false)
	return i.handler.hermes.InstallPendingProfile(ctx, euicc, profile, confirmationCode)
}

func (i *Installer) configureProfile(ctx context.Context, euicc, profile dbus.ObjectPath, network *onc.CellularNetwork) error {
	h := i.handler
	eprops, err := h.hermes.EuiccProperties(ctx, euicc)
	if err != nil {
		return fmt.Errorf("read euicc %s: %w", euicc, err)
	}
	pprops, err := h.hermes.ProfileProperties(ctx, profile)
	if err != nil {
		return fmt.Errorf("read profile %s: %w", profile, err)
	}

	var cfg shill.ServiceConfig
	if network != nil {
		cfg = network.ServiceConfig(eprops.Eid, pprops.Iccid)
	} else {
		name := pprops.Nickname
		if name == "" {
			name = pprops.ServiceProvider
		}
		cfg = shill.ServiceConfig{
			GUID:        uuid.NewString(),
			Name:        name,
			ICCID:       pprops.Iccid,
			EID:         eprops.Eid,
			AutoConnect: true,
		}
	}
	if _, err := h.shill.ConfigureCellularService(ctx, cfg); err != nil {
		return err
	}
	return nil
}

// ConfigureNetwork applies network to a profile that is already installed.
func (i *Installer) ConfigureNetwork(ctx context.Context, network onc.CellularNetwork, eid, iccid string) error {
	_, err := i.handler.shill.ConfigureCellularService(ctx, network.ServiceConfig(eid, iccid))
	return err
}
