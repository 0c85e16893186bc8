// Package manager exposes the EUICCs and profiles Hermes reports as long-lived
// handles with precondition-checked operations.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/events"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/inhibit"
	"github.com/technosupport/esimd/internal/metrics"
)

var (
	ErrEuiccNotFound   = errors.New("manager: euicc not found")
	ErrProfileNotFound = errors.New("manager: profile not found")
)

type ChangeKind string

const (
	ChangeEuiccList   ChangeKind = "euicc_list_changed"
	ChangeProfileList ChangeKind = "profile_list_changed"
	ChangeProfile     ChangeKind = "profile_changed"
)

// Change is published once for every completed operation or EUICC list update.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	EID   string     `json:"eid,omitempty"`
	ICCID string     `json:"iccid,omitempty"`
}

// Manager owns one Euicc handle per Hermes EUICC object.
type Manager struct {
	hermes    hermes.Client
	profiles  *esim.ProfileHandler
	installer *esim.Installer
	inhibitor *inhibit.Inhibitor
	log       *zap.Logger

	mu     sync.Mutex
	euiccs map[dbus.ObjectPath]*Euicc

	changes *events.Bus[Change]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(hc hermes.Client, profiles *esim.ProfileHandler, installer *esim.Installer, inh *inhibit.Inhibitor, logger *zap.Logger) *Manager {
	return &Manager{
		hermes:    hc,
		profiles:  profiles,
		installer: installer,
		inhibitor: inh,
		log:       logger.Named("manager"),
		euiccs:    make(map[dbus.ObjectPath]*Euicc),
		changes:   events.NewBus[Change](),
	}
}

// Start loads the EUICC list and keeps it in sync with Hermes until ctx is
// done or Shutdown is called.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	evts, err := m.hermes.Watch(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch hermes: %w", err)
	}
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if _, err := m.sync(ctx); err != nil {
		m.log.Warn("initial euicc enumeration failed", zap.Error(err))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-evts:
				if !ok {
					return
				}
				if evt.Kind != hermes.EventEuiccListChanged {
					continue
				}
				if _, err := m.sync(ctx); err != nil {
					m.log.Warn("euicc enumeration failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Subscribe registers fn for every Change.
func (m *Manager) Subscribe(fn func(Change)) *events.Subscription {
	return m.changes.Subscribe(fn)
}

func (m *Manager) publish(c Change) {
	m.changes.Publish(c)
}

// Euiccs re-enumerates Hermes and returns the current handles in daemon order.
func (m *Manager) Euiccs(ctx context.Context) ([]*Euicc, error) {
	return m.sync(ctx)
}

// Euicc returns the handle whose EID is eid.
func (m *Manager) Euicc(ctx context.Context, eid string) (*Euicc, error) {
	list, err := m.sync(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		if e.eid == eid {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEuiccNotFound, eid)
}

// ProfileByICCID searches every EUICC for an installed or pending profile.
func (m *Manager) ProfileByICCID(ctx context.Context, iccid string) (*ESimProfile, error) {
	list, err := m.sync(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		profiles, err := e.Profiles(ctx)
		if err != nil {
			m.log.Warn("failed to list profiles", zap.String("eid", e.eid), zap.Error(err))
			continue
		}
		for _, p := range profiles {
			if p.iccid == iccid {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, iccid)
}

// sync coalesces handles by daemon path. A path that now reports a different
// EID gets a fresh handle.
func (m *Manager) sync(ctx context.Context) ([]*Euicc, error) {
	paths, err := m.hermes.AvailableEuiccs(ctx)
	if err != nil {
		return nil, err
	}
	props := make(map[dbus.ObjectPath]*hermes.EuiccProperties, len(paths))
	for _, p := range paths {
		ep, err := m.hermes.EuiccProperties(ctx, p)
		if err != nil {
			m.log.Warn("failed to read euicc", zap.String("path", string(p)), zap.Error(err))
			continue
		}
		props[p] = ep
	}

	m.mu.Lock()
	changed := len(props) != len(m.euiccs)
	next := make(map[dbus.ObjectPath]*Euicc, len(props))
	var out []*Euicc
	for _, p := range paths {
		ep, ok := props[p]
		if !ok {
			continue
		}
		e := m.euiccs[p]
		if e == nil || e.eid != ep.Eid {
			e = newEuicc(m, p, ep.Eid)
			changed = true
		}
		next[p] = e
		out = append(out, e)
	}
	m.euiccs = next
	m.mu.Unlock()

	if changed {
		m.log.Info("euicc list changed", zap.Int("count", len(out)))
		m.publish(Change{Kind: ChangeEuiccList})
	}
	return out, nil
}

func observe(op string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	metrics.FacadeOperationsTotal.WithLabelValues(op, result).Inc()
}
