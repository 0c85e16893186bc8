package esim

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/inhibit"
	"github.com/technosupport/esimd/internal/metrics"
)

var (
	// ErrInhibitFailed means the inhibit lock could not be acquired.
	ErrInhibitFailed = errors.New("esim: failed to acquire inhibit lock")
	ErrShutdown      = errors.New("esim: handler shut down")
)

// RefreshState is the per-EUICC refresh progress.
type RefreshState int

const (
	RefreshIdle RefreshState = iota
	RefreshInhibiting
	RefreshRefreshing
)

func (s RefreshState) String() string {
	switch s {
	case RefreshInhibiting:
		return "inhibiting"
	case RefreshRefreshing:
		return "refreshing"
	default:
		return "idle"
	}
}

type Result int

const (
	ResultSuccess Result = iota
	ResultFailure
)

func (r Result) String() string {
	if r == ResultSuccess {
		return "success"
	}
	return "failure"
}

// RefreshState reports where the refresh of euicc currently is.
func (h *ProfileHandler) RefreshState(euicc dbus.ObjectPath) RefreshState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshStates[euicc]
}

func (h *ProfileHandler) setRefreshState(euicc dbus.ObjectPath, s RefreshState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s == RefreshIdle {
		delete(h.refreshStates, euicc)
		return
	}
	h.refreshStates[euicc] = s
}

// RefreshProfileList asks Hermes to re-read the installed profiles of euicc.
//
// If lock is non-nil the caller already holds the inhibit lock and keeps
// ownership of it. Otherwise a lock is acquired for the duration of the call
// and concurrent callers for the same EUICC share one Hermes call and its
// outcome. A lock acquisition failure is reported as ErrInhibitFailed; Hermes
// failures come back as *hermes.Error.
func (h *ProfileHandler) RefreshProfileList(ctx context.Context, euicc dbus.ObjectPath, lock *inhibit.Lock) error {
	if lock != nil {
		return h.refresh(ctx, euicc, lock)
	}

	ch := h.flights.DoChan(string(euicc), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(h.ctx, refreshTimeout)
		defer cancel()
		return nil, h.refresh(fctx, euicc, nil)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ProfileHandler) refresh(ctx context.Context, euicc dbus.ObjectPath, lock *inhibit.Lock) error {
	h.setRefreshState(euicc, RefreshInhibiting)
	defer h.setRefreshState(euicc, RefreshIdle)

	if lock == nil {
		l, err := h.inhibitor.Acquire(ctx, inhibit.ReasonRefreshingProfileList)
		if err != nil {
			metrics.RefreshesTotal.WithLabelValues("inhibit_failed").Inc()
			return fmt.Errorf("%w: %v", ErrInhibitFailed, err)
		}
		defer l.Release()
	}

	h.setRefreshState(euicc, RefreshRefreshing)
	if err := h.hermes.RefreshInstalledProfiles(ctx, euicc, true); err != nil {
		metrics.RefreshesTotal.WithLabelValues("fail").Inc()
		h.log.Warn("refresh installed profiles failed",
			zap.String("euicc", string(euicc)),
			zap.Stringer("status", hermes.StatusOf(err)),
			zap.Error(err),
		)
		return err
	}
	if h.isClosed() {
		return ErrShutdown
	}
	metrics.RefreshesTotal.WithLabelValues("success").Inc()

	props, err := h.hermes.EuiccProperties(ctx, euicc)
	if err != nil {
		h.log.Warn("refreshed euicc disappeared", zap.String("euicc", string(euicc)), zap.Error(err))
		h.markRefreshed(ctx, string(euicc))
	} else {
		h.markRefreshed(ctx, props.Eid, string(euicc))
	}
	h.recompute(ctx)
	return nil
}

// RequestAvailableProfiles scans every configured SM-DS server for profiles
// that can be installed on euicc. The returned list is empty on failure.
func (h *ProfileHandler) RequestAvailableProfiles(ctx context.Context, euicc dbus.ObjectPath) (Result, []data.ESimProfile) {
	lock, err := h.inhibitor.Acquire(ctx, inhibit.ReasonRequestingAvailableProfiles)
	if err != nil {
		h.log.Warn("failed to inhibit for sm-ds scan", zap.String("euicc", string(euicc)), zap.Error(err))
		return ResultFailure, nil
	}
	defer lock.Release()

	eprops, err := h.hermes.EuiccProperties(ctx, euicc)
	if err != nil {
		return ResultFailure, nil
	}

	var (
		found     []data.ESimProfile
		succeeded bool
	)
	for _, code := range h.smds {
		paths, err := h.hermes.RefreshSmdxProfiles(ctx, euicc, code, true)
		if err != nil {
			metrics.SmdsScansTotal.WithLabelValues("fail").Inc()
			h.log.Warn("sm-ds scan failed",
				zap.String("euicc", string(euicc)),
				zap.String("activation_code", code),
				zap.Error(err),
			)
			continue
		}
		metrics.SmdsScansTotal.WithLabelValues("success").Inc()
		succeeded = true
		for _, p := range paths {
			pp, err := h.hermes.ProfileProperties(ctx, p)
			if err != nil || pp.Iccid == "" {
				continue
			}
			h.mu.Lock()
			found = append(found, h.toProfileLocked(eprops, pp))
			h.mu.Unlock()
		}
	}
	if !succeeded {
		return ResultFailure, nil
	}
	if h.isClosed() {
		return ResultFailure, nil
	}
	h.recompute(ctx)
	return ResultSuccess, found
}

// autoRefresh refreshes, once, every EUICC that is not in the registry yet.
// Nothing happens without a store or without a cellular device.
func (h *ProfileHandler) autoRefresh(ctx context.Context, euiccs []euiccSnapshot) {
	h.mu.Lock()
	attached := h.store != nil && !h.closed
	h.mu.Unlock()
	if !attached {
		return
	}
	if _, err := h.shill.CellularDevice(ctx); err != nil {
		return
	}
	if euiccs == nil {
		var err error
		if euiccs, err = h.loadEuiccs(ctx); err != nil {
			return
		}
	}

	for _, e := range euiccs {
		path, eid := e.props.Path, e.props.Eid

		h.mu.Lock()
		if h.closed || h.refreshed[eid] || h.refreshed[string(path)] || h.autoRefreshing[path] {
			h.mu.Unlock()
			continue
		}
		h.autoRefreshing[path] = true
		h.wg.Add(1)
		h.mu.Unlock()

		h.log.Info("refreshing profiles for new euicc", zap.String("eid", eid), zap.String("euicc", string(path)))
		go func() {
			defer h.wg.Done()
			err := h.RefreshProfileList(h.ctx, path, nil)
			h.mu.Lock()
			delete(h.autoRefreshing, path)
			h.mu.Unlock()
			if err != nil && !errors.Is(err, ErrShutdown) {
				h.log.Warn("automatic profile refresh failed", zap.String("eid", eid), zap.Error(err))
			}
		}()
	}
}
