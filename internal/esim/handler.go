// Package esim keeps the cached list of eSIM profiles in sync with Hermes,
// coordinates installed-profile refreshes and installs profiles.
package esim

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/events"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/inhibit"
	"github.com/technosupport/esimd/internal/metrics"
	"github.com/technosupport/esimd/internal/shill"
)

// DefaultSmdsActivationCodes are scanned by RequestAvailableProfiles when no
// other list is configured.
var DefaultSmdsActivationCodes = []string{
	"1$lpa.ds.gsma.com$",
	"1$prod.smds.rsp.goog$",
}

const (
	refreshTimeout = 2 * time.Minute
	storeTimeout   = 5 * time.Second
)

type Options struct {
	SmdsActivationCodes []string
}

// ProfileHandler is the single source of truth for the eSIM profiles known to
// exist. Profiles are only visible while a persistent store is attached.
type ProfileHandler struct {
	hermes    hermes.Client
	shill     shill.Client
	inhibitor *inhibit.Inhibitor
	log       *zap.Logger
	smds      []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// recomputeMu serializes snapshot rebuilds.
	recomputeMu sync.Mutex

	mu             sync.Mutex
	store          data.Store
	profiles       []data.ESimProfile
	refreshed      map[string]bool
	unpersisted    []string
	installing     map[dbus.ObjectPath]bool
	refreshStates  map[dbus.ObjectPath]RefreshState
	autoRefreshing map[dbus.ObjectPath]bool
	// sawEuicc is set once Hermes has listed at least one EUICC.
	sawEuicc       bool
	closed         bool

	flights singleflight.Group
	updates *events.Bus[[]data.ESimProfile]
}

func NewProfileHandler(hc hermes.Client, sc shill.Client, inh *inhibit.Inhibitor, logger *zap.Logger, opts Options) *ProfileHandler {
	smds := opts.SmdsActivationCodes
	if len(smds) == 0 {
		smds = DefaultSmdsActivationCodes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProfileHandler{
		hermes:         hc,
		shill:          sc,
		inhibitor:      inh,
		log:            logger.Named("esim"),
		smds:           smds,
		ctx:            ctx,
		cancel:         cancel,
		refreshed:      make(map[string]bool),
		installing:     make(map[dbus.ObjectPath]bool),
		refreshStates:  make(map[dbus.ObjectPath]RefreshState),
		autoRefreshing: make(map[dbus.ObjectPath]bool),
		updates:        events.NewBus[[]data.ESimProfile](),
	}
}

// Start watches Hermes and Shill until Shutdown or ctx is done.
func (h *ProfileHandler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-h.ctx.Done():
			cancel()
		}
	}()

	hermesEvents, err := h.hermes.Watch(ctx)
	if err != nil {
		cancel()
		return err
	}
	shillEvents, err := h.shill.Watch(ctx)
	if err != nil {
		cancel()
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		h.recompute(ctx)
		h.watchLoop(ctx, hermesEvents, shillEvents)
	}()
	return nil
}

func (h *ProfileHandler) watchLoop(ctx context.Context, hermesEvents <-chan hermes.Event, shillEvents <-chan shill.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-hermesEvents:
			if !ok {
				return
			}
			// Fold everything already queued into one rebuild.
			drainHermes(hermesEvents)
			h.recompute(ctx)
		case evt, ok := <-shillEvents:
			if !ok {
				return
			}
			if evt.Kind == shill.EventDevicesChanged {
				h.autoRefresh(ctx, nil)
			}
		}
	}
}

func drainHermes(ch <-chan hermes.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Shutdown stops the watch loop. Outstanding daemon replies are discarded.
func (h *ProfileHandler) Shutdown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

func (h *ProfileHandler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Profiles returns a copy of the current snapshot.
func (h *ProfileHandler) Profiles() []data.ESimProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]data.ESimProfile(nil), h.profiles...)
}

// ProfileByICCID looks up one cached profile.
func (h *ProfileHandler) ProfileByICCID(iccid string) (data.ESimProfile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.profiles {
		if p.ICCID == iccid {
			return p, true
		}
	}
	return data.ESimProfile{}, false
}

// Subscribe registers fn for profile list updates. fn runs on the goroutine
// that rebuilt the list.
func (h *ProfileHandler) Subscribe(fn func([]data.ESimProfile)) *events.Subscription {
	return h.updates.Subscribe(fn)
}

// SetPersistentStore attaches store, or detaches the current one when store is
// nil. Detaching clears the in-memory snapshot without touching persisted data.
func (h *ProfileHandler) SetPersistentStore(ctx context.Context, store data.Store) {
	h.mu.Lock()
	h.store = store
	if store == nil {
		h.profiles = nil
		h.mu.Unlock()
		metrics.ProfilesCached.Set(0)
		return
	}
	h.mu.Unlock()

	persisted, err := store.LoadProfiles(ctx)
	if err != nil {
		h.log.Warn("failed to load persisted profiles", zap.Error(err))
	}
	ids, err := store.RefreshedEuiccs(ctx)
	if err != nil {
		h.log.Warn("failed to load refreshed euicc registry", zap.Error(err))
	}

	h.mu.Lock()
	if h.store != store {
		h.mu.Unlock()
		return
	}
	for _, id := range ids {
		h.refreshed[id] = true
	}
	pending := h.unpersisted
	h.unpersisted = nil
	changed := h.setProfilesLocked(filterEmptyICCID(persisted))
	snapshot := append([]data.ESimProfile(nil), h.profiles...)
	h.mu.Unlock()

	for _, id := range pending {
		if err := store.AddRefreshedEuicc(ctx, id); err != nil {
			h.log.Warn("failed to persist refreshed euicc", zap.String("id", id), zap.Error(err))
		}
	}
	if changed {
		h.notify(snapshot)
	}
	h.recompute(ctx)
}

// HasRefreshedEuicc reports whether an installed-profile refresh has completed
// for the EUICC with the given EID or Hermes path.
func (h *ProfileHandler) HasRefreshedEuicc(eidOrPath string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshed[eidOrPath]
}

func (h *ProfileHandler) markRefreshed(ctx context.Context, ids ...string) {
	h.mu.Lock()
	store := h.store
	var added []string
	for _, id := range ids {
		if id == "" || h.refreshed[id] {
			continue
		}
		h.refreshed[id] = true
		added = append(added, id)
	}
	if store == nil {
		h.unpersisted = append(h.unpersisted, added...)
	}
	h.mu.Unlock()

	if store == nil {
		return
	}
	for _, id := range added {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := store.AddRefreshedEuicc(sctx, id)
		cancel()
		if err != nil {
			h.log.Warn("failed to persist refreshed euicc", zap.String("id", id), zap.Error(err))
		}
	}
}

// MarkInstalling flags a pending profile as being installed so the snapshot
// reports it as Installing until Hermes reports the outcome.
func (h *ProfileHandler) MarkInstalling(ctx context.Context, profile dbus.ObjectPath, installing bool) {
	h.mu.Lock()
	if installing {
		h.installing[profile] = true
	} else {
		delete(h.installing, profile)
	}
	h.mu.Unlock()
	h.recompute(ctx)
}

// Recompute rebuilds the snapshot from Hermes immediately.
func (h *ProfileHandler) Recompute(ctx context.Context) {
	h.recompute(ctx)
}

func (h *ProfileHandler) recompute(ctx context.Context) {
	h.recomputeMu.Lock()
	defer h.recomputeMu.Unlock()
	if h.isClosed() {
		return
	}

	euiccs, err := h.loadEuiccs(ctx)
	if err != nil {
		h.log.Warn("failed to read euiccs from hermes", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.store == nil || h.closed {
		h.mu.Unlock()
		return
	}
	next := h.buildSnapshotLocked(euiccs)
	changed := h.setProfilesLocked(next)
	store := h.store
	snapshot := append([]data.ESimProfile(nil), h.profiles...)
	h.mu.Unlock()

	if changed {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := store.SaveProfiles(sctx, snapshot); err != nil {
			h.log.Warn("failed to persist profiles", zap.Error(err))
		}
		cancel()
		h.notify(snapshot)
	}
	h.autoRefresh(ctx, euiccs)
}

type euiccSnapshot struct {
	props    *hermes.EuiccProperties
	profiles []*hermes.ProfileProperties
}

func (h *ProfileHandler) loadEuiccs(ctx context.Context) ([]euiccSnapshot, error) {
	paths, err := h.hermes.AvailableEuiccs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]euiccSnapshot, 0, len(paths))
	for _, path := range paths {
		props, err := h.hermes.EuiccProperties(ctx, path)
		if err != nil {
			if errors.Is(err, hermes.ErrNoEuicc) {
				continue
			}
			return nil, err
		}
		snap := euiccSnapshot{props: props}
		for _, pp := range append(append([]dbus.ObjectPath(nil), props.InstalledProfiles...), props.PendingProfiles...) {
			prof, err := h.hermes.ProfileProperties(ctx, pp)
			if err != nil {
				h.log.Debug("skipping unreadable profile", zap.String("path", string(pp)), zap.Error(err))
				continue
			}
			snap.profiles = append(snap.profiles, prof)
		}
		out = append(out, snap)
	}
	return out, nil
}

// buildSnapshotLocked converts Hermes state into the cached form. EUICCs that
// Hermes has not loaded profiles for yet keep their cached entries, as does
// the whole cache until Hermes lists its first EUICC.
func (h *ProfileHandler) buildSnapshotLocked(euiccs []euiccSnapshot) []data.ESimProfile {
	if len(euiccs) == 0 {
		if !h.sawEuicc {
			return h.profiles
		}
		return nil
	}
	h.sawEuicc = true
	var next []data.ESimProfile
	for _, e := range euiccs {
		if !e.props.ProfilesRefreshedAtLeastOnce && len(e.profiles) == 0 {
			for _, cached := range h.profiles {
				if cached.EID == e.props.Eid {
					next = append(next, cached)
				}
			}
			continue
		}
		for _, p := range e.profiles {
			if p.Iccid == "" {
				h.log.Debug("ignoring profile without iccid", zap.String("path", string(p.Path)))
				continue
			}
			next = append(next, h.toProfileLocked(e.props, p))
		}
	}
	return next
}

// Describe converts Hermes properties into the cached profile form, including
// the Installing state of profiles flagged with MarkInstalling.
func (h *ProfileHandler) Describe(e *hermes.EuiccProperties, p *hermes.ProfileProperties) data.ESimProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.toProfileLocked(e, p)
}

func (h *ProfileHandler) toProfileLocked(e *hermes.EuiccProperties, p *hermes.ProfileProperties) data.ESimProfile {
	return data.ESimProfile{
		EID:             e.Eid,
		EuiccPath:       string(e.Path),
		Path:            string(p.Path),
		ICCID:           p.Iccid,
		Name:            p.Name,
		Nickname:        p.Nickname,
		ServiceProvider: p.ServiceProvider,
		ActivationCode:  p.ActivationCode,
		State:           h.stateLocked(p),
		Class:           profileClass(p.Class),
	}
}

func (h *ProfileHandler) stateLocked(p *hermes.ProfileProperties) data.ProfileState {
	switch p.State {
	case hermes.ProfileStateActive:
		return data.ProfileStateActive
	case hermes.ProfileStateInactive:
		return data.ProfileStateInactive
	default:
		if h.installing[p.Path] {
			return data.ProfileStateInstalling
		}
		return data.ProfileStatePending
	}
}

func profileClass(c hermes.ProfileClass) data.ProfileClass {
	switch c {
	case hermes.ProfileClassTesting:
		return data.ProfileClassTesting
	case hermes.ProfileClassProvisioning:
		return data.ProfileClassProvisioning
	default:
		return data.ProfileClassOperational
	}
}

func filterEmptyICCID(in []data.ESimProfile) []data.ESimProfile {
	var out []data.ESimProfile
	for _, p := range in {
		if p.ICCID != "" {
			out = append(out, p)
		}
	}
	return out
}

func (h *ProfileHandler) setProfilesLocked(next []data.ESimProfile) bool {
	if len(next) == 0 && len(h.profiles) == 0 {
		return false
	}
	if reflect.DeepEqual(next, h.profiles) {
		return false
	}
	h.profiles = next
	return true
}

func (h *ProfileHandler) notify(snapshot []data.ESimProfile) {
	metrics.ProfilesCached.Set(float64(len(snapshot)))
	metrics.ProfileListUpdatesTotal.Inc()
	h.updates.Publish(snapshot)
}
