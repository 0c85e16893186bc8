// Package policy installs administrator-mandated eSIM profiles one at a time,
// retrying failed installs with exponential backoff.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/clock"
	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/events"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/metrics"
	"github.com/technosupport/esimd/internal/onc"
	"github.com/technosupport/esimd/internal/shill"
)

var (
	ErrShutdown        = errors.New("policy: handler shut down")
	errDeviceTimeout   = errors.New("policy: timed out waiting for cellular device")
	errEuiccTimeout    = errors.New("policy: timed out waiting for euicc")
	errNoMatchingEuicc = errors.New("policy: no matching euicc")
)

type Config struct {
	RetryLimit           int           `yaml:"retry_limit" envconfig:"RETRY_LIMIT"`
	DeviceWait           time.Duration `yaml:"device_wait" envconfig:"DEVICE_WAIT"`
	EuiccWait            time.Duration `yaml:"euicc_wait" envconfig:"EUICC_WAIT"`
	OtherFailureMinDelay time.Duration `yaml:"other_failure_min_delay" envconfig:"OTHER_FAILURE_MIN_DELAY"`
	Backoff              BackoffPolicy `yaml:"backoff" envconfig:"BACKOFF"`
}

func DefaultConfig() Config {
	return Config{
		RetryLimit:           3,
		DeviceWait:           30 * time.Second,
		EuiccWait:            3 * time.Minute,
		OtherFailureMinDelay: 24 * time.Hour,
		Backoff:              DefaultBackoff,
	}
}

type retryEntry struct {
	req   *Request
	timer clock.Timer
}

// Handler owns the install queue. Only one request is processed at a time.
type Handler struct {
	cfg       Config
	hermes    hermes.Client
	shill     shill.Client
	profiles  *esim.ProfileHandler
	installer *esim.Installer
	clock     clock.Clock
	log       *zap.Logger

	mu                     sync.Mutex
	queue                  []*Request
	current                *Request
	retrying               map[string]*retryEntry
	needRefreshProfileList bool
	closed                 bool

	wake          chan struct{}
	deviceChanged chan struct{}
	euiccChanged  chan struct{}
	applied       *events.Bus[struct{}]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHandler(cfg Config, hc hermes.Client, sc shill.Client, profiles *esim.ProfileHandler, installer *esim.Installer, clk clock.Clock, logger *zap.Logger) *Handler {
	def := DefaultConfig()
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = def.RetryLimit
	}
	if cfg.DeviceWait <= 0 {
		cfg.DeviceWait = def.DeviceWait
	}
	if cfg.EuiccWait <= 0 {
		cfg.EuiccWait = def.EuiccWait
	}
	if cfg.OtherFailureMinDelay <= 0 {
		cfg.OtherFailureMinDelay = def.OtherFailureMinDelay
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Handler{
		cfg:                    cfg,
		hermes:                 hc,
		shill:                  sc,
		profiles:               profiles,
		installer:              installer,
		clock:                  clk,
		log:                    logger.Named("policy"),
		retrying:               make(map[string]*retryEntry),
		needRefreshProfileList: true,
		wake:                   make(chan struct{}, 1),
		deviceChanged:          make(chan struct{}, 1),
		euiccChanged:           make(chan struct{}, 1),
		applied:                events.NewBus[struct{}](),
	}
}

// Start launches the worker. It returns once the daemon watches are in place.
func (h *Handler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	hermesEvents, err := h.hermes.Watch(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch hermes: %w", err)
	}
	shillEvents, err := h.shill.Watch(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch shill: %w", err)
	}

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(2)
	go h.forwardEvents(ctx, hermesEvents, shillEvents)
	go h.run(ctx)
	return nil
}

// Shutdown stops the worker and pending retry timers. Daemon replies that
// arrive afterwards are ignored.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.closed = true
	for id, e := range h.retrying {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(h.retrying, id)
	}
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// SubscribePoliciesApplied registers fn to run every time the queue drains.
func (h *Handler) SubscribePoliciesApplied(fn func()) *events.Subscription {
	return h.applied.Subscribe(func(struct{}) { fn() })
}

// InstallESim queues an install for network and returns the request ID. A
// network whose activation code is already queued returns the existing ID.
func (h *Handler) InstallESim(network onc.CellularNetwork) (string, error) {
	if err := network.Validate(); err != nil {
		return "", err
	}
	code, _ := network.ActivationCode()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrShutdown
	}
	if existing := h.findLocked(code); existing != nil {
		h.mu.Unlock()
		h.log.Debug("install already requested", zap.String("request_id", existing.ID), zap.String("guid", network.GUID))
		return existing.ID, nil
	}
	req := &Request{
		ID:             uuid.NewString(),
		ActivationCode: code,
		Network:        network,
		QueuedAt:       h.clock.Now(),
		state:          StateQueued,
		backoff:        NewBackoff(h.cfg.Backoff),
	}
	h.queue = append(h.queue, req)
	metrics.PolicyQueueDepth.Set(float64(len(h.queue)))
	h.mu.Unlock()

	h.log.Info("queued policy esim install",
		zap.String("request_id", req.ID),
		zap.String("guid", network.GUID),
		zap.Stringer("code_type", code.Type),
	)
	signal(h.wake)
	return req.ID, nil
}

func (h *Handler) findLocked(code onc.ActivationCode) *Request {
	if h.current != nil && h.current.ActivationCode == code {
		return h.current
	}
	for _, r := range h.queue {
		if r.ActivationCode == code {
			return r
		}
	}
	for _, e := range h.retrying {
		if e.req.ActivationCode == code {
			return e.req
		}
	}
	return nil
}

// PendingRequests lists every request not yet completed or dropped, oldest first.
func (h *Handler) PendingRequests() []RequestInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []RequestInfo
	if h.current != nil {
		out = append(out, h.current.info())
	}
	for _, r := range h.queue {
		out = append(out, r.info())
	}
	for _, e := range h.retrying {
		out = append(out, e.req.info())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *Handler) forwardEvents(ctx context.Context, hermesEvents <-chan hermes.Event, shillEvents <-chan shill.Event) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-hermesEvents:
			if !ok {
				return
			}
			if evt.Kind == hermes.EventEuiccListChanged || evt.Kind == hermes.EventEuiccChanged {
				signal(h.euiccChanged)
			}
		case evt, ok := <-shillEvents:
			if !ok {
				return
			}
			if evt.Kind == shill.EventDevicesChanged {
				signal(h.deviceChanged)
			}
		}
	}
}

func (h *Handler) run(ctx context.Context) {
	defer h.wg.Done()
	for {
		req := h.pop()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-h.wake:
			}
			continue
		}
		h.process(ctx, req)
	}
}

func (h *Handler) pop() *Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.queue) == 0 {
		return nil
	}
	req := h.queue[0]
	h.queue = h.queue[1:]
	h.current = req
	metrics.PolicyQueueDepth.Set(float64(len(h.queue)))
	return req
}

func (h *Handler) setState(req *Request, s RequestState) {
	h.mu.Lock()
	req.state = s
	h.mu.Unlock()
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handler) process(ctx context.Context, req *Request) {
	h.mu.Lock()
	req.attempts++
	h.mu.Unlock()

	reason, err := h.attempt(ctx, req)
	if h.isClosed() {
		return
	}
	fields := []zap.Field{
		zap.String("request_id", req.ID),
		zap.String("guid", req.Network.GUID),
		zap.Int("attempt", req.attempts),
	}
	if err == nil {
		metrics.PolicyInstallAttemptsTotal.WithLabelValues("success", "").Inc()
		h.log.Info("policy esim applied", fields...)
	} else {
		h.handleFailure(req, reason, err, fields)
	}

	h.mu.Lock()
	h.current = nil
	drained := len(h.queue) == 0
	h.mu.Unlock()
	if drained {
		h.log.Debug("cellular policies applied")
		h.applied.Publish(struct{}{})
	}
}

func (h *Handler) attempt(ctx context.Context, req *Request) (FailureReason, error) {
	h.setState(req, StateWaitingForDevice)
	if err := h.waitForDevice(ctx); err != nil {
		return ReasonInternalError, err
	}

	h.setState(req, StateWaitingForEuicc)
	euicc, err := h.waitForEuicc(ctx, req.Network.Cellular.EID)
	if err != nil {
		return ReasonInternalError, err
	}

	if h.takeNeedRefresh() {
		h.setState(req, StateRefreshingProfileList)
		if err := h.profiles.RefreshProfileList(ctx, euicc.Path, nil); err != nil {
			h.mu.Lock()
			h.needRefreshProfileList = true
			h.mu.Unlock()
			return ReasonInternalError, fmt.Errorf("refresh profile list: %w", err)
		}
	}

	h.setState(req, StateInstalling)
	if existing, ok := h.existingProfile(req); ok {
		h.log.Info("profile already installed, configuring service",
			zap.String("request_id", req.ID),
			zap.String("iccid", existing.ICCID),
		)
		if err := h.installer.ConfigureNetwork(ctx, req.Network, existing.EID, existing.ICCID); err != nil {
			return ReasonInternalError, fmt.Errorf("configure existing profile: %w", err)
		}
		return 0, nil
	}

	_, err = h.installer.Install(ctx, esim.InstallRequest{
		Euicc:          euicc.Path,
		ActivationCode: req.ActivationCode,
		Network:        &req.Network,
	})
	return classify(err), err
}

func (h *Handler) takeNeedRefresh() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	need := h.needRefreshProfileList
	h.needRefreshProfileList = false
	return need
}

func (h *Handler) existingProfile(req *Request) (data.ESimProfile, bool) {
	if iccid := req.Network.Cellular.ICCID; iccid != "" {
		if p, ok := h.profiles.ProfileByICCID(iccid); ok && p.State != data.ProfileStatePending {
			return p, true
		}
	}
	if req.ActivationCode.Type != onc.ActivationCodeSMDP {
		return data.ESimProfile{}, false
	}
	for _, p := range h.profiles.Profiles() {
		if p.ActivationCode == req.ActivationCode.Value && p.State != data.ProfileStatePending {
			return p, true
		}
	}
	return data.ESimProfile{}, false
}

func classify(err error) FailureReason {
	var herr *hermes.Error
	switch {
	case err == nil:
		return ReasonInternalError
	case errors.Is(err, esim.ErrNoNonCellularConnectivity):
		return ReasonMissingNonCellularConnectivity
	case errors.Is(err, esim.ErrInhibitFailed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ReasonInternalError
	case errors.As(err, &herr) && herr.Status.IsUserError():
		return ReasonUserError
	default:
		return ReasonOther
	}
}

func (h *Handler) handleFailure(req *Request, reason FailureReason, err error, fields []zap.Field) {
	fields = append(fields, zap.Stringer("reason", reason), zap.Error(err))

	h.mu.Lock()
	req.failed = true
	req.lastReason = reason
	if reason.Countable() {
		req.countable++
	}
	countable := req.countable
	h.mu.Unlock()

	if reason == ReasonUserError {
		metrics.PolicyInstallAttemptsTotal.WithLabelValues("dropped", reason.String()).Inc()
		h.log.Error("dropping request: hermes rejected the activation code", fields...)
		return
	}
	if reason.Countable() && countable >= h.cfg.RetryLimit {
		metrics.PolicyInstallAttemptsTotal.WithLabelValues("dropped", reason.String()).Inc()
		h.log.Error("dropping request after retry limit", append(fields, zap.Int("failures", countable))...)
		return
	}

	now := h.clock.Now()
	h.mu.Lock()
	release := req.backoff.Fail(now)
	if reason == ReasonOther {
		req.backoff.PushReleaseTo(now.Add(h.cfg.OtherFailureMinDelay))
		release = req.backoff.ReleaseTime()
	}
	h.mu.Unlock()
	delay := release.Sub(now)

	metrics.PolicyInstallAttemptsTotal.WithLabelValues("retry", reason.String()).Inc()
	fields = append(fields, zap.Duration("retry_in", delay))
	if reason == ReasonInternalError {
		h.log.Warn("install attempt failed, scheduling retry", fields...)
	} else {
		h.log.Error("install attempt failed, scheduling retry", fields...)
	}
	h.scheduleRetry(req, delay)
}

func (h *Handler) scheduleRetry(req *Request, delay time.Duration) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	req.state = StateWaitingForRetry
	entry := &retryEntry{req: req}
	h.retrying[req.ID] = entry
	h.mu.Unlock()

	t := h.clock.AfterFunc(delay, func() { h.requeue(req.ID) })

	h.mu.Lock()
	if h.retrying[req.ID] == entry {
		entry.timer = t
	}
	h.mu.Unlock()
}

// requeue moves a request whose backoff expired to the tail of the queue.
func (h *Handler) requeue(id string) {
	h.mu.Lock()
	entry, ok := h.retrying[id]
	if !ok || h.closed {
		h.mu.Unlock()
		return
	}
	delete(h.retrying, id)
	entry.req.state = StateQueued
	h.queue = append(h.queue, entry.req)
	metrics.PolicyQueueDepth.Set(float64(len(h.queue)))
	h.mu.Unlock()
	signal(h.wake)
}

// timer returns a channel closed after d and a func that cancels it.
func (h *Handler) timer(d time.Duration) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	var once sync.Once
	t := h.clock.AfterFunc(d, func() { once.Do(func() { close(ch) }) })
	return ch, func() { t.Stop() }
}

func (h *Handler) waitForDevice(ctx context.Context) error {
	if _, err := h.shill.CellularDevice(ctx); err == nil {
		return nil
	}
	timeout, stop := h.timer(h.cfg.DeviceWait)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return errDeviceTimeout
		case <-h.deviceChanged:
			if _, err := h.shill.CellularDevice(ctx); err == nil {
				return nil
			}
		}
	}
}

func (h *Handler) waitForEuicc(ctx context.Context, eid string) (*hermes.EuiccProperties, error) {
	if e, err := h.findEuicc(ctx, eid); err == nil {
		return e, nil
	}
	timeout, stop := h.timer(h.cfg.EuiccWait)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, errEuiccTimeout
		case <-h.euiccChanged:
			if e, err := h.findEuicc(ctx, eid); err == nil {
				return e, nil
			}
		}
	}
}

// findEuicc returns the EUICC with eid, or the active one (falling back to the
// first) when eid is empty.
func (h *Handler) findEuicc(ctx context.Context, eid string) (*hermes.EuiccProperties, error) {
	paths, err := h.hermes.AvailableEuiccs(ctx)
	if err != nil {
		return nil, err
	}
	var first *hermes.EuiccProperties
	for _, p := range paths {
		props, err := h.hermes.EuiccProperties(ctx, p)
		if err != nil {
			continue
		}
		if eid != "" {
			if props.Eid == eid {
				return props, nil
			}
			continue
		}
		if props.IsActive {
			return props, nil
		}
		if first == nil {
			first = props
		}
	}
	if first == nil {
		return nil, errNoMatchingEuicc
	}
	return first, nil
}
