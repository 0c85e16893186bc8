package shill

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// FakeClient is an in-memory Shill for tests.
type FakeClient struct {
	mu sync.Mutex

	device       *CellularDevice
	online       bool
	inhibitCalls []bool
	inhibitErr   error
	configured   []ServiceConfig
	configureErr error
	watchers     map[chan Event]struct{}
}

func NewFakeClient() *FakeClient {
	return &FakeClient{watchers: make(map[chan Event]struct{})}
}

// AddCellularDevice makes a cellular device present.
func (f *FakeClient) AddCellularDevice() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device = &CellularDevice{Path: "/device/cellular0"}
	f.emitLocked(Event{Kind: EventDevicesChanged, Path: DBusManagerPath, Property: ManagerPropertyDevices})
}

func (f *FakeClient) RemoveCellularDevice() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device = nil
	f.emitLocked(Event{Kind: EventDevicesChanged, Path: DBusManagerPath, Property: ManagerPropertyDevices})
}

// SetOnline controls HasNonCellularConnectivity.
func (f *FakeClient) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

func (f *FakeClient) SetInhibitError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inhibitErr = err
}

func (f *FakeClient) SetConfigureError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configureErr = err
}

// InhibitCalls returns the sequence of SetCellularInhibited arguments.
func (f *FakeClient) InhibitCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.inhibitCalls...)
}

// Configured returns every service configured so far.
func (f *FakeClient) Configured() []ServiceConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServiceConfig(nil), f.configured...)
}

func (f *FakeClient) emitLocked(evt Event) {
	for ch := range f.watchers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (f *FakeClient) CellularDevice(ctx context.Context) (*CellularDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.device == nil {
		return nil, ErrNoCellularDevice
	}
	cp := *f.device
	return &cp, nil
}

func (f *FakeClient) SetCellularInhibited(ctx context.Context, inhibited bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inhibitCalls = append(f.inhibitCalls, inhibited)
	if f.inhibitErr != nil {
		return f.inhibitErr
	}
	if f.device == nil {
		return ErrNoCellularDevice
	}
	f.device.Inhibited = inhibited
	f.emitLocked(Event{Kind: EventDeviceChanged, Path: f.device.Path, Property: DevicePropertyInhibited})
	return nil
}

func (f *FakeClient) HasNonCellularConnectivity(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online, nil
}

func (f *FakeClient) ConfigureCellularService(ctx context.Context, cfg ServiceConfig) (dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configureErr != nil {
		return "", f.configureErr
	}
	f.configured = append(f.configured, cfg)
	return dbus.ObjectPath(fmt.Sprintf("/service/%d", len(f.configured))), nil
}

func (f *FakeClient) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	f.mu.Lock()
	f.watchers[ch] = struct{}{}
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

var _ Client = (*FakeClient)(nil)
