package hermes

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// FakeClient is an in-memory Hermes used by tests across the module.
type FakeClient struct {
	mu sync.Mutex

	euiccOrder []dbus.ObjectPath
	euiccs     map[dbus.ObjectPath]*EuiccProperties
	profiles   map[dbus.ObjectPath]*ProfileProperties
	owner      map[dbus.ObjectPath]dbus.ObjectPath
	nextID     int

	installable map[string]ProfileProperties
	smdx        map[string][]ProfileProperties

	stickyErrs map[string]error
	queuedErrs map[string][]error
	calls      map[string]int

	refreshGate chan struct{}
	watchers    map[chan Event]struct{}
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		euiccs:      make(map[dbus.ObjectPath]*EuiccProperties),
		profiles:    make(map[dbus.ObjectPath]*ProfileProperties),
		owner:       make(map[dbus.ObjectPath]dbus.ObjectPath),
		installable: make(map[string]ProfileProperties),
		smdx:        make(map[string][]ProfileProperties),
		stickyErrs:  make(map[string]error),
		queuedErrs:  make(map[string][]error),
		calls:       make(map[string]int),
		watchers:    make(map[chan Event]struct{}),
	}
}

// AddEuicc registers a new EUICC and returns its path.
func (f *FakeClient) AddEuicc(eid string, active bool) dbus.ObjectPath {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	path := dbus.ObjectPath(fmt.Sprintf("/org/chromium/Hermes/euicc/%d", f.nextID))
	f.euiccs[path] = &EuiccProperties{Path: path, Eid: eid, IsActive: active, PhysicalSlot: int32(len(f.euiccOrder))}
	f.euiccOrder = append(f.euiccOrder, path)
	f.emitLocked(Event{Kind: EventEuiccListChanged, Path: DBusManagerPath, Changed: []string{ManagerPropertyAvailableEuiccs}})
	return path
}

// RemoveEuicc drops an EUICC and its profiles.
func (f *FakeClient) RemoveEuicc(euicc dbus.ObjectPath) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.euiccs, euicc)
	for i, p := range f.euiccOrder {
		if p == euicc {
			f.euiccOrder = append(f.euiccOrder[:i], f.euiccOrder[i+1:]...)
			break
		}
	}
	for p, o := range f.owner {
		if o == euicc {
			delete(f.profiles, p)
			delete(f.owner, p)
		}
	}
	f.emitLocked(Event{Kind: EventEuiccListChanged, Path: DBusManagerPath, Changed: []string{ManagerPropertyAvailableEuiccs}})
}

// AddProfile attaches a profile to euicc. Pending profiles are listed under
// PendingProfiles, everything else under InstalledProfiles.
func (f *FakeClient) AddProfile(euicc dbus.ObjectPath, props ProfileProperties) dbus.ObjectPath {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.addProfileLocked(euicc, props)
	f.emitLocked(Event{Kind: EventEuiccChanged, Path: euicc, Changed: []string{EuiccPropertyInstalledProfiles, EuiccPropertyPendingProfiles}})
	return path
}

func (f *FakeClient) addProfileLocked(euicc dbus.ObjectPath, props ProfileProperties) dbus.ObjectPath {
	f.nextID++
	path := dbus.ObjectPath(fmt.Sprintf("/org/chromium/Hermes/profile/%d", f.nextID))
	props.Path = path
	f.profiles[path] = &props
	f.owner[path] = euicc
	e := f.euiccs[euicc]
	if e == nil {
		return path
	}
	if props.State == ProfileStatePending {
		e.PendingProfiles = append(e.PendingProfiles, path)
	} else {
		e.InstalledProfiles = append(e.InstalledProfiles, path)
	}
	return path
}

// SetProfileIccid updates a profile's ICCID and emits a property change.
func (f *FakeClient) SetProfileIccid(profile dbus.ObjectPath, iccid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.profiles[profile]; p != nil {
		p.Iccid = iccid
		f.emitLocked(Event{Kind: EventProfileChanged, Path: profile, Changed: []string{ProfilePropertyIccid}})
	}
}

// SetInstallable makes InstallProfileFromActivationCode(code) create a profile
// with props instead of a generated one.
func (f *FakeClient) SetInstallable(activationCode string, props ProfileProperties) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installable[activationCode] = props
}

// SetSmdxProfiles sets the pending profiles an SM-DS scan of activationCode discovers.
func (f *FakeClient) SetSmdxProfiles(activationCode string, profiles ...ProfileProperties) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smdx[activationCode] = profiles
}

// SetError makes every call to method fail with err until cleared with a nil err.
func (f *FakeClient) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.stickyErrs, method)
		return
	}
	f.stickyErrs[method] = err
}

// QueueError makes the next call to method fail with err.
func (f *FakeClient) QueueError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedErrs[method] = append(f.queuedErrs[method], err)
}

// Calls reports how many times method was invoked.
func (f *FakeClient) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// BlockRefresh makes RefreshInstalledProfiles wait until the returned
// function is called.
func (f *FakeClient) BlockRefresh() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.refreshGate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.refreshGate == gate {
				f.refreshGate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// begin records a call and returns the injected error, if any.
func (f *FakeClient) beginLocked(method string) error {
	f.calls[method]++
	if q := f.queuedErrs[method]; len(q) > 0 {
		f.queuedErrs[method] = q[1:]
		return q[0]
	}
	return f.stickyErrs[method]
}

func (f *FakeClient) begin(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beginLocked(method)
}

func (f *FakeClient) emitLocked(evt Event) {
	for ch := range f.watchers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (f *FakeClient) AvailableEuiccs(ctx context.Context) ([]dbus.ObjectPath, error) {
	if err := f.begin("AvailableEuiccs"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dbus.ObjectPath(nil), f.euiccOrder...), nil
}

func (f *FakeClient) EuiccProperties(ctx context.Context, euicc dbus.ObjectPath) (*EuiccProperties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.euiccs[euicc]
	if e == nil {
		return nil, ErrNoEuicc
	}
	cp := *e
	cp.InstalledProfiles = append([]dbus.ObjectPath(nil), e.InstalledProfiles...)
	cp.PendingProfiles = append([]dbus.ObjectPath(nil), e.PendingProfiles...)
	return &cp, nil
}

func (f *FakeClient) ProfileProperties(ctx context.Context, profile dbus.ObjectPath) (*ProfileProperties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[profile]
	if p == nil {
		return nil, NewError(StatusInvalidParameter)
	}
	cp := *p
	return &cp, nil
}

func (f *FakeClient) InstallProfileFromActivationCode(ctx context.Context, euicc dbus.ObjectPath, activationCode, confirmationCode string) (dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beginLocked(EuiccMethodInstallProfileFromActivationCode); err != nil {
		return "", err
	}
	if f.euiccs[euicc] == nil {
		return "", NewError(StatusInvalidParameter)
	}
	props, ok := f.installable[activationCode]
	if !ok {
		props = ProfileProperties{
			Iccid:           fmt.Sprintf("8900000000000%06d", f.nextID+1),
			Name:            "Profile",
			ServiceProvider: "Carrier",
			Class:           ProfileClassOperational,
		}
	}
	props.ActivationCode = activationCode
	props.State = ProfileStateInactive
	path := f.addProfileLocked(euicc, props)
	f.emitLocked(Event{Kind: EventEuiccChanged, Path: euicc, Changed: []string{EuiccPropertyInstalledProfiles}})
	return path, nil
}

func (f *FakeClient) InstallPendingProfile(ctx context.Context, euicc, profile dbus.ObjectPath, confirmationCode string) (dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beginLocked(EuiccMethodInstallPendingProfile); err != nil {
		return "", err
	}
	e, p := f.euiccs[euicc], f.profiles[profile]
	if e == nil || p == nil || p.State != ProfileStatePending {
		return "", NewError(StatusInvalidParameter)
	}
	p.State = ProfileStateInactive
	e.PendingProfiles = removePath(e.PendingProfiles, profile)
	e.InstalledProfiles = append(e.InstalledProfiles, profile)
	f.emitLocked(Event{Kind: EventEuiccChanged, Path: euicc, Changed: []string{EuiccPropertyInstalledProfiles, EuiccPropertyPendingProfiles}})
	return profile, nil
}

func (f *FakeClient) UninstallProfile(ctx context.Context, euicc, profile dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beginLocked(EuiccMethodUninstallProfile); err != nil {
		return err
	}
	e := f.euiccs[euicc]
	if e == nil || f.profiles[profile] == nil {
		return NewError(StatusInvalidParameter)
	}
	e.InstalledProfiles = removePath(e.InstalledProfiles, profile)
	e.PendingProfiles = removePath(e.PendingProfiles, profile)
	delete(f.profiles, profile)
	delete(f.owner, profile)
	f.emitLocked(Event{Kind: EventEuiccChanged, Path: euicc, Changed: []string{EuiccPropertyInstalledProfiles}})
	return nil
}

func (f *FakeClient) RefreshInstalledProfiles(ctx context.Context, euicc dbus.ObjectPath, restoreSlot bool) error {
	f.mu.Lock()
	err := f.beginLocked(EuiccMethodRefreshInstalledProfiles)
	gate := f.refreshGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.euiccs[euicc]
	if e == nil {
		return NewError(StatusInvalidParameter)
	}
	e.ProfilesRefreshedAtLeastOnce = true
	f.emitLocked(Event{Kind: EventEuiccChanged, Path: euicc, Changed: []string{EuiccPropertyProfileRefreshedAtLeastOnce}})
	return nil
}

func (f *FakeClient) RefreshSmdxProfiles(ctx context.Context, euicc dbus.ObjectPath, activationCode string, restoreSlot bool) ([]dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beginLocked(EuiccMethodRefreshSmdxProfiles); err != nil {
		return nil, err
	}
	if f.euiccs[euicc] == nil {
		return nil, NewError(StatusInvalidParameter)
	}
	var paths []dbus.ObjectPath
	for _, props := range f.smdx[activationCode] {
		props.State = ProfileStatePending
		paths = append(paths, f.addProfileLocked(euicc, props))
	}
	delete(f.smdx, activationCode)
	if len(paths) > 0 {
		f.emitLocked(Event{Kind: EventEuiccChanged, Path: euicc, Changed: []string{EuiccPropertyPendingProfiles}})
	}
	return paths, nil
}

func (f *FakeClient) RequestPendingProfiles(ctx context.Context, euicc dbus.ObjectPath, rootSmds string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beginLocked(EuiccMethodRequestPendingProfiles); err != nil {
		return err
	}
	if f.euiccs[euicc] == nil {
		return NewError(StatusInvalidParameter)
	}
	return nil
}

func (f *FakeClient) EnableProfile(ctx context.Context, profile dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beginLocked(ProfileMethodEnable); err != nil {
		return err
	}
	p := f.profiles[profile]
	if p == nil {
		return NewError(StatusInvalidParameter)
	}
	if p.State == ProfileStateActive {
		return NewError(StatusAlreadyEnabled)
	}
	owner := f.owner[profile]
	for path, other := range f.profiles {
		if f.owner[path] == owner && other.State == ProfileStateActive {
			other.State = ProfileStateInactive
			f.emitLocked(Event{Kind: EventProfileChanged, Path: path, Changed: []string{ProfilePropertyState}})
		}
	}
	p.State = ProfileStateActive
	f.emitLocked(Event{Kind: EventProfileChanged, Path: profile, Changed: []string{ProfilePropertyState}})
	return nil
}

func (f *FakeClient) DisableProfile(ctx context.Context, profile dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beginLocked(ProfileMethodDisable); err != nil {
		return err
	}
	p := f.profiles[profile]
	if p == nil {
		return NewError(StatusInvalidParameter)
	}
	if p.State != ProfileStateActive {
		return NewError(StatusAlreadyDisabled)
	}
	p.State = ProfileStateInactive
	f.emitLocked(Event{Kind: EventProfileChanged, Path: profile, Changed: []string{ProfilePropertyState}})
	return nil
}

func (f *FakeClient) RenameProfile(ctx context.Context, profile dbus.ObjectPath, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beginLocked(ProfileMethodRename); err != nil {
		return err
	}
	p := f.profiles[profile]
	if p == nil {
		return NewError(StatusInvalidParameter)
	}
	p.Nickname = nickname
	f.emitLocked(Event{Kind: EventProfileChanged, Path: profile, Changed: []string{ProfilePropertyNickname}})
	return nil
}

func (f *FakeClient) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 256)
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

func removePath(paths []dbus.ObjectPath, p dbus.ObjectPath) []dbus.ObjectPath {
	out := paths[:0]
	for _, q := range paths {
		if q != p {
			out = append(out, q)
		}
	}
	return out
}

var _ Client = (*FakeClient)(nil)
var _ Client = (*DBusClient)(nil)
