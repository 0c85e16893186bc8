package hermes

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	objectCacheSize  = 64
	signalBufferSize = 32
)

// DBusClient implements Client over the system bus.
type DBusClient struct {
	conn    *dbus.Conn
	objects *lru.Cache[dbus.ObjectPath, dbus.BusObject]
	log     *zap.Logger
}

// Connect opens a connection to the system bus and returns a client for Hermes.
func Connect(ctx context.Context, logger *zap.Logger) (*DBusClient, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return NewDBusClient(conn, logger), nil
}

func NewDBusClient(conn *dbus.Conn, logger *zap.Logger) *DBusClient {
	c, _ := lru.New[dbus.ObjectPath, dbus.BusObject](objectCacheSize)
	return &DBusClient{
		conn:    conn,
		objects: c,
		log:     logger.Named("hermes"),
	}
}

func (c *DBusClient) Close() error {
	return c.conn.Close()
}

func (c *DBusClient) object(path dbus.ObjectPath) dbus.BusObject {
	if obj, ok := c.objects.Get(path); ok {
		return obj
	}
	obj := c.conn.Object(DBusService, path)
	c.objects.Add(path, obj)
	return obj
}

func (c *DBusClient) getAll(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call := c.object(path).CallWithContext(ctx, dbusPropertiesInterface+".GetAll", 0, iface)
	if call.Err != nil {
		return nil, fromDBusError(call.Err)
	}
	if err := call.Store(&props); err != nil {
		return nil, fmt.Errorf("decode %s properties of %s: %w", iface, path, err)
	}
	return props, nil
}

func (c *DBusClient) call(ctx context.Context, path dbus.ObjectPath, iface, method string, args ...interface{}) *dbus.Call {
	return c.object(path).CallWithContext(ctx, iface+"."+method, 0, args...)
}

func (c *DBusClient) AvailableEuiccs(ctx context.Context) ([]dbus.ObjectPath, error) {
	props, err := c.getAll(ctx, DBusManagerPath, DBusManagerInterface)
	if err != nil {
		return nil, err
	}
	paths, _ := props[ManagerPropertyAvailableEuiccs].Value().([]dbus.ObjectPath)
	return paths, nil
}

func (c *DBusClient) EuiccProperties(ctx context.Context, euicc dbus.ObjectPath) (*EuiccProperties, error) {
	props, err := c.getAll(ctx, euicc, DBusEuiccInterface)
	if err != nil {
		return nil, err
	}
	p := &EuiccProperties{Path: euicc}
	p.Eid, _ = props[EuiccPropertyEid].Value().(string)
	p.IsActive, _ = props[EuiccPropertyIsActive].Value().(bool)
	p.PhysicalSlot, _ = props[EuiccPropertyPhysicalSlot].Value().(int32)
	p.InstalledProfiles, _ = props[EuiccPropertyInstalledProfiles].Value().([]dbus.ObjectPath)
	p.PendingProfiles, _ = props[EuiccPropertyPendingProfiles].Value().([]dbus.ObjectPath)
	p.ProfilesRefreshedAtLeastOnce, _ = props[EuiccPropertyProfileRefreshedAtLeastOnce].Value().(bool)
	return p, nil
}

func (c *DBusClient) ProfileProperties(ctx context.Context, profile dbus.ObjectPath) (*ProfileProperties, error) {
	props, err := c.getAll(ctx, profile, DBusProfileInterface)
	if err != nil {
		return nil, err
	}
	p := &ProfileProperties{Path: profile}
	p.Iccid, _ = props[ProfilePropertyIccid].Value().(string)
	p.ActivationCode, _ = props[ProfilePropertyActivationCode].Value().(string)
	p.Name, _ = props[ProfilePropertyName].Value().(string)
	p.Nickname, _ = props[ProfilePropertyNickname].Value().(string)
	p.ServiceProvider, _ = props[ProfilePropertyServiceProvider].Value().(string)
	state, _ := props[ProfilePropertyState].Value().(int32)
	p.State = ProfileState(state)
	class, _ := props[ProfilePropertyClass].Value().(int32)
	p.Class = ProfileClass(class)
	return p, nil
}

func (c *DBusClient) InstallProfileFromActivationCode(ctx context.Context, euicc dbus.ObjectPath, activationCode, confirmationCode string) (dbus.ObjectPath, error) {
	var profile dbus.ObjectPath
	call := c.call(ctx, euicc, DBusEuiccInterface, EuiccMethodInstallProfileFromActivationCode, activationCode, confirmationCode)
	if call.Err != nil {
		return "", fromDBusError(call.Err)
	}
	if err := call.Store(&profile); err != nil {
		return "", fmt.Errorf("decode installed profile path: %w", err)
	}
	return profile, nil
}

func (c *DBusClient) InstallPendingProfile(ctx context.Context, euicc, profile dbus.ObjectPath, confirmationCode string) (dbus.ObjectPath, error) {
	var installed dbus.ObjectPath
	call := c.call(ctx, euicc, DBusEuiccInterface, EuiccMethodInstallPendingProfile, profile, confirmationCode)
	if call.Err != nil {
		return "", fromDBusError(call.Err)
	}
	if err := call.Store(&installed); err != nil {
		return "", fmt.Errorf("decode installed profile path: %w", err)
	}
	return installed, nil
}

func (c *DBusClient) UninstallProfile(ctx context.Context, euicc, profile dbus.ObjectPath) error {
	return fromDBusError(c.call(ctx, euicc, DBusEuiccInterface, EuiccMethodUninstallProfile, profile).Err)
}

func (c *DBusClient) RefreshInstalledProfiles(ctx context.Context, euicc dbus.ObjectPath, restoreSlot bool) error {
	return fromDBusError(c.call(ctx, euicc, DBusEuiccInterface, EuiccMethodRefreshInstalledProfiles, restoreSlot).Err)
}

func (c *DBusClient) RefreshSmdxProfiles(ctx context.Context, euicc dbus.ObjectPath, activationCode string, restoreSlot bool) ([]dbus.ObjectPath, error) {
	var profiles []dbus.ObjectPath
	call := c.call(ctx, euicc, DBusEuiccInterface, EuiccMethodRefreshSmdxProfiles, activationCode, restoreSlot)
	if call.Err != nil {
		return nil, fromDBusError(call.Err)
	}
	if err := call.Store(&profiles); err != nil {
		return nil, fmt.Errorf("decode smdx profiles: %w", err)
	}
	return profiles, nil
}

func (c *DBusClient) RequestPendingProfiles(ctx context.Context, euicc dbus.ObjectPath, rootSmds string) error {
	return fromDBusError(c.call(ctx, euicc, DBusEuiccInterface, EuiccMethodRequestPendingProfiles, rootSmds).Err)
}

func (c *DBusClient) EnableProfile(ctx context.Context, profile dbus.ObjectPath) error {
	return fromDBusError(c.call(ctx, profile, DBusProfileInterface, ProfileMethodEnable).Err)
}

func (c *DBusClient) DisableProfile(ctx context.Context, profile dbus.ObjectPath) error {
	return fromDBusError(c.call(ctx, profile, DBusProfileInterface, ProfileMethodDisable).Err)
}

func (c *DBusClient) RenameProfile(ctx context.Context, profile dbus.ObjectPath, nickname string) error {
	return fromDBusError(c.call(ctx, profile, DBusProfileInterface, ProfileMethodRename, nickname).Err)
}

// Watch subscribes to PropertiesChanged signals emitted by Hermes.
func (c *DBusClient) Watch(ctx context.Context) (<-chan Event, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchSender(DBusService),
		dbus.WithMatchInterface(dbusPropertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("add hermes signal match: %w", err)
	}

	signals := make(chan *dbus.Signal, signalBufferSize)
	c.conn.Signal(signals)

	out := make(chan Event, signalBufferSize)
	go func() {
		defer close(out)
		defer func() {
			c.conn.RemoveSignal(signals)
			if err := c.conn.RemoveMatchSignal(opts...); err != nil {
				c.log.Debug("remove signal match failed", zap.Error(err))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				evt, ok := eventFromSignal(sig)
				if !ok {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func eventFromSignal(sig *dbus.Signal) (Event, bool) {
	if sig.Name != dbusPropertiesInterface+".PropertiesChanged" || len(sig.Body) < 2 {
		return Event{}, false
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	names := make([]string, 0, len(changed))
	for k := range changed {
		names = append(names, k)
	}

	switch iface {
	case DBusManagerInterface:
		return Event{Kind: EventEuiccListChanged, Path: sig.Path, Changed: names}, true
	case DBusEuiccInterface:
		return Event{Kind: EventEuiccChanged, Path: sig.Path, Changed: names}, true
	case DBusProfileInterface:
		return Event{Kind: EventProfileChanged, Path: sig.Path, Changed: names}, true
	default:
		return Event{}, false
	}
}
