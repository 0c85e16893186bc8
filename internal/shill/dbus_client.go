package shill

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// Conn is the part of *dbus.Conn the client uses.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// DBusClient implements Client over the system bus.
type DBusClient struct {
	conn Conn
	log  *zap.Logger
}

func NewDBusClient(conn Conn, logger *zap.Logger) *DBusClient {
	return &DBusClient{conn: conn, log: logger.Named("shill")}
}

func (c *DBusClient) getProperties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	obj := c.conn.Object(DBusService, path)
	if err := obj.CallWithContext(ctx, iface+".GetProperties", 0).Store(&props); err != nil {
		return nil, fmt.Errorf("get properties of %s: %w", path, err)
	}
	return props, nil
}

func (c *DBusClient) cellularDevicePath(ctx context.Context) (dbus.ObjectPath, map[string]dbus.Variant, error) {
	props, err := c.getProperties(ctx, DBusManagerPath, DBusManagerInterface)
	if err != nil {
		return "", nil, err
	}
	devices, _ := props[ManagerPropertyDevices].Value().([]dbus.ObjectPath)
	for _, d := range devices {
		dprops, err := c.getProperties(ctx, d, DBusDeviceInterface)
		if err != nil {
			c.log.Debug("skipping unreadable device", zap.String("path", string(d)), zap.Error(err))
			continue
		}
		if t, _ := dprops[DevicePropertyType].Value().(string); t == TypeCellular {
			return d, dprops, nil
		}
	}
	return "", nil, ErrNoCellularDevice
}

func (c *DBusClient) CellularDevice(ctx context.Context) (*CellularDevice, error) {
	path, props, err := c.cellularDevicePath(ctx)
	if err != nil {
		return nil, err
	}
	dev := &CellularDevice{Path: path}
	dev.Inhibited, _ = props[DevicePropertyInhibited].Value().(bool)
	slots, _ := props[DevicePropertySIMSlotInfo].Value().([]map[string]dbus.Variant)
	for _, s := range slots {
		var slot SIMSlot
		slot.EID, _ = s["EID"].Value().(string)
		slot.ICCID, _ = s["ICCID"].Value().(string)
		slot.Primary, _ = s["Primary"].Value().(bool)
		dev.SIMSlots = append(dev.SIMSlots, slot)
	}
	return dev, nil
}

func (c *DBusClient) SetCellularInhibited(ctx context.Context, inhibited bool) error {
	path, _, err := c.cellularDevicePath(ctx)
	if err != nil {
		return err
	}
	obj := c.conn.Object(DBusService, path)
	call := obj.CallWithContext(ctx, DBusDeviceInterface+".SetProperty", 0, DevicePropertyInhibited, dbus.MakeVariant(inhibited))
	if call.Err != nil {
		return fmt.Errorf("set %s inhibited=%t: %w", path, inhibited, call.Err)
	}
	return nil
}

func (c *DBusClient) HasNonCellularConnectivity(ctx context.Context) (bool, error) {
	props, err := c.getProperties(ctx, DBusManagerPath, DBusManagerInterface)
	if err != nil {
		return false, err
	}
	services, _ := props[ManagerPropertyServices].Value().([]dbus.ObjectPath)
	for _, s := range services {
		sprops, err := c.getProperties(ctx, s, DBusServiceInterface)
		if err != nil {
			continue
		}
		t, _ := sprops[ServicePropertyType].Value().(string)
		state, _ := sprops[ServicePropertyState].Value().(string)
		if t != TypeCellular && state == StateOnline {
			return true, nil
		}
	}
	return false, nil
}

func (c *DBusClient) ConfigureCellularService(ctx context.Context, cfg ServiceConfig) (dbus.ObjectPath, error) {
	var service dbus.ObjectPath
	obj := c.conn.Object(DBusService, DBusManagerPath)
	if err := obj.CallWithContext(ctx, DBusManagerInterface+".ConfigureService", 0, cfg.properties()).Store(&service); err != nil {
		return "", fmt.Errorf("configure cellular service %s: %w", cfg.ICCID, err)
	}
	return service, nil
}

// Watch reports device list changes on the manager and property changes on devices.
func (c *DBusClient) Watch(ctx context.Context) (<-chan Event, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchSender(DBusService),
		dbus.WithMatchMember("PropertyChanged"),
	}
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("add shill signal match: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	c.conn.Signal(signals)

	out := make(chan Event, 16)
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
	if len(sig.Body) < 1 {
		return Event{}, false
	}
	name, _ := sig.Body[0].(string)
	switch sig.Name {
	case DBusManagerInterface + ".PropertyChanged":
		if name != ManagerPropertyDevices {
			return Event{}, false
		}
		return Event{Kind: EventDevicesChanged, Path: sig.Path, Property: name}, true
	case DBusDeviceInterface + ".PropertyChanged":
		return Event{Kind: EventDeviceChanged, Path: sig.Path, Property: name}, true
	default:
		return Event{}, false
	}
}

var _ Client = (*DBusClient)(nil)
