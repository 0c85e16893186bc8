// Package shill is the slice of the Shill connection manager API that eSIM
// provisioning needs: the cellular device, its inhibit flag, connectivity and
// service configuration.
package shill

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
)

const (
	DBusService          = "org.chromium.flimflam"
	DBusManagerPath      = dbus.ObjectPath("/")
	DBusManagerInterface = "org.chromium.flimflam.Manager"
	DBusDeviceInterface  = "org.chromium.flimflam.Device"
	DBusServiceInterface = "org.chromium.flimflam.Service"
)

// Property names from shill's dbus-constants.h.
const (
	ManagerPropertyDevices  = "Devices"
	ManagerPropertyServices = "Services"

	DevicePropertyType        = "Type"
	DevicePropertyInhibited   = "Inhibited"
	DevicePropertySIMSlotInfo = "Cellular.SIMSlotInfo"

	ServicePropertyType        = "Type"
	ServicePropertyState       = "State"
	ServicePropertyGUID        = "GUID"
	ServicePropertyName        = "Name"
	ServicePropertyICCID       = "Cellular.ICCID"
	ServicePropertyEID         = "Cellular.EID"
	ServicePropertyAutoConnect = "AutoConnect"
	ServicePropertyONCSource   = "ONCSource"

	TypeCellular    = "cellular"
	StateOnline     = "online"
	ONCSourcePolicy = "device_policy"
)

var ErrNoCellularDevice = errors.New("shill: no cellular device")

// SIMSlot is one entry of Cellular.SIMSlotInfo.
type SIMSlot struct {
	EID     string
	ICCID   string
	Primary bool
}

// CellularDevice is a snapshot of the cellular Device object.
type CellularDevice struct {
	Path      dbus.ObjectPath
	Inhibited bool
	SIMSlots  []SIMSlot
}

// ServiceConfig describes a cellular service to create for an installed profile.
type ServiceConfig struct {
	GUID        string
	Name        string
	ICCID       string
	EID         string
	AutoConnect bool

	// Extra carries additional shill properties copied from policy.
	Extra map[string]interface{}
}

type EventKind int

const (
	EventDevicesChanged EventKind = iota
	EventDeviceChanged
)

type Event struct {
	Kind     EventKind
	Path     dbus.ObjectPath
	Property string
}

// Client is the Shill daemon contract.
type Client interface {
	// CellularDevice returns ErrNoCellularDevice when no cellular hardware is present.
	CellularDevice(ctx context.Context) (*CellularDevice, error)
	SetCellularInhibited(ctx context.Context, inhibited bool) error
	HasNonCellularConnectivity(ctx context.Context) (bool, error)
	ConfigureCellularService(ctx context.Context, cfg ServiceConfig) (dbus.ObjectPath, error)
	Watch(ctx context.Context) (<-chan Event, error)
}

func (c ServiceConfig) properties() map[string]interface{} {
	props := make(map[string]interface{}, len(c.Extra)+7)
	for k, v := range c.Extra {
		props[k] = v
	}
	props[ServicePropertyType] = TypeCellular
	props[ServicePropertyGUID] = c.GUID
	props[ServicePropertyICCID] = c.ICCID
	props[ServicePropertyAutoConnect] = c.AutoConnect
	props[ServicePropertyONCSource] = ONCSourcePolicy
	if c.Name != "" {
		props[ServicePropertyName] = c.Name
	}
	if c.EID != "" {
		props[ServicePropertyEID] = c.EID
	}
	return props
}
