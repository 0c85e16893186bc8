package hermes

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
)

var ErrNoEuicc = errors.New("hermes: euicc not found")

// EuiccProperties is an immutable snapshot of one Euicc object.
type EuiccProperties struct {
	Path                         dbus.ObjectPath
	Eid                          string
	IsActive                     bool
	PhysicalSlot                 int32
	InstalledProfiles            []dbus.ObjectPath
	PendingProfiles              []dbus.ObjectPath
	ProfilesRefreshedAtLeastOnce bool
}

// ProfileProperties is an immutable snapshot of one Profile object.
type ProfileProperties struct {
	Path            dbus.ObjectPath
	Iccid           string
	ActivationCode  string
	Name            string
	Nickname        string
	ServiceProvider string
	State           ProfileState
	Class           ProfileClass
}

type EventKind int

const (
	// EventEuiccListChanged fires when the manager's AvailableEuiccs changes.
	EventEuiccListChanged EventKind = iota
	// EventEuiccChanged fires when properties of the Euicc at Path change.
	EventEuiccChanged
	// EventProfileChanged fires when properties of the Profile at Path change.
	EventProfileChanged
)

func (k EventKind) String() string {
	switch k {
	case EventEuiccListChanged:
		return "euicc_list_changed"
	case EventEuiccChanged:
		return "euicc_changed"
	case EventProfileChanged:
		return "profile_changed"
	default:
		return "unknown"
	}
}

// Event is a property change notification delivered by Watch.
type Event struct {
	Kind    EventKind
	Path    dbus.ObjectPath
	Changed []string
}

// Client is the Hermes daemon contract. Every call blocks until Hermes replies;
// failed calls return an *Error carrying the daemon status.
type Client interface {
	AvailableEuiccs(ctx context.Context) ([]dbus.ObjectPath, error)
	EuiccProperties(ctx context.Context, euicc dbus.ObjectPath) (*EuiccProperties, error)
	ProfileProperties(ctx context.Context, profile dbus.ObjectPath) (*ProfileProperties, error)

	InstallProfileFromActivationCode(ctx context.Context, euicc dbus.ObjectPath, activationCode, confirmationCode string) (dbus.ObjectPath, error)
	InstallPendingProfile(ctx context.Context, euicc, profile dbus.ObjectPath, confirmationCode string) (dbus.ObjectPath, error)
	UninstallProfile(ctx context.Context, euicc, profile dbus.ObjectPath) error
	RefreshInstalledProfiles(ctx context.Context, euicc dbus.ObjectPath, restoreSlot bool) error
	// RefreshSmdxProfiles scans the SM-DS or SM-DP+ server identified by
	// activationCode and returns the pending profiles it discovered.
	RefreshSmdxProfiles(ctx context.Context, euicc dbus.ObjectPath, activationCode string, restoreSlot bool) ([]dbus.ObjectPath, error)
	RequestPendingProfiles(ctx context.Context, euicc dbus.ObjectPath, rootSmds string) error

	EnableProfile(ctx context.Context, profile dbus.ObjectPath) error
	DisableProfile(ctx context.Context, profile dbus.ObjectPath) error
	RenameProfile(ctx context.Context, profile dbus.ObjectPath, nickname string) error

	// Watch streams property change events until ctx is done, then closes the channel.
	Watch(ctx context.Context) (<-chan Event, error)
}
