// Package hermes talks to the Hermes eSIM daemon.
// https://chromium.googlesource.com/chromiumos/platform2/+/HEAD/hermes/README.md
package hermes

import "github.com/godbus/dbus/v5"

// D-Bus names exported by Hermes.
const (
	DBusService          = "org.chromium.Hermes"
	DBusManagerPath      = dbus.ObjectPath("/org/chromium/Hermes/Manager")
	DBusManagerInterface = "org.chromium.Hermes.Manager"
	DBusEuiccInterface   = "org.chromium.Hermes.Euicc"
	DBusProfileInterface = "org.chromium.Hermes.Profile"

	dbusPropertiesInterface = "org.freedesktop.DBus.Properties"
	dbusErrorPrefix         = "org.chromium.Hermes.Error."
)

// Manager properties.
const (
	ManagerPropertyAvailableEuiccs = "AvailableEuiccs"
)

// Euicc properties and methods.
const (
	EuiccPropertyEid                         = "Eid"
	EuiccPropertyIsActive                    = "IsActive"
	EuiccPropertyPhysicalSlot                = "PhysicalSlot"
	EuiccPropertyInstalledProfiles           = "InstalledProfiles"
	EuiccPropertyPendingProfiles             = "PendingProfiles"
	EuiccPropertyProfileRefreshedAtLeastOnce = "ProfilesRefreshedAtLeastOnce"

	EuiccMethodInstallProfileFromActivationCode = "InstallProfileFromActivationCode"
	EuiccMethodInstallPendingProfile            = "InstallPendingProfile"
	EuiccMethodUninstallProfile                 = "UninstallProfile"
	EuiccMethodRefreshInstalledProfiles         = "RefreshInstalledProfiles"
	EuiccMethodRefreshSmdxProfiles              = "RefreshSmdxProfiles"
	EuiccMethodRequestPendingProfiles           = "RequestPendingProfiles"
)

// Profile properties and methods.
const (
	ProfilePropertyActivationCode  = "ActivationCode"
	ProfilePropertyIccid           = "Iccid"
	ProfilePropertyName            = "Name"
	ProfilePropertyNickname        = "Nickname"
	ProfilePropertyServiceProvider = "ServiceProvider"
	ProfilePropertyState           = "State"
	ProfilePropertyClass           = "ProfileClass"

	ProfileMethodEnable  = "Enable"
	ProfileMethodDisable = "Disable"
	ProfileMethodRename  = "Rename"
)

// ProfileState mirrors Hermes' profile state property.
type ProfileState int32

const (
	ProfileStatePending  ProfileState = 0
	ProfileStateInactive ProfileState = 1
	ProfileStateActive   ProfileState = 2
)

func (s ProfileState) String() string {
	switch s {
	case ProfileStatePending:
		return "pending"
	case ProfileStateInactive:
		return "inactive"
	case ProfileStateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ProfileClass mirrors Hermes' profile class property.
type ProfileClass int32

const (
	ProfileClassTesting      ProfileClass = 0
	ProfileClassProvisioning ProfileClass = 1
	ProfileClassOperational  ProfileClass = 2
)

func (c ProfileClass) String() string {
	switch c {
	case ProfileClassTesting:
		return "testing"
	case ProfileClassProvisioning:
		return "provisioning"
	case ProfileClassOperational:
		return "operational"
	default:
		return "unknown"
	}
}
