package data

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

type ProfileState string

const (
	ProfileStatePending    ProfileState = "pending"
	ProfileStateInstalling ProfileState = "installing"
	ProfileStateInactive   ProfileState = "inactive"
	ProfileStateActive     ProfileState = "active"
)

type ProfileClass string

const (
	ProfileClassOperational  ProfileClass = "operational"
	ProfileClassTesting      ProfileClass = "testing"
	ProfileClassProvisioning ProfileClass = "provisioning"
)

// ESimProfile is the cached metadata of one profile on one EUICC.
type ESimProfile struct {
	EID             string       `json:"eid"`
	EuiccPath       string       `json:"euicc_path"`
	Path            string       `json:"path"`
	ICCID           string       `json:"iccid"`
	Name            string       `json:"name"`
	Nickname        string       `json:"nickname,omitempty"`
	ServiceProvider string       `json:"service_provider"`
	ActivationCode  string       `json:"activation_code,omitempty"`
	State           ProfileState `json:"state"`
	Class           ProfileClass `json:"class"`
}

// Store persists the profile snapshot and the set of EUICCs that have
// completed at least one installed-profile refresh.
type Store interface {
	LoadProfiles(ctx context.Context) ([]ESimProfile, error)
	SaveProfiles(ctx context.Context, profiles []ESimProfile) error
	// RefreshedEuiccs returns EIDs and daemon paths, in insertion order.
	RefreshedEuiccs(ctx context.Context) ([]string, error)
	AddRefreshedEuicc(ctx context.Context, id string) error
	Close() error
}
