// Package onc reads the cellular subset of Open Network Configuration payloads.
package onc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/technosupport/esimd/internal/shill"
)

const TypeCellular = "Cellular"

var (
	ErrNotCellular      = errors.New("onc: network is not cellular")
	ErrMissingGUID      = errors.New("onc: missing GUID")
	ErrNoActivationCode = errors.New("onc: neither SMDPAddress nor SMDSAddress set")
)

type APN struct {
	AccessPointName string `json:"AccessPointName" yaml:"AccessPointName"`
	Username        string `json:"Username,omitempty" yaml:"Username,omitempty"`
	Password        string `json:"Password,omitempty" yaml:"Password,omitempty"`
	Authentication  string `json:"Authentication,omitempty" yaml:"Authentication,omitempty"`
}

type Cellular struct {
	ICCID       string `json:"ICCID,omitempty" yaml:"ICCID,omitempty"`
	EID         string `json:"EID,omitempty" yaml:"EID,omitempty"`
	SMDPAddress string `json:"SMDPAddress,omitempty" yaml:"SMDPAddress,omitempty"`
	SMDSAddress string `json:"SMDSAddress,omitempty" yaml:"SMDSAddress,omitempty"`
	AutoConnect bool   `json:"AutoConnect,omitempty" yaml:"AutoConnect,omitempty"`
	APN         *APN   `json:"APN,omitempty" yaml:"APN,omitempty"`
}

// CellularNetwork is one NetworkConfiguration entry of type Cellular.
type CellularNetwork struct {
	GUID     string   `json:"GUID" yaml:"GUID"`
	Type     string   `json:"Type" yaml:"Type"`
	Name     string   `json:"Name,omitempty" yaml:"Name,omitempty"`
	Cellular Cellular `json:"Cellular" yaml:"Cellular"`
}

type ActivationCodeType int

const (
	ActivationCodeSMDP ActivationCodeType = iota
	ActivationCodeSMDS
)

func (t ActivationCodeType) String() string {
	if t == ActivationCodeSMDS {
		return "smds"
	}
	return "smdp"
}

// ActivationCode identifies the server a profile is downloaded or discovered from.
type ActivationCode struct {
	Type  ActivationCodeType
	Value string
}

func (a ActivationCode) String() string {
	return a.Type.String() + ":" + a.Value
}

// Parse decodes a JSON ONC network and validates it.
func Parse(data []byte) (CellularNetwork, error) {
	var n CellularNetwork
	if err := json.Unmarshal(data, &n); err != nil {
		return CellularNetwork{}, fmt.Errorf("decode onc: %w", err)
	}
	if err := n.Validate(); err != nil {
		return CellularNetwork{}, err
	}
	return n, nil
}

func (n CellularNetwork) Validate() error {
	if n.Type != "" && !strings.EqualFold(n.Type, TypeCellular) {
		return ErrNotCellular
	}
	if n.GUID == "" {
		return ErrMissingGUID
	}
	if _, err := n.ActivationCode(); err != nil {
		return err
	}
	return nil
}

// ActivationCode returns the SM-DP+ activation code if present, otherwise the
// SM-DS one.
func (n CellularNetwork) ActivationCode() (ActivationCode, error) {
	if v := strings.TrimSpace(n.Cellular.SMDPAddress); v != "" {
		return ActivationCode{Type: ActivationCodeSMDP, Value: v}, nil
	}
	if v := strings.TrimSpace(n.Cellular.SMDSAddress); v != "" {
		return ActivationCode{Type: ActivationCodeSMDS, Value: v}, nil
	}
	return ActivationCode{}, ErrNoActivationCode
}

// ServiceConfig translates the network into the shill service for a profile
// installed on eid with iccid.
func (n CellularNetwork) ServiceConfig(eid, iccid string) shill.ServiceConfig {
	cfg := shill.ServiceConfig{
		GUID:        n.GUID,
		Name:        n.Name,
		ICCID:       iccid,
		EID:         eid,
		AutoConnect: n.Cellular.AutoConnect,
	}
	if apn := n.Cellular.APN; apn != nil && apn.AccessPointName != "" {
		cfg.Extra = map[string]interface{}{
			"Cellular.APN": map[string]string{
				"apn":            apn.AccessPointName,
				"username":       apn.Username,
				"password":       apn.Password,
				"authentication": apn.Authentication,
			},
		}
	}
	return cfg
}
