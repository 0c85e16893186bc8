package hermes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Status is the outcome of a Hermes call, decoded from the D-Bus error name.
type Status int

const (
	StatusSuccess Status = iota
	StatusAlreadyDisabled
	StatusAlreadyEnabled
	StatusInvalidActivationCode
	StatusInvalidIccid
	StatusInvalidParameter
	StatusNeedConfirmationCode
	StatusSendNotificationFailure
	StatusTestProfileInProd
	StatusUnknown
	StatusUnsupported
	StatusWrongState
	StatusInvalidResponse
	StatusNoResponse
	StatusMalformedResponse
	StatusInternalLpaFailure
	StatusBadRequest
	StatusBadNotification
	StatusPendingProfile
	StatusSendApduFailure
	StatusSendHttpsFailure
	StatusUnexpectedModemManagerState
	StatusModemMessageProcessing
	StatusEmptyResponse
	StatusDBusMethodUnknown
)

var statusNames = map[Status]string{
	StatusSuccess:                     "Success",
	StatusAlreadyDisabled:             "AlreadyDisabled",
	StatusAlreadyEnabled:              "AlreadyEnabled",
	StatusInvalidActivationCode:       "InvalidActivationCode",
	StatusInvalidIccid:                "InvalidIccid",
	StatusInvalidParameter:            "InvalidParameter",
	StatusNeedConfirmationCode:        "NeedConfirmationCode",
	StatusSendNotificationFailure:     "SendNotificationError",
	StatusTestProfileInProd:           "TestProfileInProd",
	StatusUnknown:                     "Unknown",
	StatusUnsupported:                 "NotSupported",
	StatusWrongState:                  "WrongState",
	StatusInvalidResponse:             "InvalidResponse",
	StatusNoResponse:                  "NoResponse",
	StatusMalformedResponse:           "MalformedResponse",
	StatusInternalLpaFailure:          "InternalLpaFailure",
	StatusBadRequest:                  "BadRequest",
	StatusBadNotification:             "BadNotification",
	StatusPendingProfile:              "PendingProfile",
	StatusSendApduFailure:             "SendApduFailure",
	StatusSendHttpsFailure:            "SendHttpsFailure",
	StatusUnexpectedModemManagerState: "UnexpectedModemManagerState",
	StatusModemMessageProcessing:      "ModemMessageProcessing",
	StatusEmptyResponse:               "EmptyResponse",
	StatusDBusMethodUnknown:           "DBusMethodUnknown",
}

// userErrors are statuses caused by what the user or administrator supplied.
// Retrying them cannot succeed.
var userErrors = map[Status]bool{
	StatusAlreadyDisabled:         true,
	StatusAlreadyEnabled:          true,
	StatusInvalidActivationCode:   true,
	StatusInvalidIccid:            true,
	StatusInvalidParameter:        true,
	StatusNeedConfirmationCode:    true,
	StatusSendNotificationFailure: true,
	StatusTestProfileInProd:       true,
	StatusWrongState:              true,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsUserError reports whether s belongs to the fixed set of user-actionable failures.
func (s Status) IsUserError() bool {
	return userErrors[s]
}

// Error is a failed Hermes call.
type Error struct {
	Status  Status
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "hermes: " + e.Status.String()
	}
	return fmt.Sprintf("hermes: %s: %s", e.Status, e.Message)
}

// NewError returns an *Error for s.
func NewError(s Status) *Error {
	return &Error{Status: s}
}

// StatusOf extracts the Hermes status carried by err. A nil error is StatusSuccess
// and any error that did not come from Hermes is StatusUnknown.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Status
	}
	return StatusUnknown
}

// statusFromDBusName maps "org.chromium.Hermes.Error.<Name>" to a Status.
func statusFromDBusName(name string) Status {
	if name == "org.freedesktop.DBus.Error.UnknownMethod" {
		return StatusDBusMethodUnknown
	}
	if name == "org.freedesktop.DBus.Error.NoReply" {
		return StatusNoResponse
	}
	short := strings.TrimPrefix(name, dbusErrorPrefix)
	if short == name {
		return StatusUnknown
	}
	for s, n := range statusNames {
		if n == short {
			return s
		}
	}
	return StatusUnknown
}

// fromDBusError converts a godbus call error into an *Error.
func fromDBusError(err error) error {
	if err == nil {
		return nil
	}
	var derr dbus.Error
	if errors.As(err, &derr) {
		return &Error{Status: statusFromDBusName(derr.Name), Message: derr.Error()}
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) {
		return &Error{Status: statusFromDBusName(pderr.Name), Message: pderr.Error()}
	}
	return &Error{Status: StatusUnknown, Message: err.Error()}
}
