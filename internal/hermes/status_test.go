package hermes

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestStatus_IsUserError(t *testing.T) {
	for _, s := range []Status{
		StatusAlreadyDisabled, StatusAlreadyEnabled, StatusInvalidActivationCode,
		StatusInvalidIccid, StatusInvalidParameter, StatusNeedConfirmationCode,
		StatusSendNotificationFailure, StatusTestProfileInProd, StatusWrongState,
	} {
		assert.True(t, s.IsUserError(), s.String())
	}
	for _, s := range []Status{
		StatusSuccess, StatusUnknown, StatusNoResponse, StatusInternalLpaFailure,
		StatusSendHttpsFailure, StatusMalformedResponse,
	} {
		assert.False(t, s.IsUserError(), s.String())
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusUnknown, StatusOf(errors.New("boom")))
	assert.Equal(t, StatusWrongState, StatusOf(NewError(StatusWrongState)))

	wrapped := fmt.Errorf("install: %w", NewError(StatusInvalidActivationCode))
	assert.Equal(t, StatusInvalidActivationCode, StatusOf(wrapped))
}

func TestFromDBusError(t *testing.T) {
	err := fromDBusError(dbus.Error{Name: "org.chromium.Hermes.Error.InvalidActivationCode"})
	assert.Equal(t, StatusInvalidActivationCode, StatusOf(err))

	err = fromDBusError(&dbus.Error{Name: "org.chromium.Hermes.Error.SendHttpsFailure"})
	assert.Equal(t, StatusSendHttpsFailure, StatusOf(err))

	err = fromDBusError(dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply"})
	assert.Equal(t, StatusNoResponse, StatusOf(err))

	err = fromDBusError(dbus.Error{Name: "org.example.Other"})
	assert.Equal(t, StatusUnknown, StatusOf(err))

	assert.NoError(t, fromDBusError(nil))
}
