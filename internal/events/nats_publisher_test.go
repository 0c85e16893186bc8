package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	failures int
	subjects []string
	payloads [][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.failures > 0 {
		c.failures--
		return errors.New("nats: connection closed")
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{failures: 1}
	p := NewNATSPublisher(conn, "esimd", 2)
	p.retryDelay = 0

	require.NoError(t, p.Publish(Notification{Type: TypePoliciesApplied}))
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "esimd.policies_applied", conn.subjects[0])

	var n Notification
	require.NoError(t, json.Unmarshal(conn.payloads[0], &n))
	assert.Equal(t, TypePoliciesApplied, n.Type)
	assert.False(t, n.Timestamp.IsZero())
}

func TestNATSPublisher_GivesUp(t *testing.T) {
	conn := &fakeConn{failures: 10}
	p := NewNATSPublisher(conn, "esimd", 2)
	p.retryDelay = 0

	err := p.Publish(Notification{Type: TypeProfilesUpdated})
	assert.ErrorContains(t, err, "publish failed after 2 retries")
}
