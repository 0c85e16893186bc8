package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification types published off-process.
const (
	TypeProfilesUpdated = "profiles_updated"
	TypePoliciesApplied = "policies_applied"
	TypeFacadeChange    = "facade_change"
)

// Notification is the JSON envelope sent to NATS.
type Notification struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn       Conn
	subject    string
	maxRetries int
	retryDelay time.Duration
}

func NewNATSPublisher(conn Conn, subject string, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
		retryDelay: 100 * time.Millisecond,
	}
}

// WithRetryDelay sets the base delay between publish attempts. Attempt n
// waits n times the delay.
func (p *NATSPublisher) WithRetryDelay(d time.Duration) *NATSPublisher {
	p.retryDelay = d
	return p
}

func (p *NATSPublisher) Publish(n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := p.subject + "." + n.Type
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i) * p.retryDelay)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
