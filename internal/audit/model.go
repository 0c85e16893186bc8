// Package audit records operator actions taken through the API.
package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is one audited operator action.
type Event struct {
	ID         int64           `json:"id,omitempty"`
	EventID    uuid.UUID       `json:"event_id"` // idempotency key
	Actor      string          `json:"actor"`
	Role       string          `json:"role,omitempty"`
	Action     string          `json:"action"`
	Target     string          `json:"target,omitempty"`
	Result     string          `json:"result"`
	ReasonCode string          `json:"reason_code,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	ClientIP   string          `json:"client_ip,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Filter selects events newest first. Cursor is the smallest id already seen.
type Filter struct {
	Actor  string
	Result string
	Limit  int
	Cursor int64
}

// Service writes events to postgres and spools them locally while the
// database is unreachable.
type Service struct {
	DB    *sql.DB
	spool *Spool
	log   *zap.Logger
}

// NewService spools failed writes when spool is non-nil.
func NewService(db *sql.DB, spool *Spool, logger *zap.Logger) *Service {
	return &Service{DB: db, spool: spool, log: logger.Named("audit")}
}
