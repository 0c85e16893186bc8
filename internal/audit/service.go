package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxQueryLimit = 500

// Write inserts evt. When the insert fails and a spool is configured the event
// is spooled and Write succeeds.
func (s *Service) Write(ctx context.Context, evt Event) error {
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	err := s.insert(ctx, evt)
	if err == nil {
		return nil
	}
	if s.spool == nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	s.log.Warn("audit write failed, spooling", zap.String("event_id", evt.EventID.String()), zap.Error(err))
	if spoolErr := s.spool.Append(evt); spoolErr != nil {
		s.log.Error("audit spool failed", zap.String("event_id", evt.EventID.String()), zap.Error(spoolErr))
		return fmt.Errorf("audit event lost: %w", spoolErr)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, evt Event) error {
	var meta any
	if len(evt.Metadata) > 0 {
		meta = []byte(evt.Metadata)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO operator_audit (
			event_id, actor, role, action, target, result,
			reason_code, request_id, client_ip, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.Actor, evt.Role, evt.Action, evt.Target, evt.Result,
		evt.ReasonCode, evt.RequestID, evt.ClientIP, meta, evt.CreatedAt,
	)
	return err
}

// Query returns one page of events and the cursor for the next page, which is
// zero on the last page.
func (s *Service) Query(ctx context.Context, f Filter) ([]Event, int64, error) {
	if f.Limit <= 0 || f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Result != "" {
		add("result = $%d", f.Result)
	}
	if f.Cursor > 0 {
		add("id < $%d", f.Cursor)
	}

	q := `SELECT id, event_id, actor, role, action, target, result, reason_code, request_id, client_ip, metadata, created_at
	      FROM operator_audit`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			evt  Event
			meta []byte
		)
		if err := rows.Scan(&evt.ID, &evt.EventID, &evt.Actor, &evt.Role, &evt.Action, &evt.Target, &evt.Result,
			&evt.ReasonCode, &evt.RequestID, &evt.ClientIP, &meta, &evt.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Metadata = meta
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var next int64
	if len(events) == f.Limit {
		next = events[len(events)-1].ID
	}
	return events, next, nil
}
