package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/audit"
)

type AuditWriter interface {
	Write(ctx context.Context, evt audit.Event) error
}

// Audit records every mutating request once the handler has finished. Writes
// happen in the background; Close waits for them.
type Audit struct {
	writer AuditWriter
	log    *zap.Logger
	wg     sync.WaitGroup
}

func NewAudit(w AuditWriter, logger *zap.Logger) *Audit {
	return &Audit{writer: w, log: logger.Named("audit")}
}

func (m *Audit) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		next.ServeHTTP(rw, r)

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return
		}

		action := r.Method + " " + r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			action = r.Method + " " + rc.RoutePattern()
		}
		evt := audit.Event{
			Action:    truncate(action, 100),
			Target:    truncate(r.URL.Path, 200),
			Result:    audit.ResultSuccess,
			RequestID: RequestID(r.Context()),
			ClientIP:  truncate(clientIP(r), 50),
			Metadata:  json.RawMessage(fmt.Sprintf(`{"latency_ms":%d,"status":%d}`, time.Since(start).Milliseconds(), rw.status)),
			CreatedAt: time.Now().UTC(),
		}
		if rw.status >= http.StatusBadRequest {
			evt.Result = audit.ResultFailure
			evt.ReasonCode = fmt.Sprintf("http_%d", rw.status)
		}
		if ac, ok := GetAuthContext(r.Context()); ok {
			evt.Actor = ac.Subject
			evt.Role = string(ac.Role)
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.writer.Write(ctx, evt); err != nil {
				m.log.Error("audit event dropped", zap.String("action", evt.Action), zap.Error(err))
			}
		}()
	})
}

// Close waits for pending writes.
func (m *Audit) Close() {
	m.wg.Wait()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
