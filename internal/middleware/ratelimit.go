package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/ratelimit"
)

// RateLimit bounds how often one caller may start daemon operations. Redis
// failures let the request through.
type RateLimit struct {
	limiter *ratelimit.Limiter
	cfg     ratelimit.LimitConfig
	log     *zap.Logger
}

func NewRateLimit(l *ratelimit.Limiter, cfg ratelimit.LimitConfig, logger *zap.Logger) *RateLimit {
	return &RateLimit{limiter: l, cfg: cfg, log: logger.Named("ratelimit")}
}

func (m *RateLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + m.limiter.HashIP(clientIP(r))
		if ac, ok := GetAuthContext(r.Context()); ok {
			key = "sub:" + ac.Subject
		}

		decision, err := m.limiter.Allow(r.Context(), key, m.cfg)
		if err != nil {
			if errors.Is(err, ratelimit.ErrRedisUnavailable) {
				m.log.Warn("rate limiter unavailable, allowing request", zap.Error(err))
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds()+0.999)))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
