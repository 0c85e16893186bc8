package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/middleware"
	"github.com/technosupport/esimd/internal/ratelimit"
)

func TestRateLimitPerIP(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := ratelimit.NewLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", "salt")
	mw := middleware.NewRateLimit(limiter, ratelimit.LimitConfig{Rate: 2, Window: time.Minute}, zap.NewNop())
	handler := mw.Middleware(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodPost, "/", nil)
	other.RemoteAddr = "5.6.7.8:1234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitRedisDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := ratelimit.NewLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", "salt")
	mr.Close()

	handler := middleware.NewRateLimit(limiter, ratelimit.LimitConfig{Rate: 1, Window: time.Second}, zap.NewNop()).
		Middleware(http.HandlerFunc(okHandler))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
