package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/manager"
	"github.com/technosupport/esimd/internal/metrics"
	"github.com/technosupport/esimd/internal/middleware"
)

const (
	feedBuffer   = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ChangeFeed streams manager.Change events to websocket clients as JSON.
type ChangeFeed struct {
	manager *manager.Manager
	auth    *middleware.JWTAuth
	log     *zap.Logger
}

func NewChangeFeed(m *manager.Manager, a *middleware.JWTAuth, logger *zap.Logger) *ChangeFeed {
	return &ChangeFeed{manager: m, auth: a, log: logger.Named("changes")}
}

// ServeWS accepts the token from the Authorization header or the token query
// parameter.
func (f *ChangeFeed) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	caller, err := f.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := make(chan manager.Change, feedBuffer)
	sub := f.manager.Subscribe(func(c manager.Change) {
		select {
		case ch <- c:
		default:
			f.log.Warn("change feed client too slow, dropping change", zap.String("sub", caller.Subject))
		}
	})
	defer sub.Unsubscribe()

	metrics.ChangeFeedClients.Inc()
	defer metrics.ChangeFeedClients.Dec()
	f.log.Info("change feed client connected", zap.String("sub", caller.Subject))

	// The read loop only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			f.log.Info("change feed client disconnected", zap.String("sub", caller.Subject))
			return
		case <-r.Context().Done():
			return
		case c := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(c); err != nil {
				f.log.Warn("change feed write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
