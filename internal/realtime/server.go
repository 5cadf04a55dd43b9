// Package realtime serves the WebSocket endpoint: drivers stream positions,
// passengers follow them, and both sides chat.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-presence/internal/auth"
	"github.com/example/ride-presence/internal/chat"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/observability"
	"github.com/example/ride-presence/internal/presence"
	"github.com/example/ride-presence/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	maxPendingFrames = 32
)

type Authenticator interface {
	Authenticate(token string) (models.Principal, error)
}

type Options struct {
	Auth           Authenticator
	Registry       *registry.Registry
	Hub            *presence.Hub
	Relay          *chat.Relay
	Buffer         int
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Server struct {
	auth     Authenticator
	registry *registry.Registry
	hub      *presence.Hub
	relay    *chat.Relay
	buffer   int
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(o Options) *Server {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	s := &Server{
		auth:     o.Auth,
		registry: o.Registry,
		hub:      o.Hub,
		relay:    o.Relay,
		buffer:   o.Buffer,
		logger:   o.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(o.AllowedOrigins),
	}
	return s
}

// An empty allow list accepts any origin.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// ServeHTTP authenticates the caller, upgrades the connection and serves it
// until either side closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return
	}
	p, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "user_id", p.UserID, "error", err)
		return
	}

	c := newConn(s, uuid.NewString(), p, ws)
	if err := s.registry.Register(c.id, p.UserID, p.Role, c); err != nil {
		s.logger.Error("ws_register_failed", "conn_id", c.id, "error", err)
		_ = ws.Close()
		return
	}
	observability.WSConnections.Inc()
	s.logger.Info("ws_connected", "conn_id", c.id, "user_id", p.UserID, "role", p.Role)

	go c.writePump()
	if p.Role != models.RoleDriver {
		c.followPresence(s.hub.SubscribeAll())
	}
	c.readPump()
	c.shutdown()
	s.logger.Info("ws_disconnected", "conn_id", c.id, "user_id", p.UserID)
}

func newConn(s *Server, id string, p models.Principal, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     id,
		p:      p,
		ws:     ws,
		srv:    s,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*chat.Subscription),
	}
	c.out = newOutbox(s.buffer)
	return c
}
