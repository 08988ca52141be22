package distribution

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Authenticator resolves the opaque bearer token presented at handshake to
// a userID (spec §4.10: "Authentication is by opaque bearer token
// presented at handshake").
type Authenticator interface {
	AuthenticateToken(token string) (userID string, err error)
}

// Server upgrades HTTP connections to WebSocket sessions on the hub.
type Server struct {
	hub      *Hub
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   *slog.Logger

	nextID func() string
}

// NewServer constructs a distribution Server. allowedOrigins may be empty,
// in which case same-host and localhost origins are permitted, matching
// the reference bot's dashboard origin policy.
func NewServer(hub *Hub, auth Authenticator, allowedOrigins []string, idGen func() string, logger *slog.Logger) *Server {
	return &Server{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return isOriginAllowed(r.Header.Get("Origin"), allowedOrigins, r.Host)
			},
		},
		logger: logger.With("component", "distribution-server"),
		nextID: idGen,
	}
}

// HandleWebSocket authenticates the bearer token, upgrades the connection,
// and hands it to a new Session.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	userID, err := s.auth.AuthenticateToken(token)
	if err != nil {
		s.logger.Warn("websocket auth rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	NewSession(s.hub, s.nextID(), userID, conn, s.logger)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return r.URL.Query().Get("token")
}

func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, reqHost) {
			return true
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
