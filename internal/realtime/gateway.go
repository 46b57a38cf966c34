package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/parley/internal/auth"
)

// GatewayOptions configures the chat WebSocket endpoint.
type GatewayOptions struct {
	AllowedOrigins  []string // "*" or empty allows any origin
	MaxMessageBytes int64    // inbound frame limit; larger frames close the connection
	SendTimeout     time.Duration
}

// Gateway is the HTTP entry point of chat sessions.
type Gateway struct {
	manager  *Manager
	auth     auth.Provider
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     GatewayOptions
}

// NewGateway creates the chat WebSocket handler.
func NewGateway(m *Manager, ap auth.Provider, logger *slog.Logger, opts GatewayOptions) *Gateway {
	return &Gateway{
		manager:  m,
		auth:     ap,
		logger:   logger.With("component", "gateway"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// HandleChatWS authenticates the request, upgrades it and runs a session
// until the connection ends.
func (g *Gateway) HandleChatWS(w http.ResponseWriter, req *http.Request) {
	// Browsers cannot set headers on the WebSocket handshake, so the token
	// may arrive as a query parameter.
	identity, err := g.auth.ValidateToken(req.Context(), TokenFromRequest(req))
	if errors.Is(err, auth.ErrUnauthorized) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		g.logger.Error("chat token validation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("chat websocket upgrade failed", "error", err)
		return
	}

	t := newWSTransport(conn, g.opts.MaxMessageBytes, g.opts.SendTimeout)
	sess := g.manager.NewSession(t)

	err = sess.Run(req.Context(), func(context.Context) (string, error) {
		return identity.UserID, nil
	})
	if err != nil && !errors.Is(err, ErrShuttingDown) {
		g.logger.Warn("chat session ended with error", "conn_id", t.ID(), "error", err)
	}
}

// TokenFromRequest extracts a bearer token from the "token" query parameter
// or the Authorization header.
func TokenFromRequest(req *http.Request) string {
	if tok := req.URL.Query().Get("token"); tok != "" {
		return tok
	}
	h := req.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
