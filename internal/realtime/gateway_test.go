package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/parley/internal/auth"
	"github.com/amurg-ai/parley/pkg/protocol"
)

// stubAuth accepts tokens of the form "token-<user>". The token "broken"
// simulates an unreachable identity backend.
type stubAuth struct{}

func (stubAuth) ValidateToken(_ context.Context, token string) (*auth.Identity, error) {
	if token == "broken" {
		return nil, errors.New("identity store unavailable")
	}
	user, ok := strings.CutPrefix(token, "token-")
	if !ok || user == "" {
		return nil, auth.ErrUnauthorized
	}
	return &auth.Identity{UserID: user}, nil
}

func (stubAuth) Name() string { return "stub" }

func newTestGateway(t *testing.T, opts GatewayOptions) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t, ManagerOptions{CloseSuperseded: true})
	gw := NewGateway(env.manager, stubAuth{}, testLogger(), opts)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleChatWS))
	t.Cleanup(srv.Close)
	return env, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat" + query
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	_, srv := newTestGateway(t, GatewayOptions{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayAuthBackendFailure(t *testing.T) {
	env, srv := newTestGateway(t, GatewayOptions{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token=broken"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Zero(t, env.registry.Len())
}

func TestGatewayEchoAndDelivery(t *testing.T) {
	env, srv := newTestGateway(t, GatewayOptions{MaxMessageBytes: 1024, SendTimeout: time.Second})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token=token-alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup("alice")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, env.tracker.online("alice"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping?")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "You said: ping?", ev.Content)

	require.True(t, env.router.Deliver(context.Background(), "alice",
		protocol.NewMessage("bob", "hey alice", "m-9", time.Now())))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	ev, err = protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeNewMessage, ev.Type)
	assert.Equal(t, "bob", ev.From)

	conn.Close()
	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup("alice")
		return !ok && !env.tracker.online("alice")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGatewayBearerHeader(t *testing.T) {
	env, srv := newTestGateway(t, GatewayOptions{})

	header := http.Header{}
	header.Set("Authorization", "Bearer token-bob")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup("bob")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestGatewayOversizeFrameClosesConnection(t *testing.T) {
	env, srv := newTestGateway(t, GatewayOptions{MaxMessageBytes: 16})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token=token-carol"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup("carol")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))))
	require.Eventually(t, func() bool {
		_, ok := env.registry.Lookup("carol")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGatewayOriginCheck(t *testing.T) {
	_, srv := newTestGateway(t, GatewayOptions{AllowedOrigins: []string{"https://app.example"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token=token-dave"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	req.Header.Set("Authorization", "bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	assert.Equal(t, "", TokenFromRequest(req))
}
