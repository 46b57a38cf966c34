package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the server sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
)

// wsTransport adapts a gorilla connection to Transport. Gorilla allows one
// concurrent writer, so every write, including pings and the close frame,
// holds mu.
type wsTransport struct {
	id          string
	conn        *websocket.Conn
	sendTimeout time.Duration

	mu            sync.Mutex
	closeOnce     sync.Once
	stopKeepalive func()
}

func newWSTransport(conn *websocket.Conn, maxMessageBytes int64, sendTimeout time.Duration) *wsTransport {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(maxMessageBytes)
	}
	t := &wsTransport{
		id:          uuid.New().String(),
		conn:        conn,
		sendTimeout: sendTimeout,
	}
	t.stopKeepalive = startWSKeepalive(conn, &t.mu)
	return t
}

func (t *wsTransport) ID() string { return t.id }

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if t.sendTimeout > 0 {
		deadline = time.Now().Add(t.sendTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Receive returns the next text frame. Binary frames are skipped.
func (t *wsTransport) Receive() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.stopKeepalive()

		t.mu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		t.mu.Unlock()

		err = t.conn.Close()
	})
	return err
}

// startWSKeepalive sets up WebSocket-level ping/pong on a connection. It sets
// a read deadline, installs a pong handler, and starts a goroutine that sends
// periodic pings. The returned cancel function stops the ping goroutine.
// The provided mutex must be the same one used for all writes to the connection.
func startWSKeepalive(conn *websocket.Conn, mu *sync.Mutex) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
