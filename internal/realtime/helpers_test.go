package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/parley/internal/presence"
)

var errConnClosed = errors.New("connection closed")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory Transport.
type fakeConn struct {
	id      string
	inbox   chan []byte
	closed  chan struct{}
	sendErr error

	mu          sync.Mutex
	sent        [][]byte
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:     uuid.New().String(),
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), frame...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errConnClosed
	case f := <-c.inbox:
		return f, nil
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// drop simulates abrupt transport loss: no close frame, reads just fail.
func (c *fakeConn) drop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) closeInfo() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// memTracker is an in-memory presence.Tracker that counts calls.
type memTracker struct {
	mu      sync.Mutex
	records map[string]time.Time
	creates map[string]int
	deletes map[string]int
}

var _ presence.Tracker = (*memTracker)(nil)

func newMemTracker() *memTracker {
	return &memTracker{
		records: make(map[string]time.Time),
		creates: make(map[string]int),
		deletes: make(map[string]int),
	}
}

func (m *memTracker) Create(_ context.Context, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates[userID]++
	if _, ok := m.records[userID]; ok {
		return false, nil
	}
	m.records[userID] = at
	return true, nil
}

func (m *memTracker) Delete(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes[userID]++
	_, ok := m.records[userID]
	delete(m.records, userID)
	return ok, nil
}

func (m *memTracker) Get(_ context.Context, userID string) (*presence.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	return &presence.Record{UserID: userID, ConnectedAt: at}, nil
}

func (m *memTracker) List(_ context.Context) ([]presence.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]presence.Record, 0, len(m.records))
	for u, at := range m.records {
		out = append(out, presence.Record{UserID: u, ConnectedAt: at})
	}
	return out, nil
}

func (m *memTracker) Reset(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.records))
	m.records = make(map[string]time.Time)
	return n, nil
}

func (m *memTracker) Close() error { return nil }

func (m *memTracker) online(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[userID]
	return ok
}

func (m *memTracker) counts(userID string) (creates, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates[userID], m.deletes[userID]
}

type testEnv struct {
	registry *Registry
	tracker  *memTracker
	metrics  *Metrics
	manager  *Manager
	router   *Router
}

func newTestEnv(t *testing.T, opts ManagerOptions) *testEnv {
	t.Helper()
	logger := testLogger()
	reg := NewRegistry(logger)
	tr := newMemTracker()
	m := NewMetrics(nil, reg)
	mgr := NewManager(reg, tr, m, logger, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &testEnv{
		registry: reg,
		tracker:  tr,
		metrics:  m,
		manager:  mgr,
		router:   NewRouter(reg, m, logger, time.Second),
	}
}

type runningSession struct {
	sess *Session
	conn *fakeConn
	done chan error
}

// start runs a session for user and waits until it is active.
func (e *testEnv) start(t *testing.T, user string) *runningSession {
	t.Helper()
	conn := newFakeConn()
	sess := e.manager.NewSession(conn)
	done := make(chan error, 1)
	go func() {
		done <- sess.Run(context.Background(), func(context.Context) (string, error) { return user, nil })
	}()
	require.Eventually(t, func() bool { return sess.State() == StateActive }, time.Second, time.Millisecond)
	return &runningSession{sess: sess, conn: conn, done: done}
}

func (r *runningSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}
