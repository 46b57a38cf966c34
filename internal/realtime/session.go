package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/parley/internal/presence"
	"github.com/amurg-ai/parley/internal/ratelimit"
	"github.com/amurg-ai/parley/internal/store"
	"github.com/amurg-ai/parley/pkg/protocol"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrShuttingDown    = errors.New("server shutting down")
)

// WebSocket close codes used by sessions. 4000-4999 are application codes.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseInternalError   = 1011
	CloseSuperseded      = 4000
	CloseUnauthenticated = 4001
)

// Close reasons, also used as the metrics label.
const (
	reasonDisconnected    = "disconnected"
	reasonSuperseded      = "superseded"
	reasonShutdown        = "shutdown"
	reasonUnauthenticated = "unauthenticated"
	reasonInternalError   = "internal_error"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is a session's duplex connection.
type Transport interface {
	Handle
	// Receive blocks until the next inbound text frame arrives.
	Receive() ([]byte, error)
	// Close ends the connection with a close code and reason and unblocks a
	// pending Receive. Calls after the first are no-ops.
	Close(code int, reason string) error
}

// AuthFunc resolves the user a connection belongs to.
type AuthFunc func(ctx context.Context) (userID string, err error)

// Reaction handles one inbound frame of an active session.
type Reaction func(ctx context.Context, s *Session, frame []byte) error

// AuditLogger records session connect and disconnect events.
type AuditLogger interface {
	LogAuditEvent(ctx context.Context, event *store.AuditEvent) error
}

// Echo replies on the sender's own connection with "You said: <text>".
func Echo(ctx context.Context, s *Session, frame []byte) error {
	out, err := protocol.Encode(protocol.Event{
		Type:    protocol.TypeEcho,
		Content: "You said: " + string(frame),
	})
	if err != nil {
		return err
	}
	return s.Send(ctx, out)
}

// ManagerOptions configures session behavior.
type ManagerOptions struct {
	CloseSuperseded bool     // a reconnect shuts down the user's older session
	React           Reaction // default Echo
	FrameRate       float64  // inbound frames per second; default 30
	FrameBurst      float64  // default 50
	Audit           AuditLogger
}

// Manager creates sessions and owns what they share: the registry, the
// presence tracker and the shutdown signal.
type Manager struct {
	registry *Registry
	presence presence.Tracker
	metrics  *Metrics
	logger   *slog.Logger
	opts     ManagerOptions
	locks    userLocks

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(registry *Registry, tracker presence.Tracker, metrics *Metrics, logger *slog.Logger, opts ManagerOptions) *Manager {
	if opts.React == nil {
		opts.React = Echo
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: registry,
		presence: tracker,
		metrics:  metrics,
		logger:   logger.With("component", "session"),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// NewSession wraps an accepted transport in a session in the Connecting state.
func (m *Manager) NewSession(t Transport) *Session {
	return &Session{
		m:         m,
		transport: t,
		logger:    m.logger.With("conn_id", t.ID()),
		limiter:   ratelimit.NewBucket(m.opts.FrameRate, m.opts.FrameBurst),
	}
}

// Shutdown tells every connected client the server is going away, closes
// all sessions and waits for their teardown or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	frame, err := protocol.Encode(protocol.Event{Type: protocol.TypeServerShutdown, Reason: "server shutting down"})
	if err == nil {
		n := m.registry.Broadcast(ctx, frame)
		m.logger.Info("shutdown notice sent", "connections", n)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.running.Add(1)
	return true
}

func (m *Manager) audit(action, userID string, detail map[string]string) {
	if m.opts.Audit == nil {
		return
	}
	raw, _ := json.Marshal(detail)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Audit.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    raw,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		m.logger.Warn("audit log failed", "action", action, "error", err)
	}
}

// Session is one live connection from Connecting to Closed. It is the Handle
// the registry holds for its user.
type Session struct {
	m         *Manager
	transport Transport
	logger    *slog.Logger
	limiter   ratelimit.Bucket // inbound frames; only the session goroutine uses it

	state      atomic.Int32
	superseded atomic.Bool
	user       string

	mu          sync.Mutex
	cancel      context.CancelFunc
	closeCode   int
	closeReason string

	teardownOnce sync.Once
}

// ID returns the session's connection id.
func (s *Session) ID() string { return s.transport.ID() }

// Send writes a frame on the session's connection.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	return s.transport.Send(ctx, frame)
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// UserID returns the authenticated user, or "" before authentication.
func (s *Session) UserID() string { return s.user }

// Supersede asks the session to close itself because a newer connection
// took over its registry entry.
func (s *Session) Supersede() {
	s.superseded.Store(true)
	s.setCloseReason(CloseSuperseded, reasonSuperseded)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the session until its connection ends. It returns an error
// only when authentication fails, the server is shutting down, or the
// reaction panics; teardown has completed by the time Run returns.
func (s *Session) Run(ctx context.Context, authenticate AuthFunc) (err error) {
	if !s.m.track() {
		_ = s.transport.Close(CloseGoingAway, reasonShutdown)
		s.setState(StateClosed)
		return ErrShuttingDown
	}
	defer s.m.running.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnShutdown := context.AfterFunc(s.m.ctx, cancel)
	defer stopOnShutdown()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.setState(StateAuthenticating)
	user, aerr := authenticate(ctx)
	if aerr == nil && user == "" {
		aerr = errors.New("empty user id")
	}
	if aerr != nil {
		s.setState(StateClosing)
		s.logger.Info("session rejected", "error", aerr)
		_ = s.transport.Close(CloseUnauthenticated, reasonUnauthenticated)
		s.m.metrics.sessionClosed(reasonUnauthenticated)
		s.setState(StateClosed)
		return fmt.Errorf("%w: %v", ErrUnauthenticated, aerr)
	}

	s.user = user
	s.logger = s.logger.With("user_id", user)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", "panic", r, "stack", string(debug.Stack()))
			s.setCloseReason(CloseInternalError, reasonInternalError)
			err = fmt.Errorf("session panic: %v", r)
		}
		s.teardown()
	}()

	s.activate(ctx)

	stopWatch := context.AfterFunc(ctx, func() {
		code, reason := s.closeInfo()
		_ = s.transport.Close(code, reason)
	})
	defer stopWatch()

	for {
		frame, rerr := s.transport.Receive()
		if rerr != nil {
			if ctx.Err() == nil {
				s.logger.Debug("receive ended", "error", rerr)
			}
			return nil
		}

		if !s.limiter.Allow(time.Now()) {
			s.m.metrics.inbound("rate_limited")
			s.logger.Debug("inbound frame rate limited")
			continue
		}
		s.m.metrics.inbound("accepted")

		if rerr := s.m.opts.React(ctx, s, frame); rerr != nil {
			s.logger.Warn("reaction failed", "error", rerr)
		}
	}
}

// activate registers the session and records presence, in that order.
func (s *Session) activate(ctx context.Context) {
	unlock := s.m.locks.lock(s.user)
	prev := s.m.registry.Register(s.user, s)
	created, err := s.m.presence.Create(ctx, s.user, time.Now())
	unlock()

	if err != nil {
		s.logger.Warn("create presence failed", "error", err)
	}
	s.setState(StateActive)
	s.logger.Info("session active", "presence_created", created)

	if prev != nil {
		s.logger.Info("connection superseded", "previous_conn_id", prev.ID())
		if old, ok := prev.(*Session); ok {
			if s.m.opts.CloseSuperseded {
				old.Supersede()
			} else {
				old.superseded.Store(true)
			}
		}
	}

	s.m.audit("session.connect", s.user, map[string]string{"conn_id": s.ID()})
}

// teardown unregisters the session and deletes presence, in that order,
// exactly once. Presence is only deleted while the session still owned the
// registry entry, so a superseded session never removes its successor's record.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.setState(StateClosing)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		unlock := s.m.locks.lock(s.user)
		owned := s.m.registry.UnregisterHandle(s.user, s)
		var presenceErr error
		if owned {
			_, presenceErr = s.m.presence.Delete(ctx, s.user)
		}
		unlock()

		if presenceErr != nil {
			s.logger.Warn("delete presence failed", "error", presenceErr)
		}
		if !owned && !s.superseded.Load() {
			s.logger.Warn("registry entry owned by another connection at teardown")
		}

		code, reason := s.closeInfo()
		_ = s.transport.Close(code, reason)
		s.m.metrics.sessionClosed(reason)
		s.m.audit("session.disconnect", s.user, map[string]string{"conn_id": s.ID(), "reason": reason})

		s.setState(StateClosed)
		s.logger.Info("session closed", "reason", reason)
	})
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) setCloseReason(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		s.closeCode, s.closeReason = code, reason
	}
}

func (s *Session) closeInfo() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closeReason != "":
		return s.closeCode, s.closeReason
	case s.m.ctx.Err() != nil:
		return CloseGoingAway, reasonShutdown
	default:
		return CloseNormal, reasonDisconnected
	}
}

// userLocks serializes registry+presence updates for the same user so a
// teardown cannot delete the presence record a reconnect just relied on.
type userLocks struct {
	stripes [64]sync.Mutex
}

func (l *userLocks) lock(user string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(user))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}
