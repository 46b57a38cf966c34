// Package realtime tracks live chat connections and delivers events to them.
//
// The Registry maps each user to the one connection currently allowed to
// receive that user's events. Sessions own their connections and register
// themselves; the Router looks users up and pushes events.
package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Handle is the send side of one live connection.
type Handle interface {
	// ID uniquely identifies the connection for its whole lifetime.
	ID() string
	// Send writes one text frame. It must be safe to call concurrently with
	// the connection's own reads.
	Send(ctx context.Context, frame []byte) error
}

// Registry maps user identity to the active connection handle. A single
// RWMutex guards the map; no I/O ever runs while it is held.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]Handle // user_id -> handle
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		conns:  make(map[string]Handle),
	}
}

// Register inserts or replaces the entry for user and returns the handle it
// replaced, or nil. The registry never closes a replaced handle.
func (r *Registry) Register(user string, h Handle) (previous Handle) {
	r.mu.Lock()
	previous = r.conns[user]
	r.conns[user] = h
	r.mu.Unlock()

	if previous != nil && previous.ID() == h.ID() {
		return nil
	}
	return previous
}

// Unregister removes the entry for user. Removing an absent user is a no-op.
func (r *Registry) Unregister(user string) {
	r.mu.Lock()
	delete(r.conns, user)
	r.mu.Unlock()
}

// UnregisterHandle removes the entry for user only if it still maps to h.
// It reports whether the entry was removed.
func (r *Registry) UnregisterHandle(user string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[user]
	if !ok || cur.ID() != h.ID() {
		return false
	}
	delete(r.conns, user)
	return true
}

// Lookup returns the handle registered for user.
func (r *Registry) Lookup(user string) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.conns[user]
	r.mu.RUnlock()
	return h, ok
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the registered user IDs in sorted order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.conns))
	for u := range r.conns {
		users = append(users, u)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Broadcast sends frame to every registered handle and returns the number of
// successful sends. A failing handle is logged and skipped.
func (r *Registry) Broadcast(ctx context.Context, frame []byte) int {
	type target struct {
		user string
		h    Handle
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.conns))
	for u, h := range r.conns {
		targets = append(targets, target{user: u, h: h})
	}
	r.mu.RUnlock()

	sent := 0
	for _, t := range targets {
		if err := t.h.Send(ctx, frame); err != nil {
			r.logger.Warn("broadcast send failed", "user_id", t.user, "conn_id", t.h.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}
