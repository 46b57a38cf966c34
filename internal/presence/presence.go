// Package presence keeps the durable "who is online" record that mirrors the
// live-connection registry.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/amurg-ai/parley/internal/config"
	"github.com/amurg-ai/parley/internal/store"
)

// Record is one online user.
type Record = store.Presence

// Tracker persists presence records. Implementations must be safe for
// concurrent use.
type Tracker interface {
	// Create records the user as online unless a record already exists.
	// It reports whether a record was created.
	Create(ctx context.Context, userID string, at time.Time) (bool, error)
	// Delete removes the user's record and reports whether one existed.
	Delete(ctx context.Context, userID string) (bool, error)
	// Get returns the user's record, or nil when the user is offline.
	Get(ctx context.Context, userID string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	// Reset drops every record and returns how many were removed.
	Reset(ctx context.Context) (int64, error)
	Close() error
}

// New creates a Tracker for the configured presence driver.
func New(cfg config.PresenceConfig, s store.Store) (Tracker, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedisTracker(cfg)
	case "store", "":
		return NewStoreTracker(s), nil
	default:
		return nil, fmt.Errorf("unsupported presence driver: %q", cfg.Driver)
	}
}
