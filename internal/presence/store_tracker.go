package presence

import (
	"context"
	"time"

	"github.com/amurg-ai/parley/internal/store"
)

// StoreTracker keeps presence in the active_users table of the main store.
type StoreTracker struct {
	store store.Store
}

func NewStoreTracker(s store.Store) *StoreTracker {
	return &StoreTracker{store: s}
}

func (t *StoreTracker) Create(ctx context.Context, userID string, at time.Time) (bool, error) {
	return t.store.CreatePresence(ctx, userID, at.UTC())
}

func (t *StoreTracker) Delete(ctx context.Context, userID string) (bool, error) {
	return t.store.DeletePresence(ctx, userID)
}

func (t *StoreTracker) Get(ctx context.Context, userID string) (*Record, error) {
	return t.store.GetPresence(ctx, userID)
}

func (t *StoreTracker) List(ctx context.Context) ([]Record, error) {
	return t.store.ListPresence(ctx)
}

func (t *StoreTracker) Reset(ctx context.Context) (int64, error) {
	return t.store.ClearPresence(ctx)
}

// Close is a no-op; the store is owned by the caller.
func (t *StoreTracker) Close() error { return nil }
