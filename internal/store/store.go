// Package store defines the storage interface for the server and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by mutating calls whose target row does not exist.
// Getters return (nil, nil) for missing rows instead.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the server.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	// LinkExternalID sets the external subject of a user that has none yet.
	// It returns ErrNotFound when no unlinked user with that ID exists.
	LinkExternalID(ctx context.Context, userID, externalID string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	LatestPerPartner(ctx context.Context, userID string) ([]Message, error)
	ListThread(ctx context.Context, userID, partnerID string, q ThreadQuery) ([]Message, error)
	MarkMessageRead(ctx context.Context, id string) error

	// Presence
	CreatePresence(ctx context.Context, userID string, at time.Time) (bool, error)
	DeletePresence(ctx context.Context, userID string) (bool, error)
	GetPresence(ctx context.Context, userID string) (*Presence, error)
	ListPresence(ctx context.Context) ([]Presence, error)
	ClearPresence(ctx context.Context) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a registered account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	ExternalID   string    `json:"external_id,omitempty"` // subject from an external token issuer, or empty
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message represents a direct message between two users.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"timestamp"`
}

// PartnerOf returns the other participant of the message from userID's point of view.
func (m *Message) PartnerOf(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Presence is the durable record that a user holds a live connection.
type Presence struct {
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ThreadQuery pages through a conversation, newest first.
type ThreadQuery struct {
	Before string // only messages with an ID lower than this one; empty for the newest page
	Limit  int
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
