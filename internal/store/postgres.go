package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// newPostgresWithDB wraps an already-open handle without running migrations.
func newPostgresWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL REFERENCES users(id),
			receiver_id TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender_id ON messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_id ON messages(receiver_id)`,
		`CREATE TABLE IF NOT EXISTS active_users (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, first_name, last_name, external_id, password_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		user.ID, strings.ToLower(user.Email), user.FirstName, user.LastName, user.ExternalID, user.PasswordHash, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id = $1", id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "email = $1", strings.ToLower(email))
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.getUser(ctx, "external_id = $1", externalID)
}

func (s *PostgresStore) LinkExternalID(ctx context.Context, userID, externalID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET external_id = $1 WHERE id = $2 AND external_id = ''", externalID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, first_name, last_name, external_id, password_hash, created_at FROM users WHERE "+where,
		arg,
	).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.ExternalID, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, sender_id, receiver_id, content, is_read, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.IsRead, msg.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		"SELECT id, sender_id, receiver_id, content, is_read, created_at FROM messages WHERE id = $1", id,
	).Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

func (s *PostgresStore) LatestPerPartner(ctx context.Context, userID string) ([]Message, error) {
	return queryMessages(ctx, s.db, latestPerPartnerQuery(userID), sq.Dollar)
}

func (s *PostgresStore) ListThread(ctx context.Context, userID, partnerID string, q ThreadQuery) ([]Message, error) {
	return queryMessages(ctx, s.db, threadQuery(userID, partnerID, q), sq.Dollar)
}

func (s *PostgresStore) MarkMessageRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET is_read = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Presence ---

func (s *PostgresStore) CreatePresence(ctx context.Context, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO active_users (user_id, connected_at) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING",
		userID, at,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) DeletePresence(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM active_users WHERE user_id = $1", userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, connected_at FROM active_users WHERE user_id = $1", userID,
	).Scan(&p.UserID, &p.ConnectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *PostgresStore) ListPresence(ctx context.Context) ([]Presence, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id, connected_at FROM active_users ORDER BY connected_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Presence
	for rows.Next() {
		var p Presence
		if err := rows.Scan(&p.UserID, &p.ConnectedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClearPresence(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM active_users")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES ($1, $2, $3, $4, $5)",
		event.ID, event.Action, event.UserID, string(event.Detail), event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, user_id, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = []byte(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
