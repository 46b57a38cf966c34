package store

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return newPostgresWithDB(db), mock
}

func TestPostgresLatestPerPartnerQuery(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(messageColumns).
		AddRow("01B", "alice", "carol", "latest with carol", false, now).
		AddRow("01A", "bob", "alice", "latest with bob", true, now.Add(-time.Minute))

	mock.ExpectQuery(`ROW_NUMBER\(\) OVER \(PARTITION BY CASE WHEN sender_id = \$1 THEN receiver_id ELSE sender_id END ORDER BY id DESC\) AS rn FROM messages WHERE \(sender_id = \$2 OR receiver_id = \$3\)\) AS ranked WHERE rn = \$4 ORDER BY id DESC`).
		WithArgs("alice", "alice", "alice", 1).
		WillReturnRows(rows)

	got, err := s.LatestPerPartner(context.Background(), "alice")
	if err != nil {
		t.Fatalf("LatestPerPartner: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].PartnerOf("alice") != "carol" || got[1].PartnerOf("alice") != "bob" {
		t.Errorf("unexpected partners: %+v", got)
	}
	if !got[1].IsRead {
		t.Error("IsRead not scanned")
	}
}

func TestPostgresListThreadQuery(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM messages WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $3 AND receiver_id = $4)) AND id < $5 ORDER BY id DESC LIMIT 20",
	)).
		WithArgs("alice", "bob", "bob", "alice", "01CURSOR").
		WillReturnRows(sqlmock.NewRows(messageColumns))

	got, err := s.ListThread(context.Background(), "alice", "bob", ThreadQuery{Before: "01CURSOR", Limit: 20})
	if err != nil {
		t.Fatalf("ListThread: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

func TestPostgresMarkMessageReadNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_read = TRUE WHERE id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MarkMessageRead(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPostgresCreatePresenceOnlyIfAbsent(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Now()

	q := regexp.QuoteMeta("INSERT INTO active_users (user_id, connected_at) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING")
	mock.ExpectExec(q).WithArgs("alice", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("alice", at).WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := s.CreatePresence(context.Background(), "alice", at)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.CreatePresence(context.Background(), "alice", at)
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
}

func TestPostgresGetUserMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = $1")).
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	u, err := s.GetUserByEmail(context.Background(), "Nobody@Example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u != nil {
		t.Errorf("expected nil user, got %+v", u)
	}
}

func TestPostgresLinkExternalIDOnlyUnlinked(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	q := regexp.QuoteMeta("UPDATE users SET external_id = $1 WHERE id = $2 AND external_id = ''")
	mock.ExpectExec(q).WithArgs("idp|7", "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("idp|8", "u1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.LinkExternalID(context.Background(), "u1", "idp|7"); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if err := s.LinkExternalID(context.Background(), "u1", "idp|8"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second link: got %v, want ErrNotFound", err)
	}
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPostgresMigration verifies that migrations run without error on a fresh database.
func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestPostgresConversationFlow exercises signup -> message -> conversation list -> mark read
// against a real server.
func TestPostgresConversationFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	suffix := uuid.New().String()[:8]
	alice := &User{ID: uuid.New().String(), Email: "alice-" + suffix + "@example.com", CreatedAt: time.Now()}
	bob := &User{ID: uuid.New().String(), Email: "bob-" + suffix + "@example.com", CreatedAt: time.Now()}
	for _, u := range []*User{alice, bob} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	first := &Message{ID: ulid.Make().String(), SenderID: alice.ID, ReceiverID: bob.ID, Content: "hi", CreatedAt: time.Now()}
	second := &Message{ID: ulid.Make().String(), SenderID: bob.ID, ReceiverID: alice.ID, Content: "hey", CreatedAt: time.Now()}
	for _, m := range []*Message{first, second} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	convs, err := s.LatestPerPartner(ctx, alice.ID)
	if err != nil {
		t.Fatalf("LatestPerPartner: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != second.ID {
		t.Fatalf("LatestPerPartner: got %+v", convs)
	}

	if err := s.MarkMessageRead(ctx, second.ID); err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}

	created, err := s.CreatePresence(ctx, alice.ID, time.Now())
	if err != nil || !created {
		t.Fatalf("CreatePresence: created=%v err=%v", created, err)
	}
	if _, err := s.DeletePresence(ctx, alice.ID); err != nil {
		t.Fatalf("DeletePresence: %v", err)
	}
}
