package store

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
)

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 200
)

var messageColumns = []string{"id", "sender_id", "receiver_id", "content", "is_read", "created_at"}

// Message IDs are ULIDs, so ordering by id is ordering by creation time with
// a deterministic tie-break inside the same millisecond.

// latestPerPartnerQuery selects the newest message of every conversation the
// user takes part in, newest conversation first.
func latestPerPartnerQuery(userID string) sq.SelectBuilder {
	ranked := sq.Select(messageColumns...).
		Column(sq.Expr(
			"ROW_NUMBER() OVER (PARTITION BY CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END ORDER BY id DESC) AS rn",
			userID,
		)).
		From("messages").
		Where(sq.Or{sq.Eq{"sender_id": userID}, sq.Eq{"receiver_id": userID}})

	return sq.Select(messageColumns...).
		FromSelect(ranked, "ranked").
		Where(sq.Eq{"rn": 1}).
		OrderBy("id DESC")
}

// threadQuery selects one page of the conversation between two users, newest first.
func threadQuery(userID, partnerID string, q ThreadQuery) sq.SelectBuilder {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultThreadLimit
	}
	if limit > maxThreadLimit {
		limit = maxThreadLimit
	}

	b := sq.Select(messageColumns...).
		From("messages").
		Where(sq.Or{
			sq.And{sq.Eq{"sender_id": userID}, sq.Eq{"receiver_id": partnerID}},
			sq.And{sq.Eq{"sender_id": partnerID}, sq.Eq{"receiver_id": userID}},
		})
	if q.Before != "" {
		b = b.Where(sq.Lt{"id": q.Before})
	}
	return b.OrderBy("id DESC").Limit(uint64(limit))
}

// queryMessages runs a message select built with the given placeholder format.
func queryMessages(ctx context.Context, db *sql.DB, b sq.SelectBuilder, ph sq.PlaceholderFormat) ([]Message, error) {
	query, args, err := b.PlaceholderFormat(ph).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
