// Package messaging persists direct messages and notifies online recipients.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/amurg-ai/parley/internal/store"
	"github.com/amurg-ai/parley/pkg/protocol"
)

var (
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrContentTooLong    = errors.New("message content too long")
	ErrMessageNotFound   = errors.New("message not found")
	ErrForbidden         = errors.New("not authorized to update this message")
)

// ReadResult is the outcome of MarkRead.
type ReadResult int

const (
	MarkedRead ReadResult = iota
	AlreadyRead
)

func (r ReadResult) Detail() string {
	if r == AlreadyRead {
		return "Message already marked as read"
	}
	return "Message marked as read"
}

// Deliverer pushes live events to connected users.
type Deliverer interface {
	Deliver(ctx context.Context, target string, ev protocol.Event) bool
}

// Service implements sending, listing and read-marking of messages.
type Service struct {
	store           store.Store
	deliverer       Deliverer
	logger          *slog.Logger
	maxContentBytes int
}

// NewService creates a messaging service. maxContentBytes <= 0 disables the
// content length check.
func NewService(s store.Store, d Deliverer, logger *slog.Logger, maxContentBytes int) *Service {
	return &Service{
		store:           s,
		deliverer:       d,
		logger:          logger.With("component", "messaging"),
		maxContentBytes: maxContentBytes,
	}
}

// Send persists a message from sender to receiverID and then attempts live
// delivery. The message is stored whether or not the receiver is online.
func (s *Service) Send(ctx context.Context, senderID, receiverID, content string) (*store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if s.maxContentBytes > 0 && len(content) > s.maxContentBytes {
		return nil, ErrContentTooLong
	}

	recipient, err := s.store.GetUserByID(ctx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	if recipient == nil {
		return nil, ErrRecipientNotFound
	}

	msg := &store.Message{
		ID:         ulid.Make().String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	delivered := s.deliverer.Deliver(ctx, receiverID,
		protocol.NewMessage(senderID, msg.Content, msg.ID, msg.CreatedAt))
	s.logger.Debug("message sent", "message_id", msg.ID, "receiver_id", receiverID, "delivered", delivered)

	return msg, nil
}

// Conversations returns the latest message of each conversation userID takes
// part in, most recent first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]store.Message, error) {
	msgs, err := s.store.LatestPerPartner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return msgs, nil
}

// Thread returns one page of the conversation between userID and partnerID,
// newest first.
func (s *Service) Thread(ctx context.Context, userID, partnerID string, q store.ThreadQuery) ([]store.Message, error) {
	msgs, err := s.store.ListThread(ctx, userID, partnerID, q)
	if err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}
	return msgs, nil
}

// MarkRead marks a message read on behalf of its receiver.
func (s *Service) MarkRead(ctx context.Context, messageID, userID string) (ReadResult, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return 0, fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return 0, ErrMessageNotFound
	}
	if msg.ReceiverID != userID {
		return 0, ErrForbidden
	}
	if msg.IsRead {
		return AlreadyRead, nil
	}

	if err := s.store.MarkMessageRead(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrMessageNotFound
		}
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return MarkedRead, nil
}
