// Package protocol defines the wire format of events the server pushes to
// clients over the chat WebSocket.
//
// All events are JSON text frames sharing a "type" field that determines
// which of the remaining fields are set.
package protocol

import (
	"encoding/json"
	"time"
)

// Event is the top-level wire format for every server → client frame.
type Event struct {
	Type      string    `json:"type"`
	From      string    `json:"from,omitempty"`
	Content   string    `json:"content,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// --- Event type constants ---

const (
	TypeNewMessage     = "new_message"
	TypeEcho           = "echo"
	TypeServerShutdown = "server_shutdown"
)

// NewMessage builds the notification pushed to the receiver of a freshly
// persisted message.
func NewMessage(from, content, messageID string, at time.Time) Event {
	return Event{
		Type:      TypeNewMessage,
		From:      from,
		Content:   content,
		MessageID: messageID,
		Timestamp: at,
	}
}

// Encode serializes an event to the text frame sent on the wire.
func Encode(ev Event) ([]byte, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return json.Marshal(ev)
}

// Decode parses a text frame back into an Event. Used by clients and tests.
func Decode(frame []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(frame, &ev)
	return ev, err
}
