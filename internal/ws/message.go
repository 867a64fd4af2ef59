package ws

import (
	"encoding/json"
	"time"

	"github.com/rentchat/internal/model"
)

type EventType string

const (
	EventNewMessage      EventType = "new_message"
	EventMessageRead     EventType = "message_read"
	EventMessageEdited   EventType = "message_edited"
	EventMessageDeleted  EventType = "message_deleted"
	EventTyping          EventType = "typing"
	EventTypingStop      EventType = "typing_stop"
	EventUserOnline      EventType = "user_online"
	EventUserOffline     EventType = "user_offline"
	EventReactionAdded   EventType = "reaction_added"
	EventReactionRemoved EventType = "reaction_removed"
	EventAck             EventType = "ack"
	EventError           EventType = "error"
)

// Event is an inbound server push. Payload stays raw until the dispatcher
// knows which typed payload to decode into.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Action is an outbound client request. CorrelationID makes retries after a
// reconnect idempotent on the server side and links server acks back to the
// optimistic local entity.
type Action struct {
	Type           EventType          `json:"type"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Content        string             `json:"content,omitempty"`
	MessageID      string             `json:"message_id,omitempty"`
	ReplyToID      string             `json:"reply_to_id,omitempty"`
	Emoji          string             `json:"emoji,omitempty"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
}

// AckPayload confirms an optimistic action. For sends it carries the
// server-assigned message id and timestamp that replace the provisional ones.
type AckPayload struct {
	CorrelationID string    `json:"correlation_id"`
	MessageID     string    `json:"message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// ErrorPayload rejects an action (or reports a protocol-level error when
// CorrelationID is empty).
type ErrorPayload struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Message       string `json:"message"`
}

// MessageEditedPayload is pushed when a message is edited.
type MessageEditedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeletedPayload is pushed when a message is deleted.
type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// ReactionPayload is pushed when a reaction is added or removed.
type ReactionPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// TypingPayload is pushed when a user starts or stops typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ReadPayload is pushed when a user has read a conversation.
type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PresencePayload is pushed for online/offline transitions.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
