package model

import "time"

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// statusRank orders the delivery pipeline. Failed is outside the pipeline:
// it is terminal until an explicit resend.
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// CanAdvance reports whether a message in status s may transition to next.
// Statuses never regress: once read, always read.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	if s == MessageStatusFailed {
		return next == MessageStatusPending // explicit resend only
	}
	if next == MessageStatusFailed {
		return s == MessageStatusPending
	}
	return statusRank[next] > statusRank[s]
}

type AttachmentStatus string

const (
	AttachmentUploading AttachmentStatus = "uploading"
	AttachmentUploaded  AttachmentStatus = "uploaded"
	AttachmentFailed    AttachmentStatus = "failed"
)

// Attachment is a file attached to a message. URL is an opaque storage
// reference returned by the upload service.
type Attachment struct {
	ID       string           `json:"id"`
	FileName string           `json:"file_name"`
	FileSize int64            `json:"file_size"`
	URL      string           `json:"url,omitempty"`
	Status   AttachmentStatus `json:"status"`
}

// Message is a single chat message. ID starts as a client-generated
// provisional id and is replaced by the server-assigned id on acknowledgment;
// CorrelationID keeps the link between the two.
type Message struct {
	ID             string        `json:"id"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	ReplyToID      *string       `json:"reply_to_id,omitempty"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	IsDeleted      bool          `json:"is_deleted"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
}

// Clone returns a deep copy safe to hand outside the store.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	cp.Reactions = append([]Reaction(nil), m.Reactions...)
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		cp.ReplyToID = &id
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionGroup is aggregated reaction info for display.
type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	Users   []string `json:"users"` // user IDs
	Reacted bool     `json:"reacted"`
}
