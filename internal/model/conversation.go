package model

import (
	"strings"
	"time"
)

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Participant is a member of a conversation as seen by the client.
type Participant struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsActive  bool   `json:"is_active"`
}

// Conversation is the client-side view of a chat. The store owns all instances;
// everything handed out to other components is a deep copy.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Title        string           `json:"title,omitempty"`
	Participants []Participant    `json:"participants"`
	Pinned       bool             `json:"pinned"`
	Muted        bool             `json:"muted"`
	LastActivity time.Time        `json:"last_activity"`
	UnreadCount  int              `json:"unread_count"`
	LastMessage  *Message         `json:"last_message,omitempty"`
}

// DisplayTitle returns the explicit title, or derives one from the other
// participants' names when none is set.
func (c *Conversation) DisplayTitle(localUserID string) string {
	if c.Title != "" {
		return c.Title
	}
	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID == localUserID {
			continue
		}
		if p.Username != "" {
			names = append(names, p.Username)
		}
	}
	if len(names) == 0 {
		return "Conversation"
	}
	return strings.Join(names, ", ")
}

// Clone returns a deep copy safe to hand outside the store.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		cp.LastMessage = c.LastMessage.Clone()
	}
	return &cp
}
