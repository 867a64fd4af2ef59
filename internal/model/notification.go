package model

import (
	"fmt"
	"time"
)

type NotificationCategory string

const (
	CategoryMention       NotificationCategory = "mention"
	CategoryDirectMessage NotificationCategory = "direct_message"
	CategoryGroupMessage  NotificationCategory = "group_message"
	CategoryReaction      NotificationCategory = "reaction"
)

// QuietHours is a daily wall-clock window during which notifications are
// suppressed. Start and End are "HH:mm". A window whose start is after its end
// spans midnight (22:00–08:00).
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Contains reports whether t's local wall-clock time falls inside the window.
// Overnight windows (start > end) match now >= start OR now <= end; same-day
// windows match now >= start AND now <= end.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err1 := parseClock(q.Start)
	end, err2 := parseClock(q.End)
	if err1 != nil || err2 != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start > end {
		return now >= start || now <= end
	}
	return now >= start && now <= end
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	return h*60 + m, nil
}

// NotificationSettings is the only durable state the client owns. Created with
// defaults on first use, mutated only through the notification dispatcher.
type NotificationSettings struct {
	Enabled        bool       `json:"enabled"`
	Sound          bool       `json:"sound"`
	Desktop        bool       `json:"desktop"`
	Email          bool       `json:"email"`
	Mentions       bool       `json:"mentions"`
	DirectMessages bool       `json:"direct_messages"`
	GroupMessages  bool       `json:"group_messages"`
	Reactions      bool       `json:"reactions"`
	DoNotDisturb   bool       `json:"do_not_disturb"`
	QuietHours     QuietHours `json:"quiet_hours"`
}

// DefaultNotificationSettings is the first-use configuration: everything on
// except quiet hours and do-not-disturb.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Enabled:        true,
		Sound:          true,
		Desktop:        true,
		Email:          false,
		Mentions:       true,
		DirectMessages: true,
		GroupMessages:  true,
		Reactions:      true,
		DoNotDisturb:   false,
		QuietHours:     QuietHours{Enabled: false, Start: "22:00", End: "08:00"},
	}
}

// CategoryEnabled reports the per-category toggle for cat.
func (s NotificationSettings) CategoryEnabled(cat NotificationCategory) bool {
	switch cat {
	case CategoryMention:
		return s.Mentions
	case CategoryDirectMessage:
		return s.DirectMessages
	case CategoryGroupMessage:
		return s.GroupMessages
	case CategoryReaction:
		return s.Reactions
	default:
		return false
	}
}

// FrontendNotification is a locally materialized, read/unread-tagged projection
// of an inbound event, shown in the in-app notification list.
type FrontendNotification struct {
	ID             string               `json:"id"`
	Category       NotificationCategory `json:"category"`
	ConversationID string               `json:"conversation_id"`
	MessageID      string               `json:"message_id,omitempty"`
	Title          string               `json:"title"`
	Body           string               `json:"body"`
	Read           bool                 `json:"read"`
	CreatedAt      time.Time            `json:"created_at"`
}
