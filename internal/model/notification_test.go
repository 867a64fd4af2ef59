package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(hour, min int) time.Time {
	return time.Date(2025, 6, 15, hour, min, 0, 0, time.Local)
}

func TestQuietHoursOvernightWindow(t *testing.T) {
	q := QuietHours{Enabled: true, Start: "22:00", End: "08:00"}

	assert.True(t, q.Contains(at(23, 30)))
	assert.True(t, q.Contains(at(3, 0)))
	assert.True(t, q.Contains(at(22, 0)))
	assert.True(t, q.Contains(at(8, 0)))
	assert.False(t, q.Contains(at(12, 0)))
	assert.False(t, q.Contains(at(21, 59)))
}

func TestQuietHoursSameDayWindow(t *testing.T) {
	q := QuietHours{Enabled: true, Start: "12:00", End: "14:00"}

	assert.True(t, q.Contains(at(13, 0)))
	assert.False(t, q.Contains(at(15, 0)))
	assert.False(t, q.Contains(at(11, 59)))
}

func TestQuietHoursDisabledOrMalformed(t *testing.T) {
	assert.False(t, QuietHours{Enabled: false, Start: "00:00", End: "23:59"}.Contains(at(12, 0)))
	assert.False(t, QuietHours{Enabled: true, Start: "garbage", End: "08:00"}.Contains(at(12, 0)))
	assert.False(t, QuietHours{Enabled: true, Start: "25:00", End: "08:00"}.Contains(at(12, 0)))
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	assert.True(t, MessageStatusPending.CanAdvance(MessageStatusSent))
	assert.True(t, MessageStatusSent.CanAdvance(MessageStatusDelivered))
	assert.True(t, MessageStatusDelivered.CanAdvance(MessageStatusRead))

	assert.False(t, MessageStatusRead.CanAdvance(MessageStatusDelivered))
	assert.False(t, MessageStatusRead.CanAdvance(MessageStatusSent))
	assert.False(t, MessageStatusSent.CanAdvance(MessageStatusPending))
	assert.False(t, MessageStatusSent.CanAdvance(MessageStatusSent))
}

func TestFailedIsTerminalUntilResend(t *testing.T) {
	assert.False(t, MessageStatusFailed.CanAdvance(MessageStatusSent))
	assert.False(t, MessageStatusFailed.CanAdvance(MessageStatusRead))
	assert.True(t, MessageStatusFailed.CanAdvance(MessageStatusPending))
	// Only a pending message may fail; a delivered one is already on the server.
	assert.False(t, MessageStatusDelivered.CanAdvance(MessageStatusFailed))
}

func TestDisplayTitleDerivedFromParticipants(t *testing.T) {
	c := &Conversation{
		Kind: ConversationDirect,
		Participants: []Participant{
			{UserID: "u1", Username: "me"},
			{UserID: "u2", Username: "Alice"},
		},
	}
	assert.Equal(t, "Alice", c.DisplayTitle("u1"))

	c.Title = "Maple St. tenants"
	assert.Equal(t, "Maple St. tenants", c.DisplayTitle("u1"))
}
