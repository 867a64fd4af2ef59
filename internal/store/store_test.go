package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentchat/internal/model"
	"github.com/rentchat/internal/store"
	"github.com/rentchat/internal/ws"
)

type fakeSender struct {
	mu      sync.Mutex
	actions []ws.Action
	err     error
}

func (f *fakeSender) Enqueue(a ws.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return f.err
}

func (f *fakeSender) ofType(t ws.EventType) []ws.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Action
	for _, a := range f.actions {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type fakeBackend struct {
	convs   []model.Conversation
	history map[string][]model.Message
	calls   int
}

func (f *fakeBackend) Conversations(context.Context) ([]model.Conversation, error) {
	return f.convs, nil
}

func (f *fakeBackend) Messages(_ context.Context, id string) ([]model.Message, error) {
	f.calls++
	return f.history[id], nil
}

const localUser = "u-local"

func newTestStore(t *testing.T) (*store.Store, *fakeSender, *fakeBackend, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	sender := &fakeSender{}
	backend := &fakeBackend{
		convs: []model.Conversation{
			{
				ID:   "c1",
				Kind: model.ConversationDirect,
				Participants: []model.Participant{
					{UserID: localUser, Username: "me"},
					{UserID: "u-peer", Username: "Alice"},
				},
			},
			{ID: "c2", Kind: model.ConversationGroup, Title: "Tenants"},
		},
		history: map[string][]model.Message{},
	}
	s := store.New(localUser, sender, backend, mock, 10*time.Second)
	t.Cleanup(s.Close)
	require.NoError(t, s.LoadConversations(context.Background()))
	return s, sender, backend, mock
}

func TestSendMessageOptimisticThenAck(t *testing.T) {
	s, sender, _, _ := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusPending, m.Status)
	assert.Equal(t, m.ID, m.CorrelationID, "provisional id doubles as correlation id")

	sent := sender.ofType(ws.EventNewMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, m.CorrelationID, sent[0].CorrelationID)
	assert.Equal(t, "hello", sent[0].Content)

	serverAt := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	ok := s.ApplyAck(ws.AckPayload{CorrelationID: m.CorrelationID, MessageID: "srv-1", CreatedAt: serverAt})
	assert.True(t, ok)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1, "ack replaces the provisional entry in place")
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, serverAt, msgs[0].CreatedAt)
	assert.Equal(t, model.MessageStatusSent, msgs[0].Status)

	conv, err := s.Conversation("c1")
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "srv-1", conv.LastMessage.ID)
}

func TestSendMessageAckForUnknownCorrelation(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	assert.False(t, s.ApplyAck(ws.AckPayload{CorrelationID: "not-ours"}))
	assert.False(t, s.ApplyNack(ws.ErrorPayload{CorrelationID: "not-ours"}))
}

func TestSendMessageEchoConfirmsInPlace(t *testing.T) {
	s, _, _, _ := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)

	// Server pushes our own message back before (or instead of) the ack.
	res := s.ApplyNewMessage(model.Message{
		ID:             "srv-9",
		CorrelationID:  m.CorrelationID,
		ConversationID: "c1",
		SenderID:       localUser,
		Content:        "hi",
		Status:         model.MessageStatusSent,
		CreatedAt:      time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	})
	assert.False(t, res.Applied, "echo confirms the pending entry, nothing new is added")

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-9", msgs[0].ID)
	assert.Equal(t, model.MessageStatusSent, msgs[0].Status)

	// A late ack for the same correlation id must not duplicate either.
	s.ApplyAck(ws.AckPayload{CorrelationID: m.CorrelationID, MessageID: "srv-9"})
	assert.Len(t, s.Messages("c1"), 1)
}

func TestSendMessageAckTimeoutFailsAndResendReuses(t *testing.T) {
	s, sender, _, mock := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)

	mock.Add(11 * time.Second)
	require.Eventually(t, func() bool {
		msgs := s.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == model.MessageStatusFailed
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.ResendMessage("c1", m.ID))
	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageStatusPending, msgs[0].Status)

	sent := sender.ofType(ws.EventNewMessage)
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].CorrelationID, sent[1].CorrelationID,
		"resend reuses the correlation id so the server can deduplicate")
}

func TestSendMessageValidation(t *testing.T) {
	s, _, _, _ := newTestStore(t)

	_, err := s.SendMessage(store.SendInput{ConversationID: "c1"})
	assert.ErrorIs(t, err, store.ErrEmptyMessage)

	_, err = s.SendMessage(store.SendInput{ConversationID: "nope", Content: "x"})
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
}

func TestUpdateMessageRollsBackOnNack(t *testing.T) {
	s, sender, _, _ := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "original"})
	require.NoError(t, err)
	s.ApplyAck(ws.AckPayload{CorrelationID: m.CorrelationID, MessageID: "srv-1"})

	require.NoError(t, s.UpdateMessage("c1", "srv-1", "edited"))
	got, err := s.Message("c1", "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
	require.NotNil(t, got.EditedAt)

	edits := sender.ofType(ws.EventMessageEdited)
	require.Len(t, edits, 1)
	assert.True(t, s.ApplyNack(ws.ErrorPayload{CorrelationID: edits[0].CorrelationID, Message: "forbidden"}))

	got, err = s.Message("c1", "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)
	assert.Nil(t, got.EditedAt)
}

func TestUpdateMessageRollsBackOnTimeout(t *testing.T) {
	s, _, _, mock := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "original"})
	require.NoError(t, err)
	s.ApplyAck(ws.AckPayload{CorrelationID: m.CorrelationID, MessageID: "srv-1"})

	require.NoError(t, s.UpdateMessage("c1", "srv-1", "edited"))
	mock.Add(11 * time.Second)

	require.Eventually(t, func() bool {
		got, err := s.Message("c1", "srv-1")
		return err == nil && got.Content == "original" && got.EditedAt == nil
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteMessageTombstone(t *testing.T) {
	s, sender, _, _ := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "secret"})
	require.NoError(t, err)
	s.ApplyAck(ws.AckPayload{CorrelationID: m.CorrelationID, MessageID: "srv-1"})

	require.NoError(t, s.DeleteMessage("c1", "srv-1"))
	got, err := s.Message("c1", "srv-1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Empty(t, got.Content)
	assert.Len(t, s.Messages("c1"), 1, "tombstone keeps its position")

	dels := sender.ofType(ws.EventMessageDeleted)
	require.Len(t, dels, 1)
	assert.True(t, s.ApplyAck(ws.AckPayload{CorrelationID: dels[0].CorrelationID}))

	// Confirmed delete sticks.
	got, _ = s.Message("c1", "srv-1")
	assert.True(t, got.IsDeleted)

	// Deleting a tombstone is rejected.
	assert.ErrorIs(t, s.DeleteMessage("c1", "srv-1"), store.ErrMessageNotFound)
}

func TestDeleteMessageRollsBackOnNack(t *testing.T) {
	s, sender, _, _ := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "keep me"})
	require.NoError(t, err)
	s.ApplyAck(ws.AckPayload{CorrelationID: m.CorrelationID, MessageID: "srv-1"})

	require.NoError(t, s.DeleteMessage("c1", "srv-1"))
	dels := sender.ofType(ws.EventMessageDeleted)
	require.Len(t, dels, 1)
	s.ApplyNack(ws.ErrorPayload{CorrelationID: dels[0].CorrelationID, Message: "forbidden"})

	got, err := s.Message("c1", "srv-1")
	require.NoError(t, err)
	assert.False(t, got.IsDeleted)
	assert.Equal(t, "keep me", got.Content)
}

func TestApplyNewMessageUnreadCounting(t *testing.T) {
	s, _, _, _ := newTestStore(t)

	push := model.Message{
		ID:             "srv-10",
		ConversationID: "c1",
		SenderID:       "u-peer",
		Content:        "knock knock",
		Status:         model.MessageStatusSent,
		CreatedAt:      time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	}
	res := s.ApplyNewMessage(push)
	assert.True(t, res.Applied)
	assert.True(t, res.Unseen)
	assert.True(t, res.Direct)
	assert.Equal(t, "Alice", res.SenderName)

	// Replaying the same push must not double count.
	res = s.ApplyNewMessage(push)
	assert.False(t, res.Applied)

	conv, err := s.Conversation("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Len(t, s.Messages("c1"), 1)
}

func TestSelectConversationResetsUnreadAndReportsRead(t *testing.T) {
	s, sender, backend, _ := newTestStore(t)
	backend.history["c1"] = []model.Message{
		{ID: "h1", ConversationID: "c1", SenderID: "u-peer", Content: "old", Status: model.MessageStatusSent,
			CreatedAt: time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)},
	}

	s.ApplyNewMessage(model.Message{
		ID: "srv-10", ConversationID: "c1", SenderID: "u-peer", Content: "new", Status: model.MessageStatusSent,
		CreatedAt: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	})

	msgs, err := s.SelectConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c1", s.ActiveConversation())

	conv, _ := s.Conversation("c1")
	assert.Equal(t, 0, conv.UnreadCount)

	reads := sender.ofType(ws.EventMessageRead)
	require.Len(t, reads, 1)
	assert.Equal(t, "c1", reads[0].ConversationID)

	// Active conversation: further inbound messages are seen immediately.
	res := s.ApplyNewMessage(model.Message{
		ID: "srv-11", ConversationID: "c1", SenderID: "u-peer", Content: "more", Status: model.MessageStatusSent,
		CreatedAt: time.Date(2025, 6, 15, 10, 1, 0, 0, time.UTC),
	})
	assert.True(t, res.Applied)
	assert.False(t, res.Unseen)
	conv, _ = s.Conversation("c1")
	assert.Equal(t, 0, conv.UnreadCount)

	// History is fetched once; a re-select serves the cache.
	_, err = s.SelectConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)
}

func TestInsertOrderingKeepsPendingAtTail(t *testing.T) {
	s, _, _, _ := newTestStore(t)

	pending, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "mine"})
	require.NoError(t, err)

	// A confirmed message with an earlier server timestamp lands before the
	// pending one.
	s.ApplyNewMessage(model.Message{
		ID: "srv-1", ConversationID: "c1", SenderID: "u-peer", Content: "theirs", Status: model.MessageStatusSent,
		CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, pending.ID, msgs[1].ID)
}

func TestApplyReadAdvancesOwnMessagesOnly(t *testing.T) {
	s, _, _, _ := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)
	s.ApplyAck(ws.AckPayload{CorrelationID: m.CorrelationID, MessageID: "srv-1"})
	s.ApplyNewMessage(model.Message{
		ID: "srv-2", ConversationID: "c1", SenderID: "u-peer", Content: "yo", Status: model.MessageStatusSent,
		CreatedAt: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	})

	s.ApplyRead(ws.ReadPayload{ConversationID: "c1", UserID: "u-peer"})

	byID := map[string]model.MessageStatus{}
	for _, msg := range s.Messages("c1") {
		byID[msg.ID] = msg.Status
	}
	assert.Equal(t, model.MessageStatusRead, byID["srv-1"])
	assert.Equal(t, model.MessageStatusSent, byID["srv-2"], "peer messages are untouched")

	// Replay from ourselves is ignored.
	s.ApplyRead(ws.ReadPayload{ConversationID: "c1", UserID: localUser})
}

func TestApplyEditedIgnoresTombstones(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	s.ApplyNewMessage(model.Message{
		ID: "srv-1", ConversationID: "c1", SenderID: "u-peer", Content: "x", Status: model.MessageStatusSent,
		CreatedAt: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	})
	s.ApplyDeleted(ws.MessageDeletedPayload{ConversationID: "c1", MessageID: "srv-1"})
	s.ApplyEdited(ws.MessageEditedPayload{ConversationID: "c1", MessageID: "srv-1", Content: "resurrect"})

	got, err := s.Message("c1", "srv-1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Empty(t, got.Content)
}

func TestConversationsOrderPinnedFirstThenActivity(t *testing.T) {
	s, _, _, _ := newTestStore(t)

	s.ApplyNewMessage(model.Message{
		ID: "srv-1", ConversationID: "c1", SenderID: "u-peer", Status: model.MessageStatusSent,
		CreatedAt: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	})
	s.ApplyNewMessage(model.Message{
		ID: "srv-2", ConversationID: "c2", SenderID: "u-peer", Status: model.MessageStatusSent,
		CreatedAt: time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC),
	})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID, "most recent activity first")
}

func TestApplyNewMessageRegistersUnknownConversation(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	res := s.ApplyNewMessage(model.Message{
		ID: "srv-1", ConversationID: "c-new", SenderID: "u-peer", Content: "hi", Status: model.MessageStatusSent,
		CreatedAt: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
	})
	assert.True(t, res.Applied)
	conv, err := s.Conversation("c-new")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestApplyPresence(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	s.ApplyPresence(ws.PresencePayload{UserID: "u-peer", Online: true})
	conv, _ := s.Conversation("c1")
	var peer model.Participant
	for _, p := range conv.Participants {
		if p.UserID == "u-peer" {
			peer = p
		}
	}
	assert.True(t, peer.IsActive)
}

func TestStagedSendWaitsForAttachments(t *testing.T) {
	s, sender, _, _ := newTestStore(t)

	m, err := s.SendMessage(store.SendInput{
		ConversationID: "c1",
		Attachments:    []model.Attachment{{ID: "a1", FileName: "lease.pdf", Status: model.AttachmentUploading}},
	})
	require.NoError(t, err)
	assert.Empty(t, sender.ofType(ws.EventNewMessage), "nothing goes out while uploads run")

	uploaded := []model.Attachment{{ID: "a1", FileName: "lease.pdf", URL: "https://files/lease.pdf", Status: model.AttachmentUploaded}}
	require.NoError(t, s.AttachAndDispatch(m.ID, uploaded))

	sent := sender.ofType(ws.EventNewMessage)
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Attachments, 1)
	assert.Equal(t, "https://files/lease.pdf", sent[0].Attachments[0].URL)

	// Upload failure path.
	m2, err := s.SendMessage(store.SendInput{
		ConversationID: "c1",
		Attachments:    []model.Attachment{{ID: "a2", FileName: "x.png", Status: model.AttachmentUploading}},
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed("c1", m2.ID))
	got, err := s.Message("c1", m2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, got.Status)
}
