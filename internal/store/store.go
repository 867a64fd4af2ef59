// Package store is the canonical client-side cache of conversations and their
// messages. It merges optimistic local edits with server-confirmed state: every
// outbound mutation is applied immediately under a correlation id, then
// reconciled in place (or rolled back) when the server answers.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rentchat/internal/logger"
	"github.com/rentchat/internal/model"
	"github.com/rentchat/internal/ws"
)

var (
	ErrConversationNotFound = errors.New("store: conversation not found")
	ErrMessageNotFound      = errors.New("store: message not found")
	ErrEmptyMessage         = errors.New("store: message needs content or attachments")
)

// Sender serializes actions onto the transport. Implemented by *ws.Conn.
type Sender interface {
	Enqueue(ws.Action) error
}

// Backend is the REST side of the messaging service: conversation list and
// message history. Implemented by *api.Client.
type Backend interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
}

type opKind int

const (
	opSend opKind = iota
	opEdit
	opDelete
)

// pendingOp tracks one optimistic mutation awaiting a server answer. For edits
// and deletes it keeps enough state to roll back.
type pendingOp struct {
	kind           opKind
	messageID      string // provisional id for sends, target id otherwise
	conversationID string
	prevContent    string
	prevEditedAt   *time.Time
	timer          *clock.Timer
}

// SendInput is a user-triggered send. Attachments must already carry their
// storage references unless they are still uploading.
type SendInput struct {
	ConversationID string
	Content        string
	ReplyToID      string
	Attachments    []model.Attachment
}

// ApplyResult tells the caller what an inbound message merge did, so the
// notification dispatcher only fires for genuinely new, unseen messages.
type ApplyResult struct {
	Applied        bool
	Unseen         bool // not the active conversation and not authored locally
	Muted          bool
	Direct         bool
	SenderName     string
	Preview        string
	MessageID      string
	ConversationID string
}

// Store owns all Conversation/Message/Reaction state. Public methods are
// atomic; snapshots handed out are deep copies.
type Store struct {
	mu          sync.Mutex
	localUserID string
	clk         clock.Clock
	ackTimeout  time.Duration
	sender      Sender
	backend     Backend

	conversations map[string]*model.Conversation
	messages      map[string][]*model.Message
	loaded        map[string]bool
	pending       map[string]*pendingOp // correlation id -> op
	active        string
	closed        bool
}

// New creates an empty store for the given local user.
func New(localUserID string, sender Sender, backend Backend, clk clock.Clock, ackTimeout time.Duration) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	return &Store{
		localUserID:   localUserID,
		clk:           clk,
		ackTimeout:    ackTimeout,
		sender:        sender,
		backend:       backend,
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]*model.Message),
		loaded:        make(map[string]bool),
		pending:       make(map[string]*pendingOp),
	}
}

// Close cancels every ack timer so no callback mutates state after logout.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, op := range s.pending {
		if op.timer != nil {
			op.timer.Stop()
		}
	}
	s.pending = make(map[string]*pendingOp)
}

// LoadConversations fetches and replaces the conversation list. Cached message
// history survives the refresh.
func (s *Store) LoadConversations(ctx context.Context) error {
	convs, err := s.backend.Conversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*model.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		s.conversations[c.ID] = &c
	}
	return nil
}

// SelectConversation marks a conversation active, loading its history on first
// use. The previously active conversation keeps its cache. Activation resets
// the unread counter and reports the read receipt to the server.
func (s *Store) SelectConversation(ctx context.Context, id string) ([]*model.Message, error) {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	needLoad := ok && !s.loaded[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrConversationNotFound
	}

	if needLoad {
		history, err := s.backend.Messages(ctx, id)
		if err != nil {
			return nil, err
		}
		s.mergeHistory(id, history)
	}

	s.mu.Lock()
	s.active = id
	conv.UnreadCount = 0
	msgs := s.snapshotMessagesLocked(id)
	s.mu.Unlock()

	if err := s.sender.Enqueue(ws.Action{Type: ws.EventMessageRead, ConversationID: id}); err != nil && !errors.Is(err, ws.ErrQueueOverflow) {
		logger.Warnf("store: read receipt for %s not sent: %v", id, err)
	}
	return msgs, nil
}

// mergeHistory installs fetched history, keeping any local pending messages at
// the tail (they are newer than anything the server returned).
func (s *Store) mergeHistory(id string, history []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]*model.Message, 0, len(history)+4)
	seen := make(map[string]struct{}, len(history))
	for i := range history {
		m := history[i]
		merged = append(merged, &m)
		seen[m.ID] = struct{}{}
	}
	for _, m := range s.messages[id] {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if m.Status == model.MessageStatusPending || m.Status == model.MessageStatusFailed {
			merged = append(merged, m)
		}
	}
	s.messages[id] = merged
	s.loaded[id] = true
}

// ActiveConversation returns the id of the currently active conversation.
func (s *Store) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Conversations returns a snapshot ordered by last activity, most recent first,
// with pinned conversations on top.
func (s *Store) Conversations() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Conversation returns a snapshot of one conversation.
func (s *Store) Conversation(id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return c.Clone(), nil
}

// Messages returns a snapshot of a conversation's cached messages.
func (s *Store) Messages(conversationID string) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotMessagesLocked(conversationID)
}

func (s *Store) snapshotMessagesLocked(conversationID string) []*model.Message {
	msgs := s.messages[conversationID]
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a snapshot of a single cached message.
func (s *Store) Message(conversationID, messageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(conversationID, messageID)
	if m == nil {
		return nil, ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (s *Store) findLocked(conversationID, messageID string) *model.Message {
	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// SendMessage inserts a pending message at the tail of the conversation and
// submits it. The returned snapshot carries the provisional id. A
// ws.ErrQueueOverflow from the transport is passed through as a warning; the
// message itself stays queued.
func (s *Store) SendMessage(in SendInput) (*model.Message, error) {
	if in.Content == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	s.mu.Lock()
	if _, ok := s.conversations[in.ConversationID]; !ok {
		s.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	corr := uuid.New().String()
	m := &model.Message{
		ID:             corr, // provisional id == correlation id
		CorrelationID:  corr,
		ConversationID: in.ConversationID,
		SenderID:       s.localUserID,
		Content:        in.Content,
		Attachments:    append([]model.Attachment(nil), in.Attachments...),
		Status:         model.MessageStatusPending,
		CreatedAt:      s.clk.Now().UTC(),
	}
	if in.ReplyToID != "" {
		id := in.ReplyToID
		m.ReplyToID = &id
	}
	s.messages[in.ConversationID] = append(s.messages[in.ConversationID], m)
	s.touchLocked(in.ConversationID, m)
	staged := s.hasUploadingLocked(m)
	if !staged {
		s.trackLocked(corr, &pendingOp{kind: opSend, messageID: corr, conversationID: in.ConversationID})
	}
	snap := m.Clone()
	s.mu.Unlock()

	if staged {
		// Attachments still uploading; dispatch happens in AttachAndDispatch.
		return snap, nil
	}
	return snap, s.dispatchSend(snap, corr)
}

func (s *Store) hasUploadingLocked(m *model.Message) bool {
	for _, a := range m.Attachments {
		if a.Status == model.AttachmentUploading {
			return true
		}
	}
	return false
}

func (s *Store) dispatchSend(m *model.Message, corr string) error {
	replyTo := ""
	if m.ReplyToID != nil {
		replyTo = *m.ReplyToID
	}
	err := s.sender.Enqueue(ws.Action{
		Type:           ws.EventNewMessage,
		CorrelationID:  corr,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		ReplyToID:      replyTo,
		Attachments:    m.Attachments,
	})
	if errors.Is(err, ws.ErrQueueOverflow) {
		return err
	}
	if err != nil {
		s.failPending(corr)
		return err
	}
	return nil
}

// AttachAndDispatch completes a staged send whose attachments finished
// uploading: descriptors are installed and the message goes out.
func (s *Store) AttachAndDispatch(messageID string, attachments []model.Attachment) error {
	s.mu.Lock()
	var target *model.Message
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				target = m
				break
			}
		}
	}
	if target == nil {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	target.Attachments = append([]model.Attachment(nil), attachments...)
	s.trackLocked(target.CorrelationID, &pendingOp{kind: opSend, messageID: target.ID, conversationID: target.ConversationID})
	snap := target.Clone()
	s.mu.Unlock()
	return s.dispatchSend(snap, snap.CorrelationID)
}

// MarkFailed marks a message failed (upload error, explicit cancel).
func (s *Store) MarkFailed(conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(conversationID, messageID)
	if m == nil {
		return ErrMessageNotFound
	}
	if m.Status.CanAdvance(model.MessageStatusFailed) {
		m.Status = model.MessageStatusFailed
	}
	return nil
}

// ResendMessage re-dispatches a failed message under its original correlation
// id, so a duplicate delivery on the server nets to one message.
func (s *Store) ResendMessage(conversationID, messageID string) error {
	s.mu.Lock()
	m := s.findLocked(conversationID, messageID)
	if m == nil {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if m.Status != model.MessageStatusFailed {
		s.mu.Unlock()
		return nil
	}
	m.Status = model.MessageStatusPending
	s.trackLocked(m.CorrelationID, &pendingOp{kind: opSend, messageID: m.ID, conversationID: conversationID})
	snap := m.Clone()
	s.mu.Unlock()
	return s.dispatchSend(snap, snap.CorrelationID)
}

// UpdateMessage optimistically edits a local message and submits the edit.
// Rolls back if the server rejects or the ack times out.
func (s *Store) UpdateMessage(conversationID, messageID, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	m := s.findLocked(conversationID, messageID)
	if m == nil || m.IsDeleted {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	corr := uuid.New().String()
	op := &pendingOp{
		kind:           opEdit,
		messageID:      messageID,
		conversationID: conversationID,
		prevContent:    m.Content,
		prevEditedAt:   m.EditedAt,
	}
	now := s.clk.Now().UTC()
	m.Content = content
	m.EditedAt = &now
	s.trackLocked(corr, op)
	s.mu.Unlock()

	err := s.sender.Enqueue(ws.Action{
		Type:          ws.EventMessageEdited,
		CorrelationID: corr,
		MessageID:     messageID,
		Content:       content,
	})
	if err != nil && !errors.Is(err, ws.ErrQueueOverflow) {
		s.rollback(corr)
	}
	return err
}

// DeleteMessage tombstones a message locally (content cleared, deleted flag
// set, position and reply references preserved) and submits the delete.
func (s *Store) DeleteMessage(conversationID, messageID string) error {
	s.mu.Lock()
	m := s.findLocked(conversationID, messageID)
	if m == nil || m.IsDeleted {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	corr := uuid.New().String()
	op := &pendingOp{
		kind:           opDelete,
		messageID:      messageID,
		conversationID: conversationID,
		prevContent:    m.Content,
	}
	m.IsDeleted = true
	m.Content = ""
	s.trackLocked(corr, op)
	s.mu.Unlock()

	err := s.sender.Enqueue(ws.Action{
		Type:          ws.EventMessageDeleted,
		CorrelationID: corr,
		MessageID:     messageID,
	})
	if err != nil && !errors.Is(err, ws.ErrQueueOverflow) {
		s.rollback(corr)
	}
	return err
}

// trackLocked registers a pending op and arms its ack timeout.
func (s *Store) trackLocked(corr string, op *pendingOp) {
	if prev, ok := s.pending[corr]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	op.timer = s.clk.AfterFunc(s.ackTimeout, func() { s.timeout(corr) })
	s.pending[corr] = op
}

// timeout fires when no ack arrived in time: sends fail, edits and deletes
// roll back. The entity's own status carries the failure to any observer.
func (s *Store) timeout(corr string) {
	s.mu.Lock()
	op, ok := s.pending[corr]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, corr)
	s.applyFailureLocked(op)
	s.mu.Unlock()
	logger.Warnf("store: no ack for %s within timeout", corr)
}

func (s *Store) failPending(corr string) {
	s.mu.Lock()
	op, ok := s.pending[corr]
	if ok {
		delete(s.pending, corr)
		if op.timer != nil {
			op.timer.Stop()
		}
		s.applyFailureLocked(op)
	}
	s.mu.Unlock()
}

func (s *Store) rollback(corr string) {
	s.failPending(corr)
}

func (s *Store) applyFailureLocked(op *pendingOp) {
	m := s.findLocked(op.conversationID, op.messageID)
	if m == nil {
		return
	}
	switch op.kind {
	case opSend:
		if m.Status.CanAdvance(model.MessageStatusFailed) {
			m.Status = model.MessageStatusFailed
		}
	case opEdit:
		m.Content = op.prevContent
		m.EditedAt = op.prevEditedAt
	case opDelete:
		m.IsDeleted = false
		m.Content = op.prevContent
	}
}

// ApplyAck reconciles a server acknowledgment with its optimistic op. For a
// send the provisional message is replaced in place: same list position,
// canonical id, sent status. Returns false when the correlation id is unknown
// (e.g. a reaction ack owned by another component).
func (s *Store) ApplyAck(p ws.AckPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.pending[p.CorrelationID]
	if !ok {
		return false
	}
	delete(s.pending, p.CorrelationID)
	if op.timer != nil {
		op.timer.Stop()
	}
	if op.kind != opSend {
		return true // edit/delete confirmed; optimistic state is final
	}
	m := s.findLocked(op.conversationID, op.messageID)
	if m == nil {
		return true
	}
	if p.MessageID != "" {
		m.ID = p.MessageID
	}
	if !p.CreatedAt.IsZero() {
		m.CreatedAt = p.CreatedAt
	}
	if m.Status.CanAdvance(model.MessageStatusSent) {
		m.Status = model.MessageStatusSent
	}
	if conv, ok := s.conversations[op.conversationID]; ok && conv.LastMessage != nil &&
		(conv.LastMessage.ID == op.messageID || conv.LastMessage.CorrelationID == p.CorrelationID) {
		conv.LastMessage = m.Clone()
	}
	return true
}

// ApplyNack handles an explicit server rejection for an optimistic op.
func (s *Store) ApplyNack(p ws.ErrorPayload) bool {
	s.mu.Lock()
	op, ok := s.pending[p.CorrelationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, p.CorrelationID)
	if op.timer != nil {
		op.timer.Stop()
	}
	s.applyFailureLocked(op)
	s.mu.Unlock()
	logger.Warnf("store: action %s rejected: %s", p.CorrelationID, p.Message)
	return true
}

// ApplyNewMessage merges a server-pushed message. The merge is idempotent: a
// message whose canonical id (or correlation id) is already cached is skipped,
// except that a correlation match confirms the pending send in place.
func (s *Store) ApplyNewMessage(m model.Message) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		// Conversation not cached yet (created elsewhere); register a stub so
		// the message is not lost.
		conv = &model.Conversation{ID: m.ConversationID, Kind: model.ConversationGroup}
		s.conversations[m.ConversationID] = conv
	}

	msgs := s.messages[m.ConversationID]
	for _, existing := range msgs {
		if existing.ID == m.ID {
			return ApplyResult{}
		}
		if m.CorrelationID != "" && existing.CorrelationID == m.CorrelationID {
			// Our own send echoed back before (or instead of) the ack.
			existing.ID = m.ID
			if !m.CreatedAt.IsZero() {
				existing.CreatedAt = m.CreatedAt
			}
			if existing.Status.CanAdvance(model.MessageStatusSent) {
				existing.Status = model.MessageStatusSent
			}
			if op, ok := s.pending[m.CorrelationID]; ok {
				delete(s.pending, m.CorrelationID)
				if op.timer != nil {
					op.timer.Stop()
				}
			}
			s.touchLocked(m.ConversationID, existing)
			return ApplyResult{}
		}
	}

	cp := m
	s.insertLocked(m.ConversationID, &cp)
	s.touchLocked(m.ConversationID, &cp)

	res := ApplyResult{
		Applied:        true,
		MessageID:      cp.ID,
		ConversationID: m.ConversationID,
		Muted:          conv.Muted,
		Direct:         conv.Kind == model.ConversationDirect,
		Preview:        cp.Content,
	}
	for _, p := range conv.Participants {
		if p.UserID == cp.SenderID {
			res.SenderName = p.Username
			break
		}
	}
	if cp.SenderID != s.localUserID && s.active != m.ConversationID {
		conv.UnreadCount++
		res.Unseen = true
	}
	return res
}

// insertLocked places a confirmed message by server timestamp. Pending
// messages are never displaced: the scan only walks past confirmed entries
// that are strictly newer.
func (s *Store) insertLocked(conversationID string, m *model.Message) {
	msgs := s.messages[conversationID]
	idx := len(msgs)
	for idx > 0 {
		prev := msgs[idx-1]
		if prev.Status == model.MessageStatusPending || prev.Status == model.MessageStatusFailed {
			break
		}
		if !prev.CreatedAt.After(m.CreatedAt) {
			break
		}
		idx--
	}
	msgs = append(msgs, nil)
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = m
	s.messages[conversationID] = msgs
}

// touchLocked refreshes a conversation's last-activity ordering key.
func (s *Store) touchLocked(conversationID string, m *model.Message) {
	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	if m.CreatedAt.After(conv.LastActivity) {
		conv.LastActivity = m.CreatedAt
	}
	conv.LastMessage = m.Clone()
}

// ApplyEdited applies a remote edit. Idempotent: replaying the same edit is a
// no-op.
func (s *Store) ApplyEdited(p ws.MessageEditedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(p.ConversationID, p.MessageID)
	if m == nil || m.IsDeleted {
		return
	}
	m.Content = p.Content
	t := p.EditedAt
	m.EditedAt = &t
}

// ApplyDeleted tombstones a remotely deleted message.
func (s *Store) ApplyDeleted(p ws.MessageDeletedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(p.ConversationID, p.MessageID)
	if m == nil {
		return
	}
	m.IsDeleted = true
	m.Content = ""
}

// ApplyRead advances the local user's own messages to read when a peer reports
// having read the conversation. Statuses never regress.
func (s *Store) ApplyRead(p ws.ReadPayload) {
	if p.UserID == s.localUserID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[p.ConversationID] {
		if m.SenderID != s.localUserID {
			continue
		}
		if m.Status.CanAdvance(model.MessageStatusRead) {
			m.Status = model.MessageStatusRead
		}
	}
}

// ApplyPresence flips the participant presence flag in every cached
// conversation.
func (s *Store) ApplyPresence(p ws.PresencePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		for i := range conv.Participants {
			if conv.Participants[i].UserID == p.UserID {
				conv.Participants[i].IsActive = p.Online
			}
		}
	}
}

// ToggleLocalReaction applies an optimistic reaction mutation on behalf of the
// reactions handler. add=false removes. Returns whether the cache changed.
func (s *Store) ToggleLocalReaction(conversationID, messageID, userID, emoji string, add bool, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(conversationID, messageID)
	if m == nil || m.IsDeleted {
		return false
	}
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			if add {
				return false // at most one reaction per (message, user, emoji)
			}
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return true
		}
	}
	if !add {
		return false
	}
	m.Reactions = append(m.Reactions, model.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: at,
	})
	return true
}
