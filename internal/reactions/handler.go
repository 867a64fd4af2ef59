// Package reactions implements optimistic reaction toggling with rollback and
// the display-side aggregation of reactions by emoji.
package reactions

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rentchat/internal/logger"
	"github.com/rentchat/internal/model"
	"github.com/rentchat/internal/ws"
)

var ErrMessageGone = errors.New("reactions: message not found or deleted")

// Cache is the slice of the message store the handler mutates. Implemented by
// *store.Store.
type Cache interface {
	Message(conversationID, messageID string) (*model.Message, error)
	ToggleLocalReaction(conversationID, messageID, userID, emoji string, add bool, at time.Time) bool
}

// Sender serializes actions onto the transport.
type Sender interface {
	Enqueue(ws.Action) error
}

type pendingToggle struct {
	conversationID string
	messageID      string
	emoji          string
	add            bool
	timer          *clock.Timer
}

// Handler owns the optimistic reaction lifecycle: toggle, ack, rollback.
type Handler struct {
	mu          sync.Mutex
	localUserID string
	clk         clock.Clock
	sender      Sender
	cache       Cache
	ackTimeout  time.Duration
	pending     map[string]*pendingToggle
	closed      bool
}

func New(localUserID string, sender Sender, cache Cache, clk clock.Clock, ackTimeout time.Duration) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	return &Handler{
		localUserID: localUserID,
		clk:         clk,
		sender:      sender,
		cache:       cache,
		ackTimeout:  ackTimeout,
		pending:     make(map[string]*pendingToggle),
	}
}

// Close cancels every pending rollback timer.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for corr, p := range h.pending {
		p.timer.Stop()
		delete(h.pending, corr)
	}
}

// ToggleReaction adds the local user's (message, emoji) reaction, or removes
// it when already present. The local list is mutated immediately; a server
// rejection or ack timeout rolls the mutation back. Toggling twice nets to
// the original state.
func (h *Handler) ToggleReaction(conversationID, messageID, emoji string) error {
	m, err := h.cache.Message(conversationID, messageID)
	if err != nil || m.IsDeleted {
		return ErrMessageGone
	}
	add := true
	for _, r := range m.Reactions {
		if r.UserID == h.localUserID && r.Emoji == emoji {
			add = false
			break
		}
	}
	if !h.cache.ToggleLocalReaction(conversationID, messageID, h.localUserID, emoji, add, h.clk.Now().UTC()) {
		return nil
	}

	corr := uuid.New().String()
	h.track(corr, &pendingToggle{
		conversationID: conversationID,
		messageID:      messageID,
		emoji:          emoji,
		add:            add,
	})

	actionType := ws.EventReactionAdded
	if !add {
		actionType = ws.EventReactionRemoved
	}
	err = h.sender.Enqueue(ws.Action{
		Type:          actionType,
		CorrelationID: corr,
		MessageID:     messageID,
		Emoji:         emoji,
	})
	if err != nil && !errors.Is(err, ws.ErrQueueOverflow) {
		h.revert(corr)
		return err
	}
	return err
}

func (h *Handler) track(corr string, p *pendingToggle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.timer = h.clk.AfterFunc(h.ackTimeout, func() {
		logger.Warnf("reactions: no ack for %s within timeout, rolling back", corr)
		h.revert(corr)
	})
	h.pending[corr] = p
}

// revert undoes the optimistic mutation for an unresolved toggle.
func (h *Handler) revert(corr string) {
	h.mu.Lock()
	p, ok := h.pending[corr]
	if ok {
		delete(h.pending, corr)
		p.timer.Stop()
	}
	closed := h.closed
	h.mu.Unlock()
	if !ok || closed {
		return
	}
	h.cache.ToggleLocalReaction(p.conversationID, p.messageID, h.localUserID, p.emoji, !p.add, h.clk.Now().UTC())
}

// ApplyAck confirms a pending toggle. Returns false for unknown correlation
// ids (owned by another component).
func (h *Handler) ApplyAck(p ws.AckPayload) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.pending[p.CorrelationID]
	if !ok {
		return false
	}
	delete(h.pending, p.CorrelationID)
	t.timer.Stop()
	return true
}

// ApplyNack rolls back a server-rejected toggle (message deleted concurrently,
// access revoked).
func (h *Handler) ApplyNack(p ws.ErrorPayload) bool {
	h.mu.Lock()
	_, ok := h.pending[p.CorrelationID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	logger.Warnf("reactions: toggle %s rejected: %s", p.CorrelationID, p.Message)
	h.revert(p.CorrelationID)
	return true
}

// ApplyRemote merges a pushed reaction event. The underlying toggle is
// idempotent, so replays and echoes of our own optimistic mutation are safe.
func (h *Handler) ApplyRemote(p ws.ReactionPayload, added bool) {
	at := p.CreatedAt
	if at.IsZero() {
		at = h.clk.Now().UTC()
	}
	h.cache.ToggleLocalReaction(p.ConversationID, p.MessageID, p.UserID, p.Emoji, added, at)
}

// Aggregate groups a message's reactions by emoji for display, reporting each
// group's count and whether the local user is a member. Recomputed on every
// call, never cached.
func (h *Handler) Aggregate(conversationID, messageID string) ([]model.ReactionGroup, error) {
	m, err := h.cache.Message(conversationID, messageID)
	if err != nil {
		return nil, err
	}
	var order []string
	byEmoji := make(map[string]*model.ReactionGroup)
	for _, r := range m.Reactions {
		g, ok := byEmoji[r.Emoji]
		if !ok {
			g = &model.ReactionGroup{Emoji: r.Emoji}
			byEmoji[r.Emoji] = g
			order = append(order, r.Emoji)
		}
		g.Count++
		g.Users = append(g.Users, r.UserID)
		if r.UserID == h.localUserID {
			g.Reacted = true
		}
	}
	out := make([]model.ReactionGroup, 0, len(order))
	for _, emoji := range order {
		out = append(out, *byEmoji[emoji])
	}
	return out, nil
}
