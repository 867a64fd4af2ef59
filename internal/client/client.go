// Package client wires the realtime components together. Every inbound
// transport event enters through a single dispatch switch, so ordering and
// idempotence are enforced in one place; user-triggered operations fan out to
// the owning component.
package client

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/benbjohnson/clock"

	"github.com/rentchat/internal/api"
	"github.com/rentchat/internal/config"
	"github.com/rentchat/internal/logger"
	"github.com/rentchat/internal/model"
	"github.com/rentchat/internal/notify"
	"github.com/rentchat/internal/reactions"
	"github.com/rentchat/internal/store"
	"github.com/rentchat/internal/typing"
	"github.com/rentchat/internal/ws"
)

const previewLimit = 120

// Client is the realtime messaging client: one per logged-in user.
type Client struct {
	cfg        *config.Config
	conn       *ws.Conn
	store      *store.Store
	typing     *typing.Coordinator
	reactions  *reactions.Handler
	dispatcher *notify.Dispatcher
	rest       *api.Client
}

// New assembles the client. The dispatcher is built by the caller because it
// owns durable state with its own lifecycle.
func New(cfg *config.Config, dispatcher *notify.Dispatcher, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	c := &Client{
		cfg:        cfg,
		dispatcher: dispatcher,
		rest:       api.NewClient(cfg.BackendURL, cfg.Token),
	}
	c.conn = ws.NewConn(ws.Config{
		URL:               cfg.WebSocketURL,
		Token:             cfg.Token,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		QueueDepth:        cfg.OutboundQueueDepth,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}, c.handleEvent, c.handleState)
	c.store = store.New(cfg.UserID, c.conn, c.rest, clk, cfg.AckTimeout)
	c.typing = typing.New(cfg.UserID, c.conn, clk, typing.Options{
		Debounce: cfg.TypingDebounce,
		Idle:     cfg.TypingIdle,
		TTL:      cfg.TypingTTL,
	})
	c.reactions = reactions.New(cfg.UserID, c.conn, c.store, clk, cfg.AckTimeout)
	return c
}

// Connect establishes the transport and loads the conversation list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	return c.store.LoadConversations(ctx)
}

// Close is logout: tears the transport down and cancels every pending timer
// so no callback mutates destroyed state.
func (c *Client) Close() {
	c.conn.Close()
	c.typing.Close()
	c.reactions.Close()
	c.store.Close()
	c.dispatcher.Close()
}

// Status reports the connection state machine.
func (c *Client) Status() ws.Status {
	return c.conn.Status()
}

func (c *Client) handleState(st ws.Status) {
	logger.Infof("connection %s retries=%d err=%q", st.State, st.RetryCount, st.LastError)
}

// handleEvent is the single ingestion point for inbound protocol events.
func (c *Client) handleEvent(ev ws.Event) {
	switch ev.Type {
	case ws.EventNewMessage:
		var m model.Message
		if err := ev.Decode(&m); err != nil {
			logger.Errorf("decode %s: %v", ev.Type, err)
			return
		}
		c.onNewMessage(m)
	case ws.EventMessageEdited:
		var p ws.MessageEditedPayload
		if err := ev.Decode(&p); err == nil {
			c.store.ApplyEdited(p)
		}
	case ws.EventMessageDeleted:
		var p ws.MessageDeletedPayload
		if err := ev.Decode(&p); err == nil {
			c.store.ApplyDeleted(p)
		}
	case ws.EventReactionAdded, ws.EventReactionRemoved:
		var p ws.ReactionPayload
		if err := ev.Decode(&p); err == nil {
			c.onReaction(p, ev.Type == ws.EventReactionAdded)
		}
	case ws.EventTyping, ws.EventTypingStop:
		var p ws.TypingPayload
		if err := ev.Decode(&p); err == nil {
			c.typing.ApplyRemote(p, ev.Type == ws.EventTyping)
		}
	case ws.EventMessageRead:
		var p ws.ReadPayload
		if err := ev.Decode(&p); err == nil {
			c.store.ApplyRead(p)
		}
	case ws.EventUserOnline, ws.EventUserOffline:
		var p ws.PresencePayload
		if err := ev.Decode(&p); err == nil {
			p.Online = ev.Type == ws.EventUserOnline
			c.store.ApplyPresence(p)
		}
	case ws.EventAck:
		var p ws.AckPayload
		if err := ev.Decode(&p); err == nil {
			if !c.store.ApplyAck(p) && !c.reactions.ApplyAck(p) {
				logger.Debugf("ack for unknown correlation id %s", p.CorrelationID)
			}
		}
	case ws.EventError:
		var p ws.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		if p.CorrelationID == "" {
			logger.Errorf("server error: %s", p.Message)
			return
		}
		if !c.store.ApplyNack(p) && !c.reactions.ApplyNack(p) {
			logger.Debugf("rejection for unknown correlation id %s", p.CorrelationID)
		}
	default:
		logger.Debugf("ignoring unknown event type %q", ev.Type)
	}
}

func (c *Client) onNewMessage(m model.Message) {
	res := c.store.ApplyNewMessage(m)
	if !res.Applied || !res.Unseen {
		return
	}
	cat := model.CategoryGroupMessage
	if res.Direct {
		cat = model.CategoryDirectMessage
	}
	if c.cfg.Username != "" && strings.Contains(res.Preview, "@"+c.cfg.Username) {
		cat = model.CategoryMention
	}
	title := res.SenderName
	if title == "" {
		title = "New message"
	}
	c.dispatcher.Dispatch(notify.Incoming{
		EventID:        res.MessageID,
		Category:       cat,
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		Title:          title,
		Body:           preview(res.Preview),
		Muted:          res.Muted,
	})
}

func (c *Client) onReaction(p ws.ReactionPayload, added bool) {
	c.reactions.ApplyRemote(p, added)
	if !added || p.UserID == c.cfg.UserID {
		return
	}
	// Only reactions to the local user's own messages notify.
	m, err := c.store.Message(p.ConversationID, p.MessageID)
	if err != nil || m.SenderID != c.cfg.UserID {
		return
	}
	conv, err := c.store.Conversation(p.ConversationID)
	muted := err == nil && conv.Muted
	c.dispatcher.Dispatch(notify.Incoming{
		EventID:        p.MessageID + ":" + p.Emoji + ":" + p.UserID,
		Category:       model.CategoryReaction,
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		Title:          "New reaction",
		Body:           p.Emoji + " " + preview(m.Content),
		Muted:          muted,
	})
}

// preview truncates on rune boundaries so multi-byte names and emoji never
// produce invalid UTF-8 in a notification body.
func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:previewLimit-3]) + "..."
}

// --- user-triggered operations, called by the gateway ---

func (c *Client) LoadConversations(ctx context.Context) error {
	return c.store.LoadConversations(ctx)
}

func (c *Client) Conversations() []*model.Conversation {
	return c.store.Conversations()
}

func (c *Client) SelectConversation(ctx context.Context, id string) ([]*model.Message, error) {
	return c.store.SelectConversation(ctx, id)
}

func (c *Client) Messages(conversationID string) []*model.Message {
	return c.store.Messages(conversationID)
}

func (c *Client) SendMessage(in store.SendInput) (*model.Message, error) {
	return c.store.SendMessage(in)
}

// SendMessageWithFiles stages a pending message, uploads the files, then
// completes the send with the returned descriptors. An upload failure leaves
// the message visible in the failed state.
func (c *Client) SendMessageWithFiles(ctx context.Context, in store.SendInput, files []api.UploadFile) (*model.Message, error) {
	staging := make([]model.Attachment, len(files))
	for i, f := range files {
		staging[i] = model.Attachment{
			FileName: f.Name,
			FileSize: f.Size,
			Status:   model.AttachmentUploading,
		}
	}
	in.Attachments = staging
	m, err := c.store.SendMessage(in)
	if err != nil {
		return nil, err
	}

	uploaded, err := c.rest.Upload(ctx, in.ConversationID, files)
	if err != nil {
		if failErr := c.store.MarkFailed(in.ConversationID, m.ID); failErr != nil {
			logger.Errorf("mark upload failure: %v", failErr)
		}
		return nil, err
	}
	for i := range uploaded {
		uploaded[i].Status = model.AttachmentUploaded
	}
	if err := c.store.AttachAndDispatch(m.ID, uploaded); err != nil {
		return nil, err
	}
	return c.store.Message(in.ConversationID, m.ID)
}

func (c *Client) ResendMessage(conversationID, messageID string) error {
	return c.store.ResendMessage(conversationID, messageID)
}

func (c *Client) UpdateMessage(conversationID, messageID, content string) error {
	return c.store.UpdateMessage(conversationID, messageID, content)
}

func (c *Client) DeleteMessage(conversationID, messageID string) error {
	return c.store.DeleteMessage(conversationID, messageID)
}

func (c *Client) ToggleReaction(conversationID, messageID, emoji string) error {
	return c.reactions.ToggleReaction(conversationID, messageID, emoji)
}

func (c *Client) Reactions(conversationID, messageID string) ([]model.ReactionGroup, error) {
	return c.reactions.Aggregate(conversationID, messageID)
}

func (c *Client) NotifyLocalTyping(conversationID string) {
	c.typing.NotifyLocalTyping(conversationID)
}

func (c *Client) NotifyInputBlurred(conversationID string) {
	c.typing.NotifyInputBlurred(conversationID)
}

// TypingIndicator renders the indicator line for a conversation, resolving
// user ids to display names through the cached participant list.
func (c *Client) TypingIndicator(conversationID string) string {
	ids := c.typing.TypingUsers(conversationID)
	if len(ids) == 0 {
		return ""
	}
	names := ids
	if conv, err := c.store.Conversation(conversationID); err == nil {
		byID := make(map[string]string, len(conv.Participants))
		for _, p := range conv.Participants {
			byID[p.UserID] = p.Username
		}
		names = make([]string, 0, len(ids))
		for _, id := range ids {
			if name := byID[id]; name != "" {
				names = append(names, name)
			} else {
				names = append(names, id)
			}
		}
	}
	return typing.FormatTypingUsers(names)
}

// IsRetryable reports whether an operation error is the queue-overflow
// warning, where the action itself was still accepted.
func IsRetryable(err error) bool {
	return errors.Is(err, ws.ErrQueueOverflow)
}

// Dispatcher exposes the notification dispatcher for the gateway surface.
func (c *Client) Dispatcher() *notify.Dispatcher {
	return c.dispatcher
}
