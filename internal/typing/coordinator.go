// Package typing coordinates typing indicators: debounced emission of local
// typing signals and TTL-based expiry of remote ones. A remote entry expires
// on its own, so a lost stop signal never leaves a typist stuck on screen.
package typing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rentchat/internal/logger"
	"github.com/rentchat/internal/ws"
)

// Sender serializes actions onto the transport.
type Sender interface {
	Enqueue(ws.Action) error
}

// Options are the coordinator's timing knobs.
type Options struct {
	Debounce time.Duration // min gap between start-typing emissions
	Idle     time.Duration // auto-stop after no local input
	TTL      time.Duration // remote entry lifetime
	Sweep    time.Duration // background expiry interval
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.Idle <= 0 {
		o.Idle = 4 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Second
	}
	if o.Sweep <= 0 {
		o.Sweep = time.Second
	}
	return o
}

// Coordinator owns all TypingState. Public methods are atomic.
type Coordinator struct {
	mu          sync.Mutex
	clk         clock.Clock
	sender      Sender
	localUserID string
	opts        Options

	lastSent   map[string]time.Time            // conversation -> last start emission
	idleTimers map[string]*clock.Timer         // conversation -> pending auto-stop
	remote     map[string]map[string]time.Time // conversation -> user -> last signal
	ticker     *clock.Ticker
	done       chan struct{}
	closed     bool
}

func New(localUserID string, sender Sender, clk clock.Clock, opts Options) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	c := &Coordinator{
		clk:         clk,
		sender:      sender,
		localUserID: localUserID,
		opts:        opts.withDefaults(),
		lastSent:    make(map[string]time.Time),
		idleTimers:  make(map[string]*clock.Timer),
		remote:      make(map[string]map[string]time.Time),
		done:        make(chan struct{}),
	}
	c.ticker = clk.Ticker(c.opts.Sweep)
	go c.sweepLoop()
	return c
}

// Close stops the sweeper and every pending auto-stop timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, t := range c.idleTimers {
		t.Stop()
		delete(c.idleTimers, id)
	}
	c.mu.Unlock()
	c.ticker.Stop()
	close(c.done)
}

// NotifyLocalTyping is called on every local input change. It emits a
// start-typing signal at most once per debounce window and (re)arms the
// auto-stop that fires when input goes idle.
func (c *Coordinator) NotifyLocalTyping(conversationID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clk.Now()
	emit := now.Sub(c.lastSent[conversationID]) >= c.opts.Debounce
	if emit {
		c.lastSent[conversationID] = now
	}
	if t, ok := c.idleTimers[conversationID]; ok {
		t.Stop()
	}
	c.idleTimers[conversationID] = c.clk.AfterFunc(c.opts.Idle, func() {
		c.autoStop(conversationID)
	})
	c.mu.Unlock()

	if emit {
		c.send(ws.EventTyping, conversationID)
	}
}

// NotifyInputBlurred forces an immediate stop signal for the conversation.
func (c *Coordinator) NotifyInputBlurred(conversationID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if t, ok := c.idleTimers[conversationID]; ok {
		t.Stop()
		delete(c.idleTimers, conversationID)
	}
	delete(c.lastSent, conversationID)
	c.mu.Unlock()
	c.send(ws.EventTypingStop, conversationID)
}

func (c *Coordinator) autoStop(conversationID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.idleTimers, conversationID)
	delete(c.lastSent, conversationID)
	c.mu.Unlock()
	c.send(ws.EventTypingStop, conversationID)
}

func (c *Coordinator) send(t ws.EventType, conversationID string) {
	if err := c.sender.Enqueue(ws.Action{Type: t, ConversationID: conversationID}); err != nil {
		// Typing signals are ephemeral; a drop is harmless.
		logger.Debugf("typing: %s for %s not sent: %v", t, conversationID, err)
	}
}

// ApplyRemote ingests a typing or typing_stop event. Each start refreshes the
// user's entry with the current timestamp; entries expire after the TTL
// regardless of whether a stop ever arrives.
func (c *Coordinator) ApplyRemote(p ws.TypingPayload, start bool) {
	if p.UserID == c.localUserID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.remote[p.ConversationID]
	if !start {
		if users != nil {
			delete(users, p.UserID)
			if len(users) == 0 {
				delete(c.remote, p.ConversationID)
			}
		}
		return
	}
	if users == nil {
		users = make(map[string]time.Time)
		c.remote[p.ConversationID] = users
	}
	users[p.UserID] = c.clk.Now()
}

// TypingUsers returns the user ids currently typing in a conversation, sorted
// for deterministic rendering. Expired entries are filtered even between
// sweeps.
func (c *Coordinator) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.clk.Now().Add(-c.opts.TTL)
	var out []string
	for userID, at := range c.remote[conversationID] {
		if at.After(cutoff) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) sweepLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.C:
			c.sweep()
		}
	}
}

func (c *Coordinator) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.clk.Now().Add(-c.opts.TTL)
	for convID, users := range c.remote {
		for userID, at := range users {
			if !at.After(cutoff) {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(c.remote, convID)
		}
	}
}

// FormatTypingUsers renders the indicator text for the given display names.
func FormatTypingUsers(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%d people are typing...", len(names))
	}
}
