package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/rentchat/internal/logger"
)

// Connection states. Failed is only left via an explicit Connect call.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	// ErrQueueOverflow is returned by Enqueue when the outbound queue was full
	// and the oldest queued action had to be dropped to admit the new one.
	ErrQueueOverflow = errors.New("ws: outbound queue overflow, oldest action dropped")
	// ErrClosed is returned by Connect after the connection was torn down for logout.
	ErrClosed = errors.New("ws: connection closed")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

// Status is a snapshot of the connection state machine.
type Status struct {
	State      State  `json:"state"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Config controls the transport and the reconnect policy.
type Config struct {
	URL               string
	Token             string
	HandshakeTimeout  time.Duration
	QueueDepth        int
	ReconnectDelay    time.Duration // initial backoff delay
	ReconnectMaxDelay time.Duration // backoff ceiling
	ReconnectAttempts int           // retry budget before StateFailed
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 10
	}
	return cfg
}

// netConn is the slice of *websocket.Conn the manager uses; tests substitute
// an in-memory implementation.
type netConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer establishes the transport. The default dials the configured URL with
// a bearer token; tests inject fakes.
type Dialer func(ctx context.Context, cfg Config) (netConn, error)

func gorillaDial(ctx context.Context, cfg Config) (netConn, error) {
	d := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := d.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: handshake rejected (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// EventHandler receives every decoded inbound event. StateHandler receives
// every state transition. Both are invoked from the manager's goroutines and
// must not block.
type (
	EventHandler func(Event)
	StateHandler func(Status)
)

// Conn owns the transport lifecycle: the state machine, the reconnect policy
// and the bounded FIFO queue of outbound actions flushed on (re)connect.
type Conn struct {
	cfg     Config
	dial    Dialer
	clk     clock.Clock
	onEvent EventHandler
	onState StateHandler

	mu         sync.Mutex
	state      State
	retryCount int
	lastErr    error
	conn       netConn
	queue      []Action
	gen        int  // connection generation; stale pump callbacks are ignored
	explicit   bool // Disconnect was called; suppress auto-reconnect
	closed     bool
	kick       chan struct{}
	stop       chan struct{}
	notify     chan Status
	recTimer   *clock.Timer
}

// NewConn creates a connection manager. onEvent and onState may be nil.
func NewConn(cfg Config, onEvent EventHandler, onState StateHandler) *Conn {
	return newConn(cfg, gorillaDial, clock.New(), onEvent, onState)
}

func newConn(cfg Config, dial Dialer, clk clock.Clock, onEvent EventHandler, onState StateHandler) *Conn {
	c := &Conn{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		clk:     clk,
		onEvent: onEvent,
		onState: onState,
		state:   StateDisconnected,
	}
	if onState != nil {
		// Dedicated notifier keeps transition callbacks ordered without
		// holding the mutex while user code runs.
		c.notify = make(chan Status, 16)
		go func() {
			for st := range c.notify {
				onState(st)
			}
		}()
	}
	return c
}

// Status returns a snapshot of the connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Conn) statusLocked() Status {
	s := Status{State: c.state, RetryCount: c.retryCount}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Connect establishes the transport and returns once the handshake completes.
// A failed dial is reported to the caller and retried in the background with
// the same backoff as a dropped connection. Connect is the only way out of
// StateFailed. Queued actions are flushed on success.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.explicit = false
	c.retryCount = 0
	if c.recTimer != nil {
		c.recTimer.Stop()
		c.recTimer = nil
	}
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.cfg)

	c.mu.Lock()
	if c.closed || c.explicit {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		// A failed first dial enters the same retry loop as a dropped
		// connection; the caller still sees the error.
		c.setStateLocked(StateReconnecting, err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}
	c.startLocked(conn)
	c.mu.Unlock()
	return nil
}

// startLocked installs a freshly dialed connection and launches its pumps.
func (c *Conn) startLocked(conn netConn) {
	c.gen++
	c.conn = conn
	c.kick = make(chan struct{}, 1)
	c.stop = make(chan struct{})
	c.setStateLocked(StateConnected, nil)
	c.retryCount = 0
	go c.readPump(conn, c.gen)
	go c.writePump(conn, c.gen, c.kick, c.stop)
	if len(c.queue) > 0 {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Disconnect tears the transport down and cancels any pending reconnect.
// Idempotent; also used for logout.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.explicit = true
	if c.recTimer != nil {
		c.recTimer.Stop()
		c.recTimer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.queue = nil
	changed := c.state != StateDisconnected
	if changed {
		c.setStateLocked(StateDisconnected, nil)
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close is Disconnect plus a permanent shutdown: further Connect calls fail.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
}

// Enqueue serializes an action onto the transport. While not connected the
// action is held in a bounded FIFO queue and flushed on reaching connected;
// overflow drops the oldest queued action and reports ErrQueueOverflow.
func (c *Conn) Enqueue(a Action) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var overflow bool
	if len(c.queue) >= c.cfg.QueueDepth {
		dropped := c.queue[0]
		c.queue = append(c.queue[:0], c.queue[1:]...)
		overflow = true
		logger.Warnf("ws outbound queue full, dropping %s corr=%s", dropped.Type, dropped.CorrelationID)
	}
	c.queue = append(c.queue, a)
	kick := c.kick
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected && kick != nil {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	if overflow {
		return ErrQueueOverflow
	}
	return nil
}

// QueueLen reports how many actions are waiting to be written.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) setStateLocked(s State, err error) {
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	if c.notify != nil {
		select {
		case c.notify <- c.statusLocked():
		default:
		}
	}
}

func (c *Conn) readPump(conn netConn, gen int) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.handleDrop(gen, err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read: %v", err)
			}
			c.handleDrop(gen, err)
			return
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("ws unmarshal event: %v", err)
			continue
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *Conn) writePump(conn netConn, gen int, kick chan struct{}, stop chan struct{}) {
	ticker := c.clk.Ticker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			if err := conn.WriteMessage(websocket.CloseMessage, nil); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debugf("ws close message: %v", err)
			}
			return
		case <-kick:
			if !c.flush(conn) {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes queued actions in FIFO order, popping one at a time so a write
// failure keeps the remainder queued for the next connection.
func (c *Conn) flush(conn netConn) bool {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.conn != conn {
			c.mu.Unlock()
			return true
		}
		a := c.queue[0]
		c.mu.Unlock()

		data, err := json.Marshal(a)
		if err != nil {
			logger.Errorf("ws marshal action %s: %v", a.Type, err)
			c.popIfHead(conn, a)
			continue
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		c.popIfHead(conn, a)
	}
}

func (c *Conn) popIfHead(conn netConn, a Action) {
	c.mu.Lock()
	if c.conn == conn && len(c.queue) > 0 && c.queue[0].CorrelationID == a.CorrelationID && c.queue[0].Type == a.Type {
		c.queue = append(c.queue[:0], c.queue[1:]...)
	}
	c.mu.Unlock()
}

// handleDrop reacts to a transport failure detected by a pump. Stale
// generations (already replaced connections) are ignored.
func (c *Conn) handleDrop(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen || c.explicit || c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.retryCount = 0
	c.setStateLocked(StateReconnecting, err)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Conn) scheduleReconnectLocked() {
	delay := c.backoffDelay(c.retryCount)
	c.recTimer = c.clk.AfterFunc(delay, c.tryReconnect)
}

// backoffDelay is exponential with a ±10% jitter and a hard ceiling.
func (c *Conn) backoffDelay(attempt int) time.Duration {
	d := c.cfg.ReconnectDelay << uint(attempt)
	if d > c.cfg.ReconnectMaxDelay || d <= 0 {
		d = c.cfg.ReconnectMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

func (c *Conn) tryReconnect() {
	c.mu.Lock()
	if c.explicit || c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	conn, err := c.dial(ctx, c.cfg)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.explicit || c.closed || c.state != StateReconnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.retryCount++
		if c.retryCount >= c.cfg.ReconnectAttempts {
			logger.Errorf("ws reconnect budget exhausted after %d attempts: %v", c.retryCount, err)
			c.setStateLocked(StateFailed, err)
			return
		}
		logger.Infof("ws reconnect attempt %d failed: %v", c.retryCount, err)
		c.lastErr = err
		c.scheduleReconnectLocked()
		return
	}
	logger.Info("ws reconnected")
	c.startLocked(conn)
}
