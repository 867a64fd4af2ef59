package memory

import (
	"context"
	"sync"
)

// Client keeps the settings keys in process memory. Used for -dev runs
// without Redis and in tests.
type Client struct {
	mu       sync.RWMutex
	settings []byte
	pushSub  []byte
}

func New() *Client {
	return &Client{}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetSettings(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.settings), nil
}

func (c *Client) SetSettings(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = clone(data)
	return nil
}

func (c *Client) GetPushSubscription(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.pushSub), nil
}

func (c *Client) SetPushSubscription(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushSub = clone(data)
	return nil
}

func (c *Client) DeletePushSubscription(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushSub = nil
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
