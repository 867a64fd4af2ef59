package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Ключи на пользователя: notify:settings:{user} и notify:push_sub:{user}.
// TTL нет — настройки живут до явного сброса.

type Client struct {
	cli    *redis.Client
	userID string
}

func New(ctx context.Context, url, userID string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, userID: userID}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) settingsKey() string { return "notify:settings:" + c.userID }
func (c *Client) subKey() string      { return "notify:push_sub:" + c.userID }

func (c *Client) GetSettings(ctx context.Context) ([]byte, error) {
	return c.get(ctx, c.settingsKey())
}

func (c *Client) SetSettings(ctx context.Context, data []byte) error {
	return c.cli.Set(ctx, c.settingsKey(), data, 0).Err()
}

func (c *Client) GetPushSubscription(ctx context.Context) ([]byte, error) {
	return c.get(ctx, c.subKey())
}

func (c *Client) SetPushSubscription(ctx context.Context, data []byte) error {
	return c.cli.Set(ctx, c.subKey(), data, 0).Err()
}

func (c *Client) DeletePushSubscription(ctx context.Context) error {
	return c.cli.Del(ctx, c.subKey()).Err()
}

// get возвращает (nil, nil), если ключа нет — отсутствие данных не ошибка.
func (c *Client) get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.cli.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}
