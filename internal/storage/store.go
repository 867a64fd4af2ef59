// Package storage is the durable key/value home of the client's only
// persistent state: notification settings and the Web Push subscription.
package storage

import "context"

// SettingsStore persists the notification subsystem's state. Absent keys are
// returned as (nil, nil); callers treat missing or malformed data as "use
// defaults", never as a fatal error.
//
// Implementations: redis.Client, memory.Client (for -dev runs and tests).
type SettingsStore interface {
	GetSettings(ctx context.Context) ([]byte, error)
	SetSettings(ctx context.Context, data []byte) error
	GetPushSubscription(ctx context.Context) ([]byte, error)
	SetPushSubscription(ctx context.Context, data []byte) error
	DeletePushSubscription(ctx context.Context) error
	Close() error
}
