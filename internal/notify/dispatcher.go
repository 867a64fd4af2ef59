// Package notify decides whether and how an inbound event is surfaced to the
// user: notification sound, desktop popup via Web Push, and the in-app
// notification list. It owns NotificationSettings, the only durable state of
// the client.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rentchat/internal/logger"
	"github.com/rentchat/internal/model"
	"github.com/rentchat/internal/storage"
)

var (
	// ErrPersist wraps a storage failure on settings save. Non-fatal: the
	// in-memory settings stay authoritative for the session.
	ErrPersist = errors.New("notify: settings not persisted")
	// ErrPermissionDenied means no desktop notification permission; delivery
	// degrades to in-app only.
	ErrPermissionDenied = errors.New("notify: desktop permission not granted")
)

const (
	maxFrontendNotifications = 100
	soundLength              = 2 * time.Second
	persistTimeout           = 5 * time.Second
)

// Notifier is the platform notification capability.
type Notifier interface {
	PermissionGranted() bool
	RequestPermission(ctx context.Context) (bool, error)
	Display(n Notification) error
}

// SoundPlayer starts the notification sound. Play must not block.
type SoundPlayer interface {
	Play()
}

// Notification is one desktop popup. Tag deduplicates: the dispatcher never
// displays two live popups with the same tag. DismissAfter is the self-dismiss
// timeout carried to the platform.
type Notification struct {
	Tag            string        `json:"tag"`
	Title          string        `json:"title"`
	Body           string        `json:"body"`
	Icon           string        `json:"icon,omitempty"`
	ConversationID string        `json:"conversation_id"`
	DismissAfter   time.Duration `json:"-"`
}

// Incoming is the dispatcher's view of an inbound event.
type Incoming struct {
	EventID        string
	Category       model.NotificationCategory
	ConversationID string
	MessageID      string
	Title          string
	Body           string
	Muted          bool // conversation is muted; never notify
}

// Dispatcher owns NotificationSettings and the FrontendNotification list.
type Dispatcher struct {
	mu       sync.Mutex
	clk      clock.Clock
	store    storage.SettingsStore
	notifier Notifier
	sound    SoundPlayer
	dismiss  time.Duration

	settings      model.NotificationSettings
	notifications []model.FrontendNotification // most recent first
	activeTags    map[string]*clock.Timer
	soundTimer    *clock.Timer
	soundBusy     bool
	closed        bool
}

func New(store storage.SettingsStore, notifier Notifier, sound SoundPlayer, clk clock.Clock, dismissAfter time.Duration) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if dismissAfter <= 0 {
		dismissAfter = 8 * time.Second
	}
	return &Dispatcher{
		clk:        clk,
		store:      store,
		notifier:   notifier,
		sound:      sound,
		dismiss:    dismissAfter,
		settings:   model.DefaultNotificationSettings(),
		activeTags: make(map[string]*clock.Timer),
	}
}

// Close cancels the auto-dismiss and sound timers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for tag, t := range d.activeTags {
		t.Stop()
		delete(d.activeTags, tag)
	}
	if d.soundTimer != nil {
		d.soundTimer.Stop()
		d.soundTimer = nil
	}
}

// LoadSettings hydrates persisted settings. Missing or malformed data falls
// back to defaults; only a storage transport error is returned.
func (d *Dispatcher) LoadSettings(ctx context.Context) error {
	data, err := d.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("notify: load settings: %w", err)
	}
	settings := model.DefaultNotificationSettings()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &settings); err != nil {
			logger.Warnf("notify: stored settings malformed, using defaults: %v", err)
			settings = model.DefaultNotificationSettings()
		}
	}
	d.mu.Lock()
	d.settings = settings
	d.mu.Unlock()
	return nil
}

// Settings returns a snapshot of the current settings.
func (d *Dispatcher) Settings() model.NotificationSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// UpdateSettings merges a partial update, persists the result and returns the
// merged settings. On a persistence failure the merged settings still take
// effect for the session and the error wraps ErrPersist.
func (d *Dispatcher) UpdateSettings(ctx context.Context, patch SettingsPatch) (model.NotificationSettings, error) {
	d.mu.Lock()
	merged := patch.apply(d.settings)
	d.settings = merged
	d.mu.Unlock()
	return merged, d.persist(ctx, merged)
}

// ResetSettings restores defaults. Settings are never deleted, only reset.
func (d *Dispatcher) ResetSettings(ctx context.Context) (model.NotificationSettings, error) {
	defaults := model.DefaultNotificationSettings()
	d.mu.Lock()
	d.settings = defaults
	d.mu.Unlock()
	return defaults, d.persist(ctx, defaults)
}

func (d *Dispatcher) persist(ctx context.Context, s model.NotificationSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := d.store.SetSettings(ctx, data); err != nil {
		logger.Warnf("notify: settings not persisted (in-memory copy remains authoritative): %v", err)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// RequestPermission surfaces the platform permission prompt and records the
// result. Safe to call repeatedly.
func (d *Dispatcher) RequestPermission(ctx context.Context) (bool, error) {
	granted, err := d.notifier.RequestPermission(ctx)
	if err != nil {
		return false, err
	}
	if !granted {
		return false, ErrPermissionDenied
	}
	return true, nil
}

// ShouldNotify is the layered policy for a visible notification, evaluated in
// order: global enable, do-not-disturb, quiet hours, category toggle.
func (d *Dispatcher) ShouldNotify(cat model.NotificationCategory, at time.Time) bool {
	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()
	if !s.Enabled {
		return false
	}
	if s.DoNotDisturb {
		return false
	}
	if s.QuietHours.Contains(at) {
		return false
	}
	return s.CategoryEnabled(cat)
}

// Dispatch surfaces one inbound event. The in-app list records every
// non-muted event while globally enabled; sound and desktop are additionally
// gated by the full policy and by platform permission. Permission denial
// degrades silently to in-app only.
func (d *Dispatcher) Dispatch(ev Incoming) {
	d.mu.Lock()
	if d.closed || ev.Muted || !d.settings.Enabled {
		d.mu.Unlock()
		return
	}
	sound := d.settings.Sound
	desktop := d.settings.Desktop
	d.appendLocked(ev)
	d.mu.Unlock()

	if !d.ShouldNotify(ev.Category, d.clk.Now()) {
		return
	}
	if sound {
		d.playSound()
	}
	if desktop && d.notifier.PermissionGranted() {
		d.display(ev)
	}
}

func (d *Dispatcher) appendLocked(ev Incoming) {
	n := model.FrontendNotification{
		ID:             uuid.New().String(),
		Category:       ev.Category,
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
		Title:          ev.Title,
		Body:           ev.Body,
		CreatedAt:      d.clk.Now().UTC(),
	}
	d.notifications = append([]model.FrontendNotification{n}, d.notifications...)
	if len(d.notifications) > maxFrontendNotifications {
		d.notifications = d.notifications[:maxFrontendNotifications]
	}
}

// playSound starts the sound unless the previous play is still running.
// Plays never overlap.
func (d *Dispatcher) playSound() {
	d.mu.Lock()
	if d.soundBusy || d.closed {
		d.mu.Unlock()
		return
	}
	d.soundBusy = true
	d.soundTimer = d.clk.AfterFunc(soundLength, func() {
		d.mu.Lock()
		d.soundBusy = false
		d.mu.Unlock()
	})
	d.mu.Unlock()
	if d.sound != nil {
		d.sound.Play()
	}
}

// display shows a dedup-tagged desktop popup that self-dismisses. A second
// event with a live tag is dropped instead of stacking popups.
func (d *Dispatcher) display(ev Incoming) {
	tag := ev.EventID
	if tag == "" {
		tag = ev.MessageID
	}
	d.mu.Lock()
	if _, live := d.activeTags[tag]; live || d.closed {
		d.mu.Unlock()
		return
	}
	d.activeTags[tag] = d.clk.AfterFunc(d.dismiss, func() {
		d.mu.Lock()
		delete(d.activeTags, tag)
		d.mu.Unlock()
	})
	d.mu.Unlock()

	err := d.notifier.Display(Notification{
		Tag:            tag,
		Title:          ev.Title,
		Body:           ev.Body,
		ConversationID: ev.ConversationID,
		DismissAfter:   d.dismiss,
	})
	if err != nil {
		// Nothing was shown; release the tag so a retry is not suppressed.
		d.mu.Lock()
		if tmr, ok := d.activeTags[tag]; ok {
			tmr.Stop()
			delete(d.activeTags, tag)
		}
		d.mu.Unlock()
		logger.Warnf("notify: desktop display failed: %v", err)
	}
}

// Notifications returns a snapshot of the in-app list, most recent first.
func (d *Dispatcher) Notifications() []model.FrontendNotification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.FrontendNotification(nil), d.notifications...)
}

// UnreadCount is the number of unread in-app notifications.
func (d *Dispatcher) UnreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, fn := range d.notifications {
		if !fn.Read {
			n++
		}
	}
	return n
}

// MarkRead marks one in-app notification read.
func (d *Dispatcher) MarkRead(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.notifications {
		if d.notifications[i].ID == id {
			d.notifications[i].Read = true
			return
		}
	}
}

// MarkAllRead marks every in-app notification read.
func (d *Dispatcher) MarkAllRead() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.notifications {
		d.notifications[i].Read = true
	}
}
