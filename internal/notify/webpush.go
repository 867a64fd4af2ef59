package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/rentchat/internal/logger"
	"github.com/rentchat/internal/storage"
)

// WebPushNotifier delivers desktop notifications through the browser's Web
// Push channel. "Permission granted" means a live push subscription is on
// record: the frontend runs the browser prompt, subscribes, and posts the
// subscription through the gateway.
type WebPushNotifier struct {
	mu      sync.RWMutex
	store   storage.SettingsStore
	keys    *VAPIDKeys
	contact string
	ttl     int
	sub     *webpush.Subscription
}

func NewWebPushNotifier(store storage.SettingsStore, keys *VAPIDKeys, contact string) *WebPushNotifier {
	return &WebPushNotifier{
		store:   store,
		keys:    keys,
		contact: contact,
		ttl:     60,
	}
}

// Load hydrates a previously stored subscription. Absent or malformed data
// just means no permission yet.
func (w *WebPushNotifier) Load(ctx context.Context) error {
	data, err := w.store.GetPushSubscription(ctx)
	if err != nil {
		return fmt.Errorf("notify: load push subscription: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var sub webpush.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		logger.Warnf("notify: stored push subscription malformed, ignoring: %v", err)
		return nil
	}
	w.mu.Lock()
	w.sub = &sub
	w.mu.Unlock()
	return nil
}

// SetSubscription records the browser subscription and persists it.
func (w *WebPushNotifier) SetSubscription(ctx context.Context, sub webpush.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := w.store.SetPushSubscription(ctx, data); err != nil {
		return fmt.Errorf("notify: save push subscription: %w", err)
	}
	w.mu.Lock()
	w.sub = &sub
	w.mu.Unlock()
	return nil
}

// ClearSubscription drops the subscription (permission revoked or logout).
func (w *WebPushNotifier) ClearSubscription(ctx context.Context) error {
	w.mu.Lock()
	w.sub = nil
	w.mu.Unlock()
	return w.store.DeletePushSubscription(ctx)
}

// PublicKey is the VAPID public key the frontend subscribes with.
func (w *WebPushNotifier) PublicKey() string {
	return w.keys.PublicKey
}

func (w *WebPushNotifier) PermissionGranted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sub != nil
}

// RequestPermission re-checks the recorded subscription. The actual platform
// prompt is the browser's; repeated calls are safe and just report state.
func (w *WebPushNotifier) RequestPermission(ctx context.Context) (bool, error) {
	if w.PermissionGranted() {
		return true, nil
	}
	if err := w.Load(ctx); err != nil {
		return false, err
	}
	return w.PermissionGranted(), nil
}

type webPushPayload struct {
	Tag            string `json:"tag"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Icon           string `json:"icon,omitempty"`
	ConversationID string `json:"conversation_id"`
	DismissAfterMS int64  `json:"dismiss_after_ms"`
}

// Display sends the popup payload over Web Push. The tag and the dismiss
// timeout ride along so the service worker dedups and auto-closes; a click
// focuses the app on ConversationID. A gone endpoint clears the subscription.
func (w *WebPushNotifier) Display(n Notification) error {
	w.mu.RLock()
	sub := w.sub
	w.mu.RUnlock()
	if sub == nil {
		return ErrPermissionDenied
	}
	payload, err := json.Marshal(webPushPayload{
		Tag:            n.Tag,
		Title:          n.Title,
		Body:           n.Body,
		Icon:           n.Icon,
		ConversationID: n.ConversationID,
		DismissAfterMS: n.DismissAfter.Milliseconds(),
	})
	if err != nil {
		return err
	}
	resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
		Subscriber:      w.contact,
		VAPIDPublicKey:  w.keys.PublicKey,
		VAPIDPrivateKey: w.keys.PrivateKey,
		TTL:             w.ttl,
	})
	if err != nil {
		return fmt.Errorf("notify: webpush send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		// Endpoint expired: treat as permission revoked.
		w.mu.Lock()
		w.sub = nil
		w.mu.Unlock()
		return ErrPermissionDenied
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: webpush send: status %d", resp.StatusCode)
	}
	return nil
}
