package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentchat/internal/model"
	"github.com/rentchat/internal/storage/memory"
)

type fakeNotifier struct {
	mu         sync.Mutex
	granted    bool
	displayErr error
	displays   []Notification
}

func (f *fakeNotifier) PermissionGranted() bool { return f.granted }

func (f *fakeNotifier) RequestPermission(context.Context) (bool, error) { return f.granted, nil }

func (f *fakeNotifier) Display(n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.displayErr != nil {
		return f.displayErr
	}
	f.displays = append(f.displays, n)
	return nil
}

func (f *fakeNotifier) setDisplayErr(err error) {
	f.mu.Lock()
	f.displayErr = err
	f.mu.Unlock()
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.displays)
}

type fakeSound struct {
	mu    sync.Mutex
	plays int
}

func (f *fakeSound) Play() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
}

func (f *fakeSound) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays
}

// brokenStore fails every write; reads come from the embedded memory client.
type brokenStore struct {
	*memory.Client
}

func (brokenStore) SetSettings(context.Context, []byte) error {
	return errors.New("redis down")
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

func newDispatcher(t *testing.T) (*Dispatcher, *fakeNotifier, *fakeSound, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	notifier := &fakeNotifier{granted: true}
	sound := &fakeSound{}
	d := New(memory.New(), notifier, sound, mock, 8*time.Second)
	t.Cleanup(d.Close)
	return d, notifier, sound, mock
}

func incoming(id string) Incoming {
	return Incoming{
		EventID:        id,
		Category:       model.CategoryDirectMessage,
		ConversationID: "c1",
		MessageID:      id,
		Title:          "Alice",
		Body:           "hello",
	}
}

func TestShouldNotifyLayeredPolicy(t *testing.T) {
	d, _, _, _ := newDispatcher(t)
	ctx := context.Background()
	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.Local)
	lateNight := time.Date(2025, 6, 15, 23, 30, 0, 0, time.Local)

	assert.True(t, d.ShouldNotify(model.CategoryDirectMessage, noon))

	// Global kill switch beats everything.
	_, err := d.UpdateSettings(ctx, SettingsPatch{Enabled: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, d.ShouldNotify(model.CategoryDirectMessage, noon))
	_, err = d.UpdateSettings(ctx, SettingsPatch{Enabled: boolPtr(true)})
	require.NoError(t, err)

	// Do-not-disturb.
	d.UpdateSettings(ctx, SettingsPatch{DoNotDisturb: boolPtr(true)})
	assert.False(t, d.ShouldNotify(model.CategoryMention, noon))
	d.UpdateSettings(ctx, SettingsPatch{DoNotDisturb: boolPtr(false)})

	// Overnight quiet hours suppress at 23:30 but not at noon.
	d.UpdateSettings(ctx, SettingsPatch{QuietHours: &QuietHoursPatch{
		Enabled: boolPtr(true), Start: strPtr("22:00"), End: strPtr("08:00"),
	}})
	assert.False(t, d.ShouldNotify(model.CategoryDirectMessage, lateNight))
	assert.True(t, d.ShouldNotify(model.CategoryDirectMessage, noon))
	d.UpdateSettings(ctx, SettingsPatch{QuietHours: &QuietHoursPatch{Enabled: boolPtr(false)}})

	// Category toggle is the last gate.
	d.UpdateSettings(ctx, SettingsPatch{DirectMessages: boolPtr(false)})
	assert.False(t, d.ShouldNotify(model.CategoryDirectMessage, noon))
	assert.True(t, d.ShouldNotify(model.CategoryMention, noon))
}

func TestDispatchRecordsInAppEvenUnderDND(t *testing.T) {
	d, notifier, sound, _ := newDispatcher(t)
	d.UpdateSettings(context.Background(), SettingsPatch{DoNotDisturb: boolPtr(true)})

	d.Dispatch(incoming("m1"))

	assert.Len(t, d.Notifications(), 1, "in-app list still collects under DND")
	assert.Equal(t, 1, d.UnreadCount())
	assert.Zero(t, sound.count())
	assert.Zero(t, notifier.count())
}

func TestDispatchSkipsMutedAndDisabled(t *testing.T) {
	d, notifier, sound, _ := newDispatcher(t)

	ev := incoming("m1")
	ev.Muted = true
	d.Dispatch(ev)
	assert.Empty(t, d.Notifications())

	d.UpdateSettings(context.Background(), SettingsPatch{Enabled: boolPtr(false)})
	d.Dispatch(incoming("m2"))
	assert.Empty(t, d.Notifications())
	assert.Zero(t, sound.count())
	assert.Zero(t, notifier.count())
}

func TestDispatchSoundNeverOverlaps(t *testing.T) {
	d, _, sound, mock := newDispatcher(t)

	d.Dispatch(incoming("m1"))
	d.Dispatch(incoming("m2"))
	assert.Equal(t, 1, sound.count(), "second sound while the first still plays is skipped")

	mock.Add(soundLength + time.Millisecond)
	d.Dispatch(incoming("m3"))
	assert.Equal(t, 2, sound.count())
}

func TestDispatchDedupsLivePopupTags(t *testing.T) {
	d, notifier, _, mock := newDispatcher(t)

	d.Dispatch(incoming("m1"))
	d.Dispatch(incoming("m1"))
	assert.Equal(t, 1, notifier.count(), "a live tag is never shown twice")

	mock.Add(soundLength + time.Millisecond) // free the sound slot
	mock.Add(8 * time.Second)                // popup auto-dismisses
	d.Dispatch(incoming("m1"))
	require.Eventually(t, func() bool { return notifier.count() == 2 },
		time.Second, 5*time.Millisecond)

	got := notifier.displays[0]
	assert.Equal(t, "m1", got.Tag)
	assert.Equal(t, 8*time.Second, got.DismissAfter)
}

func TestDisplayFailureReleasesDedupTag(t *testing.T) {
	d, notifier, _, _ := newDispatcher(t)

	notifier.setDisplayErr(errors.New("push endpoint unreachable"))
	d.Dispatch(incoming("m1"))
	assert.Zero(t, notifier.count())

	// Nothing was shown, so the same event may be displayed right away.
	notifier.setDisplayErr(nil)
	d.Dispatch(incoming("m1"))
	assert.Equal(t, 1, notifier.count())
}

func TestDispatchDegradesWithoutPermission(t *testing.T) {
	d, notifier, sound, _ := newDispatcher(t)
	notifier.granted = false

	d.Dispatch(incoming("m1"))
	assert.Zero(t, notifier.count())
	assert.Equal(t, 1, sound.count())
	assert.Len(t, d.Notifications(), 1)

	_, err := d.RequestPermission(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestNotificationListBoundedNewestFirst(t *testing.T) {
	d, _, _, _ := newDispatcher(t)
	d.UpdateSettings(context.Background(), SettingsPatch{Sound: boolPtr(false), Desktop: boolPtr(false)})

	for i := 0; i < maxFrontendNotifications+5; i++ {
		d.Dispatch(incoming(fmt.Sprintf("m%d", i)))
	}
	list := d.Notifications()
	require.Len(t, list, maxFrontendNotifications)
	assert.Equal(t, fmt.Sprintf("m%d", maxFrontendNotifications+4), list[0].MessageID)
}

func TestMarkReadAndMarkAllRead(t *testing.T) {
	d, _, _, _ := newDispatcher(t)
	d.UpdateSettings(context.Background(), SettingsPatch{Sound: boolPtr(false), Desktop: boolPtr(false)})

	d.Dispatch(incoming("m1"))
	d.Dispatch(incoming("m2"))
	assert.Equal(t, 2, d.UnreadCount())

	d.MarkRead(d.Notifications()[0].ID)
	assert.Equal(t, 1, d.UnreadCount())

	d.MarkAllRead()
	assert.Equal(t, 0, d.UnreadCount())
}

func TestSettingsPersistRoundTrip(t *testing.T) {
	mem := memory.New()
	mock := clock.NewMock()
	ctx := context.Background()

	d := New(mem, &fakeNotifier{}, nil, mock, 0)
	_, err := d.UpdateSettings(ctx, SettingsPatch{Sound: boolPtr(false), QuietHours: &QuietHoursPatch{
		Enabled: boolPtr(true), Start: strPtr("21:00"), End: strPtr("07:00"),
	}})
	require.NoError(t, err)
	d.Close()

	// A fresh dispatcher over the same storage sees the saved settings.
	d2 := New(mem, &fakeNotifier{}, nil, mock, 0)
	defer d2.Close()
	require.NoError(t, d2.LoadSettings(ctx))
	s := d2.Settings()
	assert.False(t, s.Sound)
	assert.True(t, s.QuietHours.Enabled)
	assert.Equal(t, "21:00", s.QuietHours.Start)
	assert.True(t, s.Enabled, "untouched fields keep their values")
}

func TestSettingsPersistFailureKeepsInMemoryCopy(t *testing.T) {
	d := New(brokenStore{memory.New()}, &fakeNotifier{}, nil, clock.NewMock(), 0)
	defer d.Close()

	merged, err := d.UpdateSettings(context.Background(), SettingsPatch{Sound: boolPtr(false)})
	assert.ErrorIs(t, err, ErrPersist)
	assert.False(t, merged.Sound)
	assert.False(t, d.Settings().Sound, "merged settings stay authoritative for the session")

	_, err = d.ResetSettings(context.Background())
	assert.ErrorIs(t, err, ErrPersist)
	assert.True(t, d.Settings().Sound)
}

func TestLoadSettingsMalformedFallsBackToDefaults(t *testing.T) {
	mem := memory.New()
	require.NoError(t, mem.SetSettings(context.Background(), []byte("{not json")))

	d := New(mem, &fakeNotifier{}, nil, clock.NewMock(), 0)
	defer d.Close()
	require.NoError(t, d.LoadSettings(context.Background()))
	assert.Equal(t, model.DefaultNotificationSettings(), d.Settings())
}

func TestWebPushSubscriptionLifecycle(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	keys := &VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"}
	w := NewWebPushNotifier(mem, keys, "mailto:ops@example.com")

	assert.False(t, w.PermissionGranted())
	assert.Equal(t, "pub", w.PublicKey())

	sub := webpush.Subscription{Endpoint: "https://push.example.com/ep"}
	require.NoError(t, w.SetSubscription(ctx, sub))
	assert.True(t, w.PermissionGranted())

	// A fresh notifier over the same storage picks the subscription up.
	w2 := NewWebPushNotifier(mem, keys, "mailto:ops@example.com")
	granted, err := w2.RequestPermission(ctx)
	require.NoError(t, err)
	assert.True(t, granted)

	require.NoError(t, w.ClearSubscription(ctx))
	assert.False(t, w.PermissionGranted())
	assert.ErrorIs(t, w.Display(Notification{Tag: "t"}), ErrPermissionDenied)
}
