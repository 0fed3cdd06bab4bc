package viewer_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"streampulse/internal/gifts"
	"streampulse/internal/live"
	"streampulse/internal/observability/metrics"
	"streampulse/internal/upstream"
	"streampulse/internal/viewer"
)

func newTestController(t *testing.T, hub *upstream.Hub) *viewer.Controller {
	t.Helper()
	store, err := gifts.NewFileStore(gifts.FileStoreConfig{
		Path:     filepath.Join(t.TempDir(), "gifts.json"),
		Recorder: metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	controller := viewer.NewController(viewer.Config{
		Connector:       hub,
		Gifts:           store,
		Recorder:        metrics.New(),
		RetryDelay:      30 * time.Millisecond,
		SuppressWindow:  30 * time.Millisecond,
		CoalesceWindow:  30 * time.Millisecond,
		NotificationTTL: time.Hour,
	})
	t.Cleanup(controller.Close)
	return controller
}

func TestControllerRefusesEmptyTarget(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	controller := newTestController(t, hub)

	if err := controller.Connect("   "); !errors.Is(err, viewer.ErrEmptyTarget) {
		t.Fatalf("expected ErrEmptyTarget, got %v", err)
	}
	snapshot := controller.Snapshot()
	if snapshot.State != viewer.StateIdle {
		t.Fatalf("expected idle state, got %s", snapshot.State)
	}
	if len(snapshot.Notifications) != 1 || snapshot.Notifications[0].Text != "⚠️ Enter a username first" {
		t.Fatalf("expected local warning, got %+v", snapshot.Notifications)
	}
}

func TestControllerConnectsAndLogsChat(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	hub.Emit("host-a", live.Event{Kind: live.KindChat, Chat: &live.ChatEvent{UserID: "fan", Comment: "hello"}})
	waitUntil(t, 2*time.Second, func() bool {
		activity := controller.Snapshot().Activity
		return len(activity) == 1 && activity[0].Text == "💬 fan: hello"
	})
}

func TestControllerChatCommandCallouts(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	hub.Emit("host-a", live.Event{Kind: live.KindChat, Chat: &live.ChatEvent{UserID: "fan", Comment: " !SPIN "}})
	waitUntil(t, 2*time.Second, func() bool {
		activity := controller.Snapshot().Activity
		return len(activity) == 2 && activity[0].Text == "🎲 fan spun the wheel!"
	})
}

func TestControllerCountsGiftOnRepeatEndOnly(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	// Combo in flight: two intermediate events, then the final repeat.
	hub.Emit("host-a", live.Event{Kind: live.KindGift, Gift: &live.GiftEvent{UserID: "fan", GiftID: 5655, RepeatCount: 1}})
	hub.Emit("host-a", live.Event{Kind: live.KindGift, Gift: &live.GiftEvent{UserID: "fan", GiftID: 5655, RepeatCount: 2}})
	hub.Emit("host-a", live.Event{Kind: live.KindGift, Gift: &live.GiftEvent{UserID: "fan", GiftID: 5655, RepeatCount: 3, RepeatEnd: true}})

	waitUntil(t, 2*time.Second, func() bool {
		snapshot := controller.Snapshot()
		return snapshot.Gifts == 3
	})

	snapshot := controller.Snapshot()
	if len(snapshot.TopGifts) != 1 || snapshot.TopGifts[0].Gifts != 3 || snapshot.TopGifts[0].LastGiftName != "🌹 Rose" {
		t.Fatalf("unexpected leaderboard: %+v", snapshot.TopGifts)
	}
	found := false
	for _, note := range snapshot.Notifications {
		if note.Text == "🎁 fan sent 🌹 Rose x3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected gift notification, got %+v", snapshot.Notifications)
	}
}

func TestControllerCoalescesLikes(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	for i := 0; i < 5; i++ {
		hub.Emit("host-a", live.Event{Kind: live.KindLike, Like: &live.LikeEvent{UserID: "fan", Count: 1}})
	}

	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().Likes == 5
	})

	snapshot := controller.Snapshot()
	likeNotes := 0
	for _, note := range snapshot.Notifications {
		if note.Text == "❤️ fan liked the stream x5" {
			likeNotes++
		}
	}
	if likeNotes != 1 {
		t.Fatalf("expected one coalesced like notification, got %+v", snapshot.Notifications)
	}
	foundActivity := false
	for _, entry := range snapshot.Activity {
		if entry.Text == "❤️ fan liked the stream x5" {
			foundActivity = true
		}
	}
	if !foundActivity {
		t.Fatalf("expected coalesced like activity record, got %+v", snapshot.Activity)
	}
	if len(snapshot.TopLikes) != 1 || snapshot.TopLikes[0].Likes != 5 {
		t.Fatalf("unexpected like leaderboard: %+v", snapshot.TopLikes)
	}
}

func TestControllerSessionEndGoesIdleWithoutRetry(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	hub.End("host-a")
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateIdle
	})

	snapshot := controller.Snapshot()
	found := false
	for _, note := range snapshot.Notifications {
		if note.Text == "🚫 Live has ended" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected end notification, got %+v", snapshot.Notifications)
	}

	// No retry may fire after an orderly end.
	time.Sleep(100 * time.Millisecond)
	if state := controller.Snapshot().State; state != viewer.StateIdle {
		t.Fatalf("expected controller to stay idle, got %s", state)
	}
}

func TestControllerFailedConnectReturnsToIdle(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		snapshot := controller.Snapshot()
		if snapshot.State != viewer.StateIdle {
			return false
		}
		for _, note := range snapshot.Notifications {
			if note.Text == "⚠️ Failed to connect" {
				return true
			}
		}
		return false
	})

	// No redial may fire on its own; the session only attaches once the
	// user asks again.
	hub.Start("host-a")
	time.Sleep(100 * time.Millisecond)
	if state := controller.Snapshot().State; state != viewer.StateIdle {
		t.Fatalf("expected controller to stay idle after a refused connect, got %s", state)
	}

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})
}

func TestControllerRetriesLostSession(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	hub.Drop("host-a")
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateRetrying
	})
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})
}

func TestControllerManualDisconnectSuppressesPendingRetry(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := viewer.NewController(viewer.Config{
		Connector:       hub,
		Recorder:        metrics.New(),
		RetryDelay:      time.Hour,
		SuppressWindow:  30 * time.Millisecond,
		CoalesceWindow:  30 * time.Millisecond,
		NotificationTTL: time.Hour,
	})
	t.Cleanup(controller.Close)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	hub.Drop("host-a")
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateRetrying
	})

	controller.Disconnect()
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateIdle
	})
	time.Sleep(100 * time.Millisecond)
	if state := controller.Snapshot().State; state != viewer.StateIdle {
		t.Fatalf("expected disconnect to cancel the pending redial, got %s", state)
	}
}

func TestControllerConnectWhileAttachedOnlyRepointsTarget(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	hub.Emit("host-a", live.Event{Kind: live.KindLike, Like: &live.LikeEvent{UserID: "fan", Count: 2}})
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().Likes == 2
	})

	if err := controller.Connect("host-b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	snapshot := controller.Snapshot()
	if snapshot.State != viewer.StateConnected {
		t.Fatalf("expected the attached session to survive, got %s", snapshot.State)
	}
	if snapshot.Target != "host-b" {
		t.Fatalf("expected target to be repointed, got %q", snapshot.Target)
	}
	if snapshot.Likes != 2 {
		t.Fatalf("expected tallies to survive a repeated connect, got %d", snapshot.Likes)
	}

	// Events from the attached session still flow.
	hub.Emit("host-a", live.Event{Kind: live.KindLike, Like: &live.LikeEvent{UserID: "fan", Count: 1}})
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().Likes == 3
	})
}

func TestControllerDisconnectDropsPendingLikes(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := viewer.NewController(viewer.Config{
		Connector:       hub,
		Recorder:        metrics.New(),
		RetryDelay:      30 * time.Millisecond,
		SuppressWindow:  30 * time.Millisecond,
		CoalesceWindow:  time.Hour,
		NotificationTTL: time.Hour,
	})
	t.Cleanup(controller.Close)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	hub.Emit("host-a", live.Event{Kind: live.KindLike, Like: &live.LikeEvent{UserID: "fan", Count: 1}})
	time.Sleep(50 * time.Millisecond)
	controller.Disconnect()

	snapshot := controller.Snapshot()
	if snapshot.State != viewer.StateClosed {
		t.Fatalf("expected closed state right after disconnect, got %s", snapshot.State)
	}
	if len(snapshot.Activity) == 0 || snapshot.Activity[0].Text != "🔌 Disconnected from host-a" {
		t.Fatalf("expected disconnect marker, got %+v", snapshot.Activity)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateIdle
	})
	time.Sleep(100 * time.Millisecond)
	if likes := controller.Snapshot().Likes; likes != 0 {
		t.Fatalf("expected pending likes to be dropped, got %d", likes)
	}
}

func TestControllerTracksViewerCount(t *testing.T) {
	hub := upstream.NewHub(upstream.HubConfig{})
	hub.Start("host-a")
	controller := newTestController(t, hub)

	if err := controller.Connect("host-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().State == viewer.StateConnected
	})

	hub.Emit("host-a", live.Event{Kind: live.KindViewer, Viewer: &live.ViewerEvent{Count: 123}})
	waitUntil(t, 2*time.Second, func() bool {
		return controller.Snapshot().ViewerCount == 123
	})
}

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
