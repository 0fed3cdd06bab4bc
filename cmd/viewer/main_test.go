package main

import (
	"strings"
	"testing"
	"time"

	"streampulse/internal/stats"
	"streampulse/internal/viewer"
)

func TestRenderSnapshotIncludesCountsAndSections(t *testing.T) {
	snap := viewer.Snapshot{
		State:       viewer.StateConnected,
		Target:      "streamer",
		ViewerCount: 42,
		Likes:       7,
		Gifts:       3,
		TopLikes: []stats.Contributor{
			{UserID: "fan", Likes: 7},
		},
		TopGifts: []stats.Contributor{
			{UserID: "fan", Likes: 7, Gifts: 3, LastGiftName: "🌹 Rose"},
		},
		Notifications: []stats.Notification{{Text: "🎁 fan sent 🌹 Rose x3", CreatedAt: time.Now()}},
		Activity:      []viewer.ActivityEntry{{Text: "💬 fan: hello", At: time.Now()}},
	}

	out := renderSnapshot(snap)
	for _, want := range []string{
		"streamer",
		"42 viewers",
		"7 likes",
		"3 gifts",
		"Top likers",
		"fan (7)",
		"Top gifters",
		"fan (3)",
		"last gift 🌹 Rose",
		"🎁 fan sent 🌹 Rose x3",
		"💬 fan: hello",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRenderSnapshotOmitsEmptySections(t *testing.T) {
	out := renderSnapshot(viewer.Snapshot{State: viewer.StateIdle, Target: "streamer"})
	if strings.Contains(out, "Top likers") || strings.Contains(out, "Top gifters") || strings.Contains(out, "Notifications") {
		t.Fatalf("expected empty sections to be omitted, got:\n%s", out)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty(" ", "", "value"); got != "value" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}
