package stats_test

import (
	"testing"
	"time"

	"streampulse/internal/stats"
)

func TestNotificationQueueDisplaysMostRecentFirst(t *testing.T) {
	queue := stats.NewNotificationQueue(time.Hour)
	defer queue.Close()

	queue.Push("first", "")
	queue.Push("second", "")
	queue.Push("third", "")

	display := queue.Display(0)
	if len(display) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(display))
	}
	if display[0].Text != "third" || display[2].Text != "first" {
		t.Fatalf("unexpected ordering: %+v", display)
	}
}

func TestNotificationQueueDisplayHonoursLimit(t *testing.T) {
	queue := stats.NewNotificationQueue(time.Hour)
	defer queue.Close()

	queue.Push("first", "")
	queue.Push("second", "")
	queue.Push("third", "")

	display := queue.Display(2)
	if len(display) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(display))
	}
	if display[0].Text != "third" || display[1].Text != "second" {
		t.Fatalf("expected the two most recent entries, got %+v", display)
	}
}

func TestNotificationQueueCarriesAvatar(t *testing.T) {
	queue := stats.NewNotificationQueue(time.Hour)
	defer queue.Close()

	queue.Push("👤 fan followed", "http://avatar/fan")
	display := queue.Display(0)
	if len(display) != 1 || display[0].AvatarURL != "http://avatar/fan" {
		t.Fatalf("expected avatar to survive the queue, got %+v", display)
	}
}

func TestNotificationQueueExpiresEntries(t *testing.T) {
	queue := stats.NewNotificationQueue(30 * time.Millisecond)
	defer queue.Close()

	queue.Push("ephemeral", "")
	waitUntil(t, time.Second, func() bool {
		return len(queue.Display(0)) == 0
	})
}

func TestNotificationQueueExpiryOnlyRemovesItsOwnEntry(t *testing.T) {
	queue := stats.NewNotificationQueue(40 * time.Millisecond)
	defer queue.Close()

	queue.Push("duplicate", "")
	time.Sleep(25 * time.Millisecond)
	queue.Push("duplicate", "")

	// The first entry expires; the second, pushed later, must survive its
	// sibling's timer.
	waitUntil(t, time.Second, func() bool {
		return len(queue.Display(0)) == 1
	})
	if display := queue.Display(0); display[0].Text != "duplicate" {
		t.Fatalf("unexpected surviving entry: %+v", display)
	}

	waitUntil(t, time.Second, func() bool {
		return len(queue.Display(0)) == 0
	})
}

func TestNotificationQueueClear(t *testing.T) {
	queue := stats.NewNotificationQueue(time.Hour)
	defer queue.Close()

	queue.Push("one", "")
	queue.Push("two", "")
	queue.Clear()
	if display := queue.Display(0); len(display) != 0 {
		t.Fatalf("expected empty queue after clear, got %+v", display)
	}
}

func TestNotificationQueueRejectsPushAfterClose(t *testing.T) {
	queue := stats.NewNotificationQueue(time.Hour)
	queue.Close()
	queue.Push("late", "")
	if display := queue.Display(0); len(display) != 0 {
		t.Fatalf("expected no notifications after close, got %+v", display)
	}
}
