package stats

import (
	"sync"
	"time"
)

// DefaultNotificationTTL is how long a notification stays visible before the
// queue drops it.
const DefaultNotificationTTL = 5 * time.Second

// Notification is one transient callout line (gift, follow, share, chat
// command response, or session end).
type Notification struct {
	Text      string    `json:"text"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationQueue holds transient callouts that expire individually after a
// fixed TTL. Expiry removes the exact entry that was pushed, so a newer
// notification with identical text is never evicted early by an older timer.
type NotificationQueue struct {
	ttl time.Duration

	mu      sync.Mutex
	active  []*Notification
	timers  map[*Notification]*time.Timer
	closed  bool
	nowFunc func() time.Time
}

// NewNotificationQueue initialises a queue with the given TTL. A non-positive
// TTL selects DefaultNotificationTTL.
func NewNotificationQueue(ttl time.Duration) *NotificationQueue {
	if ttl <= 0 {
		ttl = DefaultNotificationTTL
	}
	return &NotificationQueue{
		ttl:     ttl,
		timers:  make(map[*Notification]*time.Timer),
		nowFunc: time.Now,
	}
}

// Push appends a notification and schedules its expiry.
func (q *NotificationQueue) Push(text, avatarURL string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	entry := &Notification{Text: text, AvatarURL: avatarURL, CreatedAt: q.nowFunc().UTC()}
	q.active = append(q.active, entry)
	q.timers[entry] = time.AfterFunc(q.ttl, func() {
		q.expire(entry)
	})
}

// Display returns at most limit active notifications, most recent first. A
// non-positive limit returns everything.
func (q *NotificationQueue) Display(limit int) []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := len(q.active)
	if limit > 0 && limit < size {
		size = limit
	}
	out := make([]Notification, 0, size)
	for i := len(q.active) - 1; i >= 0 && len(out) < size; i-- {
		out = append(out, *q.active[i])
	}
	return out
}

// Clear drops every active notification and cancels its timer.
func (q *NotificationQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
}

// Close clears the queue and rejects further pushes.
func (q *NotificationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
	q.closed = true
}

func (q *NotificationQueue) clearLocked() {
	for _, timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*Notification]*time.Timer)
	q.active = nil
}

func (q *NotificationQueue) expire(entry *Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, present := q.timers[entry]; !present {
		return
	}
	delete(q.timers, entry)
	for i, active := range q.active {
		if active == entry {
			q.active = append(q.active[:i], q.active[i+1:]...)
			break
		}
	}
}
