package stats

import (
	"sync"
	"time"

	"streampulse/internal/observability/metrics"
)

// DefaultCoalesceWindow is how long like increments accumulate before the
// coalescer emits one merged record per user.
const DefaultCoalesceWindow = 2 * time.Second

// LikeRecord is one merged batch of like taps for a single user.
type LikeRecord struct {
	UserID    string
	AvatarURL string
	Count     int
}

// CoalescerConfig configures a like Coalescer.
type CoalescerConfig struct {
	// Window is the accumulation interval. Zero selects DefaultCoalesceWindow.
	Window time.Duration
	// Sink receives merged records when a window flushes. Called outside the
	// coalescer lock, one record per user, in first-seen order.
	Sink func(LikeRecord)
	// Recorder receives flush metrics. Nil selects the default recorder.
	Recorder *metrics.Recorder
}

// Coalescer batches per-user like increments inside a fixed window so bursts
// of single taps collapse into one record each. A single timer covers the
// whole window; the first increment after an idle period arms it.
type Coalescer struct {
	window   time.Duration
	sink     func(LikeRecord)
	recorder *metrics.Recorder

	mu      sync.Mutex
	pending map[string]*LikeRecord
	order   []string
	timer   *time.Timer
	stopped bool
}

// NewCoalescer initialises a coalescer from the configuration.
func NewCoalescer(cfg CoalescerConfig) *Coalescer {
	window := cfg.Window
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Coalescer{
		window:   window,
		sink:     cfg.Sink,
		recorder: recorder,
		pending:  make(map[string]*LikeRecord),
	}
}

// Record accumulates count like taps for the user. The first record of an
// idle window arms the flush timer.
func (c *Coalescer) Record(userID, avatarURL string, count int) {
	if count <= 0 {
		count = 1
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	entry, exists := c.pending[userID]
	if !exists {
		entry = &LikeRecord{UserID: userID, AvatarURL: avatarURL}
		c.pending[userID] = entry
		c.order = append(c.order, userID)
	}
	entry.Count += count
	if avatarURL != "" {
		entry.AvatarURL = avatarURL
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flush)
	}
	c.mu.Unlock()
}

// Flush forces an immediate emission of everything pending, without waiting
// for the window to elapse.
func (c *Coalescer) Flush() {
	c.flush()
}

// Discard drops everything pending without emitting. Used when the viewer
// disconnects mid-window.
func (c *Coalescer) Discard() {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
}

// Close discards pending state and rejects further records.
func (c *Coalescer) Close() {
	c.mu.Lock()
	c.clearLocked()
	c.stopped = true
	c.mu.Unlock()
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	records := make([]LikeRecord, 0, len(c.order))
	merged := 0
	for _, userID := range c.order {
		if entry := c.pending[userID]; entry != nil {
			records = append(records, *entry)
			merged += entry.Count
		}
	}
	c.clearLocked()
	sink := c.sink
	c.mu.Unlock()

	if len(records) == 0 {
		return
	}
	c.recorder.ObserveLikeFlush(merged)
	if sink == nil {
		return
	}
	for _, record := range records {
		sink(record)
	}
}

func (c *Coalescer) clearLocked() {
	c.pending = make(map[string]*LikeRecord)
	c.order = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
