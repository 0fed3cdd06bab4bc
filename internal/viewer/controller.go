package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streampulse/internal/gifts"
	"streampulse/internal/live"
	"streampulse/internal/observability/metrics"
	"streampulse/internal/stats"
	"streampulse/internal/upstream"
)

// State is the controller's connection lifecycle phase.
type State string

const (
	// StateIdle means no session is attached and none is being pursued.
	StateIdle State = "idle"
	// StateConnecting means a dial attempt is in flight.
	StateConnecting State = "connecting"
	// StateConnected means events are flowing from an attached session.
	StateConnected State = "connected"
	// StateRetrying means an established session was lost and a redial is
	// scheduled. Refused connects do not reach this state.
	StateRetrying State = "retrying"
	// StateClosed means the user disconnected on purpose. Stale handshakes
	// and events are suppressed briefly before returning to idle.
	StateClosed State = "closed"
)

const (
	// DefaultRetryDelay is the pause before redialing after a failure.
	DefaultRetryDelay = 3 * time.Second
	// DefaultSuppressWindow is how long after a manual disconnect late
	// handshakes and events are ignored.
	DefaultSuppressWindow = time.Second
	// DefaultActivityLimit bounds the activity log.
	DefaultActivityLimit = 200
	// DefaultNotificationLimit bounds Snapshot.Notifications.
	DefaultNotificationLimit = 5
)

// ErrEmptyTarget is returned when Connect is called without a username.
var ErrEmptyTarget = fmt.Errorf("target username required")

// ActivityEntry is one line in the activity log.
type ActivityEntry struct {
	Text      string    `json:"text"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	At        time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of the display state.
type Snapshot struct {
	State         State                `json:"state"`
	Target        string               `json:"target,omitempty"`
	ViewerCount   int                  `json:"viewerCount"`
	Likes         int                  `json:"likes"`
	Gifts         int                  `json:"gifts"`
	TopLikes      []stats.Contributor  `json:"topLikes,omitempty"`
	TopGifts      []stats.Contributor  `json:"topGifts,omitempty"`
	Notifications []stats.Notification `json:"notifications,omitempty"`
	Activity      []ActivityEntry      `json:"activity,omitempty"`
}

// Config configures a Controller.
type Config struct {
	Connector upstream.Connector
	Gifts     gifts.Store
	Logger    *slog.Logger
	Recorder  *metrics.Recorder

	// RetryDelay, SuppressWindow, CoalesceWindow, and NotificationTTL fall
	// back to package defaults when zero.
	RetryDelay      time.Duration
	SuppressWindow  time.Duration
	CoalesceWindow  time.Duration
	NotificationTTL time.Duration
	// ActivityLimit bounds the activity log; zero selects the default.
	ActivityLimit int
	// LeaderboardSize bounds the per-kind top lists; zero selects 10.
	LeaderboardSize int
	// NotificationLimit bounds Snapshot.Notifications; zero selects the
	// default.
	NotificationLimit int
}

// Controller drives one viewer's connection to an upstream session: it dials,
// retries lost sessions, aggregates likes through a coalescer, resolves gift
// names, and maintains the notification queue, leaderboard, and activity log
// backing the display.
type Controller struct {
	connector upstream.Connector
	gifts     gifts.Store
	logger    *slog.Logger
	recorder  *metrics.Recorder

	retryDelay        time.Duration
	suppressWindow    time.Duration
	activityLimit     int
	topSize           int
	notificationLimit int

	coalescer     *stats.Coalescer
	board         *stats.Leaderboard
	notifications *stats.NotificationQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	target      string
	generation  uint64
	session     upstream.Session
	retryTimer  *time.Timer
	viewerCount int
	activity    []ActivityEntry
}

// NewController initialises a controller from the configuration.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	suppressWindow := cfg.SuppressWindow
	if suppressWindow <= 0 {
		suppressWindow = DefaultSuppressWindow
	}
	activityLimit := cfg.ActivityLimit
	if activityLimit <= 0 {
		activityLimit = DefaultActivityLimit
	}
	topSize := cfg.LeaderboardSize
	if topSize <= 0 {
		topSize = 10
	}
	notificationLimit := cfg.NotificationLimit
	if notificationLimit <= 0 {
		notificationLimit = DefaultNotificationLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		connector:         cfg.Connector,
		gifts:             cfg.Gifts,
		logger:            logger,
		recorder:          recorder,
		retryDelay:        retryDelay,
		suppressWindow:    suppressWindow,
		activityLimit:     activityLimit,
		topSize:           topSize,
		notificationLimit: notificationLimit,
		board:             stats.NewLeaderboard(),
		notifications:     stats.NewNotificationQueue(cfg.NotificationTTL),
		ctx:               ctx,
		cancel:            cancel,
		state:             StateIdle,
	}
	c.coalescer = stats.NewCoalescer(stats.CoalescerConfig{
		Window:   cfg.CoalesceWindow,
		Sink:     c.applyLikeRecord,
		Recorder: recorder,
	})
	return c
}

// Connect starts pursuing the named session. An empty target is refused with
// a local warning. While a session is already being pursued or attached, only
// the target identifier is updated; subsequent dials pick it up.
func (c *Controller) Connect(target string) error {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		c.notifications.Push("⚠️ Enter a username first", "")
		return ErrEmptyTarget
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateRetrying:
		c.target = trimmed
		c.mu.Unlock()
		return nil
	}
	c.detachLocked()
	c.coalescer.Discard()
	c.board.Reset()
	c.viewerCount = 0
	c.target = trimmed
	c.state = StateConnecting
	c.generation++
	generation := c.generation
	c.mu.Unlock()

	go c.dial(generation, trimmed)
	return nil
}

// Disconnect detaches on purpose. Pending likes are dropped, no retry is
// scheduled, and anything arriving inside the suppression window is ignored.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	target := c.target
	c.detachLocked()
	c.coalescer.Discard()
	c.state = StateClosed
	c.generation++
	generation := c.generation
	c.appendActivityLocked(ActivityEntry{Text: fmt.Sprintf("🔌 Disconnected from %s", target), At: time.Now().UTC()})
	c.mu.Unlock()

	c.logger.Info("disconnected", "session_id", target)
	time.AfterFunc(c.suppressWindow, func() {
		c.mu.Lock()
		if c.generation == generation && c.state == StateClosed {
			c.state = StateIdle
		}
		c.mu.Unlock()
	})
}

// Close permanently shuts the controller down.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	c.detachLocked()
	c.generation++
	c.state = StateClosed
	c.mu.Unlock()
	c.coalescer.Close()
	c.notifications.Close()
}

// Snapshot returns a copy of the current display state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snapshot := Snapshot{
		State:       c.state,
		Target:      c.target,
		ViewerCount: c.viewerCount,
	}
	activity := make([]ActivityEntry, len(c.activity))
	copy(activity, c.activity)
	c.mu.Unlock()

	snapshot.Activity = activity
	snapshot.Likes, snapshot.Gifts = c.board.Totals()
	snapshot.TopLikes = c.board.Top(stats.KindLikes, c.topSize)
	snapshot.TopGifts = c.board.Top(stats.KindGifts, c.topSize)
	snapshot.Notifications = c.notifications.Display(c.notificationLimit)
	return snapshot
}

// dial attempts one upstream connect. A refused connect returns the
// controller to idle; the user has to ask again. Retries are reserved for
// sessions lost after they were established.
func (c *Controller) dial(generation uint64, target string) {
	c.recorder.ObserveUpstreamAttempt("viewer_connect")
	session, err := c.connector.Connect(c.ctx, target)
	if err != nil {
		c.recorder.ObserveUpstreamFailure("viewer_connect")
		c.logger.Warn("connect failed", "session_id", target, "error", err)
		c.notifications.Push("⚠️ Failed to connect", "")
		c.mu.Lock()
		if c.generation == generation && c.state == StateConnecting {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		_ = session.Close()
		return
	}
	c.session = session
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected", "session_id", target)
	go c.run(generation, target, session)
}

// run consumes one session's events until its channel closes. A close that
// was not preceded by a session end schedules a retry, unless the session
// only ever reported a connect failure.
func (c *Controller) run(generation uint64, target string, session upstream.Session) {
	ended := false
	refused := false
	for event := range session.Events() {
		if !c.currentGeneration(generation) {
			return
		}
		event.Normalize()
		switch event.Kind {
		case live.KindEnd:
			ended = true
		case live.KindError:
			refused = true
		}
		c.dispatch(event)
		if ended {
			break
		}
	}

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	c.session = nil
	if ended {
		c.state = StateIdle
		c.mu.Unlock()
		c.coalescer.Flush()
		c.logger.Info("session ended", "session_id", target)
		return
	}
	if refused {
		c.state = StateIdle
		c.mu.Unlock()
		c.logger.Warn("connect refused", "session_id", target)
		return
	}
	c.mu.Unlock()
	c.logger.Warn("session lost", "session_id", target)
	c.scheduleRetry(generation, target)
}

func (c *Controller) scheduleRetry(generation uint64, target string) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	c.state = StateRetrying
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.logger.Info("attempting to reconnect", "session_id", target, "delay", c.retryDelay)
	c.retryTimer = time.AfterFunc(c.retryDelay, func() {
		c.mu.Lock()
		if c.generation != generation || c.state != StateRetrying {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		// The target may have been re-pointed while the timer was pending.
		next := c.target
		c.mu.Unlock()
		c.dial(generation, next)
	})
	c.mu.Unlock()
}

func (c *Controller) currentGeneration(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == generation
}

func (c *Controller) dispatch(event live.Event) {
	switch {
	case event.Kind == live.KindChat && event.Chat != nil:
		c.handleChat(event.Chat)
	case event.Kind == live.KindGift && event.Gift != nil:
		c.handleGift(event.Gift)
	case event.Kind == live.KindLike && event.Like != nil:
		c.coalescer.Record(event.Like.UserID, event.Like.AvatarURL, event.Like.Count)
	case event.Kind == live.KindFollow && event.Follow != nil:
		c.notifications.Push(fmt.Sprintf("👤 %s followed", event.Follow.UserID), event.Follow.AvatarURL)
	case event.Kind == live.KindShare && event.Share != nil:
		c.notifications.Push(fmt.Sprintf("🔁 %s shared the stream", event.Share.UserID), event.Share.AvatarURL)
	case event.Kind == live.KindViewer && event.Viewer != nil:
		c.mu.Lock()
		c.viewerCount = event.Viewer.Count
		c.mu.Unlock()
	case event.Kind == live.KindEnd:
		c.notifications.Push("🚫 Live has ended", "")
	case event.Kind == live.KindError && event.Error != nil:
		c.notifications.Push(fmt.Sprintf("⚠️ %s", event.Error.Message), "")
	}
}

func (c *Controller) handleChat(chat *live.ChatEvent) {
	now := time.Now().UTC()
	entries := []ActivityEntry{{
		Text:      fmt.Sprintf("💬 %s: %s", chat.UserID, chat.Comment),
		AvatarURL: chat.AvatarURL,
		At:        now,
	}}
	switch strings.ToLower(strings.TrimSpace(chat.Comment)) {
	case "!help":
		entries = append(entries, ActivityEntry{
			Text:      fmt.Sprintf("📢 %s requested help.", chat.UserID),
			AvatarURL: chat.AvatarURL,
			At:        now,
		})
	case "!spin":
		entries = append(entries, ActivityEntry{
			Text:      fmt.Sprintf("🎲 %s spun the wheel!", chat.UserID),
			AvatarURL: chat.AvatarURL,
			At:        now,
		})
	}
	c.mu.Lock()
	for _, entry := range entries {
		c.appendActivityLocked(entry)
	}
	c.mu.Unlock()
}

// handleGift counts a combo exactly once, when its final repeat arrives.
// Intermediate combo events still refresh the learned gift name.
func (c *Controller) handleGift(gift *live.GiftEvent) {
	name := gift.GiftName
	if c.gifts != nil {
		name = c.gifts.Resolve(c.ctx, gift.GiftID, gift.GiftName)
	}
	if name == "" {
		name = "a gift"
	}
	if !gift.RepeatEnd {
		return
	}
	count := gift.RepeatCount
	if count <= 0 {
		count = 1
	}
	c.board.RecordGift(gift.UserID, gift.AvatarURL, name, count)
	c.notifications.Push(fmt.Sprintf("🎁 %s sent %s x%d", gift.UserID, name, count), gift.AvatarURL)
}

// applyLikeRecord lands one coalesced like batch: leaderboard, notification,
// and an activity line carrying the merged count.
func (c *Controller) applyLikeRecord(record stats.LikeRecord) {
	c.board.RecordLikes(record.UserID, record.AvatarURL, record.Count)
	text := fmt.Sprintf("❤️ %s liked the stream x%d", record.UserID, record.Count)
	c.notifications.Push(text, record.AvatarURL)
	c.mu.Lock()
	c.appendActivityLocked(ActivityEntry{Text: text, AvatarURL: record.AvatarURL, At: time.Now().UTC()})
	c.mu.Unlock()
}

func (c *Controller) detachLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
}

func (c *Controller) appendActivityLocked(entry ActivityEntry) {
	c.activity = append([]ActivityEntry{entry}, c.activity...)
	if len(c.activity) > c.activityLimit {
		c.activity = c.activity[:c.activityLimit]
	}
}
