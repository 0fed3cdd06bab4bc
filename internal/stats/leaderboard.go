package stats

import (
	"sort"
	"sync"
)

// Contributor is one user's accumulated engagement for the current session.
type Contributor struct {
	UserID       string `json:"uniqueId"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
	Likes        int    `json:"likes"`
	Gifts        int    `json:"gifts"`
	LastGiftName string `json:"lastGiftName,omitempty"`

	seq int
}

// Kind selects which counter a leaderboard query ranks on.
type Kind string

const (
	// KindLikes ranks contributors by coalesced like count.
	KindLikes Kind = "likes"
	// KindGifts ranks contributors by gift count.
	KindGifts Kind = "gifts"
)

func (c Contributor) count(kind Kind) int {
	if kind == KindGifts {
		return c.Gifts
	}
	return c.Likes
}

// Leaderboard accumulates per-user like and gift counts for one session and
// ranks contributors per kind. Ties rank in first-seen order so repeated
// snapshots stay stable.
type Leaderboard struct {
	mu         sync.Mutex
	entries    map[string]*Contributor
	nextSeq    int
	totalLikes int
	totalGifts int
}

// NewLeaderboard initialises an empty leaderboard.
func NewLeaderboard() *Leaderboard {
	return &Leaderboard{entries: make(map[string]*Contributor)}
}

// RecordLikes adds count likes to the user's tally.
func (l *Leaderboard) RecordLikes(userID, avatarURL string, count int) {
	if count <= 0 {
		return
	}
	l.mu.Lock()
	entry := l.upsert(userID, avatarURL)
	entry.Likes += count
	l.totalLikes += count
	l.mu.Unlock()
}

// RecordGift adds count gifts to the user's tally and remembers the gift name
// for display.
func (l *Leaderboard) RecordGift(userID, avatarURL, giftName string, count int) {
	if count <= 0 {
		return
	}
	l.mu.Lock()
	entry := l.upsert(userID, avatarURL)
	entry.Gifts += count
	if giftName != "" {
		entry.LastGiftName = giftName
	}
	l.totalGifts += count
	l.mu.Unlock()
}

// Top returns the contributors with the highest count for the given kind,
// descending, at most limit entries. Users with a zero count for the kind are
// omitted. A non-positive limit returns everyone.
func (l *Leaderboard) Top(kind Kind, limit int) []Contributor {
	l.mu.Lock()
	ranked := make([]Contributor, 0, len(l.entries))
	for _, entry := range l.entries {
		if entry.count(kind) > 0 {
			ranked = append(ranked, *entry)
		}
	}
	l.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count(kind) != ranked[j].count(kind) {
			return ranked[i].count(kind) > ranked[j].count(kind)
		}
		return ranked[i].seq < ranked[j].seq
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Totals returns the session-wide like and gift counts.
func (l *Leaderboard) Totals() (likes, gifts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalLikes, l.totalGifts
}

// Reset clears all tallies, typically between sessions.
func (l *Leaderboard) Reset() {
	l.mu.Lock()
	l.entries = make(map[string]*Contributor)
	l.nextSeq = 0
	l.totalLikes = 0
	l.totalGifts = 0
	l.mu.Unlock()
}

func (l *Leaderboard) upsert(userID, avatarURL string) *Contributor {
	entry, exists := l.entries[userID]
	if !exists {
		entry = &Contributor{UserID: userID, seq: l.nextSeq}
		l.nextSeq++
		l.entries[userID] = entry
	}
	if avatarURL != "" {
		entry.AvatarURL = avatarURL
	}
	return entry
}
