package live

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the event types flowing from an upstream session through the
// relay to viewer channels.
type Kind string

const (
	// KindChat is a chat comment authored by a viewer of the upstream session.
	KindChat Kind = "chat"
	// KindGift is a gift (possibly part of a repeat combo) sent to the host.
	KindGift Kind = "gift"
	// KindLike is a single like tap.
	KindLike Kind = "like"
	// KindFollow is emitted when a viewer follows the host.
	KindFollow Kind = "follow"
	// KindShare is emitted when a viewer shares the session.
	KindShare Kind = "share"
	// KindViewer carries the current room viewer count.
	KindViewer Kind = "viewer"
	// KindEnd signals that the upstream session has ended.
	KindEnd Kind = "end"
	// KindError reports a relay-side failure to the viewer channel.
	KindError Kind = "error"
)

// AnonymousUser is substituted for user identifiers the upstream source failed
// to populate. Forwarded payloads never carry an empty identifier.
const AnonymousUser = "anonymous"

// Event is the internal union representation carried between the upstream
// adapter and the relay. Exactly one payload pointer is set for kinds that
// carry data; KindEnd has none.
type Event struct {
	Kind       Kind         `json:"kind"`
	Chat       *ChatEvent   `json:"chat,omitempty"`
	Gift       *GiftEvent   `json:"gift,omitempty"`
	Like       *LikeEvent   `json:"like,omitempty"`
	Follow     *FollowEvent `json:"follow,omitempty"`
	Share      *ShareEvent  `json:"share,omitempty"`
	Viewer     *ViewerEvent `json:"viewer,omitempty"`
	Error      *ErrorEvent  `json:"error,omitempty"`
	OccurredAt time.Time    `json:"occurredAt"`
}

// ChatEvent transports a single chat comment.
type ChatEvent struct {
	UserID    string `json:"uniqueId"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Comment   string `json:"comment"`
}

// GiftEvent transports one gift observation. Repeated gifts ("combos") arrive
// as a sequence of events sharing the same gift; only the event with RepeatEnd
// set carries the final cumulative RepeatCount and may be counted.
type GiftEvent struct {
	UserID      string `json:"uniqueId"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	GiftID      int64  `json:"giftId"`
	GiftName    string `json:"giftName,omitempty"`
	RepeatCount int    `json:"repeatCount"`
	RepeatEnd   bool   `json:"repeatEnd"`
}

// LikeEvent transports a like tap. Count is the number of likes in this tap
// burst as reported upstream (usually 1).
type LikeEvent struct {
	UserID     string `json:"uniqueId"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	Count      int    `json:"likeCount"`
	TotalLikes int    `json:"totalLikeCount,omitempty"`
}

// FollowEvent is emitted when a viewer follows the host.
type FollowEvent struct {
	UserID    string `json:"uniqueId"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ShareEvent is emitted when a viewer shares the session.
type ShareEvent struct {
	UserID    string `json:"uniqueId"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ViewerEvent carries the room viewer count.
type ViewerEvent struct {
	Count int `json:"viewerCount"`
}

// ErrorEvent reports a relay-side failure over the viewer channel.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Envelope is the wire representation sent over a viewer channel.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Normalize fills the sentinel user identifier into any payload whose upstream
// source left it empty, and defaults per-tap like counts to one.
func (e *Event) Normalize() {
	switch {
	case e.Chat != nil:
		e.Chat.UserID = normalizeUserID(e.Chat.UserID)
	case e.Gift != nil:
		e.Gift.UserID = normalizeUserID(e.Gift.UserID)
		if e.Gift.RepeatCount <= 0 {
			e.Gift.RepeatCount = 1
		}
	case e.Like != nil:
		e.Like.UserID = normalizeUserID(e.Like.UserID)
		if e.Like.Count <= 0 {
			e.Like.Count = 1
		}
	case e.Follow != nil:
		e.Follow.UserID = normalizeUserID(e.Follow.UserID)
	case e.Share != nil:
		e.Share.UserID = normalizeUserID(e.Share.UserID)
	}
}

// Payload returns the active payload for wire encoding, or nil for kinds that
// carry none.
func (e Event) Payload() any {
	switch e.Kind {
	case KindChat:
		return e.Chat
	case KindGift:
		return e.Gift
	case KindLike:
		return e.Like
	case KindFollow:
		return e.Follow
	case KindShare:
		return e.Share
	case KindViewer:
		return e.Viewer
	case KindError:
		return e.Error
	default:
		return nil
	}
}

// Encode renders the event as its wire envelope.
func (e Event) Encode() (Envelope, error) {
	env := Envelope{Type: e.Kind}
	payload := e.Payload()
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	env.Data = data
	return env, nil
}

// Decode reconstructs an event from its wire envelope.
func Decode(env Envelope) (Event, error) {
	event := Event{Kind: env.Type}
	var payload any
	switch env.Type {
	case KindChat:
		event.Chat = &ChatEvent{}
		payload = event.Chat
	case KindGift:
		event.Gift = &GiftEvent{}
		payload = event.Gift
	case KindLike:
		event.Like = &LikeEvent{}
		payload = event.Like
	case KindFollow:
		event.Follow = &FollowEvent{}
		payload = event.Follow
	case KindShare:
		event.Share = &ShareEvent{}
		payload = event.Share
	case KindViewer:
		event.Viewer = &ViewerEvent{}
		payload = event.Viewer
	case KindError:
		event.Error = &ErrorEvent{}
		payload = event.Error
	case KindEnd:
		return event, nil
	default:
		return Event{}, fmt.Errorf("unknown event type %q", env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return event, nil
}

func normalizeUserID(id string) string {
	if strings.TrimSpace(id) == "" {
		return AnonymousUser
	}
	return id
}
