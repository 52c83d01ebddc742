package core

import (
	"time"

	"github.com/google/uuid"
)

// SessionID identifies one tracker lifetime. Never reused.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

func (id SessionID) String() string { return string(id) }

type Kind string

const (
	KindChat        Kind = "chat"
	KindGift        Kind = "gift"
	KindViewerCount Kind = "viewer_count"
	KindNotice      Kind = "notice"
)

// Event is one normalized record emitted by a tracker. The concrete types are
// *ChatEvent, *GiftEvent, *ViewerCountEvent and *NoticeEvent.
type Event interface {
	Session() SessionID
	Kind() Kind
	// ID is empty for events without a platform identity (viewer counts).
	ID() string
	Time() time.Time
}

type ChatEvent struct {
	EventID    string         `json:"event_id"`
	SessionID  SessionID      `json:"session_id"`
	UserID     string         `json:"user_id"`
	Username   string         `json:"username"`
	Text       string         `json:"text"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`

	// Classification is filled in by the aggregator before persistence.
	Classification *Classification `json:"classification,omitempty"`
}

func (e *ChatEvent) Session() SessionID { return e.SessionID }
func (e *ChatEvent) Kind() Kind         { return KindChat }
func (e *ChatEvent) ID() string         { return e.EventID }
func (e *ChatEvent) Time() time.Time    { return e.OccurredAt }

type GiftEvent struct {
	EventID    string    `json:"event_id"`
	SessionID  SessionID `json:"session_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	GiftName   string    `json:"gift_name"`
	UnitValue  int64     `json:"unit_value"`
	Count      int64     `json:"count"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e *GiftEvent) Session() SessionID { return e.SessionID }
func (e *GiftEvent) Kind() Kind         { return KindGift }
func (e *GiftEvent) ID() string         { return e.EventID }
func (e *GiftEvent) Time() time.Time    { return e.OccurredAt }

// TotalValue is unit price times count.
func (e *GiftEvent) TotalValue() int64 { return e.UnitValue * e.Count }

type ViewerCountEvent struct {
	SessionID  SessionID `json:"session_id"`
	Count      int64     `json:"count"`
	ObservedAt time.Time `json:"observed_at"`
}

func (e *ViewerCountEvent) Session() SessionID { return e.SessionID }
func (e *ViewerCountEvent) Kind() Kind         { return KindViewerCount }
func (e *ViewerCountEvent) ID() string         { return "" }
func (e *ViewerCountEvent) Time() time.Time    { return e.ObservedAt }

type NoticeKind string

const (
	NoticeSubscription     NoticeKind = "subscription"
	NoticeGiftSubscription NoticeKind = "gift_subscription"
	NoticeRaid             NoticeKind = "raid"
	NoticeOther            NoticeKind = "other"
)

// NoticeEvent carries platform notices (Twitch USERNOTICE) that are not chat.
type NoticeEvent struct {
	EventID    string         `json:"event_id"`
	SessionID  SessionID      `json:"session_id"`
	UserID     string         `json:"user_id"`
	Username   string         `json:"username"`
	NoticeKind NoticeKind     `json:"notice_kind"`
	Text       string         `json:"text,omitempty"`
	SystemText string         `json:"system_text,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *NoticeEvent) Session() SessionID { return e.SessionID }
func (e *NoticeEvent) Kind() Kind         { return KindNotice }
func (e *NoticeEvent) ID() string         { return e.EventID }
func (e *NoticeEvent) Time() time.Time    { return e.OccurredAt }

// Classification is the classifier verdict attached to a chat message.
type Classification struct {
	Flagged      bool     `json:"is_flagged"`
	Severity     int      `json:"severity"`
	Category     string   `json:"category,omitempty"`
	MatchedTerms []string `json:"matched_terms,omitempty"`
}

// StreamMetadata is captured at connect time and may be refreshed.
type StreamMetadata struct {
	SessionID  SessionID      `json:"session_id"`
	Platform   Platform       `json:"platform"`
	StreamerID string         `json:"streamer_id"`
	Title      string         `json:"title,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ViewerCount reads extra["viewer_count"] when an adapter supplied one.
func (m StreamMetadata) ViewerCount() (int64, bool) {
	switch v := m.Extra["viewer_count"].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Clone returns a copy whose Extra map is not shared.
func (m StreamMetadata) Clone() StreamMetadata {
	out := m
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Counters are the rolling per-session totals kept by the aggregator.
type Counters struct {
	Messages    int64 `json:"messages"`
	Gifts       int64 `json:"gifts"`
	PeakViewers int64 `json:"peak_viewers"`
}
