package core

import (
	"encoding/json"
	"time"
)

// SessionRecord is the stored view of one tracker lifetime.
type SessionRecord struct {
	ID         SessionID      `json:"id"`
	Platform   Platform       `json:"platform"`
	StreamerID string         `json:"streamer_id"`
	Title      string         `json:"title,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Status     string         `json:"status"`
	Counters   Counters       `json:"counters"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StoredEvent is one persisted event row. Payload is the full event as JSON.
type StoredEvent struct {
	Seq        int64           `json:"seq"`
	SessionID  SessionID       `json:"session_id"`
	EventID    string          `json:"event_id,omitempty"`
	Kind       Kind            `json:"kind"`
	UserID     string          `json:"user_id,omitempty"`
	Username   string          `json:"username,omitempty"`
	Content    string          `json:"content,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Flagged    bool            `json:"flagged"`
	Severity   int             `json:"severity"`
	Category   string          `json:"category,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
