package tiktok

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/you/livetap/internal/core"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// flexString accepts both JSON strings and numbers; webcast ids show up as
// either depending on the frame.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type user struct {
	UserID   flexString `json:"userId"`
	UniqueID string     `json:"uniqueId"`
	Nickname string     `json:"nickname"`
}

type chatData struct {
	User      user       `json:"user"`
	Content   string     `json:"content"`
	MsgID     flexString `json:"msgId"`
	Timestamp int64      `json:"timestamp"`
}

type giftData struct {
	User user `json:"user"`
	Gift struct {
		GiftID       flexString `json:"giftId"`
		Name         string     `json:"name"`
		DiamondCount int64      `json:"diamondCount"`
	} `json:"gift"`
	GiftCount int64 `json:"giftCount"`
	Timestamp int64 `json:"timestamp"`
}

type memberData struct {
	ViewerCount *int64 `json:"viewerCount"`
}

func decode(session core.SessionID, raw []byte, now func() time.Time) ([]core.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, core.Tag(core.ErrMalformed, err, "tiktok: envelope")
	}

	switch env.Type {
	case "chat":
		var d chatData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, core.Tag(core.ErrMalformed, err, "tiktok: chat")
		}
		id := string(d.MsgID)
		if id == "" {
			id = uuid.NewString()
		}
		attrs := map[string]any{}
		if d.User.Nickname != "" {
			attrs["nickname"] = d.User.Nickname
		}
		return []core.Event{&core.ChatEvent{
			EventID:    id,
			SessionID:  session,
			UserID:     string(d.User.UserID),
			Username:   d.User.UniqueID,
			Text:       d.Content,
			OccurredAt: timestampOr(d.Timestamp, now),
			Attributes: attrs,
		}}, nil

	case "gift":
		var d giftData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, core.Tag(core.ErrMalformed, err, "tiktok: gift")
		}
		count := d.GiftCount
		if count <= 0 {
			count = 1
		}
		return []core.Event{&core.GiftEvent{
			EventID:    uuid.NewString(),
			SessionID:  session,
			UserID:     string(d.User.UserID),
			Username:   d.User.UniqueID,
			GiftName:   d.Gift.Name,
			UnitValue:  d.Gift.DiamondCount,
			Count:      count,
			OccurredAt: timestampOr(d.Timestamp, now),
		}}, nil

	case "member":
		var d memberData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, core.Tag(core.ErrMalformed, err, "tiktok: member")
		}
		if d.ViewerCount == nil {
			return nil, nil
		}
		return []core.Event{&core.ViewerCountEvent{
			SessionID:  session,
			Count:      *d.ViewerCount,
			ObservedAt: now().UTC(),
		}}, nil
	}
	return nil, nil
}

// timestampOr reads unix seconds, or milliseconds when the value is too
// large to be seconds. Zero falls back to now.
func timestampOr(ts int64, now func() time.Time) time.Time {
	switch {
	case ts <= 0:
		return now().UTC()
	case ts > 1e12:
		return time.UnixMilli(ts).UTC()
	default:
		return time.Unix(ts, 0).UTC()
	}
}
