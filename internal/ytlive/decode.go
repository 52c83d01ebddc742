package ytlive

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/youtube/v3"

	"github.com/you/livetap/internal/core"
)

// chatTypes are the snippet types that carry a viewer message.
var chatTypes = map[string]bool{
	"textMessageEvent":         true,
	"superChatEvent":           true,
	"superStickerEvent":        true,
	"memberMilestoneChatEvent": true,
}

func decodeItem(session core.SessionID, raw []byte, now time.Time) ([]core.Event, error) {
	var item youtube.LiveChatMessage
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, core.Tag(core.ErrMalformed, err, "youtube: chat item")
	}
	if item.Snippet == nil {
		return nil, core.Tag(core.ErrMalformed, nil, "youtube: chat item without snippet")
	}
	sn := item.Snippet
	if !chatTypes[sn.Type] {
		return nil, nil
	}

	ev := &core.ChatEvent{
		EventID:    item.Id,
		SessionID:  session,
		UserID:     sn.AuthorChannelId,
		Text:       sn.DisplayMessage,
		OccurredAt: now.UTC(),
		Attributes: map[string]any{"subtype": sn.Type},
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Text == "" && sn.TextMessageDetails != nil {
		ev.Text = sn.TextMessageDetails.MessageText
	}
	if t, err := time.Parse(time.RFC3339Nano, sn.PublishedAt); err == nil {
		ev.OccurredAt = t.UTC()
	}
	if a := item.AuthorDetails; a != nil {
		if a.ChannelId != "" {
			ev.UserID = a.ChannelId
		}
		ev.Username = a.DisplayName
		ev.Attributes["moderator"] = a.IsChatModerator
		ev.Attributes["owner"] = a.IsChatOwner
		ev.Attributes["member"] = a.IsChatSponsor
		ev.Attributes["verified"] = a.IsVerified
	}
	if sc := sn.SuperChatDetails; sc != nil {
		ev.Attributes["amount"] = sc.AmountDisplayString
		ev.Attributes["currency"] = sc.Currency
		ev.Attributes["amount_micros"] = sc.AmountMicros
		if ev.Text == "" {
			ev.Text = sc.UserComment
		}
	}
	if st := sn.SuperStickerDetails; st != nil {
		ev.Attributes["amount"] = st.AmountDisplayString
		ev.Attributes["currency"] = st.Currency
	}
	return []core.Event{ev}, nil
}
