package twitchirc

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/you/livetap/internal/core"
)

// decodeLine maps one IRC line to events. Only PRIVMSG and USERNOTICE carry
// data; everything else is counted in skips and ignored.
func decodeLine(session core.SessionID, line string, now time.Time, skips *skipLog) ([]core.Event, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	if strings.HasPrefix(line, "@") && !strings.Contains(line, " ") {
		return nil, core.Tag(core.ErrMalformed, nil, "twitch: tags without command")
	}

	switch m := irc.ParseMessage(line).(type) {
	case *irc.PrivateMessage:
		return []core.Event{privmsgEvent(session, m, now)}, nil
	case *irc.UserNoticeMessage:
		return []core.Event{usernoticeEvent(session, m, now)}, nil
	default:
		skips.skip(now, line)
		return nil, nil
	}
}

func privmsgEvent(session core.SessionID, m *irc.PrivateMessage, now time.Time) *core.ChatEvent {
	attrs := map[string]any{
		"subscriber": hasFlag(m.Tags, "subscriber", m.User.Badges, "subscriber", "founder"),
		"moderator":  hasFlag(m.Tags, "mod", m.User.Badges, "moderator", "broadcaster"),
		"channel":    m.Channel,
	}
	if m.User.Color != "" {
		attrs["color"] = m.User.Color
	}
	if raw := m.Tags["badges"]; raw != "" {
		attrs["badges"] = raw
	}
	if _, ok := m.User.Badges["vip"]; ok {
		attrs["vip"] = true
	}
	if _, ok := m.User.Badges["broadcaster"]; ok {
		attrs["broadcaster"] = true
	}
	if m.Tags["first-msg"] == "1" {
		attrs["first_message"] = true
	}
	if bits, err := strconv.Atoi(m.Tags["bits"]); err == nil && bits > 0 {
		attrs["bits"] = bits
	}
	if m.Action {
		attrs["subtype"] = "action"
	}

	return &core.ChatEvent{
		EventID:    eventID(m.ID),
		SessionID:  session,
		UserID:     m.User.ID,
		Username:   username(m.User),
		Text:       m.Message,
		OccurredAt: sentAt(m.Time, now),
		Attributes: attrs,
	}
}

func usernoticeEvent(session core.SessionID, m *irc.UserNoticeMessage, now time.Time) *core.NoticeEvent {
	msgID := m.Tags["msg-id"]
	attrs := map[string]any{"msg_id": msgID, "channel": m.Channel}
	for k, v := range m.Tags {
		if name, ok := strings.CutPrefix(k, "msg-param-"); ok && v != "" {
			attrs[strings.ReplaceAll(name, "-", "_")] = v
		}
	}
	return &core.NoticeEvent{
		EventID:    eventID(m.ID),
		SessionID:  session,
		UserID:     m.User.ID,
		Username:   username(m.User),
		NoticeKind: noticeKind(msgID),
		Text:       m.Message,
		SystemText: m.Tags["system-msg"],
		OccurredAt: sentAt(m.Time, now),
		Attributes: attrs,
	}
}

func noticeKind(msgID string) core.NoticeKind {
	switch msgID {
	case "sub", "resub":
		return core.NoticeSubscription
	case "subgift", "anonsubgift", "submysterygift", "anonsubmysterygift":
		return core.NoticeGiftSubscription
	case "raid":
		return core.NoticeRaid
	default:
		return core.NoticeOther
	}
}

func hasFlag(tags map[string]string, tag string, badges map[string]int, names ...string) bool {
	if tags[tag] == "1" {
		return true
	}
	for _, name := range names {
		if _, ok := badges[name]; ok {
			return true
		}
	}
	return false
}

func username(u irc.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Name
}

func eventID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func sentAt(t, now time.Time) time.Time {
	if t.IsZero() || t.Unix() <= 0 {
		return now.UTC()
	}
	return t.UTC()
}
