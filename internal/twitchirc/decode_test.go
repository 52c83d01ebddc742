package twitchirc

import (
	"errors"
	"testing"
	"time"

	"github.com/you/livetap/internal/core"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDecodePrivmsgTags(t *testing.T) {
	line := "@badges=subscriber/1;color=#FF0000;id=abc :user!user@user.tmi.twitch.tv PRIVMSG #chan :hello world"
	events, err := decodeLine("s1", line, testNow, nil)
	if err != nil {
		t.Fatalf("decodeLine: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	chat, ok := events[0].(*core.ChatEvent)
	if !ok {
		t.Fatalf("expected *core.ChatEvent, got %T", events[0])
	}
	if chat.Text != "hello world" {
		t.Fatalf("text = %q", chat.Text)
	}
	if chat.EventID != "abc" {
		t.Fatalf("event id = %q", chat.EventID)
	}
	if chat.Attributes["subscriber"] != true {
		t.Fatalf("subscriber attribute = %v", chat.Attributes["subscriber"])
	}
	if chat.Attributes["color"] != "#FF0000" {
		t.Fatalf("color attribute = %v", chat.Attributes["color"])
	}
	if chat.Attributes["moderator"] != false {
		t.Fatalf("moderator attribute = %v", chat.Attributes["moderator"])
	}
	if chat.Username != "user" {
		t.Fatalf("username = %q", chat.Username)
	}
	if !chat.OccurredAt.Equal(testNow) {
		t.Fatalf("missing tmi-sent-ts should fall back to now, got %s", chat.OccurredAt)
	}
}

func TestDecodePrivmsgTextWithColon(t *testing.T) {
	line := "@display-name=Mod;mod=1;user-id=77;id=x1;tmi-sent-ts=1714564800000 :mod!mod@mod.tmi.twitch.tv PRIVMSG #chan :see https://example.com :)"
	events, err := decodeLine("s1", line, testNow, nil)
	if err != nil {
		t.Fatalf("decodeLine: %v", err)
	}
	chat := events[0].(*core.ChatEvent)
	if chat.Text != "see https://example.com :)" {
		t.Fatalf("text = %q", chat.Text)
	}
	if chat.Username != "Mod" || chat.UserID != "77" {
		t.Fatalf("unexpected identity: %q %q", chat.Username, chat.UserID)
	}
	if chat.Attributes["moderator"] != true {
		t.Fatalf("expected moderator flag")
	}
	if !chat.OccurredAt.Equal(time.UnixMilli(1714564800000)) {
		t.Fatalf("OccurredAt = %s", chat.OccurredAt)
	}
}

func TestDecodeUsernotice(t *testing.T) {
	tests := []struct {
		msgID string
		want  core.NoticeKind
	}{
		{"sub", core.NoticeSubscription},
		{"resub", core.NoticeSubscription},
		{"subgift", core.NoticeGiftSubscription},
		{"anonsubgift", core.NoticeGiftSubscription},
		{"raid", core.NoticeRaid},
		{"bitsbadgetier", core.NoticeOther},
	}
	for _, tc := range tests {
		t.Run(tc.msgID, func(t *testing.T) {
			line := "@id=n1;login=fan;display-name=Fan;user-id=9;msg-id=" + tc.msgID + ";msg-param-viewerCount=12 :tmi.twitch.tv USERNOTICE #chan :great stream"
			events, err := decodeLine("s1", line, testNow, nil)
			if err != nil {
				t.Fatalf("decodeLine: %v", err)
			}
			notice, ok := events[0].(*core.NoticeEvent)
			if !ok {
				t.Fatalf("expected *core.NoticeEvent, got %T", events[0])
			}
			if notice.NoticeKind != tc.want {
				t.Fatalf("kind = %q, want %q", notice.NoticeKind, tc.want)
			}
			if notice.Kind() == core.KindChat {
				t.Fatalf("notice must be distinguishable from chat")
			}
			if notice.Attributes["msg_id"] != tc.msgID || notice.Attributes["viewerCount"] != "12" {
				t.Fatalf("unexpected attributes: %v", notice.Attributes)
			}
		})
	}
}

func TestDecodeSkipsOtherCommands(t *testing.T) {
	skips := newSkipLog(testNow, "#chan", false, time.Hour)
	for _, line := range []string{
		":tmi.twitch.tv 001 justinfan1 :Welcome, GLHF!",
		"@emote-only=0;room-id=1 :tmi.twitch.tv ROOMSTATE #chan",
		":justinfan1!justinfan1@justinfan1.tmi.twitch.tv JOIN #chan",
		"",
	} {
		events, err := decodeLine("s1", line, testNow, skips)
		if err != nil || len(events) != 0 {
			t.Fatalf("decodeLine(%q) = %v, %v", line, events, err)
		}
	}
	if skips.Skipped() != 3 {
		t.Fatalf("Skipped() = %d, want 3", skips.Skipped())
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := decodeLine("s1", "@badges=broken", testNow, nil)
	if !errors.Is(err, core.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
