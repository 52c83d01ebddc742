package twitchirc

import (
	"strings"
	"testing"
	"time"
)

func TestDescribeLine(t *testing.T) {
	cases := []struct {
		line    string
		cmd     string
		example string
	}{
		{"PING :tmi.twitch.tv", "PING", "tmi.twitch.tv"},
		{"@emote-only=0;room-id=1 :tmi.twitch.tv ROOMSTATE #chan", "ROOMSTATE", "#chan"},
		{"@msg-id=msg_channel_suspended :tmi.twitch.tv NOTICE #chan :This channel has been suspended.", "NOTICE", "This channel has been suspended."},
		{":tmi.twitch.tv 001 justinfan1 :Welcome, GLHF!", "001", "Welcome, GLHF!"},
		{"@only-tags", "UNKNOWN", "@only-tags"},
		{"", "UNKNOWN", ""},
	}
	for _, tc := range cases {
		cmd, example := describeLine(tc.line)
		if cmd != tc.cmd || example != tc.example {
			t.Fatalf("describeLine(%q) = %q, %q; want %q, %q", tc.line, cmd, example, tc.cmd, tc.example)
		}
	}
}

func TestRedact(t *testing.T) {
	got := redact("oauth:abcdefghijklmnop token=QWxhZGRpbjpPcGVuU2VzYW1lMTIzNDU2Nzg5MA==", 200)
	if strings.Contains(got, "abcdefghijklmnop") || strings.Contains(got, "QWxhZGRpbjpP") {
		t.Fatalf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "oauth:***") {
		t.Fatalf("missing oauth marker: %q", got)
	}
	if got := redact("PASS oauth:secret", 200); got != "PASS ***" {
		t.Fatalf("PASS line = %q", got)
	}
	if got := redact(strings.Repeat("a b ", 50), 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
}

func TestSkipLogSummaries(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	l := newSkipLog(start, "#chan", false, time.Minute)

	l.skip(start, "PING :tmi.twitch.tv")
	l.skip(start.Add(time.Second), ":x JOIN #chan")
	l.skip(start.Add(2*time.Second), ":x JOIN #chan")
	if l.counts["JOIN"] != 2 || l.counts["PING"] != 1 {
		t.Fatalf("counts = %v", l.counts)
	}

	l.skip(start.Add(time.Minute), ":x PART #chan")
	if len(l.counts) != 0 {
		t.Fatalf("counts should reset after a summary, got %v", l.counts)
	}
	if l.Skipped() != 4 {
		t.Fatalf("Skipped() = %d", l.Skipped())
	}

	var nilLog *skipLog
	nilLog.skip(start, "PING")
	if nilLog.Skipped() != 0 {
		t.Fatalf("nil log counted")
	}
}
