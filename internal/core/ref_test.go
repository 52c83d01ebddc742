package core

import (
	"errors"
	"strings"
	"testing"
)

func TestParseStreamerRef(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		id       string
		want     StreamerRef
		wantErr  bool
	}{
		{"tiktok plain", "tiktok", "some.user_1", StreamerRef{TikTok, "some.user_1"}, false},
		{"tiktok at prefix", "TikTok", "@creator", StreamerRef{TikTok, "creator"}, false},
		{"tiktok dash", "tiktok", "bad-name", StreamerRef{}, true},
		{"twitch lower", "twitch", "Some_Streamer", StreamerRef{Twitch, "some_streamer"}, false},
		{"twitch hash", "twitch", "#chan", StreamerRef{Twitch, "chan"}, false},
		{"twitch dot", "twitch", "a.b", StreamerRef{}, true},
		{"youtube channel id", "youtube", "UC1234567890abcdefghij_-", StreamerRef{YouTube, "UC1234567890abcdefghij_-"}, false},
		{"youtube handle", "yt", "@creator.name", StreamerRef{YouTube, "@creator.name"}, false},
		{"youtube username", "youtube", "legacy-name", StreamerRef{YouTube, "legacy-name"}, false},
		{"youtube empty handle", "youtube", "@", StreamerRef{}, true},
		{"youtube space", "youtube", "has space", StreamerRef{}, true},
		{"empty", "twitch", "   ", StreamerRef{}, true},
		{"too long", "twitch", strings.Repeat("a", 51), StreamerRef{}, true},
		{"max length", "twitch", strings.Repeat("a", 50), StreamerRef{Twitch, strings.Repeat("a", 50)}, false},
		{"unknown platform", "kick", "abc", StreamerRef{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseStreamerRef(tc.platform, tc.id)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if !errors.Is(err, ErrInvalidRef) {
					t.Fatalf("expected ErrInvalidRef, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseTarget(t *testing.T) {
	ref, err := ParseTarget("twitch:Elora")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if ref.Platform != Twitch || ref.StreamerID != "elora" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if _, err := ParseTarget("elora"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef for missing platform, got %v", err)
	}
}

func TestStreamerRefKeyCaseInsensitive(t *testing.T) {
	a := StreamerRef{Platform: YouTube, StreamerID: "@Creator"}
	b := StreamerRef{Platform: YouTube, StreamerID: "@creator"}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %q vs %q", a.Key(), b.Key())
	}
}

func TestErrorKind(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Tag(ErrNotLive, nil, "tiktok: discover"), "not_live"},
		{Tag(ErrUpstream, cause, "twitch: helix"), "upstream"},
		{Tag(ErrAuthMissing, nil, "youtube"), "auth_missing"},
		{cause, "upstream"},
	}
	for _, tc := range tests {
		if got := ErrorKind(tc.err); got != tc.want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
	if !errors.Is(Tag(ErrUpstream, cause, "x"), cause) {
		t.Fatalf("Tag should keep the cause in the chain")
	}
	if Retryable(Tag(ErrNotFound, nil, "x")) {
		t.Fatalf("not found must not be retryable")
	}
}

func TestMetadataViewerCount(t *testing.T) {
	md := StreamMetadata{Extra: map[string]any{"viewer_count": 42}}
	n, ok := md.ViewerCount()
	if !ok || n != 42 {
		t.Fatalf("ViewerCount() = %d, %v", n, ok)
	}
	clone := md.Clone()
	clone.Extra["viewer_count"] = 7
	if n, _ := md.ViewerCount(); n != 42 {
		t.Fatalf("Clone shares Extra map")
	}
	if _, ok := (StreamMetadata{}).ViewerCount(); ok {
		t.Fatalf("expected no viewer count on empty metadata")
	}
}
