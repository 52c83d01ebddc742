package httpapi

import (
	"net/url"
	"testing"
	"time"

	"github.com/you/livetap/internal/core"
)

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
		check   func(t *testing.T, f Filters)
	}{
		{name: "defaults", query: "", check: func(t *testing.T, f Filters) {
			if f.Limit != defaultLimit || f.Order != OrderDesc || f.Kinds != nil || f.FlaggedOnly {
				t.Fatalf("defaults = %+v", f)
			}
		}},
		{name: "limit clamped", query: "limit=5000", check: func(t *testing.T, f Filters) {
			if f.Limit != maxLimit {
				t.Fatalf("limit = %d", f.Limit)
			}
		}},
		{name: "kinds aliases deduped", query: "kind=messages,chat&kind=gifts", check: func(t *testing.T, f Filters) {
			if len(f.Kinds) != 2 || f.Kinds[0] != core.KindChat || f.Kinds[1] != core.KindGift {
				t.Fatalf("kinds = %v", f.Kinds)
			}
		}},
		{name: "all clears kinds", query: "kind=chat,all", check: func(t *testing.T, f Filters) {
			if f.Kinds != nil {
				t.Fatalf("kinds = %v", f.Kinds)
			}
		}},
		{name: "usernames lowered", query: "username=Alice,alice,BOB", check: func(t *testing.T, f Filters) {
			if len(f.Usernames) != 2 || f.Usernames[0] != "alice" || f.Usernames[1] != "bob" {
				t.Fatalf("usernames = %v", f.Usernames)
			}
		}},
		{name: "since rfc3339", query: "since=2024-01-02T03:04:05Z&order=ASC&flagged=true", check: func(t *testing.T, f Filters) {
			want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
			if f.Since == nil || !f.Since.Equal(want) || f.Order != OrderAsc || !f.FlaggedOnly {
				t.Fatalf("filters = %+v", f)
			}
		}},
		{name: "since unix", query: "since=1700000000", check: func(t *testing.T, f Filters) {
			if f.Since == nil || f.Since.Unix() != 1700000000 {
				t.Fatalf("since = %v", f.Since)
			}
		}},
		{name: "bad limit", query: "limit=0", wantErr: true},
		{name: "bad order", query: "order=sideways", wantErr: true},
		{name: "bad kind", query: "kind=emote", wantErr: true},
		{name: "bad flagged", query: "flagged=maybe", wantErr: true},
		{name: "bad since", query: "since=yesterday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}
			f, err := ParseFilters(values)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", f)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, f)
		})
	}
}

func TestFiltersMatches(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)
	flagged := &core.ChatEvent{Username: "Alice", Text: "idiot", OccurredAt: now,
		Classification: &core.Classification{Flagged: true, Severity: 5, Category: "insults"}}
	clean := &core.ChatEvent{Username: "bob", Text: "hi", OccurredAt: earlier}
	gift := &core.GiftEvent{Username: "alice", GiftName: "Rose", Count: 1, OccurredAt: now}
	viewers := &core.ViewerCountEvent{Count: 3, ObservedAt: now}

	since := now.Add(-time.Minute)
	tests := []struct {
		name string
		f    Filters
		ev   core.Event
		want bool
	}{
		{"empty matches all", Filters{}, viewers, true},
		{"kind mismatch", Filters{Kinds: []core.Kind{core.KindChat}}, gift, false},
		{"username substring", Filters{Usernames: []string{"lic"}}, flagged, true},
		{"username on viewer count", Filters{Usernames: []string{"a"}}, viewers, false},
		{"flagged only", Filters{FlaggedOnly: true}, flagged, true},
		{"flagged only clean", Filters{FlaggedOnly: true}, clean, false},
		{"flagged only gift", Filters{FlaggedOnly: true}, gift, false},
		{"since excludes old", Filters{Since: &since}, clean, false},
		{"since keeps new", Filters{Since: &since}, gift, true},
	}
	for _, tt := range tests {
		if got := tt.f.Matches(tt.ev); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}
