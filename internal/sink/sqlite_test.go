package sink

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/httpapi"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "livetap.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSession(t *testing.T, st *Store, id core.SessionID, started time.Time) {
	t.Helper()
	ref := core.StreamerRef{Platform: core.Twitch, StreamerID: "alice"}
	meta := core.StreamMetadata{Title: "speedrun", Extra: map[string]any{"viewer_count": 12}}
	if err := st.CreateSession(context.Background(), ref, id, started, meta); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	started := time.UnixMilli(1_700_000_000_000).UTC()
	seedSession(t, st, "s1", started)
	// Re-creating the same session is a no-op.
	seedSession(t, st, "s1", started.Add(time.Hour))

	if err := st.UpdateCounters(ctx, "s1", core.Counters{Messages: 3, Gifts: 5, PeakViewers: 40}); err != nil {
		t.Fatalf("update counters: %v", err)
	}
	ended := started.Add(90 * time.Minute)
	if err := st.CloseSession(ctx, "s1", ended, "failed"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	rec, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Platform != core.Twitch || rec.StreamerID != "alice" || rec.Title != "speedrun" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.StartedAt.Equal(started) {
		t.Fatalf("started_at = %v, want %v", rec.StartedAt, started)
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(ended) {
		t.Fatalf("ended_at = %v", rec.EndedAt)
	}
	if rec.Status != "failed" {
		t.Fatalf("status = %q", rec.Status)
	}
	if rec.Counters != (core.Counters{Messages: 3, Gifts: 5, PeakViewers: 40}) {
		t.Fatalf("counters = %+v", rec.Counters)
	}
	if rec.Metadata["viewer_count"] != float64(12) {
		t.Fatalf("metadata = %v", rec.Metadata)
	}

	if _, err := st.GetSession(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing session err = %v", err)
	}

	seedSession(t, st, "s2", started.Add(time.Minute))
	list, err := st.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s2" || list[1].ID != "s1" {
		t.Fatalf("list order = %+v", list)
	}
	if list[0].EndedAt != nil || list[0].Status != "active" {
		t.Fatalf("open session = %+v", list[0])
	}
}

func TestStoreEventsDedupeAndFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()
	seedSession(t, st, "s1", base)

	events := []core.Event{
		&core.ChatEvent{EventID: "m1", SessionID: "s1", UserID: "u1", Username: "Alice", Text: "hello", OccurredAt: base.Add(1 * time.Second)},
		&core.ChatEvent{EventID: "m2", SessionID: "s1", UserID: "u2", Username: "bob", Text: "you idiot", OccurredAt: base.Add(2 * time.Second),
			Classification: &core.Classification{Flagged: true, Severity: 5, Category: "insults"}},
		&core.GiftEvent{EventID: "g1", SessionID: "s1", UserID: "u1", Username: "Alice", GiftName: "Rose", UnitValue: 1, Count: 3, OccurredAt: base.Add(3 * time.Second)},
		&core.ViewerCountEvent{SessionID: "s1", Count: 10, ObservedAt: base.Add(4 * time.Second)},
		&core.ViewerCountEvent{SessionID: "s1", Count: 11, ObservedAt: base.Add(5 * time.Second)},
	}
	if err := st.PersistEvents(ctx, events); err != nil {
		t.Fatalf("persist batch: %v", err)
	}
	// Redelivered chat message is ignored.
	if err := st.PersistEvent(ctx, events[0]); err != nil {
		t.Fatalf("persist duplicate: %v", err)
	}

	all := httpapi.Filters{Limit: 100, Order: httpapi.OrderAsc}
	n, err := st.CountEvents(ctx, "s1", all)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("count = %d, want 5", n)
	}

	tests := []struct {
		name    string
		filters httpapi.Filters
		want    []string
	}{
		{"asc", httpapi.Filters{Order: httpapi.OrderAsc}, []string{"m1", "m2", "g1", "", ""}},
		{"desc limit", httpapi.Filters{Order: httpapi.OrderDesc, Limit: 2}, []string{"", ""}},
		{"kind", httpapi.Filters{Kinds: []core.Kind{core.KindChat, core.KindGift}, Order: httpapi.OrderAsc}, []string{"m1", "m2", "g1"}},
		{"username", httpapi.Filters{Usernames: []string{"ali"}, Order: httpapi.OrderAsc}, []string{"m1", "g1"}},
		{"flagged", httpapi.Filters{FlaggedOnly: true}, []string{"m2"}},
		{"since", func() httpapi.Filters {
			since := base.Add(3 * time.Second)
			return httpapi.Filters{Since: &since, Kinds: []core.Kind{core.KindGift, core.KindChat}}
		}(), []string{"g1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListEvents(ctx, "s1", tt.filters)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, ev := range got {
				if ev.EventID != tt.want[i] {
					t.Fatalf("event %d id = %q, want %q", i, ev.EventID, tt.want[i])
				}
			}
		})
	}

	flagged, err := st.ListEvents(ctx, "s1", httpapi.Filters{FlaggedOnly: true})
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	got := flagged[0]
	if !got.Flagged || got.Severity != 5 || got.Category != "insults" || got.Username != "bob" || got.Content != "you idiot" {
		t.Fatalf("stored chat = %+v", got)
	}
	var payload map[string]any
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["text"] != "you idiot" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	st := &Store{driver: DriverPostgres}
	got := st.rebind(`SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)`)
	want := `SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)`
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	lite := &Store{driver: DriverSQLite}
	if q := lite.rebind("a = ?"); q != "a = ?" {
		t.Fatalf("sqlite rebind changed query: %q", q)
	}
}

func TestOpenSQLiteWithTuning(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLiteWith(ctx, filepath.Join(t.TempDir(), "tuned.db"), SQLiteOptions{
		Tuning:      true,
		BusyTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	applied := tuneSQLite(ctx, st.db, SQLiteOptions{Tuning: true, BusyTimeout: 2 * time.Second})
	if applied["busy_timeout"] != "2000" {
		t.Fatalf("busy_timeout = %q", applied["busy_timeout"])
	}
	if applied["temp_store"] != "2" {
		t.Fatalf("temp_store = %q", applied["temp_store"])
	}
	if got := tuneSQLite(ctx, st.db, SQLiteOptions{}); len(got) != 0 {
		t.Fatalf("zero options applied %v", got)
	}
}
