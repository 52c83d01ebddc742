package sink

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/httpapi"
)

// Requires a reachable database; set LIVETAP_TEST_PG_DSN to run.
func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("LIVETAP_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("LIVETAP_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer st.Close()

	id := core.NewSessionID()
	ref := core.StreamerRef{Platform: core.YouTube, StreamerID: "@someone"}
	if err := st.CreateSession(ctx, ref, id, time.Now(), core.StreamMetadata{Title: "pg"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	ev := &core.ChatEvent{EventID: "pg-1", SessionID: id, Username: "carol", Text: "hi", OccurredAt: time.Now()}
	for i := 0; i < 2; i++ {
		if err := st.PersistEvent(ctx, ev); err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
	}
	n, err := st.CountEvents(ctx, id, httpapi.Filters{Usernames: []string{"car"}})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if err := st.CloseSession(ctx, id, time.Now(), "stopped"); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec, err := st.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != "stopped" || rec.EndedAt == nil {
		t.Fatalf("record = %+v", rec)
	}
}
