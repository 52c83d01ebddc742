package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilIngestIsSafe(t *testing.T) {
	var m *Ingest
	m.Event("twitch", "chat")
	m.DecodeError("twitch")
	m.QueueDrop("twitch")
	m.Reconnect("twitch")
	m.TrackerState("idle", "live", func(string) bool { return false })
	m.StoreError("persist")
	m.StoreTimeout()
	m.PublishError("redis")
	m.Flagged("insults")
}

func TestTrackerGaugeSkipsTerminal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIngest(reg)
	terminal := func(s string) bool { return s == "stopped" || s == "failed" }

	m.TrackerState("", "idle", terminal)
	m.TrackerState("idle", "connecting", terminal)
	m.TrackerState("connecting", "live", terminal)
	m.TrackerState("", "idle", terminal)
	m.TrackerState("idle", "connecting", terminal)
	m.TrackerState("connecting", "failed", terminal)

	want := `
# HELP livetap_trackers Trackers currently in each non-terminal state
# TYPE livetap_trackers gauge
livetap_trackers{state="connecting"} 0
livetap_trackers{state="idle"} 0
livetap_trackers{state="live"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "livetap_trackers"); err != nil {
		t.Fatal(err)
	}
}

func TestEventCounter(t *testing.T) {
	m := NewIngest(prometheus.NewRegistry())
	m.Event("tiktok", "gift")
	m.Event("tiktok", "gift")
	if got := testutil.ToFloat64(m.events.WithLabelValues("tiktok", "gift")); got != 2 {
		t.Fatalf("events_total = %v", got)
	}
}
