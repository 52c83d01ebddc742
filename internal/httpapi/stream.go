package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/you/livetap/internal/core"
)

const (
	subscriberBuffer = 256
	pingInterval     = 20 * time.Second
	// endGrace bounds the wait for the end-of-session signal once the
	// tracker has stopped, for streams opened after the session ended.
	endGrace = 10 * time.Second
)

type subscriber struct {
	ch      chan core.Event
	filters Filters

	ended    chan struct{}
	endState string
}

// Broadcaster fans live events out to SSE subscribers of each session.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted.
type Broadcaster struct {
	metrics *Metrics

	mu     sync.Mutex
	subs   map[core.SessionID]map[*subscriber]struct{}
	closed bool
}

// NewBroadcaster returns an empty hub. Pass it to New through Options.Hub
// when publishers must exist before the server does.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[core.SessionID]map[*subscriber]struct{})}
}

func (b *Broadcaster) Name() string { return "sse" }

func (b *Broadcaster) Publish(_ context.Context, ev core.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.Session()] {
		if !sub.filters.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.metrics.IncBroadcastDrops("sse")
		}
	}
	return nil
}

func (b *Broadcaster) subscribe(id core.SessionID, filters Filters) (*subscriber, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	sub := &subscriber{
		ch:      make(chan core.Event, subscriberBuffer),
		filters: filters,
		ended:   make(chan struct{}),
	}
	set, ok := b.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[id] = set
	}
	set[sub] = struct{}{}
	return sub, true
}

func (b *Broadcaster) unsubscribe(id core.SessionID, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[id]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(b.subs, id)
	}
}

// EndSession marks the session over for its open streams. The aggregator
// calls it after the session's last Publish, so everything a subscriber is
// owed is already in its buffer.
func (b *Broadcaster) EndSession(_ context.Context, id core.SessionID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[id] {
		select {
		case <-sub.ended:
		default:
			sub.endState = status
			close(sub.ended)
		}
	}
}

// Subscribers returns the number of open streams for id.
func (b *Broadcaster) Subscribers(id core.SessionID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

func (b *Broadcaster) endState(sub *subscriber) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sub.endState
}

// Close ends every open stream.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, id)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(r.PathValue("id"))
	t, err := s.trackers.Lookup(id)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	sub, ok := s.hub.subscribe(id, filters.CloneForStream())
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.unsubscribe(id, sub)

	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	stopped := t.Done()
	var grace <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopped:
			stopped = nil
			grace = time.After(endGrace)
		case <-grace:
			s.endStream(w, flusher, sub, string(t.State().Phase))
			return
		case <-sub.ended:
			s.endStream(w, flusher, sub, s.hub.endState(sub))
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			s.writeEvent(w, ev)
			flusher.Flush()
		}
	}
}

// endStream writes what is left in the subscriber's buffer, then the end
// event carrying the session's final state.
func (s *Server) endStream(w http.ResponseWriter, flusher http.Flusher, sub *subscriber, state string) {
drain:
	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				break drain
			}
			s.writeEvent(w, ev)
		default:
			break drain
		}
	}
	fmt.Fprintf(w, "event: end\ndata: {\"state\":%q}\n\n", state)
	flusher.Flush()
}

func (s *Server) writeEvent(w http.ResponseWriter, ev core.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data)
	s.metrics.IncMessagesSent("sse")
}
