// Package aggregator merges tracker event streams, keeps per-session
// counters, classifies chat, persists through a Store and fans events out to
// live publishers.
package aggregator

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/livetap/internal/classify"
	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/metrics"
	"github.com/you/livetap/internal/tracker"
)

// Store is the narrow write interface of the storage collaborator.
type Store interface {
	CreateSession(ctx context.Context, ref core.StreamerRef, id core.SessionID, startedAt time.Time, meta core.StreamMetadata) error
	CloseSession(ctx context.Context, id core.SessionID, endedAt time.Time, status string) error
	PersistEvent(ctx context.Context, ev core.Event) error
	UpdateCounters(ctx context.Context, id core.SessionID, c core.Counters) error
}

// Publisher receives every processed event for live display. Publish should
// return quickly; it is called with the write timeout applied.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev core.Event) error
}

// SessionEnder is implemented by publishers that need to know when a
// session's last event has been published, such as live displays that close
// their streams.
type SessionEnder interface {
	EndSession(ctx context.Context, id core.SessionID, status string)
}

type Config struct {
	Buffer       int
	WriteTimeout time.Duration
	Classifier   classify.Classifier
	Metrics      *metrics.Ingest
}

type itemKind int

const (
	itemEvent itemKind = iota
	itemStarted
	itemEnded
)

type item struct {
	kind    itemKind
	ev      core.Event
	session core.SessionID
	ref     core.StreamerRef
	meta    core.StreamMetadata
	status  string
	at      time.Time
}

type Aggregator struct {
	store Store
	pubs  []Publisher
	cfg   Config

	in   chan item
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	counters map[core.SessionID]core.Counters
	// active holds sessions whose stream has not ended yet; forgotten marks
	// those whose counters go once it does.
	active    map[core.SessionID]bool
	forgotten map[core.SessionID]bool
}

func New(store Store, pubs []Publisher, cfg Config) *Aggregator {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Aggregator{
		store:     store,
		pubs:      pubs,
		cfg:       cfg,
		in:        make(chan item, cfg.Buffer),
		done:      make(chan struct{}),
		counters:  make(map[core.SessionID]core.Counters),
		active:    make(map[core.SessionID]bool),
		forgotten: make(map[core.SessionID]bool),
	}
}

// Attach starts forwarding t's events. Forwarding blocks when the merged
// queue is full, which lets the tracker's own queue absorb the backlog.
func (a *Aggregator) Attach(t *tracker.Tracker) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		log.Printf("aggregator: closed, ignoring session %s", t.SessionID())
		return
	}
	a.wg.Add(1)
	if _, ok := a.counters[t.SessionID()]; !ok {
		a.counters[t.SessionID()] = core.Counters{}
	}
	a.active[t.SessionID()] = true
	a.mu.Unlock()

	go a.forward(t)
}

func (a *Aggregator) forward(t *tracker.Tracker) {
	defer a.wg.Done()
	md := t.Metadata()
	started := md.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	a.in <- item{kind: itemStarted, session: t.SessionID(), ref: t.Ref(), meta: md, at: started}
	for ev := range t.Events() {
		a.in <- item{kind: itemEvent, ev: ev, session: ev.Session()}
	}
	a.in <- item{kind: itemEnded, session: t.SessionID(), status: string(t.State().Phase), at: time.Now().UTC()}
}

// Run consumes the merged queue until Close has been called and every
// forwarder has drained. Store calls use a context detached from ctx so
// shutdown can still flush.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)
	base := context.WithoutCancel(ctx)
	for it := range a.in {
		switch it.kind {
		case itemStarted:
			a.write(base, "create_session", func(ctx context.Context) error {
				return a.store.CreateSession(ctx, it.ref, it.session, it.at, it.meta)
			})
		case itemEnded:
			c := a.Counters(it.session)
			a.write(base, "update_counters", func(ctx context.Context) error {
				return a.store.UpdateCounters(ctx, it.session, c)
			})
			a.write(base, "close_session", func(ctx context.Context) error {
				return a.store.CloseSession(ctx, it.session, it.at, it.status)
			})
			slog.Info("aggregator: session closed", "session", string(it.session), "status", it.status,
				"messages", c.Messages, "gifts", c.Gifts, "peak_viewers", c.PeakViewers)
			a.end(base, it.session, it.status)
		case itemEvent:
			a.process(base, it.ev)
		}
	}
}

func (a *Aggregator) process(ctx context.Context, ev core.Event) {
	if chat, ok := ev.(*core.ChatEvent); ok && a.cfg.Classifier != nil {
		c := a.cfg.Classifier.Classify(chat.Text)
		chat.Classification = &c
		if c.Flagged {
			a.cfg.Metrics.Flagged(c.Category)
		}
	}

	counters := a.count(ev)

	a.write(ctx, "persist_event", func(ctx context.Context) error {
		return a.store.PersistEvent(ctx, ev)
	})
	a.write(ctx, "update_counters", func(ctx context.Context) error {
		return a.store.UpdateCounters(ctx, ev.Session(), counters)
	})

	for _, p := range a.pubs {
		pctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
		err := p.Publish(pctx, ev)
		cancel()
		if err != nil {
			a.cfg.Metrics.PublishError(p.Name())
			slog.Warn("aggregator: publish failed", "publisher", p.Name(), "session", string(ev.Session()), "err", err)
		}
	}
}

func (a *Aggregator) count(ev core.Event) core.Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.counters[ev.Session()]
	switch e := ev.(type) {
	case *core.ChatEvent:
		c.Messages++
	case *core.GiftEvent:
		n := e.Count
		if n <= 0 {
			n = 1
		}
		c.Gifts += n
	case *core.ViewerCountEvent:
		if e.Count > c.PeakViewers {
			c.PeakViewers = e.Count
		}
	}
	a.counters[ev.Session()] = c
	return c
}

// write runs one store call under the write timeout. Failures are counted
// and logged; they never stop the pipeline.
func (a *Aggregator) write(ctx context.Context, op string, fn func(context.Context) error) {
	if a.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()
	err := fn(wctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || wctx.Err() != nil {
		a.cfg.Metrics.StoreTimeout()
		slog.Warn("aggregator: store call timed out", "op", op, "timeout", a.cfg.WriteTimeout)
		return
	}
	a.cfg.Metrics.StoreError(op)
	slog.Error("aggregator: store call failed", "op", op, "err", err)
}

// Counters returns the current totals for a session.
func (a *Aggregator) Counters(id core.SessionID) core.Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[id]
}

// Forget drops the counters of a session that is no longer displayed. For a
// session whose stream is still being drained it takes effect once the
// session has been closed.
func (a *Aggregator) Forget(id core.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active[id] {
		a.forgotten[id] = true
		return
	}
	delete(a.counters, id)
}

// end tells SessionEnder publishers the session is over, after every one of
// its events has been published, then releases a forgotten session.
func (a *Aggregator) end(ctx context.Context, id core.SessionID, status string) {
	for _, p := range a.pubs {
		if e, ok := p.(SessionEnder); ok {
			pctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
			e.EndSession(pctx, id, status)
			cancel()
		}
	}

	a.mu.Lock()
	delete(a.active, id)
	if a.forgotten[id] {
		delete(a.forgotten, id)
		delete(a.counters, id)
	}
	a.mu.Unlock()
}

// Close stops accepting trackers and waits until every attached tracker's
// stream has been forwarded; Run then drains and returns. Trackers must be
// stopped first.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.wg.Wait()
	close(a.in)
}

// Done is closed when Run returns.
func (a *Aggregator) Done() <-chan struct{} { return a.done }
