// Package tracker drives one platform adapter through a live session:
// discover, open, decode, reconnect with bounded backoff, stop.
package tracker

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/metrics"
	"github.com/you/livetap/internal/source"
	"github.com/you/livetap/internal/telemetry"
)

// ErrNotIdle is returned by Start on a tracker that was already started or stopped.
var ErrNotIdle = errors.New("tracker: already started")

type Config struct {
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxAttempts     int
	QueueCapacity   int
	MetadataRefresh time.Duration
	Metrics         *metrics.Ingest
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	return c
}

type Tracker struct {
	ref core.StreamerRef
	id  core.SessionID
	src source.StreamSource
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	state   State
	meta    core.StreamMetadata
	desc    source.Descriptor
	tr      source.Transport
	retries int

	out      chan core.Event
	sendMu   sync.Mutex
	drops    atomic.Int64
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an Idle tracker with a fresh session id. The ref must already
// be validated.
func New(ref core.StreamerRef, src source.StreamSource, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		ref:    ref,
		id:     core.NewSessionID(),
		src:    src,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		state:  State{Phase: Idle},
		out:    make(chan core.Event, cfg.QueueCapacity),
		done:   make(chan struct{}),
	}
	cfg.Metrics.TrackerState("", string(Idle), isTerminal)
	return t
}

func (t *Tracker) SessionID() core.SessionID { return t.id }
func (t *Tracker) Ref() core.StreamerRef     { return t.ref }

// Events is closed once the tracker is Stopped or Failed and every pending
// producer has returned.
func (t *Tracker) Events() <-chan core.Event { return t.out }

// Done is closed together with Events.
func (t *Tracker) Done() <-chan struct{} { return t.done }

func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tracker) Metadata() core.StreamMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.Clone()
}

// Retries is the current consecutive reconnect attempt, zero while Live.
func (t *Tracker) Retries() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retries
}

// Drops counts events discarded from a full queue.
func (t *Tracker) Drops() int64 { return t.drops.Load() }

// Start discovers and opens the live session. On failure the tracker is
// Failed with the returned error and is not retried.
func (t *Tracker) Start(ctx context.Context) (core.SessionID, error) {
	if !t.transition(Connecting, nil) {
		return "", ErrNotIdle
	}

	opCtx, opCancel := context.WithCancel(ctx)
	defer opCancel()
	stopWatch := context.AfterFunc(t.ctx, opCancel)
	defer stopWatch()

	desc, md, err := t.discover(opCtx)
	if err != nil {
		return "", t.abort(err)
	}
	md.SessionID = t.id
	if md.Platform == "" {
		md.Platform = t.ref.Platform
	}
	if md.StreamerID == "" {
		md.StreamerID = t.ref.StreamerID
	}
	t.mu.Lock()
	t.desc = desc
	t.meta = md
	t.mu.Unlock()

	tr, err := t.open(opCtx, "tracker.open")
	if err != nil {
		return "", t.abort(err)
	}

	t.mu.Lock()
	if !canTransition(t.state.Phase, Live) {
		t.mu.Unlock()
		_ = tr.Close()
		return "", t.abort(errors.New("tracker: stopped during start"))
	}
	t.setStateLocked(State{Phase: Live})
	t.tr = tr
	t.mu.Unlock()

	t.emitViewerCount(md)
	t.wg.Add(1)
	go t.run(tr)
	if r, ok := t.src.(source.Refresher); ok && t.cfg.MetadataRefresh > 0 {
		t.wg.Add(1)
		go t.refresh(r)
	}
	go func() {
		t.wg.Wait()
		t.finish()
	}()

	log.Printf("tracker: %s live session=%s", t.ref, t.id)
	return t.id, nil
}

// Stop moves any non-terminal tracker to Stopped, closes the transport and
// waits until no further events can be emitted. Calling it again is a no-op.
func (t *Tracker) Stop() {
	t.mu.Lock()
	wasIdle := t.state.Phase == Idle
	if !t.state.Terminal() {
		t.setStateLocked(State{Phase: Stopped})
	}
	tr := t.tr
	t.mu.Unlock()

	t.cancel()
	if tr != nil {
		_ = tr.Close()
	}
	if wasIdle {
		t.finish()
	}
	<-t.done
}

func (t *Tracker) discover(ctx context.Context) (source.Descriptor, core.StreamMetadata, error) {
	ctx, span := telemetry.StartSpan(ctx, "tracker.discover", t.ref, t.id)
	desc, md, err := t.src.Discover(ctx, t.ref)
	telemetry.End(span, err)
	return desc, md, err
}

func (t *Tracker) open(ctx context.Context, name string) (source.Transport, error) {
	t.mu.RLock()
	desc := t.desc
	t.mu.RUnlock()
	ctx, span := telemetry.StartSpan(ctx, name, t.ref, t.id)
	tr, err := t.src.Open(ctx, desc)
	telemetry.End(span, err)
	return tr, err
}

// abort fails a tracker that never went live and releases its stream.
func (t *Tracker) abort(err error) error {
	t.fail(err)
	t.finish()
	return err
}

func (t *Tracker) run(tr source.Transport) {
	defer t.wg.Done()
	platform := string(t.ref.Platform)
	for {
		raw, err := tr.Recv(t.ctx)
		if err != nil {
			_ = tr.Close()
			if t.ctx.Err() != nil {
				return
			}
			if tr = t.reconnect(err); tr == nil {
				return
			}
			continue
		}
		events, err := t.src.Decode(t.id, raw)
		if err != nil {
			t.cfg.Metrics.DecodeError(platform)
			slog.Debug("tracker: skip payload", "stream", t.ref.String(), "kind", core.ErrorKind(err), "err", err)
			continue
		}
		for _, ev := range events {
			t.emit(ev)
		}
	}
}

// reconnect runs the bounded backoff loop after cause broke the transport.
// It returns the new transport, or nil once the tracker is terminal.
func (t *Tracker) reconnect(cause error) source.Transport {
	if !core.Retryable(cause) {
		t.fail(cause)
		return nil
	}
	if !t.transition(Reconnecting, nil) {
		return nil
	}
	slog.Warn("tracker: transport lost", "stream", t.ref.String(), "session", string(t.id), "err", cause)

	b := &backoff.ExponentialBackOff{
		InitialInterval:     t.cfg.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         t.cfg.BackoffMax,
	}
	b.Reset()

	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		t.mu.Lock()
		t.retries = attempt
		t.mu.Unlock()

		if !sleepContext(t.ctx, b.NextBackOff()) {
			return nil
		}
		t.cfg.Metrics.Reconnect(string(t.ref.Platform))
		tr, err := t.open(t.ctx, "tracker.reconnect")
		if err == nil {
			if !t.goLive(tr) {
				_ = tr.Close()
				return nil
			}
			log.Printf("tracker: %s reconnected after %d attempt(s)", t.ref, attempt)
			t.emitViewerCount(t.Metadata())
			return tr
		}
		if t.ctx.Err() != nil {
			return nil
		}
		if !core.Retryable(err) {
			t.fail(err)
			return nil
		}
		cause = err
		slog.Warn("tracker: reconnect failed", "stream", t.ref.String(), "attempt", attempt, "err", err)
	}
	t.fail(errors.Wrapf(cause, "tracker: gave up after %d reconnect attempts", t.cfg.MaxAttempts))
	return nil
}

func (t *Tracker) goLive(tr source.Transport) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.state.Phase, Live) {
		return false
	}
	t.setStateLocked(State{Phase: Live})
	t.tr = tr
	t.retries = 0
	return true
}

func (t *Tracker) refresh(r source.Refresher) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.MetadataRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
		if t.State().Terminal() {
			return
		}
		md, err := r.Refresh(t.ctx, t.ref)
		if err != nil {
			slog.Debug("tracker: metadata refresh failed", "stream", t.ref.String(), "err", err)
			continue
		}
		md.SessionID = t.id
		t.mu.Lock()
		if md.Platform == "" {
			md.Platform = t.meta.Platform
		}
		if md.StreamerID == "" {
			md.StreamerID = t.meta.StreamerID
		}
		t.meta = md
		t.mu.Unlock()
		t.emitViewerCount(md)
	}
}

func (t *Tracker) emitViewerCount(md core.StreamMetadata) {
	if n, ok := md.ViewerCount(); ok {
		t.emit(&core.ViewerCountEvent{SessionID: t.id, Count: n, ObservedAt: time.Now().UTC()})
	}
}

// emit never blocks: when the queue is full the oldest event is discarded
// and counted so the transport keeps servicing keepalives.
func (t *Tracker) emit(ev core.Event) {
	platform := string(t.ref.Platform)
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	select {
	case t.out <- ev:
		t.cfg.Metrics.Event(platform, string(ev.Kind()))
		return
	default:
	}

	select {
	case <-t.out:
		t.drops.Add(1)
		t.cfg.Metrics.QueueDrop(platform)
	default:
	}

	select {
	case t.out <- ev:
		t.cfg.Metrics.Event(platform, string(ev.Kind()))
	default:
		t.drops.Add(1)
		t.cfg.Metrics.QueueDrop(platform)
	}
}

func (t *Tracker) transition(to Phase, reason error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.state.Phase, to) {
		return false
	}
	t.setStateLocked(State{Phase: to, Reason: reason})
	return true
}

// fail also cancels the run context so the refresher exits promptly.
func (t *Tracker) fail(reason error) {
	defer t.cancel()
	if t.transition(Failed, reason) {
		slog.Error("tracker: failed", "stream", t.ref.String(), "session", string(t.id), "kind", core.ErrorKind(reason), "err", reason)
	}
}

func (t *Tracker) setStateLocked(s State) {
	prev := t.state.Phase
	t.state = s
	t.cfg.Metrics.TrackerState(string(prev), string(s.Phase), isTerminal)
}

func (t *Tracker) finish() {
	t.doneOnce.Do(func() {
		t.cancel()
		close(t.out)
		close(t.done)
	})
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
