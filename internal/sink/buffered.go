package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/you/livetap/internal/core"
)

// BatchWriter persists a slice of events in one round trip.
type BatchWriter interface {
	PersistEvents(ctx context.Context, evs []core.Event) error
}

// BufferedWriter groups events into batches that are flushed when the batch
// fills or the flush interval elapses, whichever comes first.
type BufferedWriter struct {
	base          BatchWriter
	batchSize     int
	flushInterval time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	buffer  []core.Event
	timer   *time.Timer
	closed  bool
	lastErr error
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

var errWriterClosed = errors.New("buffered writer closed")

func NewBufferedWriter(base BatchWriter, opts BufferedOptions) *BufferedWriter {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &BufferedWriter{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

// PersistEvent queues ev. An error from an earlier timer flush is reported
// on the next call.
func (b *BufferedWriter) PersistEvent(ctx context.Context, ev core.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errWriterClosed
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	b.buffer = append(b.buffer, ev)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}
	full := len(b.buffer) >= b.batchSize
	b.mu.Unlock()

	if full {
		if err := b.drain(ctx); err != nil {
			return err
		}
	}
	return pendingErr
}

// Flush writes whatever is buffered now. It returns only after any timer
// flush already in progress has finished.
func (b *BufferedWriter) Flush(ctx context.Context) error {
	b.mu.Lock()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.drain(ctx); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.drain(context.Background()); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.drain(ctx); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

// drain takes the buffer and writes it. writeMu is held across the write so
// batches reach the base writer one at a time and in order.
func (b *BufferedWriter) drain(ctx context.Context) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	evs := b.takeLocked()
	b.mu.Unlock()
	if len(evs) == 0 {
		return nil
	}
	return b.base.PersistEvents(ctx, evs)
}

func (b *BufferedWriter) takeLocked() []core.Event {
	b.stopTimerLocked()
	if len(b.buffer) == 0 {
		return nil
	}
	evs := append([]core.Event(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	return evs
}

func (b *BufferedWriter) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedWriter) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// BufferedStore is a Store whose event inserts go through a BufferedWriter.
// Session writes flush pending events first so a closed session never has
// rows landing after its end.
type BufferedStore struct {
	*Store
	events *BufferedWriter
}

func NewBufferedStore(base *Store, opts BufferedOptions) *BufferedStore {
	return &BufferedStore{Store: base, events: NewBufferedWriter(base, opts)}
}

func (s *BufferedStore) PersistEvent(ctx context.Context, ev core.Event) error {
	return s.events.PersistEvent(ctx, ev)
}

func (s *BufferedStore) CloseSession(ctx context.Context, id core.SessionID, endedAt time.Time, status string) error {
	if err := s.events.Flush(ctx); err != nil {
		return err
	}
	return s.Store.CloseSession(ctx, id, endedAt, status)
}

// Flush writes buffered events immediately.
func (s *BufferedStore) Flush(ctx context.Context) error {
	return s.events.Flush(ctx)
}

func (s *BufferedStore) Close() error {
	flushErr := s.events.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return flushErr
}
