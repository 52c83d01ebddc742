// Package registry owns the process-wide set of trackers and enforces one
// non-terminal tracker per (platform, streamer).
package registry

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/source"
	"github.com/you/livetap/internal/tracker"
)

// Attacher is notified of every tracker that started successfully. The
// aggregator implements it to consume the tracker's event stream.
type Attacher interface {
	Attach(t *tracker.Tracker)
}

// Forgetter releases per-session state held for a tracker once the registry
// has dropped it. The aggregator implements it for its counters.
type Forgetter interface {
	Forget(id core.SessionID)
}

type Registry struct {
	factories map[core.Platform]source.Factory
	cfg       tracker.Config
	attach    Attacher

	mu       sync.RWMutex
	sessions map[core.SessionID]*tracker.Tracker
	byRef    map[string]*tracker.Tracker
}

func New(factories map[core.Platform]source.Factory, cfg tracker.Config, attach Attacher) *Registry {
	return &Registry{
		factories: factories,
		cfg:       cfg,
		attach:    attach,
		sessions:  make(map[core.SessionID]*tracker.Tracker),
		byRef:     make(map[string]*tracker.Tracker),
	}
}

// Register starts a tracker for ref. It fails with core.ErrConflict when a
// non-terminal tracker already serves the same streamer, and with the
// adapter's discovery error otherwise; a failed start leaves nothing behind.
func (r *Registry) Register(ctx context.Context, ref core.StreamerRef) (*tracker.Tracker, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	factory, ok := r.factories[ref.Platform]
	if !ok || factory == nil {
		return nil, errors.Wrapf(core.ErrAuthMissing, "registry: platform %s is not configured", ref.Platform)
	}

	key := ref.Key()
	r.mu.Lock()
	if existing, ok := r.byRef[key]; ok {
		if !existing.State().Terminal() {
			r.mu.Unlock()
			return nil, errors.Wrapf(core.ErrConflict, "registry: %s already tracked by session %s", ref, existing.SessionID())
		}
		delete(r.sessions, existing.SessionID())
		defer r.forget(existing.SessionID())
	}
	t := tracker.New(ref, factory(), r.cfg)
	r.byRef[key] = t
	r.sessions[t.SessionID()] = t
	r.mu.Unlock()

	if _, err := t.Start(ctx); err != nil {
		r.remove(t)
		return nil, err
	}
	if r.attach != nil {
		r.attach.Attach(t)
	}
	log.Printf("registry: registered %s session=%s", ref, t.SessionID())
	return t, nil
}

// Unregister stops and removes a tracker. Unknown ids are ignored.
func (r *Registry) Unregister(id core.SessionID) {
	r.mu.Lock()
	t, ok := r.sessions[id]
	if ok {
		r.dropLocked(t)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	t.Stop()
	r.forget(id)
	log.Printf("registry: unregistered session=%s", id)
}

func (r *Registry) Lookup(id core.SessionID) (*tracker.Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.sessions[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "registry: session %s", id)
	}
	return t, nil
}

// List returns every registered tracker ordered by streamer key.
func (r *Registry) List() []*tracker.Tracker {
	r.mu.RLock()
	out := make([]*tracker.Tracker, 0, len(r.sessions))
	for _, t := range r.sessions {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref().Key() < out[j].Ref().Key()
	})
	return out
}

// StopAll unregisters every tracker concurrently and waits for them.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*tracker.Tracker, 0, len(r.sessions))
	for _, t := range r.sessions {
		all = append(all, t)
	}
	r.sessions = make(map[core.SessionID]*tracker.Tracker)
	r.byRef = make(map[string]*tracker.Tracker)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range all {
		wg.Add(1)
		go func(t *tracker.Tracker) {
			defer wg.Done()
			t.Stop()
			r.forget(t.SessionID())
		}(t)
	}
	wg.Wait()
}

func (r *Registry) forget(id core.SessionID) {
	if f, ok := r.attach.(Forgetter); ok {
		f.Forget(id)
	}
}

func (r *Registry) remove(t *tracker.Tracker) {
	r.mu.Lock()
	r.dropLocked(t)
	r.mu.Unlock()
}

func (r *Registry) dropLocked(t *tracker.Tracker) {
	delete(r.sessions, t.SessionID())
	key := t.Ref().Key()
	if r.byRef[key] == t {
		delete(r.byRef, key)
	}
}
