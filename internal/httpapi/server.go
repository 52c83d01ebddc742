package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/tracker"
)

// Trackers is the registry surface the API drives.
type Trackers interface {
	Register(ctx context.Context, ref core.StreamerRef) (*tracker.Tracker, error)
	Unregister(id core.SessionID)
	Lookup(id core.SessionID) (*tracker.Tracker, error)
	List() []*tracker.Tracker
}

// CounterSource reports the rolling counters of a live session.
type CounterSource interface {
	Counters(id core.SessionID) core.Counters
}

// Store is the read side of the event store. It is optional.
type Store interface {
	GetSession(ctx context.Context, id core.SessionID) (core.SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]core.SessionRecord, error)
	ListEvents(ctx context.Context, session core.SessionID, filters Filters) ([]core.StoredEvent, error)
	CountEvents(ctx context.Context, session core.SessionID, filters Filters) (int64, error)
}

type Options struct {
	Addr           string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	EnableMetrics  bool
	AccessLog      bool
	Build          BuildInfo
	// Config is served at /info. It must already be redacted.
	Config   any
	Registry *prometheus.Registry
	// Hub is the live fan-out; New creates one when nil.
	Hub *Broadcaster
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	opts       Options

	trackers Trackers
	counters CounterSource
	store    Store
	hub      *Broadcaster

	metrics *Metrics
	started time.Time
	limiter *visitorLimits
	cors    *corsPolicy
}

func New(trackers Trackers, counters CounterSource, store Store, opts Options) *Server {
	srv := &Server{
		opts:     opts,
		started:  time.Now(),
		trackers: trackers,
		counters: counters,
		store:    store,
		limiter:  newVisitorLimits(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:     newCORSPolicy(opts.CORSOrigins),
	}
	srv.metrics = newMetrics(opts.Registry, opts.Build)
	srv.hub = opts.Hub
	if srv.hub == nil {
		srv.hub = NewBroadcaster()
	}
	srv.hub.metrics = srv.metrics

	mux := http.NewServeMux()
	srv.route(mux, "GET /healthz", "healthz", srv.handleHealthz)
	srv.route(mux, "GET /info", "info", srv.handleInfo)
	srv.route(mux, "POST /sessions", "sessions_create", srv.handleRegister)
	srv.route(mux, "GET /sessions", "sessions_list", srv.handleList)
	srv.route(mux, "GET /sessions/{id}", "session_get", srv.handleSession)
	srv.route(mux, "DELETE /sessions/{id}", "session_delete", srv.handleUnregister)
	srv.route(mux, "GET /sessions/{id}/events", "session_events", srv.handleEvents)
	srv.route(mux, "GET /sessions/{id}/stream", "session_stream", srv.handleStream)
	srv.route(mux, "GET /history", "history", srv.handleHistory)
	if opts.EnableMetrics {
		mux.Handle("GET /metrics", srv.metrics.Handler())
	}
	mux.HandleFunc("OPTIONS /", srv.handlePreflight)
	srv.mux = mux

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the routed mux, mainly for tests and for mounting admin
// routes next to the API.
func (s *Server) Handler() *http.ServeMux { return s.mux }

// Broadcaster returns the live fan-out publisher fed by the aggregator.
func (s *Server) Broadcaster() *Broadcaster { return s.hub }

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.Handle(pattern, s.wrap(name, h))
}

// wrap applies CORS, rate limiting, gzip, metrics and the access log.
func (s *Server) wrap(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			dur := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, sw.code(), dur, sw.size)
			if s.opts.AccessLog {
				slog.Info("http request",
					"route", route,
					"method", r.Method,
					"path", r.URL.Path,
					"status", sw.code(),
					"bytes", sw.size,
					"dur_ms", dur.Milliseconds(),
					"ip", clientIP(r))
			}
		}()

		if !s.cors.decorate(sw, r) {
			writeError(sw, http.StatusForbidden, "origin not allowed", "")
			return
		}
		if ok, wait := s.limiter.allow(clientIP(r), start); !ok {
			s.metrics.IncRateLimited()
			sw.Header().Set("Retry-After", retryAfter(wait))
			writeError(sw, http.StatusTooManyRequests, "rate limited", "")
			return
		}
		if acceptsGzip(r) && !strings.HasSuffix(r.URL.Path, "/stream") {
			gz := &gzipWriter{ResponseWriter: sw.ResponseWriter}
			sw.ResponseWriter = gz
			defer gz.close()
		}
		h(sw, r)
	})
}

// handlePreflight answers CORS OPTIONS requests for any path; without a CORS
// policy it replies 405.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if s.cors.preflight(w, r) {
		return
	}
	w.WriteHeader(http.StatusMethodNotAllowed)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type registerRequest struct {
	Platform   string `json:"platform"`
	StreamerID string `json:"streamer_id"`
}

type sessionView struct {
	SessionID  core.SessionID      `json:"session_id"`
	Platform   core.Platform       `json:"platform"`
	StreamerID string              `json:"streamer_id"`
	State      tracker.Phase       `json:"state"`
	Reason     string              `json:"reason,omitempty"`
	ReasonKind string              `json:"reason_kind,omitempty"`
	Retries    int                 `json:"retries"`
	Drops      int64               `json:"drops"`
	Counters   core.Counters       `json:"counters"`
	Metadata   core.StreamMetadata `json:"metadata"`
}

func (s *Server) viewOf(t *tracker.Tracker) sessionView {
	st := t.State()
	v := sessionView{
		SessionID:  t.SessionID(),
		Platform:   t.Ref().Platform,
		StreamerID: t.Ref().StreamerID,
		State:      st.Phase,
		Retries:    t.Retries(),
		Drops:      t.Drops(),
		Metadata:   t.Metadata(),
	}
	if st.Reason != nil {
		v.Reason = st.Reason.Error()
		v.ReasonKind = core.ErrorKind(st.Reason)
	}
	if s.counters != nil {
		v.Counters = s.counters.Counters(t.SessionID())
	}
	return v
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_ref")
		return
	}
	ref, err := core.ParseStreamerRef(req.Platform, req.StreamerID)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	t, err := s.trackers.Register(r.Context(), ref)
	if err != nil {
		log.Printf("httpapi: register %s: %v", ref, err)
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewOf(t))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	list := s.trackers.List()
	out := make([]sessionView, 0, len(list))
	for _, t := range list {
		out = append(out, s.viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleSession serves a live tracker, or the stored record of a finished
// session when a store is configured.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(r.PathValue("id"))
	t, err := s.trackers.Lookup(id)
	if err == nil {
		writeJSON(w, http.StatusOK, s.viewOf(t))
		return
	}
	if s.store != nil {
		rec, serr := s.store.GetSession(r.Context(), id)
		if serr == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(serr, core.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "session lookup failed", "")
			return
		}
	}
	writeTaxonomyError(w, err)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	s.trackers.Unregister(core.SessionID(r.PathValue("id")))
	w.WriteHeader(http.StatusNoContent)
}

type eventsResponse struct {
	SessionID core.SessionID     `json:"session_id"`
	Total     int64              `json:"total"`
	Events    []core.StoredEvent `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no event store configured", "")
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	id := core.SessionID(r.PathValue("id"))
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeTaxonomyError(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, "session lookup failed", "")
		return
	}
	total, err := s.store.CountEvents(r.Context(), id, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count error", "")
		return
	}
	events, err := s.store.ListEvents(r.Context(), id, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list error", "")
		return
	}
	if events == nil {
		events = []core.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{SessionID: id, Total: total, Events: events})
}

// handleHistory lists stored sessions, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no event store configured", "")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	list, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list error", "")
		return
	}
	if list == nil {
		list = []core.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	body := map[string]string{"error": msg}
	if kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch core.ErrorKind(err) {
	case "invalid_ref", "malformed":
		return http.StatusBadRequest
	case "auth_missing":
		return http.StatusUnauthorized
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "not_live":
		return http.StatusUnprocessableEntity
	case "canceled":
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func writeTaxonomyError(w http.ResponseWriter, err error) {
	writeError(w, StatusFor(err), err.Error(), core.ErrorKind(err))
}
