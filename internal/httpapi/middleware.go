package httpapi

import (
	"compress/gzip"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// statusWriter records the status code and body size of a response for the
// access log and request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

var gzipPool = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}

// gzipWriter compresses the body once a status that carries one is written.
// 204 and 304 responses pass through untouched.
type gzipWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
}

func (g *gzipWriter) WriteHeader(code int) {
	if g.wroteHeader {
		return
	}
	g.wroteHeader = true
	if code != http.StatusNoContent && code != http.StatusNotModified {
		h := g.Header()
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")
		g.gz = gzipPool.Get().(*gzip.Writer)
		g.gz.Reset(g.ResponseWriter)
	}
	g.ResponseWriter.WriteHeader(code)
}

func (g *gzipWriter) Write(b []byte) (int, error) {
	if !g.wroteHeader {
		g.WriteHeader(http.StatusOK)
	}
	if g.gz == nil {
		return g.ResponseWriter.Write(b)
	}
	return g.gz.Write(b)
}

func (g *gzipWriter) Flush() {
	if g.gz != nil {
		_ = g.gz.Flush()
	}
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *gzipWriter) close() {
	if g.gz == nil {
		return
	}
	_ = g.gz.Close()
	gzipPool.Put(g.gz)
	g.gz = nil
}

// acceptsGzip reports whether the client takes gzip and the response is a
// plain request/response exchange.
func acceptsGzip(r *http.Request) bool {
	if r.Header.Get("Upgrade") != "" || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return false
	}
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(strings.TrimSpace(name), "gzip") && strings.TrimSpace(params) != "q=0" {
			return true
		}
	}
	return false
}

// visitorLimits applies one token bucket per client address. Idle buckets
// are swept at most once per sweepEvery.
type visitorLimits struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	visitorIdle = 5 * time.Minute
	sweepEvery  = time.Minute
)

func newVisitorLimits(rps, burst int) *visitorLimits {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &visitorLimits{
		limit:    rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// allow takes a token for key. When none is left it returns how long the
// client should wait.
func (v *visitorLimits) allow(key string, now time.Time) (bool, time.Duration) {
	if v == nil {
		return true, 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.lastSweep) >= sweepEvery {
		for k, vis := range v.visitors {
			if now.Sub(vis.seen) > visitorIdle {
				delete(v.visitors, k)
			}
		}
		v.lastSweep = now
	}

	vis, ok := v.visitors[key]
	if !ok {
		vis = &visitor{lim: rate.NewLimiter(v.limit, v.burst)}
		v.visitors[key] = vis
	}
	vis.seen = now
	if vis.lim.AllowN(now, 1) {
		return true, 0
	}
	res := vis.lim.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	return false, wait
}

func retryAfter(d time.Duration) string {
	return strconv.Itoa(int(math.Max(1, math.Ceil(d.Seconds()))))
}

// clientIP prefers the first X-Forwarded-For hop; livetap is normally run
// behind a reverse proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

const corsMethods = "GET, POST, DELETE, OPTIONS"

// corsPolicy is an origin allow-list; "*" admits any http(s) origin. A nil
// policy sends no CORS headers and rejects nothing.
type corsPolicy struct {
	any     bool
	allowed map[string]bool
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{allowed: make(map[string]bool)}
	for _, o := range origins {
		switch o = strings.TrimRight(strings.TrimSpace(o), "/"); o {
		case "":
		case "*":
			p.any = true
		default:
			p.allowed[o] = true
		}
	}
	if !p.any && len(p.allowed) == 0 {
		return nil
	}
	return p
}

func (p *corsPolicy) admits(origin string) bool {
	if !strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "http://") {
		return false
	}
	return p.any || p.allowed[origin]
}

// preflight answers an OPTIONS request carrying an Origin. It reports false
// when the request is not a CORS preflight.
func (p *corsPolicy) preflight(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p == nil || r.Method != http.MethodOptions || origin == "" {
		return false
	}
	if !p.admits(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", corsMethods)
	if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
		h.Set("Access-Control-Allow-Headers", req)
	}
	h.Set("Access-Control-Max-Age", "300")
	h.Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// decorate sets CORS headers on a regular response. It returns false when
// the request comes from an origin that is not allowed.
func (p *corsPolicy) decorate(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p == nil || origin == "" {
		return true
	}
	if !p.admits(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}
