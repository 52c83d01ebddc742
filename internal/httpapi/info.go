package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/you/livetap/internal/core"
)

// BuildInfo identifies the running binary. BuiltAt may be zero.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

// handleInfo reports the build, uptime, live session counts per platform and
// the redacted configuration the process started with.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	perPlatform := make(map[core.Platform]int)
	trackers := s.trackers.List()
	for _, t := range trackers {
		perPlatform[t.Ref().Platform]++
	}

	body := map[string]any{
		"version":   s.opts.Build.Version,
		"rev":       s.opts.Build.Revision,
		"go":        runtime.Version(),
		"uptime_s":  int64(time.Since(s.started).Seconds()),
		"sessions":  len(trackers),
		"platforms": perPlatform,
		"store":     s.store != nil,
	}
	if built := s.opts.Build.BuiltAt; !built.IsZero() {
		body["built_at"] = built.UTC().Format(time.RFC3339)
	}
	if s.opts.Config != nil {
		body["config"] = s.opts.Config
	}
	writeJSON(w, http.StatusOK, body)
}
