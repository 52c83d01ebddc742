package httpadmin

import (
	"encoding/json"
	"log"
	"net/http"
)

// Reloader re-reads rotated credentials and reports which ones changed.
type Reloader interface {
	Reload() (changed []string, err error)
}

type Server struct {
	rel Reloader
}

func New(rel Reloader) *Server { return &Server{rel: rel} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /admin/credentials/reload", s.handleReload)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	changed, err := s.rel.Reload()
	if err != nil {
		log.Printf("admin: credential reload: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"error":   err.Error(),
			"changed": nonNil(changed),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"reloaded": len(changed) > 0,
		"changed":  nonNil(changed),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
