// Command devapi serves the livetap HTTP API over a local SQLite file with no
// platform adapters. POST /emit writes synthetic chat events so the read
// endpoints can be exercised without a live stream.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/you/livetap/internal/classify"
	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/httpapi"
	"github.com/you/livetap/internal/registry"
	"github.com/you/livetap/internal/sink"
	"github.com/you/livetap/internal/tracker"
)

type emitReq struct {
	SessionID  string    `json:"session_id,omitempty"`
	Platform   string    `json:"platform"`
	StreamerID string    `json:"streamer_id"`
	Username   string    `json:"username"`
	Text       string    `json:"text"`
	Ts         time.Time `json:"ts,omitempty"`
}

func main() {
	var (
		addr   string
		sqlite string
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "devapi.db", "SQLite database path")
	flag.Parse()

	ctx := context.Background()
	s, err := sink.OpenSQLite(ctx, sqlite)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	classifier := classify.NewKeyword(nil)
	sessions := registry.New(nil, tracker.Config{}, nil)
	api := httpapi.New(sessions, nil, s, httpapi.Options{Addr: addr, AccessLog: true})

	api.Handler().HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		ref, err := core.ParseStreamerRef(req.Platform, req.StreamerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Username == "" || req.Text == "" {
			http.Error(w, "username, text required", http.StatusBadRequest)
			return
		}
		if req.Ts.IsZero() {
			req.Ts = time.Now().UTC()
		}
		id := core.SessionID(req.SessionID)
		if id == "" {
			id = core.SessionID("dev-" + ref.Key())
		}

		if err := s.CreateSession(r.Context(), ref, id, req.Ts, core.StreamMetadata{}); err != nil {
			http.Error(w, "create session failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		verdict := classifier.Classify(req.Text)
		ev := &core.ChatEvent{
			EventID:        uuid.NewString(),
			SessionID:      id,
			Username:       req.Username,
			Text:           req.Text,
			OccurredAt:     req.Ts,
			Classification: &verdict,
		}
		if err := s.PersistEvent(r.Context(), ev); err != nil {
			http.Error(w, "insert failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "session_id": id, "event_id": ev.EventID, "flagged": verdict.Flagged})
	})

	log.Printf("devapi listening on %s (db=%s)", addr, sqlite)
	if err := api.Start(); err != nil {
		log.Fatal(err)
	}
}
