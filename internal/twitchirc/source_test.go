package twitchirc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/source"
)

func newHelixServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_secret") != "secret" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"apptoken","expires_in":3600,"token_type":"bearer"}`))
	})
	mux.HandleFunc("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-ID") != "cid" || r.Header.Get("Authorization") != "Bearer apptoken" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("user_login") {
		case "livechan":
			_, _ = w.Write([]byte(`{"data":[{"id":"s-1","user_id":"u-1","user_login":"livechan","user_name":"LiveChan","game_name":"Chess","title":"blitz","viewer_count":1234,"started_at":"2024-05-01T10:00:00Z","language":"en"}]}`))
		default:
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	})
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("login") == "offline" {
			_, _ = w.Write([]byte(`{"data":[{"id":"u-2"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func TestDiscoverViaHelix(t *testing.T) {
	srv, tokenCalls := newHelixServer(t)
	src := New(Config{Helix: HelixConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		BaseURL:      srv.URL + "/helix",
		TokenURL:     srv.URL + "/oauth2/token",
	}, IRCURL: "wss://irc.example.test"})

	ctx := context.Background()
	desc, md, err := src.Discover(ctx, core.StreamerRef{Platform: core.Twitch, StreamerID: "livechan"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if desc.Target != "wss://irc.example.test" || desc.Attrs["channel"] != "livechan" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if md.Title != "blitz" || md.Extra["game_name"] != "Chess" {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if n, ok := md.ViewerCount(); !ok || n != 1234 {
		t.Fatalf("ViewerCount() = %d, %v", n, ok)
	}
	if !md.StartedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("StartedAt = %s", md.StartedAt)
	}

	if _, _, err := src.Discover(ctx, core.StreamerRef{Platform: core.Twitch, StreamerID: "offline"}); !errors.Is(err, core.ErrNotLive) {
		t.Fatalf("offline: expected ErrNotLive, got %v", err)
	}
	if _, _, err := src.Discover(ctx, core.StreamerRef{Platform: core.Twitch, StreamerID: "nobody"}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown: expected ErrNotFound, got %v", err)
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Fatalf("app token should be cached, fetched %d times", got)
	}
}

func TestDiscoverAuthMissing(t *testing.T) {
	srv, _ := newHelixServer(t)
	tests := []struct {
		name string
		cfg  HelixConfig
	}{
		{"no client id", HelixConfig{BaseURL: srv.URL + "/helix"}},
		{"no secret or token", HelixConfig{ClientID: "cid", BaseURL: srv.URL + "/helix"}},
		{"rejected secret", HelixConfig{ClientID: "cid", ClientSecret: "wrong", BaseURL: srv.URL + "/helix", TokenURL: srv.URL + "/oauth2/token"}},
		{"rejected token", HelixConfig{ClientID: "cid", Token: func() string { return "oauth:stale" }, BaseURL: srv.URL + "/helix"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := New(Config{Helix: tc.cfg})
			_, _, err := src.Discover(context.Background(), core.StreamerRef{Platform: core.Twitch, StreamerID: "livechan"})
			if !errors.Is(err, core.ErrAuthMissing) {
				t.Fatalf("expected ErrAuthMissing, got %v", err)
			}
		})
	}
}

func TestIRCTransportHandshakePingAndReconnect(t *testing.T) {
	received := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		for i := 0; i < 3; i++ {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			received <- strings.TrimSpace(string(data))
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte("PING :tmi.twitch.tv\r\n"))
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		received <- strings.TrimSpace(string(data))

		batch := ":tmi.twitch.tv 001 justinfan1 :Welcome\r\n" +
			"@id=m1 :a!a@a.tmi.twitch.tv PRIVMSG #chan :first\r\n" +
			"@id=m2 :b!b@b.tmi.twitch.tv PRIVMSG #chan :second\r\n"
		_ = conn.Write(ctx, websocket.MessageText, []byte(batch))
		_ = conn.Write(ctx, websocket.MessageText, []byte(":tmi.twitch.tv RECONNECT\r\n"))
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	src := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tr, err := src.Open(ctx, source.Descriptor{
		Target: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Attrs:  map[string]string{"channel": "chan"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	var texts []string
	for {
		raw, err := tr.Recv(ctx)
		if err != nil {
			if !errors.Is(err, core.ErrUpstream) {
				t.Fatalf("expected upstream reconnect error, got %v", err)
			}
			break
		}
		events, err := src.Decode("s1", raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		for _, ev := range events {
			texts = append(texts, ev.(*core.ChatEvent).Text)
		}
	}
	if strings.Join(texts, ",") != "first,second" {
		t.Fatalf("chat order = %v", texts)
	}

	want := []string{"CAP REQ :twitch.tv/tags twitch.tv/commands", "NICK justinfan", "JOIN #chan", "PONG :tmi.twitch.tv"}
	for _, prefix := range want {
		select {
		case got := <-received:
			if !strings.HasPrefix(got, prefix) {
				t.Fatalf("client sent %q, want prefix %q", got, prefix)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

func TestIsReconnectAndAuthFailure(t *testing.T) {
	if !isReconnect(":tmi.twitch.tv RECONNECT") {
		t.Fatalf("expected RECONNECT detection")
	}
	if isReconnect("@id=1 :a!a@a PRIVMSG #chan :RECONNECT please") {
		t.Fatalf("chat text must not trigger reconnect")
	}
	if !authFailure(":tmi.twitch.tv NOTICE * :Login authentication failed") {
		t.Fatalf("expected auth failure detection")
	}
	if authFailure("@id=1 :a!a@a PRIVMSG #chan :authentication failed lol") {
		t.Fatalf("chat text must not trigger auth failure")
	}
}
