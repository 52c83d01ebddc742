package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"   ", ""},
		{"oauth:abc", "oauth:abc"},
		{"abc", "oauth:abc"},
		{"  abc\n", "oauth:abc"},
	}

	for _, c := range cases {
		got := NormalizeToken(c.in)
		if got != c.out {
			t.Fatalf("NormalizeToken(%q) = %q; want %q", c.in, got, c.out)
		}
	}
}

func TestFileLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")

	if err := os.WriteFile(path, []byte("oauth:first"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := NewFile("twitch_token", path, "", NormalizeToken)
	if got := f.Value(); got != "oauth:first" {
		t.Fatalf("initial value = %q", got)
	}

	token, changed, err := f.Load()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if changed || token != "oauth:first" {
		t.Fatalf("second load = %q changed=%v", token, changed)
	}

	if err := os.WriteFile(path, []byte("rotated"), 0o600); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	token, changed, err = f.Load()
	if err != nil {
		t.Fatalf("third load: %v", err)
	}
	if !changed || token != "oauth:rotated" {
		t.Fatalf("third load = %q changed=%v", token, changed)
	}
}

func TestFileKeepsLastGoodValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("\n\n"), 0o600); err != nil {
		t.Fatalf("write empty: %v", err)
	}

	f := NewFile("youtube_api_key", path, " static-key ", nil)
	if got := f.Value(); got != "static-key" {
		t.Fatalf("fallback value = %q", got)
	}
	if _, changed, err := f.Load(); !errors.Is(err, ErrEmpty) || changed {
		t.Fatalf("empty file: err=%v changed=%v", err, changed)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := f.Load(); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if got := f.Value(); got != "static-key" {
		t.Fatalf("value after failed load = %q", got)
	}
}

func TestSetReload(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	keyPath := filepath.Join(dir, "key")
	if err := os.WriteFile(tokenPath, []byte("a"), 0o600); err != nil {
		t.Fatal(err)
	}

	token := NewFile("twitch_token", tokenPath, "", NormalizeToken)
	key := NewFile("youtube_api_key", keyPath, "", nil)
	static := NewFile("static", "", "s", nil)
	set := NewSet(token, key, static, nil)

	if got := set.Paths(); len(got) != 2 {
		t.Fatalf("paths = %v", got)
	}

	if err := os.WriteFile(tokenPath, []byte("b"), 0o600); err != nil {
		t.Fatal(err)
	}
	changed, err := set.Reload()
	if err == nil {
		t.Fatalf("expected error for missing key file")
	}
	if len(changed) != 1 || changed[0] != "twitch_token" {
		t.Fatalf("changed = %v", changed)
	}
	if token.Value() != "oauth:b" {
		t.Fatalf("token = %q", token.Value())
	}
}

func TestWatchPicksUpRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := NewFile("twitch_token", path, "", NormalizeToken)
	set := NewSet(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- set.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.Value() != "oauth:second" {
		if time.Now().After(deadline) {
			t.Fatalf("value never rotated, have %q", f.Value())
		}
		// Rewrite until the watcher is registered; each write is given longer
		// than the debounce delay to land.
		if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(4 * debounceDelay)
	}
}
