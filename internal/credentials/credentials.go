// Package credentials serves secrets that may be rotated on disk while the
// process runs.
package credentials

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

var ErrEmpty = errors.New("credentials: empty secret")

// NormalizeToken trims a Twitch token and ensures it is prefixed with
// "oauth:". Empty input stays empty.
func NormalizeToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "oauth:") {
		return trimmed
	}
	return "oauth:" + trimmed
}

// File is a secret read from a file, with a static fallback used until the
// file yields a value. The last good value is kept when a reload fails.
type File struct {
	name      string
	path      string
	normalize func(string) string

	mu     sync.RWMutex
	cached string
}

// NewFile returns a secret named name (used in logs) backed by path. Either
// path or static may be empty. normalize defaults to strings.TrimSpace.
func NewFile(name, path, static string, normalize func(string) string) *File {
	if normalize == nil {
		normalize = strings.TrimSpace
	}
	f := &File{name: name, path: strings.TrimSpace(path), normalize: normalize}
	f.cached = normalize(static)
	if f.path != "" {
		if _, _, err := f.Load(); err != nil {
			log.Printf("credentials: %s: initial load from %s: %v", name, f.path, err)
		}
	}
	return f
}

func (f *File) Name() string { return f.name }
func (f *File) Path() string { return f.path }

// Value returns the current secret. It is safe to pass as a func() string.
func (f *File) Value() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cached
}

// Load re-reads the file. The boolean reports whether the value changed.
func (f *File) Load() (string, bool, error) {
	if f.path == "" {
		return f.Value(), false, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return f.Value(), false, err
	}
	value := f.normalize(string(data))
	if value == "" {
		return f.Value(), false, ErrEmpty
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if value == f.cached {
		return value, false, nil
	}
	f.cached = value
	return value, true, nil
}

// Set groups the file-backed secrets of a process.
type Set struct {
	files []*File
}

func NewSet(files ...*File) *Set {
	s := &Set{}
	for _, f := range files {
		if f != nil {
			s.files = append(s.files, f)
		}
	}
	return s
}

// Paths lists the files worth watching.
func (s *Set) Paths() []string {
	var out []string
	for _, f := range s.files {
		if f.path != "" {
			out = append(out, f.path)
		}
	}
	return out
}

// Reload re-reads every file-backed secret and returns the names whose value
// changed. Errors are joined; one bad file does not block the others.
func (s *Set) Reload() ([]string, error) {
	var (
		changed []string
		errs    []error
	)
	for _, f := range s.files {
		if f.path == "" {
			continue
		}
		_, ok, err := f.Load()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		if ok {
			changed = append(changed, f.name)
			log.Printf("credentials: %s reloaded from %s", f.name, f.path)
		}
	}
	return changed, errors.Join(errs...)
}
