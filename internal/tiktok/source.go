package tiktok

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/source"
)

const (
	DefaultBaseURL    = "https://www.tiktok.com"
	DefaultWebcastURL = "wss://webcast.tiktok.com/webcast/im/fetch/"
	DefaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	maxPageBytes = 4 << 20
)

var roomIDRe = regexp.MustCompile(`"roomId":"([0-9]*)"`)

type Config struct {
	BaseURL    string
	WebcastURL string
	UserAgent  string
	HTTPClient *http.Client
}

// Source scrapes the live page for a room id and reads the webcast feed.
type Source struct {
	cfg    Config
	client *http.Client
}

var _ source.StreamSource = (*Source)(nil)

func New(cfg Config) *Source {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.WebcastURL) == "" {
		cfg.WebcastURL = DefaultWebcastURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Source{cfg: cfg, client: client}
}

func (s *Source) Platform() core.Platform { return core.TikTok }

func (s *Source) Discover(ctx context.Context, ref core.StreamerRef) (source.Descriptor, core.StreamMetadata, error) {
	pageURL := s.cfg.BaseURL + "/@" + url.PathEscape(ref.StreamerID) + "/live"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, core.Tag(core.ErrUpstream, err, "tiktok: build request")
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, core.Tag(core.ErrUpstream, err, "tiktok: fetch live page")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return source.Descriptor{}, core.StreamMetadata{}, errors.Wrapf(core.ErrNotFound, "tiktok: @%s", ref.StreamerID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return source.Descriptor{}, core.StreamMetadata{}, errors.Wrapf(core.ErrUpstream, "tiktok: live page status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, core.Tag(core.ErrUpstream, err, "tiktok: read live page")
	}

	roomID := extractRoomID(string(body))
	if roomID == "" {
		return source.Descriptor{}, core.StreamMetadata{}, errors.Wrapf(core.ErrNotLive, "tiktok: @%s has no live room", ref.StreamerID)
	}

	target, err := url.Parse(s.cfg.WebcastURL)
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, core.Tag(core.ErrUpstream, err, "tiktok: webcast url")
	}
	q := target.Query()
	q.Set("room_id", roomID)
	target.RawQuery = q.Encode()

	log.Printf("tiktok: @%s live room=%s", ref.StreamerID, roomID)

	md := core.StreamMetadata{
		Platform:   core.TikTok,
		StreamerID: ref.StreamerID,
		Title:      "TikTok Live - " + ref.StreamerID,
		StartedAt:  time.Now().UTC(),
		Extra:      map[string]any{"room_id": roomID},
	}
	return source.Descriptor{Target: target.String(), Attrs: map[string]string{"room_id": roomID}}, md, nil
}

func (s *Source) Open(ctx context.Context, desc source.Descriptor) (source.Transport, error) {
	header := http.Header{}
	header.Set("User-Agent", s.cfg.UserAgent)
	return source.DialWebSocket(ctx, desc.Target, source.WSOptions{Header: header})
}

func (s *Source) Decode(session core.SessionID, raw []byte) ([]core.Event, error) {
	return decode(session, raw, time.Now)
}

func extractRoomID(html string) string {
	m := roomIDRe.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	id := strings.TrimSpace(m[1])
	if id == "" || strings.Trim(id, "0") == "" {
		return ""
	}
	return id
}
