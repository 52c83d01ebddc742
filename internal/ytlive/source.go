// Package ytlive implements the YouTube adapter on top of the Data API v3:
// channel lookup, live video search, and live chat polling.
package ytlive

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/source"
)

const defaultMinPoll = 2 * time.Second

type Config struct {
	// APIKey is read on every discovery so a reloaded key takes effect.
	APIKey func() string
	// Endpoint overrides the API base URL (tests, proxies).
	Endpoint        string
	MinPollInterval time.Duration
}

type Source struct {
	cfg Config

	mu        sync.Mutex
	svc       *youtube.Service
	svcKey    string
	pageToken string
}

var _ source.StreamSource = (*Source)(nil)

func New(cfg Config) *Source {
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = defaultMinPoll
	}
	return &Source{cfg: cfg}
}

func (s *Source) Platform() core.Platform { return core.YouTube }

func (s *Source) service() (*youtube.Service, error) {
	key := ""
	if s.cfg.APIKey != nil {
		key = strings.TrimSpace(s.cfg.APIKey())
	}
	if key == "" {
		return nil, errors.Wrap(core.ErrAuthMissing, "youtube: api key not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.svc != nil && s.svcKey == key {
		return s.svc, nil
	}
	opts := []option.ClientOption{option.WithAPIKey(key)}
	if ep := strings.TrimSpace(s.cfg.Endpoint); ep != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(ep, "/")+"/"))
	}
	svc, err := youtube.NewService(context.Background(), opts...)
	if err != nil {
		return nil, core.Tag(core.ErrUpstream, err, "youtube: build client")
	}
	s.svc, s.svcKey = svc, key
	return svc, nil
}

func (s *Source) Discover(ctx context.Context, ref core.StreamerRef) (source.Descriptor, core.StreamMetadata, error) {
	svc, err := s.service()
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, err
	}

	channelID, err := resolveChannel(ctx, svc, ref.StreamerID)
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, err
	}

	search, err := svc.Search.List([]string{"id", "snippet"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, apiError(err, "youtube: search live")
	}
	if len(search.Items) == 0 || search.Items[0].Id == nil || search.Items[0].Id.VideoId == "" {
		return source.Descriptor{}, core.StreamMetadata{}, errors.Wrapf(core.ErrNotLive, "youtube: channel %s has no live video", channelID)
	}
	videoID := search.Items[0].Id.VideoId

	videos, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, apiError(err, "youtube: video details")
	}
	if len(videos.Items) == 0 {
		return source.Descriptor{}, core.StreamMetadata{}, errors.Wrapf(core.ErrNotLive, "youtube: video %s vanished", videoID)
	}
	video := videos.Items[0]
	if video.LiveStreamingDetails == nil || video.LiveStreamingDetails.ActiveLiveChatId == "" {
		return source.Descriptor{}, core.StreamMetadata{}, errors.Wrapf(core.ErrNotLive, "youtube: video %s has no active chat", videoID)
	}
	chatID := video.LiveStreamingDetails.ActiveLiveChatId

	md := core.StreamMetadata{
		Platform:   core.YouTube,
		StreamerID: ref.StreamerID,
		Extra: map[string]any{
			"channel_id":   channelID,
			"video_id":     videoID,
			"live_chat_id": chatID,
		},
	}
	if video.Snippet != nil {
		md.Title = video.Snippet.Title
		if video.Snippet.ChannelTitle != "" {
			md.Extra["channel_title"] = video.Snippet.ChannelTitle
		}
	}
	if t, err := time.Parse(time.RFC3339, video.LiveStreamingDetails.ActualStartTime); err == nil {
		md.StartedAt = t.UTC()
	}

	s.mu.Lock()
	s.pageToken = ""
	s.mu.Unlock()

	log.Printf("ytlive: %s live video=%s chat=%s", ref.StreamerID, videoID, chatID)
	return source.Descriptor{Target: chatID, Attrs: map[string]string{"video_id": videoID}}, md, nil
}

// Open performs the first poll so a dead chat fails here rather than on
// the first Recv. Reopening resumes from the last page token.
func (s *Source) Open(ctx context.Context, desc source.Descriptor) (source.Transport, error) {
	svc, err := s.service()
	if err != nil {
		return nil, err
	}
	p := &poller{src: s, svc: svc, chatID: desc.Target, minInterval: s.cfg.MinPollInterval}
	if err := p.poll(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Source) Decode(session core.SessionID, raw []byte) ([]core.Event, error) {
	return decodeItem(session, raw, time.Now())
}

func (s *Source) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageToken
}

func (s *Source) setToken(tok string) {
	s.mu.Lock()
	s.pageToken = tok
	s.mu.Unlock()
}

func resolveChannel(ctx context.Context, svc *youtube.Service, id string) (string, error) {
	if strings.HasPrefix(id, "UC") && len(id) == 24 {
		return id, nil
	}
	call := svc.Channels.List([]string{"id"}).Context(ctx)
	if handle, ok := strings.CutPrefix(id, "@"); ok {
		call = call.ForHandle(handle)
	} else {
		call = call.ForUsername(id)
	}
	resp, err := call.Do()
	if err != nil {
		return "", apiError(err, "youtube: resolve channel")
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == "" {
		return "", errors.Wrapf(core.ErrNotFound, "youtube: channel %s", id)
	}
	return resp.Items[0].Id, nil
}

// apiError maps a googleapi error onto the error taxonomy.
func apiError(err error, msg string) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return core.Tag(core.ErrUpstream, err, msg)
	}
	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}
	switch {
	case reason == "liveChatEnded" || reason == "liveChatDisabled" || reason == "liveChatNotFound":
		return core.Tag(core.ErrNotLive, err, msg)
	case reason == "keyInvalid" || reason == "keyExpired" || gerr.Code == http.StatusUnauthorized:
		return core.Tag(core.ErrAuthMissing, err, msg)
	case gerr.Code == http.StatusNotFound:
		return core.Tag(core.ErrNotFound, err, msg)
	default:
		return core.Tag(core.ErrUpstream, err, msg)
	}
}
