// Package twitchirc implements the Twitch adapter: a Helix streams lookup for
// liveness and metadata, then an anonymous IRC session over websocket for
// chat and USERNOTICE events.
package twitchirc

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/source"
)

type Config struct {
	Helix       HelixConfig
	IRCURL      string
	IdleTimeout time.Duration
	// DebugDrops logs every skipped IRC line at debug level.
	DebugDrops bool
}

type Source struct {
	cfg   Config
	helix *Helix
	skips *skipLog
}

var (
	_ source.StreamSource = (*Source)(nil)
	_ source.Refresher    = (*Source)(nil)
)

func New(cfg Config) *Source {
	if strings.TrimSpace(cfg.IRCURL) == "" {
		cfg.IRCURL = DefaultIRCURL
	}
	return &Source{cfg: cfg, helix: NewHelix(cfg.Helix)}
}

func (s *Source) Platform() core.Platform { return core.Twitch }

func (s *Source) Discover(ctx context.Context, ref core.StreamerRef) (source.Descriptor, core.StreamMetadata, error) {
	stream, err := s.helix.Stream(ctx, ref.StreamerID)
	if err != nil {
		return source.Descriptor{}, core.StreamMetadata{}, err
	}
	log.Printf("twitchirc: #%s live %s", ref.StreamerID, stream)
	s.skips = newSkipLog(time.Now(), "#"+ref.StreamerID, s.cfg.DebugDrops, 0)
	desc := source.Descriptor{
		Target: s.cfg.IRCURL,
		Attrs:  map[string]string{"channel": ref.StreamerID},
	}
	return desc, stream.metadata(ref), nil
}

func (s *Source) Refresh(ctx context.Context, ref core.StreamerRef) (core.StreamMetadata, error) {
	stream, err := s.helix.Stream(ctx, ref.StreamerID)
	if err != nil {
		return core.StreamMetadata{}, err
	}
	return stream.metadata(ref), nil
}

func (s *Source) Open(ctx context.Context, desc source.Descriptor) (source.Transport, error) {
	channel := strings.TrimSpace(desc.Attrs["channel"])
	if channel == "" {
		return nil, errors.Wrap(core.ErrNotFound, "twitchirc: descriptor without channel")
	}
	return dialIRC(ctx, desc.Target, channel, s.cfg.IdleTimeout)
}

func (s *Source) Decode(session core.SessionID, raw []byte) ([]core.Event, error) {
	return decodeLine(session, string(raw), time.Now(), s.skips)
}
