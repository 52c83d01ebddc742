package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Platform string

const (
	TikTok  Platform = "tiktok"
	YouTube Platform = "youtube"
	Twitch  Platform = "twitch"
)

var Platforms = []Platform{TikTok, YouTube, Twitch}

func ParsePlatform(raw string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tiktok":
		return TikTok, nil
	case "youtube", "yt":
		return YouTube, nil
	case "twitch":
		return Twitch, nil
	}
	return "", errors.Wrapf(ErrInvalidRef, "unknown platform %q", raw)
}

const maxStreamerIDLen = 50

// StreamerRef identifies a tracking target. Build it with ParseStreamerRef.
type StreamerRef struct {
	Platform   Platform `json:"platform"`
	StreamerID string   `json:"streamer_id"`
}

func (r StreamerRef) String() string {
	return fmt.Sprintf("%s:%s", r.Platform, r.StreamerID)
}

// Key is the registry uniqueness key; ids compare case-insensitively.
func (r StreamerRef) Key() string {
	return string(r.Platform) + "/" + strings.ToLower(r.StreamerID)
}

// ParseStreamerRef normalizes and validates a platform/id pair.
func ParseStreamerRef(platform, id string) (StreamerRef, error) {
	p, err := ParsePlatform(platform)
	if err != nil {
		return StreamerRef{}, err
	}
	id = strings.TrimSpace(id)
	switch p {
	case TikTok:
		id = strings.TrimPrefix(id, "@")
	case Twitch:
		id = strings.ToLower(strings.TrimPrefix(id, "#"))
	}
	ref := StreamerRef{Platform: p, StreamerID: id}
	if err := ref.Validate(); err != nil {
		return StreamerRef{}, err
	}
	return ref, nil
}

// ParseTarget accepts "platform:id".
func ParseTarget(raw string) (StreamerRef, error) {
	platform, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return StreamerRef{}, errors.Wrapf(ErrInvalidRef, "target %q: want platform:streamer_id", raw)
	}
	return ParseStreamerRef(platform, id)
}

func (r StreamerRef) Validate() error {
	id := r.StreamerID
	if id == "" {
		return errors.Wrap(ErrInvalidRef, "streamer id is empty")
	}
	if len(id) > maxStreamerIDLen {
		return errors.Wrapf(ErrInvalidRef, "streamer id longer than %d characters", maxStreamerIDLen)
	}
	var ok bool
	switch r.Platform {
	case TikTok:
		ok = allRunes(id, "_.")
	case Twitch:
		ok = allRunes(id, "_")
	case YouTube:
		ok = validYouTubeID(id)
	default:
		return errors.Wrapf(ErrInvalidRef, "unknown platform %q", r.Platform)
	}
	if !ok {
		return errors.Wrapf(ErrInvalidRef, "invalid %s streamer id %q", r.Platform, id)
	}
	return nil
}

func validYouTubeID(id string) bool {
	if strings.HasPrefix(id, "UC") && len(id) == 24 {
		return allRunes(id, "_-")
	}
	if handle, ok := strings.CutPrefix(id, "@"); ok {
		return handle != "" && allRunes(handle, "_-.")
	}
	return allRunes(id, "_-")
}

func allRunes(s, extra string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(extra, r):
		default:
			return false
		}
	}
	return true
}
