package twitchirc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/you/livetap/internal/core"
)

const (
	DefaultHelixURL = "https://api.twitch.tv/helix"
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

type HelixConfig struct {
	ClientID     string
	ClientSecret string
	// Token returns a user or app access token. When it yields a value the
	// client credentials grant is skipped.
	Token      func() string
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// Helix is the minimal Helix client used for liveness checks.
type Helix struct {
	cfg    HelixConfig
	client *http.Client
	app    oauth2.TokenSource
}

type helixStream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	ViewerCount int64     `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
	Language    string    `json:"language"`
}

func NewHelix(cfg HelixConfig) *Helix {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultHelixURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	h := &Helix{cfg: cfg, client: client}
	if strings.TrimSpace(cfg.ClientID) != "" && strings.TrimSpace(cfg.ClientSecret) != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		h.app = cc.TokenSource(tokenCtx)
	}
	return h
}

func (h *Helix) bearer() (string, error) {
	if strings.TrimSpace(h.cfg.ClientID) == "" {
		return "", errors.Wrap(core.ErrAuthMissing, "twitch: client id not configured")
	}
	if h.cfg.Token != nil {
		if tok := strings.TrimPrefix(strings.TrimSpace(h.cfg.Token()), "oauth:"); tok != "" {
			return tok, nil
		}
	}
	if h.app == nil {
		return "", errors.Wrap(core.ErrAuthMissing, "twitch: need a client secret or an access token")
	}
	tok, err := h.app.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return "", core.Tag(core.ErrAuthMissing, err, "twitch: app token rejected")
		}
		return "", core.Tag(core.ErrUpstream, err, "twitch: app token")
	}
	return tok.AccessToken, nil
}

func (h *Helix) get(ctx context.Context, path string, query url.Values, out any) error {
	token, err := h.bearer()
	if err != nil {
		return err
	}
	endpoint := h.cfg.BaseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return core.Tag(core.ErrUpstream, err, "twitch: build request")
	}
	req.Header.Set("Client-ID", h.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return core.Tag(core.ErrUpstream, err, "twitch: helix "+path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(core.ErrAuthMissing, "twitch: helix %s status %d", path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(core.ErrUpstream, "twitch: helix %s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Tag(core.ErrUpstream, err, "twitch: decode helix "+path)
	}
	return nil
}

// Stream returns the live stream for login. An offline channel yields
// core.ErrNotLive and an unknown login core.ErrNotFound.
func (h *Helix) Stream(ctx context.Context, login string) (helixStream, error) {
	var streams struct {
		Data []helixStream `json:"data"`
	}
	if err := h.get(ctx, "/streams", url.Values{"user_login": {login}}, &streams); err != nil {
		return helixStream{}, err
	}
	if len(streams.Data) > 0 {
		return streams.Data[0], nil
	}

	var users struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := h.get(ctx, "/users", url.Values{"login": {login}}, &users); err != nil {
		return helixStream{}, err
	}
	if len(users.Data) == 0 {
		return helixStream{}, errors.Wrapf(core.ErrNotFound, "twitch: user %s", login)
	}
	return helixStream{}, errors.Wrapf(core.ErrNotLive, "twitch: %s is offline", login)
}

func (s helixStream) metadata(ref core.StreamerRef) core.StreamMetadata {
	return core.StreamMetadata{
		Platform:   core.Twitch,
		StreamerID: ref.StreamerID,
		Title:      s.Title,
		StartedAt:  s.StartedAt,
		Extra: map[string]any{
			"stream_id":    s.ID,
			"user_id":      s.UserID,
			"display_name": s.UserName,
			"game_name":    s.GameName,
			"language":     s.Language,
			"viewer_count": s.ViewerCount,
		},
	}
}

func (s helixStream) String() string {
	return fmt.Sprintf("stream=%s viewers=%d game=%q", s.ID, s.ViewerCount, s.GameName)
}
