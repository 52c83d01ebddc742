package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/you/livetap/internal/core"
)

type Config struct {
	Twitch     TwitchConfig     `yaml:"twitch"`
	YouTube    YouTubeConfig    `yaml:"youtube"`
	TikTok     TikTokConfig     `yaml:"tiktok"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Sink       SinkConfig       `yaml:"sink"`
	Redis      RedisConfig      `yaml:"redis"`
	HTTP       HTTPConfig       `yaml:"http"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Log        LogConfig        `yaml:"log"`
	// Track lists "platform:streamer_id" targets registered at startup.
	Track []string `yaml:"track"`

	// Source is the YAML file the config was read from, if any.
	Source string `yaml:"-"`
}

type TwitchConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Token        string `yaml:"token"`
	TokenFile    string `yaml:"token_file"`
	IRCURL       string `yaml:"irc_url"`
	HelixURL     string `yaml:"helix_url"`
	TokenURL     string `yaml:"token_url"`
	DebugDrops   bool   `yaml:"debug_drops"`

	LegacyClientIDEnv string `yaml:"-"`
	LegacyTokenEnv    string `yaml:"-"`
}

type YouTubeConfig struct {
	APIKey     string `yaml:"api_key"`
	APIKeyFile string `yaml:"api_key_file"`
	Endpoint   string `yaml:"endpoint"`
	MinPollMS  int    `yaml:"min_poll_ms"`
}

type TikTokConfig struct {
	BaseURL    string `yaml:"base_url"`
	WebcastURL string `yaml:"webcast_url"`
	UserAgent  string `yaml:"user_agent"`
}

type TrackerConfig struct {
	BackoffBaseMS       int `yaml:"backoff_base_ms"`
	BackoffMaxMS        int `yaml:"backoff_max_ms"`
	MaxAttempts         int `yaml:"max_attempts"`
	QueueCapacity       int `yaml:"queue_capacity"`
	MetadataRefreshSecs int `yaml:"metadata_refresh_secs"`
}

type AggregatorConfig struct {
	WriteTimeoutMS int `yaml:"write_timeout_ms"`
	Buffer         int `yaml:"buffer"`
}

type SinkConfig struct {
	// Driver is sqlite, postgres or none.
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	// SQLiteTuning enables the throughput pragmas; BusyTimeoutMS sets busy_timeout.
	SQLiteTuning  bool   `yaml:"sqlite_tuning"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	BatchSize   int    `yaml:"batch_size"`
	FlushMaxMS  int    `yaml:"flush_max_ms"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	RateRPS     int      `yaml:"rate_rps"`
	RateBurst   int      `yaml:"rate_burst"`
	Metrics     bool     `yaml:"metrics"`
	AccessLog   bool     `yaml:"access_log"`
}

type ClassifierConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultSQLitePath     = "livetap.db"
	defaultBatchSize      = 1
	defaultFlushMS        = 0
	defaultHTTPAddr       = ":8765"
	defaultRedisStream    = "livetap:events"
	defaultRedisMaxLen    = 10000
	defaultBackoffBaseMS  = 1000
	defaultBackoffMaxMS   = 60000
	defaultMaxAttempts    = 5
	defaultQueueCapacity  = 1024
	defaultRefreshSecs    = 60
	defaultWriteTimeoutMS = 2000
	defaultAggBuffer      = 1024
	defaultMinPollMS      = 2000
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		YouTube: YouTubeConfig{MinPollMS: defaultMinPollMS},
		Tracker: TrackerConfig{
			BackoffBaseMS:       defaultBackoffBaseMS,
			BackoffMaxMS:        defaultBackoffMaxMS,
			MaxAttempts:         defaultMaxAttempts,
			QueueCapacity:       defaultQueueCapacity,
			MetadataRefreshSecs: defaultRefreshSecs,
		},
		Aggregator: AggregatorConfig{WriteTimeoutMS: defaultWriteTimeoutMS, Buffer: defaultAggBuffer},
		Sink: SinkConfig{
			Driver:        "sqlite",
			SQLitePath:    defaultSQLitePath,
			BusyTimeoutMS: 5000,
			BatchSize:     defaultBatchSize,
			FlushMaxMS:    defaultFlushMS,
		},
		Redis: RedisConfig{Stream: defaultRedisStream, MaxLen: defaultRedisMaxLen},
		HTTP: HTTPConfig{
			Addr:      defaultHTTPAddr,
			RateRPS:   20,
			RateBurst: 40,
			Metrics:   true,
			AccessLog: true,
		},
		Classifier: ClassifierConfig{Enabled: true},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// (LIVETAP_CONFIG when path is empty) and LIVETAP_* environment variables, in
// that order of precedence.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("LIVETAP_CONFIG"))
	}
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads only the YAML file on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	c.Source = path
	return nil
}

func (c *Config) applyEnv() {
	c.Twitch.ClientID = readString("LIVETAP_TWITCH_CLIENT_ID", c.Twitch.ClientID)
	if c.Twitch.ClientID == "" {
		if legacy := strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID")); legacy != "" {
			c.Twitch.ClientID = legacy
			c.Twitch.LegacyClientIDEnv = "TWITCH_CLIENT_ID"
		}
	}
	c.Twitch.ClientSecret = readString("LIVETAP_TWITCH_CLIENT_SECRET", c.Twitch.ClientSecret)
	if c.Twitch.ClientSecret == "" {
		c.Twitch.ClientSecret = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_SECRET"))
	}
	c.Twitch.Token = readString("LIVETAP_TWITCH_TOKEN", c.Twitch.Token)
	if c.Twitch.Token == "" {
		if legacy := strings.TrimSpace(os.Getenv("TWITCH_TOKEN")); legacy != "" {
			c.Twitch.Token = legacy
			c.Twitch.LegacyTokenEnv = "TWITCH_TOKEN"
		}
	}
	c.Twitch.TokenFile = readString("LIVETAP_TWITCH_TOKEN_FILE", c.Twitch.TokenFile)
	c.Twitch.IRCURL = readString("LIVETAP_TWITCH_IRC_URL", c.Twitch.IRCURL)
	c.Twitch.HelixURL = readString("LIVETAP_TWITCH_HELIX_URL", c.Twitch.HelixURL)
	c.Twitch.TokenURL = readString("LIVETAP_TWITCH_TOKEN_URL", c.Twitch.TokenURL)
	c.Twitch.DebugDrops = readBool("LIVETAP_TWITCH_DEBUG_DROPS", c.Twitch.DebugDrops)

	c.YouTube.APIKey = readString("LIVETAP_YOUTUBE_API_KEY", c.YouTube.APIKey)
	if c.YouTube.APIKey == "" {
		c.YouTube.APIKey = strings.TrimSpace(os.Getenv("YOUTUBE_API_KEY"))
	}
	c.YouTube.APIKeyFile = readString("LIVETAP_YOUTUBE_API_KEY_FILE", c.YouTube.APIKeyFile)
	c.YouTube.Endpoint = readString("LIVETAP_YOUTUBE_ENDPOINT", c.YouTube.Endpoint)
	c.YouTube.MinPollMS = readInt("LIVETAP_YOUTUBE_MIN_POLL_MS", c.YouTube.MinPollMS)

	c.TikTok.BaseURL = readString("LIVETAP_TIKTOK_BASE_URL", c.TikTok.BaseURL)
	c.TikTok.WebcastURL = readString("LIVETAP_TIKTOK_WEBCAST_URL", c.TikTok.WebcastURL)
	c.TikTok.UserAgent = readString("LIVETAP_TIKTOK_USER_AGENT", c.TikTok.UserAgent)

	c.Tracker.BackoffBaseMS = readInt("LIVETAP_TRACKER_BACKOFF_BASE_MS", c.Tracker.BackoffBaseMS)
	c.Tracker.BackoffMaxMS = readInt("LIVETAP_TRACKER_BACKOFF_MAX_MS", c.Tracker.BackoffMaxMS)
	c.Tracker.MaxAttempts = readInt("LIVETAP_TRACKER_MAX_ATTEMPTS", c.Tracker.MaxAttempts)
	c.Tracker.QueueCapacity = readInt("LIVETAP_TRACKER_QUEUE_CAPACITY", c.Tracker.QueueCapacity)
	c.Tracker.MetadataRefreshSecs = readNonNegative("LIVETAP_TRACKER_METADATA_REFRESH_SECS", c.Tracker.MetadataRefreshSecs)

	c.Aggregator.WriteTimeoutMS = readInt("LIVETAP_AGGREGATOR_WRITE_TIMEOUT_MS", c.Aggregator.WriteTimeoutMS)
	c.Aggregator.Buffer = readInt("LIVETAP_AGGREGATOR_BUFFER", c.Aggregator.Buffer)

	c.Sink.Driver = readString("LIVETAP_SINK_DRIVER", c.Sink.Driver)
	c.Sink.SQLitePath = readString("LIVETAP_SINK_SQLITE_PATH", c.Sink.SQLitePath)
	c.Sink.SQLiteTuning = readBool("LIVETAP_SINK_SQLITE_TUNING", c.Sink.SQLiteTuning)
	c.Sink.BusyTimeoutMS = readNonNegative("LIVETAP_SINK_BUSY_TIMEOUT_MS", c.Sink.BusyTimeoutMS)
	c.Sink.PostgresDSN = readString("LIVETAP_SINK_POSTGRES_DSN", c.Sink.PostgresDSN)
	c.Sink.BatchSize = readInt("LIVETAP_SINK_BATCH_SIZE", c.Sink.BatchSize)
	c.Sink.FlushMaxMS = readNonNegative("LIVETAP_SINK_FLUSH_MAX_MS", c.Sink.FlushMaxMS)

	c.Redis.Addr = readString("LIVETAP_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Username = readString("LIVETAP_REDIS_USERNAME", c.Redis.Username)
	c.Redis.Password = readString("LIVETAP_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = readNonNegative("LIVETAP_REDIS_DB", c.Redis.DB)
	c.Redis.Stream = readString("LIVETAP_REDIS_STREAM", c.Redis.Stream)
	c.Redis.MaxLen = int64(readNonNegative("LIVETAP_REDIS_MAX_LEN", int(c.Redis.MaxLen)))

	c.HTTP.Addr = readString("LIVETAP_HTTP_ADDR", c.HTTP.Addr)
	if origins := splitList(os.Getenv("LIVETAP_HTTP_CORS_ORIGINS")); len(origins) > 0 {
		c.HTTP.CORSOrigins = origins
	}
	c.HTTP.RateRPS = readNonNegative("LIVETAP_HTTP_RATE_RPS", c.HTTP.RateRPS)
	c.HTTP.RateBurst = readNonNegative("LIVETAP_HTTP_RATE_BURST", c.HTTP.RateBurst)
	c.HTTP.Metrics = readBool("LIVETAP_HTTP_METRICS", c.HTTP.Metrics)
	c.HTTP.AccessLog = readBool("LIVETAP_HTTP_ACCESS_LOG", c.HTTP.AccessLog)

	c.Classifier.Enabled = readBool("LIVETAP_CLASSIFIER_ENABLED", c.Classifier.Enabled)

	c.Log.Level = readString("LIVETAP_LOG_LEVEL", c.Log.Level)
	c.Log.Format = readString("LIVETAP_LOG_FORMAT", c.Log.Format)

	if track := splitList(os.Getenv("LIVETAP_TRACK")); len(track) > 0 {
		c.Track = track
	}
}

func (c *Config) normalize() {
	c.Sink.Driver = strings.ToLower(strings.TrimSpace(c.Sink.Driver))
	if c.Sink.Driver == "" {
		c.Sink.Driver = "sqlite"
	}
	if c.Sink.SQLitePath == "" {
		c.Sink.SQLitePath = defaultSQLitePath
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = defaultRedisStream
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Track = dedupe(c.Track)
}

// Validate rejects settings that cannot be served.
func (c Config) Validate() error {
	switch c.Sink.Driver {
	case "sqlite", "none":
	case "postgres":
		if strings.TrimSpace(c.Sink.PostgresDSN) == "" {
			return fmt.Errorf("config: sink.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown sink driver %q", c.Sink.Driver)
	}
	if _, err := c.Targets(); err != nil {
		return fmt.Errorf("config: track: %w", err)
	}
	return nil
}

// Targets parses the startup track list.
func (c Config) Targets() ([]core.StreamerRef, error) {
	out := make([]core.StreamerRef, 0, len(c.Track))
	for _, raw := range c.Track {
		ref, err := core.ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func (c Config) HasStore() bool { return c.Sink.Driver != "none" }

func (c Config) HasRedis() bool { return strings.TrimSpace(c.Redis.Addr) != "" }

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func (c Config) BusyTimeout() time.Duration {
	return time.Duration(c.Sink.BusyTimeoutMS) * time.Millisecond
}

func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.Aggregator.WriteTimeoutMS) * time.Millisecond
}

func (c TrackerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c TrackerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

func (c TrackerConfig) MetadataRefresh() time.Duration {
	return time.Duration(c.MetadataRefreshSecs) * time.Second
}

func (c YouTubeConfig) MinPollInterval() time.Duration {
	return time.Duration(c.MinPollMS) * time.Millisecond
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

// readNonNegative is readInt for settings where zero means "off".
func readNonNegative(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) Summary() Summary {
	return Summary{
		Source:     c.Source,
		SinkDriver: c.Sink.Driver,
		SQLitePath: c.Sink.SQLitePath,
		BatchSize:  c.Sink.BatchSize,
		FlushMaxMS: c.Sink.FlushMaxMS,
		Redis:      c.HasRedis(),
		HTTPAddr:   c.HTTP.Addr,
		Track:      len(c.Track),
		Classifier: c.Classifier.Enabled,
		Twitch: TwitchSummary{
			ClientID:     redactString(c.Twitch.ClientID),
			ClientSecret: redactString(c.Twitch.ClientSecret),
			Token:        redactString(c.Twitch.Token),
			TokenFile:    c.Twitch.TokenFile,
		},
		YouTube: YouTubeSummary{
			APIKey:     redactString(c.YouTube.APIKey),
			APIKeyFile: c.YouTube.APIKeyFile,
		},
	}
}

type Summary struct {
	Source     string         `json:"source,omitempty"`
	SinkDriver string         `json:"sink"`
	SQLitePath string         `json:"sqlite_path,omitempty"`
	BatchSize  int            `json:"batch"`
	FlushMaxMS int            `json:"flush_ms"`
	Redis      bool           `json:"redis"`
	HTTPAddr   string         `json:"http_addr"`
	Track      int            `json:"track"`
	Classifier bool           `json:"classifier"`
	Twitch     TwitchSummary  `json:"twitch"`
	YouTube    YouTubeSummary `json:"yt"`
}

type TwitchSummary struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Token        string `json:"token,omitempty"`
	TokenFile    string `json:"token_file,omitempty"`
}

type YouTubeSummary struct {
	APIKey     string `json:"api_key,omitempty"`
	APIKeyFile string `json:"api_key_file,omitempty"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"twitch": map[string]any{
			"client_id":     redactString(c.Twitch.ClientID),
			"client_secret": redactString(c.Twitch.ClientSecret),
			"token":         redactString(c.Twitch.Token),
			"token_file":    c.Twitch.TokenFile,
			"irc_url":       c.Twitch.IRCURL,
			"helix_url":     c.Twitch.HelixURL,
			"debug_drops":   c.Twitch.DebugDrops,
		},
		"youtube": map[string]any{
			"api_key":      redactString(c.YouTube.APIKey),
			"api_key_file": c.YouTube.APIKeyFile,
			"endpoint":     c.YouTube.Endpoint,
			"min_poll_ms":  c.YouTube.MinPollMS,
		},
		"tiktok": map[string]any{
			"base_url":    c.TikTok.BaseURL,
			"webcast_url": c.TikTok.WebcastURL,
		},
		"tracker": map[string]any{
			"backoff_base_ms":       c.Tracker.BackoffBaseMS,
			"backoff_max_ms":        c.Tracker.BackoffMaxMS,
			"max_attempts":          c.Tracker.MaxAttempts,
			"queue_capacity":        c.Tracker.QueueCapacity,
			"metadata_refresh_secs": c.Tracker.MetadataRefreshSecs,
		},
		"aggregator": map[string]any{
			"write_timeout_ms": c.Aggregator.WriteTimeoutMS,
			"buffer":           c.Aggregator.Buffer,
		},
		"sink": map[string]any{
			"driver":       c.Sink.Driver,
			"sqlite_path":  c.Sink.SQLitePath,
			"tuning":       c.Sink.SQLiteTuning,
			"postgres_dsn": redactString(c.Sink.PostgresDSN),
			"batch_size":   c.Sink.BatchSize,
			"flush_ms":     c.Sink.FlushMaxMS,
		},
		"redis": map[string]any{
			"addr":     c.Redis.Addr,
			"username": c.Redis.Username,
			"password": redactString(c.Redis.Password),
			"db":       c.Redis.DB,
			"stream":   c.Redis.Stream,
			"max_len":  c.Redis.MaxLen,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
		},
		"classifier": map[string]any{"enabled": c.Classifier.Enabled},
		"track":      append([]string(nil), c.Track...),
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
