package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/you/livetap/internal/aggregator"
	"github.com/you/livetap/internal/classify"
	"github.com/you/livetap/internal/config"
	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/credentials"
	httpadmin "github.com/you/livetap/internal/http"
	"github.com/you/livetap/internal/httpapi"
	"github.com/you/livetap/internal/metrics"
	"github.com/you/livetap/internal/registry"
	"github.com/you/livetap/internal/sink"
	"github.com/you/livetap/internal/source"
	"github.com/you/livetap/internal/telemetry"
	"github.com/you/livetap/internal/tiktok"
	"github.com/you/livetap/internal/tracker"
	"github.com/you/livetap/internal/twitchirc"
	"github.com/you/livetap/internal/version"
	"github.com/you/livetap/internal/ytlive"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Local dev convenience; real deployments set the environment.
	_ = godotenv.Load()

	var (
		versionFlag     bool
		configPath      string
		dbPath          string
		sinkDriver      string
		twTokenFile     string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		track           string
		logLevel        string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file (default $LIVETAP_CONFIG)")
	flag.StringVar(&dbPath, "sqlite", "livetap.db", "Path to SQLite database file")
	flag.StringVar(&sinkDriver, "sink", "sqlite", "Event store: sqlite, postgres or none")
	flag.StringVar(&twTokenFile, "twitch-token-file", "", "Path to file containing the Twitch OAuth token")
	flag.StringVar(&httpAddr, "http-addr", ":8765", "HTTP API address")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.StringVar(&track, "track", "", "Comma-separated platform:streamer_id targets to track at startup")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"livetap version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("livetap: %v", err)
	}

	if overrides["sqlite"] {
		cfg.Sink.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["sink"] {
		cfg.Sink.Driver = strings.ToLower(strings.TrimSpace(sinkDriver))
	}
	if overrides["twitch-token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(twTokenFile)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}
	if overrides["track"] {
		cfg.Track = nil
		for _, target := range strings.Split(track, ",") {
			if target = strings.TrimSpace(target); target != "" {
				cfg.Track = append(cfg.Track, target)
			}
		}
	}
	if overrides["log-level"] {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(logLevel))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("livetap: %v", err)
	}
	targets, _ := cfg.Targets()

	setupLogger(cfg.Log)
	if cfg.Twitch.LegacyClientIDEnv != "" || cfg.Twitch.LegacyTokenEnv != "" {
		slog.Warn("livetap: legacy twitch env vars in use; prefer LIVETAP_TWITCH_*",
			"client_id_env", cfg.Twitch.LegacyClientIDEnv, "token_env", cfg.Twitch.LegacyTokenEnv)
	}
	log.Printf("%s", cfg.SummaryJSON())

	shutdownTracing, err := telemetry.Init("livetap", version.Version)
	if err != nil {
		log.Fatalf("livetap: %v", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ingest := metrics.NewIngest(promReg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("livetap: open store: %v", err)
	}
	var (
		aggStore aggregator.Store
		apiStore httpapi.Store
	)
	if store != nil {
		aggStore = store
		apiStore = store
	} else {
		log.Printf("livetap: event store disabled; events are only streamed live")
	}

	twitchToken := credentials.NewFile("twitch_token", cfg.Twitch.TokenFile, cfg.Twitch.Token, credentials.NormalizeToken)
	youtubeKey := credentials.NewFile("youtube_api_key", cfg.YouTube.APIKeyFile, cfg.YouTube.APIKey, nil)
	creds := credentials.NewSet(twitchToken, youtubeKey)

	factories := map[core.Platform]source.Factory{
		core.TikTok: func() source.StreamSource {
			return tiktok.New(tiktok.Config{
				BaseURL:    cfg.TikTok.BaseURL,
				WebcastURL: cfg.TikTok.WebcastURL,
				UserAgent:  cfg.TikTok.UserAgent,
			})
		},
		core.Twitch: func() source.StreamSource {
			return twitchirc.New(twitchirc.Config{
				Helix: twitchirc.HelixConfig{
					ClientID:     cfg.Twitch.ClientID,
					ClientSecret: cfg.Twitch.ClientSecret,
					Token:        twitchToken.Value,
					BaseURL:      cfg.Twitch.HelixURL,
					TokenURL:     cfg.Twitch.TokenURL,
				},
				IRCURL:     cfg.Twitch.IRCURL,
				DebugDrops: cfg.Twitch.DebugDrops,
			})
		},
		core.YouTube: func() source.StreamSource {
			return ytlive.New(ytlive.Config{
				APIKey:          youtubeKey.Value,
				Endpoint:        cfg.YouTube.Endpoint,
				MinPollInterval: cfg.YouTube.MinPollInterval(),
			})
		},
	}

	hub := httpapi.NewBroadcaster()
	pubs := []aggregator.Publisher{hub}
	var redisPub *sink.RedisPublisher
	if cfg.HasRedis() {
		redisPub, err = sink.NewRedisPublisher(ctx, sink.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			log.Fatalf("livetap: redis: %v", err)
		}
		pubs = append(pubs, redisPub)
		log.Printf("livetap: publishing events to redis stream %s", cfg.Redis.Stream)
	}

	var classifier classify.Classifier
	if cfg.Classifier.Enabled {
		classifier = classify.NewKeyword(nil)
	}

	agg := aggregator.New(aggStore, pubs, aggregator.Config{
		Buffer:       cfg.Aggregator.Buffer,
		WriteTimeout: cfg.WriteTimeout(),
		Classifier:   classifier,
		Metrics:      ingest,
	})

	sessions := registry.New(factories, tracker.Config{
		BackoffBase:     cfg.Tracker.BackoffBase(),
		BackoffMax:      cfg.Tracker.BackoffMax(),
		MaxAttempts:     cfg.Tracker.MaxAttempts,
		QueueCapacity:   cfg.Tracker.QueueCapacity,
		MetadataRefresh: cfg.Tracker.MetadataRefresh(),
		Metrics:         ingest,
	}, agg)

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	api := httpapi.New(sessions, agg, apiStore, httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateLimitRPS:   cfg.HTTP.RateRPS,
		RateLimitBurst: cfg.HTTP.RateBurst,
		EnableMetrics:  cfg.HTTP.Metrics,
		AccessLog:      cfg.HTTP.AccessLog,
		Build:          build,
		Config:         cfg.Redacted(),
		Registry:       promReg,
		Hub:            hub,
	})
	httpadmin.New(creds).Register(api.Handler())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		agg.Run(gctx)
		return nil
	})
	g.Go(api.Start)
	g.Go(func() error {
		return creds.Watch(gctx)
	})
	g.Go(func() error {
		for _, ref := range targets {
			if gctx.Err() != nil {
				return nil
			}
			t, err := sessions.Register(gctx, ref)
			if err != nil {
				log.Printf("livetap: track %s: %v", ref, err)
				continue
			}
			log.Printf("livetap: tracking %s as session %s", ref, t.SessionID())
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("livetap: shutting down")

		sessions.StopAll()
		agg.Close()
		<-agg.Done()

		if store != nil {
			if err := store.Close(); err != nil {
				log.Printf("livetap: close store: %v", err)
			}
		}
		if redisPub != nil {
			if err := redisPub.Close(); err != nil {
				log.Printf("livetap: close redis: %v", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("livetap: http api shutdown: %v", err)
		}
		return nil
	})

	log.Printf("livetap: http api ready on %s", cfg.HTTP.Addr)
	if err := g.Wait(); err != nil {
		log.Printf("livetap: %v", err)
		shutdownTracing()
		os.Exit(1)
	}
	log.Printf("livetap: shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config) (*sink.BufferedStore, error) {
	if !cfg.HasStore() {
		return nil, nil
	}
	var (
		base *sink.Store
		err  error
	)
	switch cfg.Sink.Driver {
	case "postgres":
		base, err = sink.OpenPostgres(ctx, cfg.Sink.PostgresDSN)
	default:
		base, err = sink.OpenSQLiteWith(ctx, cfg.Sink.SQLitePath, sink.SQLiteOptions{
			Tuning:      cfg.Sink.SQLiteTuning,
			BusyTimeout: cfg.BusyTimeout(),
		})
	}
	if err != nil {
		return nil, err
	}
	log.Printf("livetap: event store %s batch=%d flush=%s", base, cfg.Batch(), cfg.FlushInterval())
	return sink.NewBufferedStore(base, sink.BufferedOptions{
		BatchSize:     cfg.Batch(),
		FlushInterval: cfg.FlushInterval(),
	}), nil
}

func setupLogger(lc config.LogConfig) {
	lvl := slog.LevelInfo
	switch lc.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		log.Printf("livetap: unknown log level %q, using info", lc.Level)
	}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
