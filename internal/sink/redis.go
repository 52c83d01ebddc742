package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/you/livetap/internal/core"
)

const defaultRedisStream = "livetap:events"

// RedisOptions configures the Redis Streams publisher.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream approximately; zero leaves it unbounded.
	MaxLen int64
}

// RedisPublisher appends every processed event to a Redis stream so that
// external displays can follow sessions without polling the store.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisPublisher(ctx context.Context, opts RedisOptions) (*RedisPublisher, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(opts.Stream)
	if stream == "" {
		stream = defaultRedisStream
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     strings.TrimSpace(opts.Username),
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: opts.MaxLen}, nil
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, ev core.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: []any{
			"session", string(ev.Session()),
			"kind", string(ev.Kind()),
			"payload", string(payload),
		},
	}).Err()
}

func (p *RedisPublisher) Close() error { return p.client.Close() }
