// Package redissink persists the audit trail to a Redis list so it survives
// process restarts and can be shared by multiple bridge instances. Events are
// JSON-encoded and pushed with LPUSH; the list is trimmed to a bounded length
// so the trail cannot grow without limit.
package redissink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-bridge-go/audit"
)

// Config for the Redis-backed audit sink. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Key holding the audit list. ENV: AUDIT_KEY
	Key string `env:"AUDIT_KEY,default=mcp:audit"`
	// MaxLen bounds the list; older entries are trimmed away. ENV: AUDIT_MAX_LEN
	MaxLen int64 `env:"AUDIT_MAX_LEN,default=10000"`
}

// Sink writes audit events to a Redis list.
type Sink struct {
	client *redis.Client
	key    string
	maxLen int64
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Sink, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	key := cfg.Key
	if key == "" {
		key = "mcp:audit"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Sink{client: cl, key: key, maxLen: maxLen}, nil
}

// NewFromEnv builds a Sink using envdecode to populate Config.
func NewFromEnv() (*Sink, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Sink) Close() error { return s.client.Close() }

// Record implements audit.Sink. Newest events sit at the head of the list.
func (s *Sink) Record(ctx context.Context, ev audit.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, b)
	pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
