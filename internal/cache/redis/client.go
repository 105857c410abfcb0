// Package redis backs the bot's optional shared state with go-redis/v9: mark
// prices, the daily guard snapshot, order rate limits, reconcile locks and the
// event/signal bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 3 * time.Second
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// KeyPrefix namespaces every key, so several bots can share one Redis.
	KeyPrefix string

	DialTimeout time.Duration
	IOTimeout   time.Duration
}

func (cfg ClientConfig) options() *redis.Options {
	dial, io := cfg.DialTimeout, cfg.IOTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	if io <= 0 {
		io = defaultIOTimeout
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  dial,
		ReadTimeout:  io,
		WriteTimeout: io,
		ClientName:   "perpbot",
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client is the shared connection used by every type in this package.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New dials Redis and fails fast when the server does not answer PING.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(cfg.options())
	c := &Client{rdb: rdb, prefix: cfg.KeyPrefix}
	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return c, nil
}

// Ping is used as the health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key builds "<prefix><kind>:<id>", e.g. "perpbot:price:BTCUSDT". An empty id
// yields "<prefix><kind>".
func (c *Client) Key(kind, id string) string {
	if id == "" {
		return c.prefix + kind
	}
	return c.prefix + kind + ":" + id
}
