// Package redis backs the job queues, locks, rate limiter and source cache
// with go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// clientName tags indexer connections in CLIENT LIST.
const clientName = "nftindexer"

// XAUTOCLAIM, used to recover jobs of dead workers, arrived in 6.2.
const minMajor, minMinor = 6, 2

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client is the shared connection pool handed to the queue, lock, limiter
// and cache types of this package.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and refuses servers too old for the job queue.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		ClientName: clientName,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := &Client{rdb: redis.NewClient(opts)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}

	info, err := c.rdb.Info(ctx, "server").Result()
	if err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("redis: server info: %w", err)
	}
	if v := serverVersion(info); !supportsStreams(v) {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("redis: server %s at %s lacks XAUTOCLAIM (need %d.%d+)", v, cfg.Addr, minMajor, minMinor)
	}
	return c, nil
}

// Ping implements the health check probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// serverVersion extracts redis_version from an INFO server reply.
func serverVersion(info string) string {
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "redis_version:"); ok {
			return v
		}
	}
	return ""
}

// supportsStreams reports whether version is at least 6.2. Servers that do
// not report a version (some managed proxies) are given the benefit of the
// doubt.
func supportsStreams(version string) bool {
	if version == "" {
		return true
	}
	parts := strings.SplitN(version, ".", 3)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return true
	}
	minor := 0
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major > minMajor || (major == minMajor && minor >= minMinor)
}
