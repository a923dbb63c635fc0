package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/redis/go-redis/v9"
)

const sourceTTL = 30 * time.Minute

// SourceCache shares resolved marketplace sources between processes.
//
// Key schema:
//
//	source:{domain} - hash with field "data" containing JSON
type SourceCache struct {
	rdb *redis.Client
}

// NewSourceCache creates a SourceCache backed by the given Client.
func NewSourceCache(c *Client) *SourceCache {
	return &SourceCache{rdb: c.rdb}
}

func sourceKey(domainName string) string { return "source:" + domainName }

// Set stores a source with a 30-minute TTL.
func (sc *SourceCache) Set(ctx context.Context, src domain.Source) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("redis: marshal source %s: %w", src.Domain, err)
	}

	key := sourceKey(src.Domain)
	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, sourceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set source %s: %w", src.Domain, err)
	}
	return nil
}

// Get returns the cached source or domain.ErrNotFound.
func (sc *SourceCache) Get(ctx context.Context, domainName string) (domain.Source, error) {
	data, err := sc.rdb.HGet(ctx, sourceKey(domainName), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Source{}, domain.ErrNotFound
		}
		return domain.Source{}, fmt.Errorf("redis: get source %s: %w", domainName, err)
	}

	var src domain.Source
	if err := json.Unmarshal(data, &src); err != nil {
		return domain.Source{}, fmt.Errorf("redis: unmarshal source %s: %w", domainName, err)
	}
	return src, nil
}

// Invalidate drops a cached source.
func (sc *SourceCache) Invalidate(ctx context.Context, domainName string) error {
	if err := sc.rdb.Del(ctx, sourceKey(domainName)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate source %s: %w", domainName, err)
	}
	return nil
}
