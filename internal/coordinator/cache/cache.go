// Package cache provides a Redis-backed cache of merged search responses
// with singleflight suppression of duplicate concurrent searches.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/searchkit/coordinator/internal/search"
	"github.com/searchkit/coordinator/pkg/config"
	pkgredis "github.com/searchkit/coordinator/pkg/redis"
)

const keyPrefix = "search:"

// ResponseCache caches merged responses keyed by normalized query and
// window. Responses with failed shards are never cached, so a transient
// shard outage cannot pin a partial result for the TTL.
type ResponseCache struct {
	client *pkgredis.Client
	cfg    config.RedisConfig
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a ResponseCache over the given Redis client.
func New(client *pkgredis.Client, cfg config.RedisConfig) *ResponseCache {
	return &ResponseCache{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "response-cache"),
	}
}

// Get returns the cached response for (query, window), if any.
func (c *ResponseCache) Get(ctx context.Context, query string, window int) (*search.Response, bool) {
	key := c.buildKey(query, window)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var resp search.Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "query", query, "key", key)
	return &resp, true
}

// Set stores a response unless it is partial.
func (c *ResponseCache) Set(ctx context.Context, query string, window int, resp *search.Response) {
	if resp.FailedShards > 0 {
		return
	}
	key := c.buildKey(query, window)
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached response or computes and stores it,
// collapsing concurrent identical searches into one execution.
func (c *ResponseCache) GetOrCompute(
	ctx context.Context,
	query string,
	window int,
	computeFn func() (*search.Response, error),
) (*search.Response, bool, error) {
	if resp, ok := c.Get(ctx, query, window); ok {
		return resp, true, nil
	}
	key := c.buildKey(query, window)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if resp, ok := c.Get(ctx, query, window); ok {
			return resp, nil
		}
		resp, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, query, window, resp)
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*search.Response), false, nil
}

// Invalidate deletes all cached responses.
func (c *ResponseCache) Invalidate(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

// Stats returns the hit and miss counters.
func (c *ResponseCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ResponseCache) buildKey(query string, window int) string {
	raw := fmt.Sprintf("%s:window=%d", normalizeQuery(query), window)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

// normalizeQuery lowercases and sorts terms so that equivalent bags of words
// share a cache entry.
func normalizeQuery(query string) string {
	terms := strings.Fields(strings.ToLower(query))
	sort.Strings(terms)
	return strings.Join(terms, " ")
}
