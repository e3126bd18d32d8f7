package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CacheService provides JSON caching on top of Redis
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyDashboard is for fresh dashboard views
	CacheKeyDashboard CacheKeyType = "dashboard"
	// CacheKeyDashboardStale holds the last good copy of a dashboard view
	CacheKeyDashboardStale CacheKeyType = "dashboard_stale"
	// CacheKeyReport is for generated conversion reports
	CacheKeyReport CacheKeyType = "report"
	// CacheKeyGeneration counts the invalidations of a project's views
	CacheKeyGeneration CacheKeyType = "dashboard_gen"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, p := range params {
		parts = append(parts, strings.ToLower(p))
	}
	return strings.Join(parts, ":")
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it. A miss is (false, nil).
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, found, err := c.redis.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	return c.redis.Del(ctx, keys...)
}

// InvalidatePattern removes all keys matching a pattern
// Pattern examples: "dashboard:p-1:*", "report:*"
func (c *CacheService) InvalidatePattern(ctx context.Context, pattern string) error {
	_, err := c.redis.DelPattern(ctx, pattern)
	return err
}

// Generation returns the project's view generation. Views are cached under
// their generation, so a build that started before an invalidation can only
// write keys no later read looks up.
func (c *CacheService) Generation(ctx context.Context, projectID string) (int64, error) {
	raw, found, err := c.redis.Get(ctx, c.GenerateCacheKey(CacheKeyGeneration, projectID))
	if err != nil || !found {
		return 0, err
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid view generation %q: %w", raw, err)
	}
	return gen, nil
}

// InvalidateProject drops every cached view and report of a project,
// including stale fallbacks, and moves the project to a new view generation
func (c *CacheService) InvalidateProject(ctx context.Context, projectID string) error {
	projectID = strings.ToLower(projectID)
	if _, err := c.redis.Incr(ctx, c.GenerateCacheKey(CacheKeyGeneration, projectID)); err != nil {
		return fmt.Errorf("failed to advance view generation: %w", err)
	}
	for _, kt := range []CacheKeyType{CacheKeyDashboard, CacheKeyDashboardStale, CacheKeyReport} {
		if err := c.InvalidatePattern(ctx, fmt.Sprintf("%s:%s:*", kt, projectID)); err != nil {
			return fmt.Errorf("failed to invalidate %s cache: %w", kt, err)
		}
	}
	return nil
}
