package offline

import (
	"errors"
	"log"
	"time"

	"devscreen/internal/metrics"
	"devscreen/internal/models"

	"github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a cached result stays valid
const DefaultTTL = 7 * 24 * time.Hour

// Backend is the durable layer behind the in-memory cache
type Backend interface {
	LoadResult(key string) (*models.CachedResult, error)
	SaveResult(result models.CachedResult) error
	DeleteResultsBefore(cutoff time.Time) (int64, error)
}

// Cache is a TTL key-value cache of screening results. Reads hit go-cache
// first and fall through to the durable backend. Storage failures never reach
// the caller; they are logged and counted.
type Cache struct {
	mem     *cache.Cache
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewCache creates a cache over backend. A non-positive ttl becomes DefaultTTL.
func NewCache(backend Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		mem:     cache.New(ttl, 30*time.Minute),
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// SetMetrics attaches Prometheus metrics
func (c *Cache) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// TTL returns the configured time-to-live
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the result for key. It reports false when the key is missing or
// the entry is older than the TTL.
func (c *Cache) Get(key string) (models.CachedResult, bool) {
	if v, found := c.mem.Get(key); found {
		if result, ok := v.(models.CachedResult); ok {
			if c.expired(result) {
				c.mem.Delete(key)
				return models.CachedResult{}, false
			}
			return result, true
		}
	}

	if c.backend == nil {
		return models.CachedResult{}, false
	}

	stored, err := c.backend.LoadResult(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("⚠️  [CACHE] Failed to read %s: %v", key, err)
		}
		return models.CachedResult{}, false
	}
	if c.expired(*stored) {
		return models.CachedResult{}, false
	}

	c.mem.Set(key, *stored, c.remaining(*stored))
	return *stored, true
}

// Put upserts result under result.Key and refreshes its timestamp
func (c *Cache) Put(result models.CachedResult) models.CachedResult {
	result.Timestamp = c.now()
	c.mem.Set(result.Key, result, c.ttl)

	if c.backend != nil {
		if err := c.backend.SaveResult(result); err != nil {
			log.Printf("⚠️  [CACHE] Failed to persist %s (kept in memory): %v", result.Key, err)
			if c.metrics != nil {
				c.metrics.CacheWriteErrors.Inc()
			}
		}
	}
	return result
}

// Upgrade writes an online result under key. When it replaces a cached offline
// estimate the stored mode is hybrid.
func (c *Cache) Upgrade(key string, online models.CachedResult) models.CachedResult {
	online.Key = key
	online.Mode = models.ModeOnline
	if existing, ok := c.Get(key); ok && existing.Mode != models.ModeOnline {
		online.Mode = models.ModeHybrid
	}
	return c.Put(online)
}

// Purge deletes durable entries older than the TTL and returns how many went away
func (c *Cache) Purge() int {
	c.mem.DeleteExpired()
	if c.backend == nil {
		return 0
	}

	n, err := c.backend.DeleteResultsBefore(c.now().Add(-c.ttl))
	if err != nil {
		log.Printf("⚠️  [CACHE] Purge failed: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("🗑️  [CACHE] Purged %d expired results", n)
	}
	return int(n)
}

func (c *Cache) expired(result models.CachedResult) bool {
	return !c.now().Before(result.Timestamp.Add(c.ttl))
}

func (c *Cache) remaining(result models.CachedResult) time.Duration {
	d := result.Timestamp.Add(c.ttl).Sub(c.now())
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
