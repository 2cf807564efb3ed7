package query

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/config"
)

const (
	defaultCacheTTL     = 300 * time.Second
	defaultCacheMaxSize = 1000

	sweepInterval = time.Minute
)

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Size      int   `json:"size"`
}

type cacheEntry struct {
	key       string
	rows      []map[string]any
	expiresAt time.Time
	lruElem   *list.Element
}

// Cache is a thread-safe TTL + LRU result cache keyed by a content hash of
// (sql, params). Expired entries are dropped lazily on access and by a
// background sweep.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	lru        *list.List
	maxSize    int
	defaultTTL time.Duration
	stats      CacheStats
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewCache creates a cache with explicit limits and starts the background
// sweep. Call Close to stop the sweep goroutine.
func NewCache(maxSize int, defaultTTL time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = defaultCacheMaxSize
	}

	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}

	c := &Cache{
		entries:    map[string]*cacheEntry{},
		lru:        list.New(),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// NewCacheFromEnv creates a cache configured from environment variables.
func NewCacheFromEnv() *Cache {
	return NewCache(
		config.GetEnvInt("OSV_CACHE_MAX_SIZE", defaultCacheMaxSize),
		config.GetEnvDuration("OSV_CACHE_DEFAULT_TTL", defaultCacheTTL),
	)
}

// Close stops the background sweep. Safe to call multiple times.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// CacheKey derives the content hash for a (sql, params) pair. Equal queries
// with equal parameters always map to the same key.
func CacheKey(sql string, params []any) string {
	h := sha256.New()
	h.Write([]byte(sql))

	if encoded, err := json.Marshal(params); err == nil {
		h.Write(encoded)
	} else {
		// Unmarshalable params still need a stable discriminator.
		fmt.Fprintf(h, "%v", params)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached rows for the query, refreshing its LRU position.
// Expired entries are removed and counted as misses.
func (c *Cache) Get(sql string, params []any) ([]map[string]any, bool) {
	key := CacheKey(sql, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++

		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		c.removeLocked(entry)
		c.stats.Expired++
		c.stats.Misses++

		return nil, false
	}

	c.lru.MoveToFront(entry.lruElem)
	c.stats.Hits++

	return entry.rows, true
}

// Set stores the rows for the query. A non-positive ttl uses the default.
// When the cache is full the least recently used entry is evicted.
func (c *Cache) Set(sql string, params []any, rows []map[string]any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	key := CacheKey(sql, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.rows = rows
		entry.expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(entry.lruElem)

		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}

		c.removeLocked(oldest.Value.(*cacheEntry))
		c.stats.Evictions++
	}

	entry := &cacheEntry{
		key:       key,
		rows:      rows,
		expiresAt: time.Now().Add(ttl),
	}
	entry.lruElem = c.lru.PushFront(entry)
	c.entries[key] = entry
}

// Invalidate drops one cached query.
func (c *Cache) Invalidate(sql string, params []any) {
	key := CacheKey(sql, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(entry)
	}
}

// Clear drops all entries. Counters are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = map[string]*cacheEntry{}
	c.lru.Init()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = len(c.entries)

	return stats
}

func (c *Cache) removeLocked(entry *cacheEntry) {
	delete(c.entries, entry.key)
	c.lru.Remove(entry.lruElem)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(entry)
			c.stats.Expired++
		}
	}
}
