// Package matcache holds ready-to-serve asset bundles keyed by
// (product, material) so the storefront can switch materials within the
// configured latency target.
package matcache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"atelier/internal/model"
	"atelier/pkg/config"
	"atelier/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// redisKeyPrefix is the prefix for Redis cache keys
	redisKeyPrefix = "matcache:"

	// latencyWindow is how many switch-latency samples each entry keeps
	latencyWindow = 32

	// redisOpTimeout bounds every Redis round trip so a slow tier can
	// never stall the serving path
	redisOpTimeout = 2 * time.Second
)

// GenerateFunc renders the asset bundle for one (product, material) pair.
// Preload uses it to fill the cache without an explicit job submission.
type GenerateFunc func(ctx context.Context, productID, materialID string) (*model.AssetBundle, error)

// key identifies one cache entry.
type key struct {
	product  string
	material string
}

// entry is the in-memory record for one (product, material) pair.
// The map lock only guards the map itself; per-entry metadata has its
// own lock so storefront reads do not serialize behind each other.
type entry struct {
	mu         sync.Mutex
	bundle     *model.AssetBundle
	priority   model.Priority
	samples    []time.Duration // rolling switch-latency window
	hits       int64
	lastAccess time.Time
}

// redisValue is the JSON structure stored in the Redis tier. The priority
// travels with the bundle so a promoted entry lands in the right tier.
type redisValue struct {
	Bundle   *model.AssetBundle `json:"bundle"`
	Priority model.Priority     `json:"priority"`
}

// Stats is an aggregate view of the cache, surfaced by the health endpoint
// and consumed by the optimization advisor.
type Stats struct {
	Size            int     `json:"size"`
	Capacity        int     `json:"capacity"`
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	HitRate         float64 `json:"hit_rate"`
	AverageSwitchMS float64 `json:"average_switch_ms"`
	SLOCompliance   float64 `json:"slo_compliance"` // percent of samples within target
	TargetLatencyMS int64   `json:"target_latency_ms"`
	MemoryBytes     int64   `json:"memory_bytes"`
}

// Cache is the material switch cache. The in-memory map is authoritative
// for serving; an optional Redis tier lets a restarted instance warm back
// up and lets replicas share bundles.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]*entry

	redisClient *redis.Client

	cfg config.CacheConfig

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache with in-memory storage only. Use WithRedis to add
// the second tier.
func New(cfg config.CacheConfig) *Cache {
	def := config.DefaultCacheConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TargetLatency <= 0 {
		cfg.TargetLatency = def.TargetLatency
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = def.RedisTTL
	}

	return &Cache{
		entries: make(map[key]*entry),
		cfg:     cfg,
	}
}

// WithRedis configures the Redis tier. Returns the cache for chaining.
func (c *Cache) WithRedis(client *redis.Client) *Cache {
	c.redisClient = client
	return c
}

// HasRedis returns true if the Redis tier is configured.
func (c *Cache) HasRedis() bool {
	return c.redisClient != nil
}

// redisKey builds the Redis key for one (product, material) pair.
// Format: matcache:{product}:{material}
func redisKey(productID, materialID string) string {
	return redisKeyPrefix + productID + ":" + materialID
}

// Get returns the cached bundle for the pair, or (nil, false) on a miss.
// A hit updates the entry's last-access time and popularity and records
// the measured switch latency, including any Redis fetch on a memory miss.
func (c *Cache) Get(ctx context.Context, productID, materialID string) (*model.AssetBundle, bool) {
	start := time.Now()
	k := key{product: productID, material: materialID}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()

	if !ok && c.redisClient != nil {
		e = c.promoteFromRedis(ctx, k)
		ok = e != nil
	}

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	elapsed := time.Since(start)
	c.hits.Add(1)

	e.mu.Lock()
	e.hits++
	e.lastAccess = time.Now()
	e.samples = appendSample(e.samples, elapsed)
	bundle := e.bundle
	e.mu.Unlock()

	return bundle, true
}

// promoteFromRedis loads a pair from the Redis tier into memory.
// Returns nil if not found, corrupt, or on error.
func (c *Cache) promoteFromRedis(ctx context.Context, k key) *entry {
	rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	rk := redisKey(k.product, k.material)
	data, err := c.redisClient.Get(rctx, rk).Bytes()
	if err != nil {
		return nil
	}

	var cached redisValue
	if err := json.Unmarshal(data, &cached); err != nil || cached.Bundle == nil {
		// Corrupt payload, drop it
		_ = c.redisClient.Del(rctx, rk)
		return nil
	}

	priority := cached.Priority
	if !priority.Valid() {
		priority = model.PriorityMedium
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[k]; ok {
		return existing
	}
	e := &entry{
		bundle:     cached.Bundle,
		priority:   priority,
		lastAccess: time.Now(),
	}
	c.entries[k] = e
	c.evictOverCapacityLocked()
	return e
}

// Put inserts or refreshes the bundle for the pair and triggers eviction
// when the cache grows past capacity. A refresh keeps the entry's latency
// window and popularity. The Redis tier is written best-effort.
func (c *Cache) Put(ctx context.Context, productID, materialID string, bundle *model.AssetBundle, priority model.Priority) {
	if bundle == nil {
		return
	}
	if !priority.Valid() {
		priority = model.PriorityMedium
	}
	k := key{product: productID, material: materialID}

	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	e.mu.Lock()
	e.bundle = bundle
	e.priority = priority
	e.lastAccess = time.Now()
	e.mu.Unlock()
	c.evictOverCapacityLocked()
	c.mu.Unlock()

	if c.redisClient != nil {
		c.setInRedis(ctx, k, bundle, priority)
	}
}

// setInRedis stores a bundle in the Redis tier. Errors are ignored, the
// in-memory tier remains authoritative.
func (c *Cache) setInRedis(ctx context.Context, k key, bundle *model.AssetBundle, priority model.Priority) {
	rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := json.Marshal(redisValue{Bundle: bundle, Priority: priority})
	if err != nil {
		return
	}
	_ = c.redisClient.Set(rctx, redisKey(k.product, k.material), data, c.cfg.RedisTTL).Err()
}

// evictOverCapacityLocked evicts entries until the cache fits its capacity.
// Victims are chosen by priority tier ascending (low, then medium, then
// high), least recently used within a tier. High-priority entries are never
// evicted while a lower tier still has entries. Caller holds the map lock.
func (c *Cache) evictOverCapacityLocked() {
	for len(c.entries) > c.cfg.Capacity {
		victim, ok := c.victimLocked()
		if !ok {
			return
		}
		delete(c.entries, victim)
		logger.Debug("evicted cache entry",
			zap.String("product_id", victim.product),
			zap.String("material_id", victim.material))
	}
}

// victimLocked picks the next entry to evict. Caller holds the map lock.
func (c *Cache) victimLocked() (key, bool) {
	for _, tier := range []model.Priority{model.PriorityLow, model.PriorityMedium, model.PriorityHigh} {
		var (
			victim key
			oldest time.Time
			found  bool
		)
		for k, e := range c.entries {
			e.mu.Lock()
			priority, access := e.priority, e.lastAccess
			e.mu.Unlock()
			if priority != tier {
				continue
			}
			if !found || access.Before(oldest) {
				victim, oldest, found = k, access, true
			}
		}
		if found {
			return victim, true
		}
	}
	return key{}, false
}

// EvictLeastValuable evicts up to n entries using the same tier-then-LRU
// policy as capacity pressure. Used by the disk/cache remediation actions.
// Returns the number of entries evicted.
func (c *Cache) EvictLeastValuable(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for evicted < n {
		victim, ok := c.victimLocked()
		if !ok {
			break
		}
		delete(c.entries, victim)
		evicted++
	}
	if evicted > 0 {
		logger.Info("evicted least valuable cache entries", zap.Int("count", evicted))
	}
	return evicted
}

// Delete removes a pair from both tiers.
func (c *Cache) Delete(ctx context.Context, productID, materialID string) {
	k := key{product: productID, material: materialID}

	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()

	if c.redisClient != nil {
		rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		_ = c.redisClient.Del(rctx, redisKey(productID, materialID))
	}
}

// Clear removes every entry from memory and every matcache key from Redis.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[key]*entry)
	c.mu.Unlock()

	if c.redisClient != nil {
		c.clearRedis(ctx)
	}
}

// clearRedis removes all matcache entries from Redis using SCAN.
func (c *Cache) clearRedis(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := c.redisClient.Scan(rctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			_ = c.redisClient.Del(rctx, keys...).Err()
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

// Size returns the number of in-memory entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Contains reports whether the pair is currently held in memory without
// touching access metadata.
func (c *Cache) Contains(productID, materialID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key{product: productID, material: materialID}]
	return ok
}

// Stats aggregates counters, the switch-latency window of every entry and
// the payload size estimate. Compliance is the percentage of samples at or
// under the target latency; with no samples yet it reports 100.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		Size:            len(c.entries),
		Capacity:        c.cfg.Capacity,
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		TargetLatencyMS: c.cfg.TargetLatency.Milliseconds(),
		SLOCompliance:   100,
	}

	var (
		total    time.Duration
		count    int
		inTarget int
	)
	for _, e := range c.entries {
		e.mu.Lock()
		for _, s := range e.samples {
			total += s
			count++
			if s <= c.cfg.TargetLatency {
				inTarget++
			}
		}
		if e.bundle != nil {
			stats.MemoryBytes += e.bundle.TotalSize()
		}
		e.mu.Unlock()
	}

	if count > 0 {
		stats.AverageSwitchMS = float64(total.Microseconds()) / float64(count) / 1000
		stats.SLOCompliance = float64(inTarget) / float64(count) * 100
	}
	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		stats.HitRate = float64(stats.Hits) / float64(lookups)
	}
	return stats
}

// Preload renders and caches the configured pairs that are not already
// present. Entries loaded this way are pinned to the high tier. Returns
// the number of bundles loaded; failures are logged and skipped.
func (c *Cache) Preload(ctx context.Context, pairs []config.PreloadEntry, generate GenerateFunc) int {
	if generate == nil {
		return 0
	}

	loaded := 0
	for _, p := range pairs {
		for _, materialID := range p.Materials {
			if ctx.Err() != nil {
				return loaded
			}
			if c.Contains(p.ProductID, materialID) {
				continue
			}
			bundle, err := generate(ctx, p.ProductID, materialID)
			if err != nil {
				logger.Warn("preload generation failed",
					zap.String("product_id", p.ProductID),
					zap.String("material_id", materialID),
					zap.Error(err))
				continue
			}
			c.Put(ctx, p.ProductID, materialID, bundle, model.PriorityHigh)
			loaded++
		}
	}

	if loaded > 0 {
		logger.Info("preloaded material cache", zap.Int("loaded", loaded))
	}
	return loaded
}

// observe appends a switch-latency sample to an existing entry without
// going through a lookup. Tests use it to shape the latency window.
func (c *Cache) observe(productID, materialID string, d time.Duration) {
	c.mu.RLock()
	e, ok := c.entries[key{product: productID, material: materialID}]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.samples = appendSample(e.samples, d)
	e.mu.Unlock()
}

// appendSample pushes a sample into the rolling window, dropping the
// oldest one past latencyWindow.
func appendSample(samples []time.Duration, d time.Duration) []time.Duration {
	samples = append(samples, d)
	if len(samples) > latencyWindow {
		samples = samples[1:]
	}
	return samples
}
