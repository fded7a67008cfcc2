package matcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"atelier/internal/model"
	"atelier/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBundle builds a minimal two-encoding bundle for a pair.
func testBundle(productID, materialID string) *model.AssetBundle {
	return &model.AssetBundle{
		ID:         productID + "-" + materialID,
		ProductID:  productID,
		MaterialID: materialID,
		Encodings: map[string]model.AssetFile{
			"webp": {URI: "/assets/" + productID + "/" + materialID + ".webp", SizeBytes: 2048},
			"png":  {URI: "/assets/" + productID + "/" + materialID + ".png", SizeBytes: 8192},
		},
		GeneratedMS: 1200,
		GeneratedAt: time.Now(),
	}
}

// testCache builds a memory-only cache with the given capacity.
func testCache(capacity int) *Cache {
	return New(config.CacheConfig{
		Capacity:      capacity,
		TargetLatency: 100 * time.Millisecond,
		RedisTTL:      time.Hour,
	})
}

// TestNew tests creation and config fallbacks.
func TestNew(t *testing.T) {
	cache := New(config.CacheConfig{})
	require.NotNil(t, cache)
	assert.Equal(t, 0, cache.Size())
	assert.False(t, cache.HasRedis())

	stats := cache.Stats()
	assert.Equal(t, config.DefaultCacheConfig().Capacity, stats.Capacity)
	assert.Equal(t, int64(100), stats.TargetLatencyMS)
}

// TestCache_PutAndGet tests in-memory hit and miss behaviour.
func TestCache_PutAndGet(t *testing.T) {
	ctx := context.Background()
	cache := testCache(10)

	cache.Put(ctx, "p1", "gold", testBundle("p1", "gold"), model.PriorityMedium)
	assert.Equal(t, 1, cache.Size())

	bundle, ok := cache.Get(ctx, "p1", "gold")
	require.True(t, ok)
	require.NotNil(t, bundle)
	assert.Equal(t, "p1-gold", bundle.ID)
	assert.Len(t, bundle.Encodings, 2)

	missing, ok := cache.Get(ctx, "p1", "silver")
	assert.False(t, ok)
	assert.Nil(t, missing)

	cache.Delete(ctx, "p1", "gold")
	assert.Equal(t, 0, cache.Size())
	_, ok = cache.Get(ctx, "p1", "gold")
	assert.False(t, ok)
}

// TestCache_CountersAndLatencySamples tests that lookups feed the hit/miss
// counters and the per-entry latency window.
func TestCache_CountersAndLatencySamples(t *testing.T) {
	ctx := context.Background()
	cache := testCache(10)
	cache.Put(ctx, "p1", "gold", testBundle("p1", "gold"), model.PriorityMedium)

	for i := 0; i < 3; i++ {
		_, ok := cache.Get(ctx, "p1", "gold")
		require.True(t, ok)
	}
	_, _ = cache.Get(ctx, "p1", "nope")

	stats := cache.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 0.001)

	// In-memory lookups are far under the 100ms target
	assert.Equal(t, float64(100), stats.SLOCompliance)
}

// TestCache_StatsCompliance tests SLO compliance over a shaped window.
func TestCache_StatsCompliance(t *testing.T) {
	ctx := context.Background()
	cache := testCache(10)
	cache.Put(ctx, "p1", "gold", testBundle("p1", "gold"), model.PriorityMedium)

	for i := 0; i < 4; i++ {
		cache.observe("p1", "gold", 50*time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		cache.observe("p1", "gold", 150*time.Millisecond)
	}

	stats := cache.Stats()
	assert.InDelta(t, 50.0, stats.SLOCompliance, 0.001)
	assert.InDelta(t, 100.0, stats.AverageSwitchMS, 0.5)
	assert.Equal(t, int64(2048+8192), stats.MemoryBytes)
}

// TestCache_WindowIsBounded tests that the sample window stays at its cap.
func TestCache_WindowIsBounded(t *testing.T) {
	ctx := context.Background()
	cache := testCache(10)
	cache.Put(ctx, "p1", "gold", testBundle("p1", "gold"), model.PriorityMedium)

	for i := 0; i < latencyWindow*2; i++ {
		cache.observe("p1", "gold", time.Millisecond)
	}

	cache.mu.RLock()
	e := cache.entries[key{product: "p1", material: "gold"}]
	cache.mu.RUnlock()
	require.NotNil(t, e)
	assert.Len(t, e.samples, latencyWindow)
}

// TestCache_EvictionPrefersLowerTiers tests tier-ascending victim choice.
func TestCache_EvictionPrefersLowerTiers(t *testing.T) {
	ctx := context.Background()
	cache := testCache(3)

	cache.Put(ctx, "p1", "low", testBundle("p1", "low"), model.PriorityLow)
	time.Sleep(5 * time.Millisecond)
	cache.Put(ctx, "p1", "med", testBundle("p1", "med"), model.PriorityMedium)
	time.Sleep(5 * time.Millisecond)
	cache.Put(ctx, "p1", "high", testBundle("p1", "high"), model.PriorityHigh)
	time.Sleep(5 * time.Millisecond)

	// Fourth insert exceeds capacity, the low entry goes first
	cache.Put(ctx, "p2", "high", testBundle("p2", "high"), model.PriorityHigh)
	assert.Equal(t, 3, cache.Size())
	assert.False(t, cache.Contains("p1", "low"))
	assert.True(t, cache.Contains("p1", "med"))

	// Fifth insert evicts the medium entry
	time.Sleep(5 * time.Millisecond)
	cache.Put(ctx, "p3", "high", testBundle("p3", "high"), model.PriorityHigh)
	assert.False(t, cache.Contains("p1", "med"))

	// All high now, LRU within the tier: p1 is the oldest untouched entry
	time.Sleep(5 * time.Millisecond)
	cache.Put(ctx, "p4", "high", testBundle("p4", "high"), model.PriorityHigh)
	assert.False(t, cache.Contains("p1", "high"))
	assert.True(t, cache.Contains("p2", "high"))
	assert.True(t, cache.Contains("p3", "high"))
	assert.True(t, cache.Contains("p4", "high"))
}

// TestCache_LRUHonorsRecentAccess tests that a Get refreshes recency.
func TestCache_LRUHonorsRecentAccess(t *testing.T) {
	ctx := context.Background()
	cache := testCache(2)

	cache.Put(ctx, "p1", "a", testBundle("p1", "a"), model.PriorityLow)
	time.Sleep(5 * time.Millisecond)
	cache.Put(ctx, "p1", "b", testBundle("p1", "b"), model.PriorityLow)
	time.Sleep(5 * time.Millisecond)

	// Touch the older entry so the newer one becomes the LRU victim
	_, ok := cache.Get(ctx, "p1", "a")
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	cache.Put(ctx, "p1", "c", testBundle("p1", "c"), model.PriorityLow)
	assert.True(t, cache.Contains("p1", "a"))
	assert.False(t, cache.Contains("p1", "b"))
	assert.True(t, cache.Contains("p1", "c"))
}

// TestCache_EvictLeastValuable tests the advisor-facing bulk eviction.
func TestCache_EvictLeastValuable(t *testing.T) {
	ctx := context.Background()
	cache := testCache(10)

	cache.Put(ctx, "p1", "a", testBundle("p1", "a"), model.PriorityHigh)
	cache.Put(ctx, "p1", "b", testBundle("p1", "b"), model.PriorityLow)
	cache.Put(ctx, "p1", "c", testBundle("p1", "c"), model.PriorityMedium)
	cache.Put(ctx, "p1", "d", testBundle("p1", "d"), model.PriorityHigh)

	evicted := cache.EvictLeastValuable(2)
	assert.Equal(t, 2, evicted)
	assert.False(t, cache.Contains("p1", "b"))
	assert.False(t, cache.Contains("p1", "c"))
	assert.True(t, cache.Contains("p1", "a"))
	assert.True(t, cache.Contains("p1", "d"))

	// Asking for more than remains drains the cache without error
	evicted = cache.EvictLeastValuable(10)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 0, cache.Size())
}

// TestProperty_HighTierSurvivesLowerTiers drives a random insert sequence
// through a small cache and checks every single eviction respects the tier
// order: whenever an entry falls, no entry of a lower tier survived it.
func TestProperty_HighTierSurvivesLowerTiers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.MaxSize = 60

	properties := gopter.NewProperties(parameters)

	tiers := []model.Priority{model.PriorityLow, model.PriorityMedium, model.PriorityHigh}

	// Each op encodes (product 0..3, material 0..3, tier 0..2)
	properties.Property("evictions never skip over a lower tier", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			cache := testCache(4)
			lastTier := make(map[key]model.Priority)

			for _, op := range ops {
				k := key{
					product:  fmt.Sprintf("p%d", op%4),
					material: fmt.Sprintf("m%d", (op/4)%4),
				}
				tier := tiers[(op/16)%3]

				before := presentKeys(cache)
				lastTier[k] = tier
				cache.Put(ctx, k.product, k.material, testBundle(k.product, k.material), tier)
				after := presentKeys(cache)

				union := make(map[key]bool, len(before)+1)
				for kk := range before {
					union[kk] = true
				}
				union[k] = true

				for victim := range union {
					if after[victim] {
						continue
					}
					// victim was evicted by this insert, higher Rank
					// numbers are lower tiers and must fall first
					for other := range union {
						if other == victim || !after[other] {
							continue
						}
						if lastTier[other].Rank() > lastTier[victim].Rank() {
							return false
						}
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 47)),
	))

	properties.TestingRun(t)
}

// presentKeys returns the set of keys currently held in memory.
func presentKeys(cache *Cache) map[key]bool {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	present := make(map[key]bool, len(cache.entries))
	for k := range cache.entries {
		present[k] = true
	}
	return present
}

// TestCache_WithRedis tests the Redis tier round trip.
func TestCache_WithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cache := testCache(10).WithRedis(client)
	assert.True(t, cache.HasRedis())

	cache.Put(ctx, "p1", "gold", testBundle("p1", "gold"), model.PriorityHigh)
	assert.True(t, mr.Exists(redisKey("p1", "gold")))

	ttl := mr.TTL(redisKey("p1", "gold"))
	assert.True(t, ttl > 0, "TTL should be set")
	assert.True(t, ttl <= time.Hour, "TTL should be <= configured lifetime")

	// A cold instance sharing the tier promotes the entry on first lookup
	cold := testCache(10).WithRedis(client)
	bundle, ok := cold.Get(ctx, "p1", "gold")
	require.True(t, ok)
	assert.Equal(t, "p1-gold", bundle.ID)
	assert.Equal(t, 1, cold.Size())

	// The promoted entry keeps the tier it was stored with
	cold.mu.RLock()
	e := cold.entries[key{product: "p1", material: "gold"}]
	cold.mu.RUnlock()
	require.NotNil(t, e)
	assert.Equal(t, model.PriorityHigh, e.priority)

	cache.Delete(ctx, "p1", "gold")
	assert.False(t, mr.Exists(redisKey("p1", "gold")))
}

// TestCache_RedisFallback tests serving from memory while Redis is down.
func TestCache_RedisFallback(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cache := testCache(10).WithRedis(client)
	cache.Put(ctx, "p1", "gold", testBundle("p1", "gold"), model.PriorityMedium)

	mr.Close()

	bundle, ok := cache.Get(ctx, "p1", "gold")
	require.True(t, ok)
	assert.Equal(t, "p1-gold", bundle.ID)
}

// TestCache_CorruptRedisEntryIsDropped tests the corrupt-payload path.
func TestCache_CorruptRedisEntryIsDropped(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cache := testCache(10).WithRedis(client)

	require.NoError(t, mr.Set(redisKey("p1", "gold"), "not-json"))

	_, ok := cache.Get(ctx, "p1", "gold")
	assert.False(t, ok)
	assert.False(t, mr.Exists(redisKey("p1", "gold")))
}

// TestCache_ClearWithRedis tests clearing both tiers.
func TestCache_ClearWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cache := testCache(10).WithRedis(client)

	cache.Put(ctx, "p1", "gold", testBundle("p1", "gold"), model.PriorityLow)
	cache.Put(ctx, "p1", "silver", testBundle("p1", "silver"), model.PriorityMedium)
	cache.Put(ctx, "p2", "gold", testBundle("p2", "gold"), model.PriorityHigh)
	assert.Equal(t, 3, cache.Size())

	cache.Clear(ctx)
	assert.Equal(t, 0, cache.Size())
	for _, k := range []string{redisKey("p1", "gold"), redisKey("p1", "silver"), redisKey("p2", "gold")} {
		assert.False(t, mr.Exists(k), "key %s should be deleted from Redis", k)
	}
}

// TestCache_Preload tests proactive generation of configured pairs.
func TestCache_Preload(t *testing.T) {
	ctx := context.Background()
	cache := testCache(10)

	// One pair is already cached and must not be regenerated
	cache.Put(ctx, "p1", "gold", testBundle("p1", "gold"), model.PriorityHigh)

	pairs := []config.PreloadEntry{
		{ProductID: "p1", Materials: []string{"gold", "silver"}},
		{ProductID: "p2", Materials: []string{"gold", "broken"}},
	}

	calls := make(map[string]int)
	generate := func(ctx context.Context, productID, materialID string) (*model.AssetBundle, error) {
		calls[productID+"/"+materialID]++
		if materialID == "broken" {
			return nil, errors.New("render backend unavailable")
		}
		return testBundle(productID, materialID), nil
	}

	loaded := cache.Preload(ctx, pairs, generate)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 0, calls["p1/gold"])
	assert.Equal(t, 1, calls["p1/silver"])
	assert.Equal(t, 1, calls["p2/gold"])
	assert.Equal(t, 1, calls["p2/broken"])

	assert.True(t, cache.Contains("p1", "silver"))
	assert.True(t, cache.Contains("p2", "gold"))
	assert.False(t, cache.Contains("p2", "broken"))

	// Preloaded entries land in the high tier
	cache.mu.RLock()
	e := cache.entries[key{product: "p1", material: "silver"}]
	cache.mu.RUnlock()
	require.NotNil(t, e)
	assert.Equal(t, model.PriorityHigh, e.priority)
}

// TestCache_PreloadStopsOnCancel tests cooperative cancellation.
func TestCache_PreloadStopsOnCancel(t *testing.T) {
	cache := testCache(10)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	generate := func(ctx context.Context, productID, materialID string) (*model.AssetBundle, error) {
		calls++
		cancel()
		return testBundle(productID, materialID), nil
	}

	pairs := []config.PreloadEntry{{ProductID: "p1", Materials: []string{"a", "b", "c"}}}
	loaded := cache.Preload(ctx, pairs, generate)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, loaded)
}
