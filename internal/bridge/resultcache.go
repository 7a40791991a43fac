package bridge

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/jkaninda/wasmbridge/internal/domain"
)

// CacheStats is a point-in-time view of the result cache.
type CacheStats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// UsagePercent is Size/Capacity*100, or 0 when Capacity is 0.
func (s CacheStats) UsagePercent() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Size) / float64(s.Capacity) * 100
}

// resultCache is a bounded LRU of successful tool results.
type resultCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[CacheKey, json.RawMessage]
	capacity int
	hits     uint64
	misses   uint64
}

func newResultCache(capacity int) (*resultCache, error) {
	if capacity <= 0 {
		return nil, &domain.ConfigError{Field: "cache_capacity", Reason: "must be greater than zero"}
	}
	lru, err := simplelru.NewLRU[CacheKey, json.RawMessage](capacity, nil)
	if err != nil {
		return nil, &domain.ConfigError{Field: "cache_capacity", Reason: err.Error()}
	}
	return &resultCache{lru: lru, capacity: capacity}, nil
}

func (c *resultCache) get(key CacheKey) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return slices.Clone(v), true
}

func (c *resultCache) put(key CacheKey, v json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, slices.Clone(v))
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *resultCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:     c.lru.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}
