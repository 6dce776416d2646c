// Package cache is a three-tier read-through/write-through cache:
// tier-1 is a capped in-process map, tier-2 a shared redis store, tier-3 a
// durable directory of files aged by modification time. Infrastructure
// errors in tiers 2/3 are swallowed as misses; only fetch errors propagate.
package cache

import (
	"context"
	"sync"
	"time"

	"mspk/model"
	"mspk/utils"
)

// TTLClass selects the lifetime of a cached value.
type TTLClass string

const (
	TTLShort  TTLClass = "short"  // 5 minutes, never written to disk
	TTLMedium TTLClass = "medium" // 1 hour
	TTLLong   TTLClass = "long"   // 24 hours
)

// Duration maps the class to its concrete TTL.
func (c TTLClass) Duration() time.Duration {
	switch c {
	case TTLMedium:
		return time.Hour
	case TTLLong:
		return 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// FetchFunc loads the value on a full miss.
type FetchFunc func() ([]byte, error)

// Stats counts per-tier lookups and hits.
type Stats struct {
	L1Calls, L1Hits int64
	L2Calls, L2Hits int64
	L3Calls, L3Hits int64
	Misses          int64
	MemoryEntries   int
}

// Cache orchestrates the three tiers. Tiers are mutated only through this
// API.
type Cache struct {
	mem   *memoryTier
	store Store // optional shared tier
	disk  *diskTier

	memTTL time.Duration

	statsMu sync.Mutex
	stats   Stats
}

// New builds the cache. store may be nil, in which case the shared tier is
// skipped entirely.
func New(settings model.CacheSettings, store Store) (*Cache, error) {
	disk, err := newDiskTier(settings.DiskDir)
	if err != nil {
		return nil, err
	}
	memTTL := settings.MemoryTTL
	if memTTL <= 0 {
		memTTL = 5 * time.Minute
	}
	return &Cache{
		mem:    newMemoryTier(settings.MemoryMaxEntries),
		store:  store,
		disk:   disk,
		memTTL: memTTL,
	}, nil
}

// Start runs the periodic tier-1 expiry sweep until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mem.cleanup()
			}
		}
	}()
}

// GetOrFetch reads through the tiers and, on a full miss, invokes fetch and
// writes the result through to every tier appropriate for class.
func (c *Cache) GetOrFetch(key string, class TTLClass, fetch FetchFunc) ([]byte, error) {
	if val, ok := c.get(key, class); ok {
		return val, nil
	}

	val, err := fetch()
	if err != nil {
		return nil, err
	}
	if val != nil {
		c.Set(key, val, class)
	}
	return val, nil
}

// get cascades tier-1 -> tier-2 -> tier-3, backfilling hotter tiers on hit.
func (c *Cache) get(key string, class TTLClass) ([]byte, bool) {
	c.count(func(s *Stats) { s.L1Calls++ })
	if val, ok := c.mem.get(key); ok {
		c.count(func(s *Stats) { s.L1Hits++ })
		return val, true
	}

	if c.store != nil {
		c.count(func(s *Stats) { s.L2Calls++ })
		val, err := c.store.Get(key)
		switch {
		case err == nil:
			c.count(func(s *Stats) { s.L2Hits++ })
			// Hot backfill, capped by the remaining shared-tier TTL.
			backfill := time.Minute
			if remaining, terr := c.store.TTL(key); terr == nil && remaining > 0 && remaining < backfill {
				backfill = remaining
			}
			c.mem.set(key, val, backfill)
			return val, true
		case err != ErrMiss:
			utils.Log.Debugf("[Cache] Shared tier error for %s: %v", key, err)
		}
	}

	c.count(func(s *Stats) { s.L3Calls++ })
	if val, ok := c.disk.get(key, class.Duration()); ok {
		c.count(func(s *Stats) { s.L3Hits++ })
		c.mem.set(key, val, c.memTTL)
		if c.store != nil {
			if err := c.store.Set(key, val, time.Hour); err != nil {
				utils.Log.Debugf("[Cache] Shared tier backfill error for %s: %v", key, err)
			}
		}
		return val, true
	}

	c.count(func(s *Stats) { s.Misses++ })
	return nil, false
}

// Set writes through: tier-1 always, tier-2 always, tier-3 only for
// medium/long classes so ephemeral data never fills durable storage.
func (c *Cache) Set(key string, val []byte, class TTLClass) {
	ttl := class.Duration()

	memTTL := ttl
	if memTTL > c.memTTL {
		memTTL = c.memTTL
	}
	c.mem.set(key, val, memTTL)

	if c.store != nil {
		if err := c.store.Set(key, val, ttl); err != nil {
			utils.Log.Debugf("[Cache] Shared tier write error for %s: %v", key, err)
		}
	}

	if ttl >= time.Hour {
		if err := c.disk.set(key, val); err != nil {
			utils.Log.Debugf("[Cache] Disk tier write error for %s: %v", key, err)
		}
	}
}

// Invalidate removes key from tiers 1 and 2 only. The durable tier holds
// immutable historical data and is left alone.
func (c *Cache) Invalidate(key string) {
	c.mem.delete(key)
	if c.store != nil {
		if err := c.store.Del(key); err != nil {
			utils.Log.Debugf("[Cache] Shared tier delete error for %s: %v", key, err)
		}
	}
}

// Stats returns a snapshot of the per-tier counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()
	s.MemoryEntries = c.mem.len()
	return s
}

func (c *Cache) count(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}
