package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mspk/model"
)

// fakeStore is an in-memory Store standing in for redis.
type fakeStore struct {
	data map[string]fakeEntry
	errs bool

	gets, sets, dels int
}

type fakeEntry struct {
	val    []byte
	expiry time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]fakeEntry)}
}

func (f *fakeStore) Get(key string) ([]byte, error) {
	f.gets++
	if f.errs {
		return nil, errors.New("store down")
	}
	entry, ok := f.data[key]
	if !ok || time.Now().After(entry.expiry) {
		return nil, ErrMiss
	}
	return entry.val, nil
}

func (f *fakeStore) Set(key string, val []byte, ttl time.Duration) error {
	f.sets++
	if f.errs {
		return errors.New("store down")
	}
	f.data[key] = fakeEntry{val: val, expiry: time.Now().Add(ttl)}
	return nil
}

func (f *fakeStore) Del(key string) error {
	f.dels++
	delete(f.data, key)
	return nil
}

func (f *fakeStore) Incr(key string) (int64, error) { return 1, nil }

func (f *fakeStore) TTL(key string) (time.Duration, error) {
	entry, ok := f.data[key]
	if !ok {
		return -2, nil
	}
	return time.Until(entry.expiry), nil
}

func newTestCache(t *testing.T, store Store) *Cache {
	t.Helper()
	c, err := New(model.CacheSettings{
		MemoryMaxEntries: 10,
		MemoryTTL:        time.Minute,
		DiskDir:          t.TempDir(),
	}, store)
	require.NoError(t, err)
	return c
}

func TestGetOrFetchMissInvokesFetch(t *testing.T) {
	c := newTestCache(t, newFakeStore())

	calls := 0
	val, err := c.GetOrFetch("k", TTLShort, func() ([]byte, error) {
		calls++
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), val)
	assert.Equal(t, 1, calls)

	// Now resident in tier-1: fetch must not run again.
	val, err = c.GetOrFetch("k", TTLShort, func() ([]byte, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), val)
	assert.Equal(t, 1, calls)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.L1Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGetOrFetchPropagatesFetchError(t *testing.T) {
	c := newTestCache(t, nil)

	boom := errors.New("upstream down")
	_, err := c.GetOrFetch("k", TTLShort, func() ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestSharedTierHitBackfillsMemory(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)

	require.NoError(t, store.Set("k", []byte("warm"), time.Hour))
	store.sets = 0

	val, err := c.GetOrFetch("k", TTLShort, func() ([]byte, error) {
		t.Fatal("fetch must not run on a shared-tier hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("warm"), val)

	// Backfilled into tier-1: next read never touches the store.
	gets := store.gets
	_, err = c.GetOrFetch("k", TTLShort, func() ([]byte, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, gets, store.gets)
}

func TestDiskTierHitBackfillsHotterTiers(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)

	require.NoError(t, c.disk.set("k", []byte("durable")))

	val, err := c.GetOrFetch("k", TTLLong, func() ([]byte, error) {
		t.Fatal("fetch must not run on a disk hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), val)
	assert.Equal(t, int64(1), c.Stats().L3Hits)

	// Both hotter tiers were backfilled.
	assert.Equal(t, 1, store.sets)
	mem, ok := c.mem.get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("durable"), mem)
}

func TestSetWritesDiskOnlyForDurableClasses(t *testing.T) {
	c := newTestCache(t, nil)

	c.Set("ephemeral", []byte("x"), TTLShort)
	c.Set("durable", []byte("y"), TTLLong)

	_, err := os.Stat(c.disk.path("ephemeral"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(c.disk.path("durable"))
	assert.NoError(t, err)
}

func TestInvalidateLeavesDiskAlone(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)

	c.Set("k", []byte("v"), TTLLong)
	c.Invalidate("k")

	_, ok := c.mem.get("k")
	assert.False(t, ok)
	_, err := store.Get("k")
	assert.ErrorIs(t, err, ErrMiss)

	// Tier-3 survives: historical data is immutable.
	val, ok := c.disk.get("k", TTLLong.Duration())
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestStoreErrorsAreTreatedAsMisses(t *testing.T) {
	store := newFakeStore()
	store.errs = true
	c := newTestCache(t, store)

	val, err := c.GetOrFetch("k", TTLShort, func() ([]byte, error) {
		return []byte("fetched"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("fetched"), val)
}

func TestDiskTierExpiresByFileAge(t *testing.T) {
	c := newTestCache(t, nil)

	require.NoError(t, c.disk.set("old", []byte("stale")))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(c.disk.path("old"), past, past))

	_, ok := c.disk.get("old", time.Hour)
	assert.False(t, ok)
	// Stale file was removed on read.
	_, err := os.Stat(c.disk.path("old"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskKeySanitization(t *testing.T) {
	c := newTestCache(t, nil)

	key := "../evil/quote GOLD:1h"
	require.NoError(t, c.disk.set(key, []byte("v")))

	path := c.disk.path(key)
	assert.Equal(t, filepath.Dir(path), c.disk.dir)
	val, ok := c.disk.get(key, time.Hour)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestMemoryTierCapPrunesOldest(t *testing.T) {
	mem := newMemoryTier(5)
	for i := 0; i < 5; i++ {
		mem.set(string(rune('a'+i)), []byte{byte(i)}, time.Minute)
		time.Sleep(time.Millisecond)
	}
	mem.set("f", []byte("new"), time.Minute)

	assert.LessOrEqual(t, mem.len(), 5)
	_, ok := mem.get("a")
	assert.False(t, ok, "oldest entry should be pruned first")
	_, ok = mem.get("f")
	assert.True(t, ok)
}
