package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bg = context.Background()

func TestSetGetRoundTrip(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 0)

	require.NoError(t, s.Set(bg, "name", StringValue("Alice"), 0))
	entry, err := s.Get(bg, "name")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Alice", entry.Value.RespString())

	missing, err := s.Get(bg, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestExpiredEntryBehavesAsAbsent(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 0)
	require.NoError(t, s.Set(bg, "k", StringValue("v"), 20*time.Millisecond))

	ok, err := s.Exists(bg, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = s.Exists(bg, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := s.TTL(bg, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), ttl)

	deleted, err := s.Delete(bg, "k")
	require.NoError(t, err)
	assert.False(t, deleted)

	entry, err := s.Get(bg, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)

	stats, err := s.Info(bg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Expired, uint64(1))
}

func TestTTLAndPersist(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 0)
	require.NoError(t, s.Set(bg, "k", StringValue("v"), 100*time.Second))

	ttl, err := s.TTL(bg, "k")
	require.NoError(t, err)
	assert.InDelta(t, 100, ttl, 2)

	ok, err := s.Persist(bg, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err = s.TTL(bg, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ttl)

	// Persisting a key with no TTL reports false.
	ok, err = s.Persist(bg, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Expire(bg, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ttl, err = s.TTL(bg, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, int64(0))
}

// entrySize is the footprint of a one-byte key holding a one-character
// string value.
func entrySize() int {
	return NewEntry("a", StringValue("1"), 0).Size
}

func TestLRUEviction(t *testing.T) {
	size := entrySize()
	s := NewMemoryStore(3*size, LRU, 0)

	require.NoError(t, s.Set(bg, "a", StringValue("1"), 0))
	require.NoError(t, s.Set(bg, "b", StringValue("2"), 0))
	require.NoError(t, s.Set(bg, "c", StringValue("3"), 0))

	// Touch a so b becomes the least recently used.
	_, err := s.Get(bg, "a")
	require.NoError(t, err)

	require.NoError(t, s.Set(bg, "d", StringValue("4"), 0))

	keys, err := s.Keys(bg, "*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "c", "d"}, keys)

	stats, err := s.Info(bg)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestLFUEviction(t *testing.T) {
	size := entrySize()
	s := NewMemoryStore(3*size, LFU, 0)

	require.NoError(t, s.Set(bg, "a", StringValue("1"), 0))
	require.NoError(t, s.Set(bg, "b", StringValue("2"), 0))
	require.NoError(t, s.Set(bg, "c", StringValue("3"), 0))

	// b and c gain access counts; a stays at zero.
	_, _ = s.Get(bg, "b")
	_, _ = s.Get(bg, "c")

	require.NoError(t, s.Set(bg, "d", StringValue("4"), 0))

	keys, err := s.Keys(bg, "*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"b", "c", "d"}, keys)
}

func TestNoEvictionReturnsOOM(t *testing.T) {
	size := entrySize()
	s := NewMemoryStore(2*size, NoEviction, 0)

	require.NoError(t, s.Set(bg, "a", StringValue("1"), 0))
	require.NoError(t, s.Set(bg, "b", StringValue("2"), 0))
	err := s.Set(bg, "c", StringValue("3"), 0)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestMemoryAccounting(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 0)
	require.NoError(t, s.Set(bg, "a", StringValue("xx"), 0))
	require.NoError(t, s.Set(bg, "bb", StringValue("yyy"), 0))

	stats, err := s.Info(bg)
	require.NoError(t, err)
	wantA := NewEntry("a", StringValue("xx"), 0).Size
	wantB := NewEntry("bb", StringValue("yyy"), 0).Size
	assert.Equal(t, wantA+wantB, stats.MemoryUsed)

	_, err = s.Delete(bg, "a")
	require.NoError(t, err)
	stats, err = s.Info(bg)
	require.NoError(t, err)
	assert.Equal(t, wantB, stats.MemoryUsed)

	require.NoError(t, s.Flush(bg))
	stats, err = s.Info(bg)
	require.NoError(t, err)
	assert.Zero(t, stats.MemoryUsed)
	assert.Zero(t, stats.Keys)
}

func TestIncrDecrRoundTrip(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 0)

	require.NoError(t, s.Set(bg, "counter", ParseValue("5"), 0))
	v, err := s.Incr(bg, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)

	entry, err := s.Get(bg, "counter")
	require.NoError(t, err)
	assert.Equal(t, "8", entry.Value.RespString())

	v, err = s.Incr(bg, "counter", -2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	// Missing keys start at the delta.
	v, err = s.Incr(bg, "fresh", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	require.NoError(t, s.Set(bg, "text", StringValue("not a number"), 0))
	_, err = s.Incr(bg, "text", 1)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestKeysGlob(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 0)
	for _, k := range []string{"user:1", "user:2", "order:1", "foo"} {
		require.NoError(t, s.Set(bg, k, StringValue("x"), 0))
	}

	keys, err := s.Keys(bg, "user:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)

	keys, err = s.Keys(bg, "f?o")
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, keys)

	keys, err = s.Keys(bg, "*")
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestEvictExpiredSweep(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 0)
	require.NoError(t, s.Set(bg, "short", StringValue("x"), 10*time.Millisecond))
	require.NoError(t, s.Set(bg, "long", StringValue("y"), time.Hour))

	time.Sleep(30 * time.Millisecond)
	removed := s.EvictExpired()
	assert.Equal(t, 1, removed)

	n, err := s.DBSize(bg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChangeEventsEmitted(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 0)
	rx := s.SubscribeChanges()

	require.NoError(t, s.Set(bg, "k", StringValue("v"), 0))
	change, err := rx.Recv()
	require.NoError(t, err)
	assert.Equal(t, ChangeSet, change.Operation)
	assert.Equal(t, "k", change.Key)
	require.NotNil(t, change.NewValue)
	assert.Equal(t, "v", change.NewValue.RespString())

	_, err = s.Delete(bg, "k")
	require.NoError(t, err)
	change, err = rx.Recv()
	require.NoError(t, err)
	assert.Equal(t, ChangeDelete, change.Operation)

	require.NoError(t, s.Flush(bg))
	change, err = rx.Recv()
	require.NoError(t, err)
	assert.Equal(t, ChangeFlush, change.Operation)
	assert.Equal(t, "*", change.Key)
}

func TestDefaultTTLApplied(t *testing.T) {
	s := NewMemoryStore(1<<20, LRU, 30*time.Second)
	require.NoError(t, s.Set(bg, "k", StringValue("v"), 0))
	ttl, err := s.TTL(bg, "k")
	require.NoError(t, err)
	assert.InDelta(t, 30, ttl, 2)
}
