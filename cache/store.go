package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/GoCodeAlone/squirreldb/broadcast"
)

// Store errors.
var (
	ErrOutOfMemory  = errors.New("OOM: out of memory")
	ErrInvalidValue = errors.New("invalid value")
)

// EvictionPolicy selects which entry goes when the memory limit is hit.
type EvictionPolicy int

const (
	LRU EvictionPolicy = iota
	LFU
	Random
	NoEviction
)

// ParseEvictionPolicy maps a config string to its policy.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch strings.ToLower(s) {
	case "", "lru":
		return LRU, nil
	case "lfu":
		return LFU, nil
	case "random":
		return Random, nil
	case "noeviction", "no-eviction", "no_eviction":
		return NoEviction, nil
	}
	return LRU, fmt.Errorf("unknown eviction policy: %q", s)
}

func (p EvictionPolicy) String() string {
	switch p {
	case LFU:
		return "lfu"
	case Random:
		return "random"
	case NoEviction:
		return "noeviction"
	default:
		return "lru"
	}
}

// Stats is the counter snapshot behind INFO.
type Stats struct {
	Keys        int
	MemoryUsed  int
	MemoryLimit int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expired     uint64
}

// HitRate is hits over total lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Store is the cache operation surface shared by the in-memory store
// and the Redis proxy.
type Store interface {
	// Get returns nil on miss. Expired entries count as misses and are
	// removed.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set replaces any existing entry, evicting per policy when the new
	// total would exceed the memory limit. ttl zero means the store
	// default.
	Set(ctx context.Context, key string, value Value, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Persist(ctx context.Context, key string) (bool, error)
	// TTL returns remaining seconds, -1 for no expiry, -2 for absent.
	TTL(ctx context.Context, key string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Flush(ctx context.Context) error
	Info(ctx context.Context) (Stats, error)
	DBSize(ctx context.Context) (int, error)
	Incr(ctx context.Context, key string, delta int64) (int64, error)
}

// cacheChangeBufferSize is the capacity of the cache mutation
// broadcast.
const cacheChangeBufferSize = 1000

// MemoryStore is the builtin in-memory cache. A single mutex guards the
// map (Go's RWMutex prefers writers once one is waiting); counters are
// atomics; the change channel is lock-free for senders.
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string]*Entry
	memoryUsed  atomic.Int64
	memoryLimit int
	policy      EvictionPolicy
	defaultTTL  time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64

	changes *broadcast.Channel[Change]
}

// NewMemoryStore creates a store bounded to memoryLimit bytes.
func NewMemoryStore(memoryLimit int, policy EvictionPolicy, defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		data:        make(map[string]*Entry),
		memoryLimit: memoryLimit,
		policy:      policy,
		defaultTTL:  defaultTTL,
		changes:     broadcast.NewChannel[Change](cacheChangeBufferSize),
	}
}

// SubscribeChanges hands out a receiver over cache mutations.
func (s *MemoryStore) SubscribeChanges() *broadcast.Receiver[Change] {
	return s.changes.Subscribe()
}

func (s *MemoryStore) emit(c Change) {
	s.changes.Send(c)
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok {
		s.misses.Add(1)
		return nil, nil
	}
	if entry.IsExpired() {
		delete(s.data, key)
		s.memoryUsed.Add(-int64(entry.Size))
		s.expired.Add(1)
		s.misses.Add(1)
		return nil, nil
	}
	entry.Touch()
	s.hits.Add(1)
	copied := *entry
	return &copied, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value Value, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	entry := NewEntry(key, value, ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	oldSize := 0
	var oldValue *Value
	if old, ok := s.data[key]; ok {
		oldSize = old.Size
		v := old.Value
		oldValue = &v
	}
	diff := entry.Size - oldSize
	if diff > 0 && int(s.memoryUsed.Load())+diff > s.memoryLimit {
		if err := s.evictForSpaceLocked(diff, key); err != nil {
			return err
		}
	}

	s.data[key] = entry
	s.memoryUsed.Add(int64(entry.Size - oldSize))

	change := Change{
		Key:       key,
		Operation: ChangeSet,
		OldValue:  oldValue,
		NewValue:  &value,
		ChangedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		secs := int64(ttl.Seconds())
		change.TTL = &secs
	}
	s.emit(change)
	return nil
}

// evictForSpaceLocked frees at least needed bytes, or fails with
// ErrOutOfMemory when the policy forbids eviction or the store drains
// without freeing enough. The key being written is never a victim.
func (s *MemoryStore) evictForSpaceLocked(needed int, exempt string) error {
	if s.policy == NoEviction {
		return ErrOutOfMemory
	}
	used := int(s.memoryUsed.Load())
	toFree := used + needed - s.memoryLimit
	if toFree <= 0 {
		return nil
	}

	freed := 0
	for freed < toFree && len(s.data) > 0 {
		victim := s.pickVictimLocked(exempt)
		if victim == "" {
			break
		}
		entry := s.data[victim]
		delete(s.data, victim)
		freed += entry.Size
		s.evictions.Add(1)
		v := entry.Value
		s.emit(Change{
			Key:       victim,
			Operation: ChangeDelete,
			OldValue:  &v,
			ChangedAt: time.Now().UTC(),
		})
	}
	s.memoryUsed.Add(-int64(freed))
	if freed < toFree {
		return ErrOutOfMemory
	}
	return nil
}

func (s *MemoryStore) pickVictimLocked(exempt string) string {
	switch s.policy {
	case LFU:
		var (
			best      string
			bestCount uint64
			found     bool
		)
		for k, e := range s.data {
			if k == exempt {
				continue
			}
			if !found || e.AccessCount < bestCount {
				best, bestCount, found = k, e.AccessCount, true
			}
		}
		return best
	case Random:
		keys := make([]string, 0, len(s.data))
		for k := range s.data {
			if k != exempt {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return ""
		}
		return keys[rand.Intn(len(keys))]
	default: // LRU
		var (
			best     string
			bestTime time.Time
			found    bool
		)
		for k, e := range s.data {
			if k == exempt {
				continue
			}
			if !found || e.AccessedAt.Before(bestTime) {
				best, bestTime, found = k, e.AccessedAt, true
			}
		}
		return best
	}
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok {
		return false, nil
	}
	expired := entry.IsExpired()
	delete(s.data, key)
	s.memoryUsed.Add(-int64(entry.Size))
	if expired {
		s.expired.Add(1)
		return false, nil
	}
	v := entry.Value
	s.emit(Change{
		Key:       key,
		Operation: ChangeDelete,
		OldValue:  &v,
		ChangedAt: time.Now().UTC(),
	})
	return true, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	return ok && !entry.IsExpired(), nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok || entry.IsExpired() {
		return false, nil
	}
	entry.UpdateTTL(ttl)
	return true, nil
}

func (s *MemoryStore) Persist(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok || entry.IsExpired() || entry.ExpiresAt.IsZero() {
		return false, nil
	}
	entry.UpdateTTL(0)
	return true, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	if !ok || entry.IsExpired() {
		return -2, nil
	}
	rem, has := entry.TTLRemaining()
	if !has {
		return -1, nil
	}
	return int64(rem.Seconds()), nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	if pattern == "*" {
		for k, e := range s.data {
			if !e.IsExpired() {
				keys = append(keys, k)
			}
		}
		return keys, nil
	}

	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	for k, e := range s.data {
		if !e.IsExpired() && matcher.Match(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Flush(_ context.Context) error {
	s.mu.Lock()
	s.data = make(map[string]*Entry)
	s.memoryUsed.Store(0)
	s.mu.Unlock()

	s.emit(Change{Key: "*", Operation: ChangeFlush, ChangedAt: time.Now().UTC()})
	return nil
}

func (s *MemoryStore) Info(_ context.Context) (Stats, error) {
	s.mu.RLock()
	keys := 0
	for _, e := range s.data {
		if !e.IsExpired() {
			keys++
		}
	}
	s.mu.RUnlock()

	return Stats{
		Keys:        keys,
		MemoryUsed:  int(s.memoryUsed.Load()),
		MemoryLimit: s.memoryLimit,
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Expired:     s.expired.Load(),
	}, nil
}

func (s *MemoryStore) DBSize(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.data {
		if !e.IsExpired() {
			n++
		}
	}
	return n, nil
}

// Incr adjusts a key's integer value by delta, creating it when absent.
func (s *MemoryStore) Incr(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if ok && entry.IsExpired() {
		s.memoryUsed.Add(-int64(entry.Size))
		s.expired.Add(1)
		delete(s.data, key)
		ok = false
	}
	if !ok {
		fresh := NewEntry(key, IntegerValue(delta), 0)
		s.data[key] = fresh
		s.memoryUsed.Add(int64(fresh.Size))
		return delta, nil
	}

	current, isInt := entry.Value.AsInt64()
	if !isInt {
		return 0, fmt.Errorf("%w: value is not an integer", ErrInvalidValue)
	}
	next := current + delta
	entry.Value = IntegerValue(next)
	entry.Touch()
	return next, nil
}

// EvictExpired removes every expired entry, emitting Expire changes.
// The expiration task calls this once a second.
func (s *MemoryStore) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, entry := range s.data {
		if !entry.IsExpired() {
			continue
		}
		delete(s.data, key)
		s.memoryUsed.Add(-int64(entry.Size))
		s.expired.Add(1)
		count++
		v := entry.Value
		s.emit(Change{
			Key:       key,
			Operation: ChangeExpire,
			OldValue:  &v,
			ChangedAt: time.Now().UTC(),
		})
	}
	return count
}

// SnapshotEntries captures all live entries for persistence.
func (s *MemoryStore) SnapshotEntries() []SnapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]SnapshotEntry, 0, len(s.data))
	for _, e := range s.data {
		if !e.IsExpired() {
			entries = append(entries, e.ToSnapshot())
		}
	}
	return entries
}

// RestoreSnapshot replays persisted entries, restoring remaining TTLs
// and recomputing sizes.
func (s *MemoryStore) RestoreSnapshot(entries []SnapshotEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, se := range entries {
		ttl := time.Duration(0)
		if se.TTLMs != nil {
			ttl = time.Duration(*se.TTLMs) * time.Millisecond
			if ttl <= 0 {
				continue
			}
		}
		entry := NewEntry(se.Key, se.Value, ttl)
		if old, ok := s.data[se.Key]; ok {
			total -= old.Size
		}
		s.data[se.Key] = entry
		total += entry.Size
	}
	s.memoryUsed.Add(int64(total))
}
