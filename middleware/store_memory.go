package middleware

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/courier-dev/courier/agent"
)

// cacheEntry is one stored result with its bookkeeping timestamps.
type cacheEntry struct {
	result     *agent.Result
	createdAt  time.Time
	lastAccess time.Time
}

// MemoryStore is an in-process LRU+TTL cache store.
//
// When an insert pushes the store past maxEntries, entries are evicted
// in ascending last-access order down to ~90% of the limit, so the
// store does not evict again on every single subsequent insert.
type MemoryStore struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*cacheEntry

	now func() time.Time
}

// NewMemoryStore creates a store with the given TTL and entry limit.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryStore{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*cacheEntry),
		now:        time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*agent.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	now := s.now()
	if now.Sub(e.createdAt) >= s.ttl {
		delete(s.entries, key)
		return nil, false
	}

	e.lastAccess = now
	return e.result.Clone(), true
}

func (s *MemoryStore) Set(ctx context.Context, key string, res *agent.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[key] = &cacheEntry{
		result:     res.Clone(),
		createdAt:  now,
		lastAccess: now,
	}

	if len(s.entries) > s.maxEntries {
		s.evictLocked()
	}
}

// evictLocked drops least-recently-accessed entries until the store is
// back under 90% of its limit. Caller holds s.mu.
func (s *MemoryStore) evictLocked() {
	target := s.maxEntries * 9 / 10
	if target < 1 {
		target = 1
	}

	type keyed struct {
		key        string
		lastAccess time.Time
	}
	byAccess := make([]keyed, 0, len(s.entries))
	for k, e := range s.entries {
		byAccess = append(byAccess, keyed{k, e.lastAccess})
	}
	sort.Slice(byAccess, func(i, j int) bool {
		return byAccess[i].lastAccess.Before(byAccess[j].lastAccess)
	})

	for _, ke := range byAccess {
		if len(s.entries) <= target {
			break
		}
		delete(s.entries, ke.key)
	}
}

func (s *MemoryStore) Sweep(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := 0
	for k, e := range s.entries {
		if now.Sub(e.createdAt) >= s.ttl {
			delete(s.entries, k)
			dropped++
		}
	}
	return dropped
}

func (s *MemoryStore) Len(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
