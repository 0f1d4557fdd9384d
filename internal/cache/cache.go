// Package cache stores tool-result envelopes keyed by the canonical digest
// of {tool, args}. Backends: in-memory (default) and Redis. The Loader adds
// single-flight semantics so concurrent identical calls run the handler once.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Log-LogN/warden/internal/config"
)

// Cache is the tool-result cache. Values are serialized envelopes; keys are
// canonical argument digests. Expired entries read as absent.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Prune removes expired entries and returns how many were dropped.
	Prune(ctx context.Context) (int, error)
	Close() error
}

// New builds the backend named by cfg. redisURL is only consulted for the
// redis backend.
func New(cfg config.CacheConfig, redisURL string) (Cache, error) {
	if cfg.Backend == "redis" {
		return NewRedis(redisURL, cfg.TTL)
	}
	return NewMemory(cfg.MaxEntries, cfg.TTL), nil
}

// Memory is a thread-safe in-process cache with per-entry expiration and a
// bounded size. When full, the oldest entry is evicted.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	maxSize    int
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	now func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
	createdAt time.Time
}

// NewMemory builds a memory cache holding at most maxSize entries.
// maxSize <= 0 means unbounded.
func NewMemory(maxSize int, defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	return &Memory{
		entries:    make(map[string]*memEntry),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	if m.now().After(entry.expiresAt) {
		delete(m.entries, key)
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		if _, exists := m.entries[key]; !exists {
			m.evictOldestLocked()
		}
	}
	m.entries[key] = &memEntry{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Prune(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }

// Len reports the entry count, expired entries included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stats reports hit and miss counts since construction.
func (m *Memory) Stats() (hits, misses uint64) {
	return m.hits.Load(), m.misses.Load()
}

func (m *Memory) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, entry := range m.entries {
		if first || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
			first = false
		}
	}
	if !first {
		delete(m.entries, oldestKey)
	}
}
