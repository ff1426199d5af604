package engine

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coinscribe/coinscribe/pkg/policy"
	"github.com/coinscribe/coinscribe/pkg/recipe"
)

// Cache is the short-TTL result cache shared across concurrent dataset
// executions and across runs. It is the only mutable state the engine shares;
// the clock is injected so tests control time. Concurrent identical fetches
// collapse into a single upstream call via singleflight, but collapsing is an
// optimization: a miss under contention may simply fetch twice.
type Cache struct {
	ttl   time.Duration
	clock Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	columns   []Column
	rows      []Row
	fetchedAt time.Time
	expiresAt time.Time
}

// FetchFunc produces a dataset's normalized shape on a cache miss.
type FetchFunc func() ([]Column, []Row, error)

// NewCache creates a cache with the given TTL. A nil clock uses the system clock.
func NewCache(ttl time.Duration, clock Clock) *Cache {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

// GetOrFetch returns the cached shape for key, or invokes fn and caches the
// result. The returned fetchedAt is the upstream fetch time; hit reports
// whether the value came from cache. Errors are never cached.
func (c *Cache) GetOrFetch(key string, fn FetchFunc) (columns []Column, rows []Row, fetchedAt time.Time, hit bool, err error) {
	if entry, ok := c.lookup(key); ok {
		return entry.columns, entry.rows, entry.fetchedAt, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A sibling may have populated the entry while we waited on the group.
		if entry, ok := c.lookup(key); ok {
			return entry, nil
		}

		columns, rows, err := fn()
		if err != nil {
			return nil, err
		}

		now := c.clock.Now()
		entry := cacheEntry{
			columns:   columns,
			rows:      rows,
			fetchedAt: now,
			expiresAt: now.Add(c.ttl),
		}
		c.store(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, nil, time.Time{}, false, err
	}

	entry := v.(cacheEntry)
	return entry.columns, entry.rows, entry.fetchedAt, false, nil
}

// Lookup returns the cached entry for key without fetching.
func (c *Cache) lookup(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) store(key string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

// Purge drops every entry. Used by tests and the serve loop on reload.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheKey builds the cache key for a dataset: kind, provider, normalized
// parameters and purpose. Coin IDs and metrics are sorted so equivalent specs
// share an entry.
func CacheKey(spec recipe.DatasetSpec, currency string, purpose policy.Purpose) string {
	coins := append([]string(nil), spec.CoinIDs...)
	sort.Strings(coins)
	metrics := append([]string(nil), spec.Metrics...)
	sort.Strings(metrics)

	return strings.Join([]string{
		string(spec.Kind),
		spec.Provider,
		strings.ToLower(currency),
		strings.Join(coins, ","),
		strings.Join(metrics, ","),
		spec.Timeframe,
		string(purpose),
	}, "|")
}
