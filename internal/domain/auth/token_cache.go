package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"sync"
	"time"
)

// Token cache sizing. The soft threshold triggers an expiry sweep every N
// inserts; the margin over-evicts slightly so a cache sitting at the cap
// does not evict on every single insert.
const (
	defaultTokenCacheTTL = 5 * time.Minute
	defaultTokenCacheCap = 500
	cleanupEveryInserts  = 100
	evictionMargin       = 50
)

// CachedToken is one validated opaque-token result.
type CachedToken struct {
	// Active mirrors the introspection "active" flag.
	Active bool
	// UserID is the resolved identity id.
	UserID string
	// Username is the resolved display name, when the provider returned one.
	Username string
	// Scopes are the token's granted scopes.
	Scopes []string
	// ExpiresAt is the token expiry. Zero means the provider reported none.
	ExpiresAt time.Time
	// Claims is the full validation response body.
	Claims map[string]any
	// CachedAt orders entries for eviction.
	CachedAt time.Time
}

// HashToken returns the URL-safe-base64 SHA-256 digest of a raw token.
// Cache keys are digests so the raw token never sits in memory beyond the
// request that carried it.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.URLEncoding.EncodeToString(sum[:])
}

// TokenCache is a bounded TTL cache of validated opaque tokens keyed by
// token hash. Safe for concurrent use.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]*CachedToken
	ttl     time.Duration
	cap     int
	inserts int
}

// NewTokenCache creates a cache with the given TTL and capacity.
// Zero values select the defaults (5 minutes, 500 entries).
func NewTokenCache(ttl time.Duration, capacity int) *TokenCache {
	if ttl <= 0 {
		ttl = defaultTokenCacheTTL
	}
	if capacity <= 0 {
		capacity = defaultTokenCacheCap
	}
	return &TokenCache{
		entries: make(map[string]*CachedToken),
		ttl:     ttl,
		cap:     capacity,
	}
}

// Get returns the entry under key if it is still within its TTL.
func (c *TokenCache) Get(key string) (*CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.CachedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry, true
}

// Put inserts an entry. When the cache is at 80% of capacity an expiry
// sweep runs before the insert; every cleanupEveryInserts inserts another
// sweep runs; and when the cache still exceeds capacity the oldest entries
// by CachedAt are evicted down to capacity minus the margin.
func (c *TokenCache) Put(key string, entry *CachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}

	if len(c.entries) >= c.cap*80/100 {
		c.removeExpiredLocked()
	}

	c.entries[key] = entry
	c.inserts++

	if c.inserts >= cleanupEveryInserts {
		c.removeExpiredLocked()
		c.inserts = 0
	}

	if len(c.entries) > c.cap {
		c.evictOldestLocked(len(c.entries) - c.cap + evictionMargin)
	}
}

// Delete removes an entry.
func (c *TokenCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the live entry count. Feeds the token-cache gauge.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TokenCache) removeExpiredLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.CachedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

// evictOldestLocked removes the n oldest entries by CachedAt.
func (c *TokenCache) evictOldestLocked(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.entries) {
		c.entries = make(map[string]*CachedToken)
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, aged{key: key, at: entry.CachedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < n; i++ {
		delete(c.entries, all[i].key)
	}
}
