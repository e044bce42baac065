package relay

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// ProfileCache
// ============================================================================

// DefaultProfileTTL is how long a cached profile stays fresh.
const DefaultProfileTTL = 10 * time.Minute

// ProfileCache is a read-through cache of user profiles keyed by user id,
// with a bounded TTL and explicit invalidation. It is owned by the caller and
// injected into sessions rather than held as process-global state.
type ProfileCache struct {
	fetch ProfileFetcher
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]profileEntry
}

type profileEntry struct {
	profile UserProfile
	fetched time.Time
}

// NewProfileCache creates a cache over fetch. ttl <= 0 picks the default.
func NewProfileCache(fetch ProfileFetcher, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = DefaultProfileTTL
	}
	return &ProfileCache{
		fetch:   fetch,
		ttl:     ttl,
		entries: make(map[string]profileEntry),
	}
}

// Peek returns a fresh cached profile without fetching.
func (c *ProfileCache) Peek(userID string) (UserProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || time.Since(e.fetched) > c.ttl {
		return UserProfile{}, false
	}
	return e.profile, true
}

// Get returns the cached profile, fetching on a miss or stale entry.
func (c *ProfileCache) Get(ctx context.Context, userID string) (UserProfile, error) {
	if p, ok := c.Peek(userID); ok {
		return p, nil
	}

	p, err := c.fetch(ctx, userID)
	if err != nil {
		return UserProfile{}, err
	}

	c.mu.Lock()
	c.entries[userID] = profileEntry{profile: p, fetched: time.Now()}
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops a user's cached profile; call it on profile updates.
func (c *ProfileCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Len returns the number of cached entries, fresh or stale.
func (c *ProfileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
