package gateway

import (
	"sync"
	"time"
)

// TokenCache holds the gateway bearer token. Safe for concurrent use.
type TokenCache struct {
	mu        sync.RWMutex
	value     string
	expiresAt time.Time
	skew      time.Duration
	now       func() time.Time
}

func NewTokenCache(skew time.Duration, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{skew: skew, now: now}
}

// Get returns the cached token if it is still valid with skew to spare.
func (c *TokenCache) Get() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == "" || !c.now().Add(c.skew).Before(c.expiresAt) {
		return "", false
	}
	return c.value, true
}

// Set stores a token. Concurrent refreshes are last-writer-wins.
func (c *TokenCache) Set(value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.expiresAt = c.now().Add(ttl)
}

// Invalidate drops value if it is still the cached token. A newer token set by
// another caller is left alone.
func (c *TokenCache) Invalidate(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == value {
		c.value = ""
		c.expiresAt = time.Time{}
	}
}
