package catalog

import (
	"sync"
	"time"

	"github.com/ashita-ai/shiki/internal/model"
)

// RuleCache is a short-TTL snapshot cache for the full visibility rule set.
// Rules are read-mostly: every effective-catalog query needs the whole set,
// so one cached snapshot eliminates a table scan per request. Staleness is
// bounded by the TTL; rule writes invalidate explicitly.
type RuleCache struct {
	mu        sync.RWMutex
	rules     []model.VisibilityRule
	fetchedAt time.Time
	ttl       time.Duration
}

// NewRuleCache creates a cache with the given TTL. A zero TTL disables
// caching (every Get misses).
func NewRuleCache(ttl time.Duration) *RuleCache {
	return &RuleCache{ttl: ttl}
}

// Get returns the cached snapshot and true if it is still fresh.
func (c *RuleCache) Get() ([]model.VisibilityRule, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.rules == nil || time.Since(c.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.rules, true
}

// Set stores a fresh snapshot.
func (c *RuleCache) Set(rules []model.VisibilityRule) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if rules == nil {
		rules = []model.VisibilityRule{}
	}
	c.rules = rules
	c.fetchedAt = time.Now()
}

// Invalidate drops the snapshot so the next Get misses.
func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = nil
}
