package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xrplalerts/internal/models"
)

// CachedConfigSource memoizes candidate lookups per (activityType,
// collection) key for a short TTL, so a burst of activities in one ledger
// does not hit the database once per activity.
type CachedConfigSource struct {
	source ConfigSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	configs   []models.AlertConfig
	expiresAt time.Time
}

func NewCachedConfigSource(source ConfigSource, ttl time.Duration) *CachedConfigSource {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedConfigSource{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(activityType models.ActivityType, collectionID *int64) string {
	if collectionID == nil {
		return string(activityType) + "|global"
	}
	return fmt.Sprintf("%s|%d", activityType, *collectionID)
}

func (c *CachedConfigSource) ListCandidateAlertConfigs(ctx context.Context, activityType models.ActivityType, collectionID *int64) ([]models.AlertConfig, error) {
	key := cacheKey(activityType, collectionID)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.configs, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-check: another goroutine may have refreshed while we waited.
	if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		return entry.configs, nil
	}
	configs, err := c.source.ListCandidateAlertConfigs(ctx, activityType, collectionID)
	if err != nil {
		return nil, err
	}
	c.entries[key] = cacheEntry{configs: configs, expiresAt: time.Now().Add(c.ttl)}
	return configs, nil
}

// Invalidate drops every cached entry; called when alert configs change.
func (c *CachedConfigSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
