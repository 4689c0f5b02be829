// Package cache holds decrypted conversation metadata so list views do
// not re-decrypt on every render. Entries are bounded, TTL-scoped and
// never written to disk; plaintext lives only in process memory.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonchat/chatsync/internal/models"
)

// DecryptFunc produces the plaintext projection of a conversation
// record. It is called outside the cache lock.
type DecryptFunc func(conv *models.Conversation) (*models.ConversationView, error)

type entry struct {
	view       *models.ConversationView
	insertedAt time.Time
}

// Cache is a bounded in-memory cache of decrypted conversation views.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	// inflight counts decrypts currently running per conversation;
	// invalidated holds IDs whose in-flight results must be discarded.
	inflight    map[string]int
	invalidated map[string]struct{}

	maxEntries int
	ttl        time.Duration
	sweepEvery time.Duration

	hits      uint64
	misses    uint64
	evictions uint64

	now    func() time.Time
	logger *slog.Logger
}

// New creates a cache holding at most maxEntries views for at most ttl.
func New(maxEntries int, ttl, sweepEvery time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		entries:     make(map[string]*entry),
		inflight:    make(map[string]int),
		invalidated: make(map[string]struct{}),
		maxEntries:  maxEntries,
		ttl:         ttl,
		sweepEvery:  sweepEvery,
		now:         time.Now,
		logger:      logger,
	}
}

// GetDecrypted returns the cached view for the conversation, decrypting
// via decrypt on a miss or expired entry. A decrypt whose conversation
// is invalidated while it runs is returned to the caller but never
// cached; the next read decrypts the fresh record.
func (c *Cache) GetDecrypted(conv *models.Conversation, decrypt DecryptFunc) (*models.ConversationView, error) {
	c.mu.Lock()
	if e, ok := c.entries[conv.ID]; ok && c.now().Sub(e.insertedAt) < c.ttl {
		c.hits++
		view := e.view
		c.mu.Unlock()
		return view, nil
	}

	c.misses++
	c.inflight[conv.ID]++
	c.mu.Unlock()

	view, err := decrypt(conv)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.inflight[conv.ID]--
	if c.inflight[conv.ID] == 0 {
		delete(c.inflight, conv.ID)
	}

	if err != nil {
		return nil, err
	}

	if _, stale := c.invalidated[conv.ID]; stale {
		if c.inflight[conv.ID] == 0 {
			delete(c.invalidated, conv.ID)
		}
		return view, nil
	}

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[conv.ID] = &entry{view: view, insertedAt: c.now()}

	return view, nil
}

// Invalidate drops the cached view for a conversation and marks any
// in-flight decrypt of it as discardable. Called whenever the stored
// record changes.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, conversationID)
	if c.inflight[conversationID] > 0 {
		c.invalidated[conversationID] = struct{}{}
	}
}

// ClearAll empties the cache, e.g. after a full reconciliation replaced
// local state wholesale.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	for id, n := range c.inflight {
		if n > 0 {
			c.invalidated[id] = struct{}{}
		}
	}
}

// Sweep periodically removes expired entries until ctx is done.
func (c *Cache) Sweep(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.sweepExpired()
			if removed > 0 {
				c.logger.Debug("Swept expired cache entries", "removed", removed)
			}
		}
	}
}

func (c *Cache) sweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for id, e := range c.entries {
		if e.insertedAt.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}

	return removed
}

// evictOldestLocked removes the entry with the earliest insertion time.
// Caller holds c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.insertedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = e.insertedAt
		}
	}

	if oldestID != "" {
		delete(c.entries, oldestID)
		c.evictions++
	}
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns current counters for logging and diagnostics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
