// Package msgcache caches fetched conversation transcripts so re-syncs and
// overlapping jobs don't refetch the same threads, and supports differential
// re-analysis via FilterNew.
package msgcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/contact-sync/internal/model"
)

// Cache is a concurrent-safe transcript cache with TTL expiration and a
// capacity bound with oldest-entry eviction.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      []string // front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	hits       atomic.Int64
	misses     atomic.Int64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

type entry struct {
	messages        []model.Message
	lastMessageTime time.Time
	cachedAt        time.Time
}

// Stats contains cache performance counters.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// New creates a Cache with the given capacity and TTL.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		nowFunc:    time.Now,
	}
}

// Get returns the cached transcript for a conversation, or nil on miss.
// Entries older than the TTL are treated as absent and dropped.
func (c *Cache) Get(conversationID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[conversationID]
	if !ok {
		c.misses.Add(1)
		return nil
	}
	if c.nowFunc().Sub(e.cachedAt) >= c.ttl {
		delete(c.entries, conversationID)
		c.removeFromOrder(conversationID)
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return e.messages
}

// LastMessageTime returns the newest-message timestamp recorded for a cached
// conversation, and whether a live entry exists.
func (c *Cache) LastMessageTime(conversationID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok || c.nowFunc().Sub(e.cachedAt) >= c.ttl {
		return time.Time{}, false
	}
	return e.lastMessageTime, true
}

// Put stores a transcript, evicting the oldest entry when at capacity.
func (c *Cache) Put(conversationID string, messages []model.Message, lastMessageTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[conversationID]; ok {
		c.entries[conversationID] = &entry{messages: messages, lastMessageTime: lastMessageTime, cachedAt: c.nowFunc()}
		c.removeFromOrder(conversationID)
		c.order = append(c.order, conversationID)
		return
	}

	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[conversationID] = &entry{messages: messages, lastMessageTime: lastMessageTime, cachedAt: c.nowFunc()}
	c.order = append(c.order, conversationID)
}

// Invalidate drops a single conversation.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[conversationID]; ok {
		delete(c.entries, conversationID)
		c.removeFromOrder(conversationID)
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		Hits:       hits,
		Misses:     misses,
		HitRate:    rate,
	}
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// FilterNew returns only the messages strictly after since, preserving order.
// A nil since means no prior sync point: the full transcript is returned.
func FilterNew(messages []model.Message, since *time.Time) []model.Message {
	if since == nil {
		return messages
	}
	out := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.Timestamp.After(*since) {
			out = append(out, m)
		}
	}
	return out
}
