// Package rescache memoizes per-(rule, target) evaluation results. Keys are
// a pure function of rule id, target id, and the fact snapshot hash, so a
// changed fact set misses naturally. Invalidation is coarse per target.
package rescache

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"

	"repowarden/internal/logging"
	"repowarden/internal/policy"
)

// Entry is one memoized evaluation result. Outcome is nil when the match
// produced no repair.
type Entry struct {
	Match   policy.Match
	Outcome *policy.Outcome
}

// Key derives the cache key. Same facts, same key, regardless of when the
// snapshot was taken.
func Key(ruleID, targetID, factHash string) string {
	sum := sha256.Sum256([]byte(ruleID + "\x1f" + targetID + "\x1f" + factHash))
	return hex.EncodeToString(sum[:16])
}

const shardCount = 16

type cacheItem struct {
	entry     Entry
	targetID  string
	expiresAt time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]cacheItem
}

// Cache is a sharded TTL cache with lazy expiry.
type Cache struct {
	shards [shardCount]*shard
	ttl    time.Duration
	now    func() time.Time
}

// New creates a cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	c := &Cache{ttl: ttl, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]cacheItem)}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the entry for key, or ok=false on miss or lazy expiry.
func (c *Cache) Get(key string) (Entry, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	if c.now().After(item.expiresAt) {
		delete(s.items, key)
		logging.CacheDebug("lazy expiry of %s", key)
		return Entry{}, false
	}
	return item.entry, true
}

// Put stores an entry under key, tagged with the target id for coarse
// invalidation.
func (c *Cache) Put(key, targetID string, entry Entry) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = cacheItem{
		entry:     entry,
		targetID:  targetID,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate drops every entry for the target. Coarse on purpose: a target
// whose facts changed gets a clean slate, correctness over hit rate.
func (c *Cache) Invalidate(targetID string) {
	dropped := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, item := range s.items {
			if item.targetID == targetID {
				delete(s.items, k)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	if dropped > 0 {
		logging.Cache("invalidated %d entries for %s", dropped, targetID)
	}
}

// Len counts live and not-yet-reaped entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
