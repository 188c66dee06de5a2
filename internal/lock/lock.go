// Package lock provides advisory, TTL-bounded, non-blocking locks keyed by
// string. The repair path locks (target, category) so at most one fix is in
// flight per pair; the TTL bounds how long a crashed holder can wedge a key.
package lock

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"repowarden/internal/logging"
)

// ErrBusy is returned when the key is already held.
var ErrBusy = errors.New("lock busy")

// ErrNotHeld is returned when releasing with a stale or foreign token.
var ErrNotHeld = errors.New("lock not held by token")

// Token proves ownership of one acquisition. Release requires the token so
// an expired holder cannot release a successor's lock.
type Token struct {
	Key string
	ID  string
}

// Key builds the repair lock key for a target and rule category.
func Key(targetID, category string) string {
	return targetID + "#" + category
}

const shardCount = 16

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	tokenID   string
	expiresAt time.Time
}

// Manager is a sharded in-process lock table.
type Manager struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	m := &Manager{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{locks: make(map[string]*entry)}
	}
	return m
}

func (m *Manager) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Acquire takes the key for ttl without blocking. A held, unexpired key
// returns ErrBusy. Expired holders are evicted on the spot.
func (m *Manager) Acquire(key string, ttl time.Duration) (Token, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	if e, ok := s.locks[key]; ok {
		if now.Before(e.expiresAt) {
			logging.LockDebug("acquire %s: busy until %s", key, e.expiresAt.Format(time.RFC3339))
			return Token{}, ErrBusy
		}
		// TTL elapsed; the previous holder forfeits.
		logging.Lock("acquire %s: evicting expired holder", key)
		delete(s.locks, key)
	}

	tok := Token{Key: key, ID: uuid.NewString()}
	s.locks[key] = &entry{tokenID: tok.ID, expiresAt: now.Add(ttl)}
	logging.LockDebug("acquired %s (ttl %s)", key, ttl)
	return tok, nil
}

// Release frees the key if the token still owns it. Releasing after expiry
// and re-acquisition returns ErrNotHeld and leaves the new holder alone.
func (m *Manager) Release(tok Token) error {
	s := m.shardFor(tok.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[tok.Key]
	if !ok || e.tokenID != tok.ID {
		return ErrNotHeld
	}
	delete(s.locks, tok.Key)
	logging.LockDebug("released %s", tok.Key)
	return nil
}

// Held reports whether the key is currently held and unexpired.
func (m *Manager) Held(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[key]
	return ok && m.now().Before(e.expiresAt)
}
