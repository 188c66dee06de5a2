package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager()
	key := Key("github/acme/api", "curative")

	tok, err := m.Acquire(key, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !m.Held(key) {
		t.Error("key should be held")
	}

	if _, err := m.Acquire(key, time.Minute); !errors.Is(err, ErrBusy) {
		t.Errorf("second acquire = %v, want ErrBusy", err)
	}

	if err := m.Release(tok); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if m.Held(key) {
		t.Error("key should be free after release")
	}

	if _, err := m.Acquire(key, time.Minute); err != nil {
		t.Errorf("re-acquire after release failed: %v", err)
	}
}

func TestDifferentKeysIndependent(t *testing.T) {
	m := NewManager()

	a := Key("github/acme/api", "curative")
	b := Key("github/acme/web", "curative")
	c := Key("github/acme/api", "preventive")

	if _, err := m.Acquire(a, time.Minute); err != nil {
		t.Fatalf("Acquire a failed: %v", err)
	}
	if _, err := m.Acquire(b, time.Minute); err != nil {
		t.Errorf("different target should not contend: %v", err)
	}
	if _, err := m.Acquire(c, time.Minute); err != nil {
		t.Errorf("different category should not contend: %v", err)
	}
}

func TestTTLExpiryEvictsHolder(t *testing.T) {
	m := NewManager()
	now := time.Now()
	m.now = func() time.Time { return now }

	key := Key("github/acme/api", "curative")
	stale, err := m.Acquire(key, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Before expiry: still busy.
	now = now.Add(59 * time.Second)
	if _, err := m.Acquire(key, time.Minute); !errors.Is(err, ErrBusy) {
		t.Errorf("pre-expiry acquire = %v, want ErrBusy", err)
	}

	// After expiry: a new holder takes over.
	now = now.Add(2 * time.Second)
	fresh, err := m.Acquire(key, time.Minute)
	if err != nil {
		t.Fatalf("post-expiry acquire failed: %v", err)
	}

	// The stale token cannot release the new holder's lock.
	if err := m.Release(stale); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale release = %v, want ErrNotHeld", err)
	}
	if !m.Held(key) {
		t.Error("fresh holder's lock must survive stale release")
	}
	if err := m.Release(fresh); err != nil {
		t.Errorf("fresh release failed: %v", err)
	}
}

// Mutual exclusion: N concurrent acquires on one key admit exactly one
// winner per round.
func TestMutualExclusionUnderConcurrency(t *testing.T) {
	m := NewManager()
	key := Key("github/acme/api", "curative")

	const rounds = 50
	const contenders = 16

	for round := 0; round < rounds; round++ {
		var wins int64
		var winner Token
		var winnerMu sync.Mutex
		var wg sync.WaitGroup

		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tok, err := m.Acquire(key, time.Minute)
				if err == nil {
					atomic.AddInt64(&wins, 1)
					winnerMu.Lock()
					winner = tok
					winnerMu.Unlock()
				} else if !errors.Is(err, ErrBusy) {
					t.Errorf("unexpected acquire error: %v", err)
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1", round, wins)
		}
		if err := m.Release(winner); err != nil {
			t.Fatalf("round %d: release failed: %v", round, err)
		}
	}
}
