package rulestore

import (
	"sync"

	"repowarden/internal/logging"
	"repowarden/internal/policy"
)

// MemoryStore is the in-process Store implementation. A single RWMutex
// guards the rule map; counter updates take the write lock, which serializes
// them per rule id (and globally, which is stricter than required).
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*policy.Rule
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]*policy.Rule),
	}
}

// Insert adds a rule after the conflict check against enabled rules of the
// same category.
func (s *MemoryStore) Insert(rule policy.Rule) (string, error) {
	if err := validateInsert(rule); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make([]policy.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		existing = append(existing, *r)
	}
	if conflictID := findConflict(rule, existing); conflictID != "" {
		logging.Store("insert rejected: rule %s conflicts with %s", rule.ID, conflictID)
		return "", &ConflictError{ExistingID: conflictID}
	}

	stored := rule
	s.rules[rule.ID] = &stored
	logging.Store("inserted rule %s (%s, %s)", rule.ID, rule.Name, rule.Category)
	return rule.ID, nil
}

// Get returns enabled rules of one category in deterministic order.
func (s *MemoryStore) Get(category policy.Category) ([]policy.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]policy.Rule, 0)
	for _, r := range s.rules {
		if r.Enabled && r.Category == category {
			out = append(out, *r)
		}
	}
	orderRules(out)
	return out, nil
}

// GetByID returns one rule regardless of enabled state.
func (s *MemoryStore) GetByID(id string) (policy.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return policy.Rule{}, ErrNotFound
	}
	return *r, nil
}

// All returns every rule in deterministic order.
func (s *MemoryStore) All() ([]policy.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]policy.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	orderRules(out)
	return out, nil
}

// SetEnabled soft-deletes or restores a rule.
func (s *MemoryStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Enabled = enabled
	logging.Store("rule %s enabled=%v", id, enabled)
	return nil
}

// RecordOutcome increments the counters atomically, serialized per rule.
func (s *MemoryStore) RecordOutcome(id string, succeeded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.AppliedCount++
	if succeeded {
		r.SuccessCount++
	}
	logging.StoreDebug("rule %s outcome recorded: succeeded=%v applied=%d success=%d",
		id, succeeded, r.AppliedCount, r.SuccessCount)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
