// Package rulestore persists compiled rules and their outcome counters.
// Two implementations share one interface: an in-memory store for tests and
// ephemeral runs, and a SQLite store for durable workspaces. Rules are
// disabled, never deleted; counters only grow.
package rulestore

import (
	"errors"
	"fmt"
	"sort"

	"repowarden/internal/policy"
)

// ErrNotFound is returned when a rule id does not exist.
var ErrNotFound = errors.New("rule not found")

// ErrContradictory is returned for a rule whose conditions require and
// forbid the same fact; no target could ever match it.
var ErrContradictory = errors.New("rule conditions are contradictory")

// ConflictError reports that an inserted rule logically conflicts with an
// existing enabled rule of the same category.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rule conflicts with existing rule %s", e.ExistingID)
}

// Store is the rule persistence contract. RecordOutcome must be atomic and
// serialized per rule id; success never exceeds applied.
type Store interface {
	// Insert adds a rule after checking its conditions for internal
	// contradiction and the rule against enabled rules of the same
	// category. Returns the rule id, ErrContradictory, or a
	// *ConflictError.
	Insert(rule policy.Rule) (string, error)

	// Get returns the enabled rules of one category in deterministic
	// order: success rate descending, creation time ascending, id
	// ascending.
	Get(category policy.Category) ([]policy.Rule, error)

	// GetByID returns one rule regardless of enabled state.
	GetByID(id string) (policy.Rule, error)

	// All returns every rule, enabled or not, in deterministic order.
	All() ([]policy.Rule, error)

	// SetEnabled soft-deletes or restores a rule.
	SetEnabled(id string, enabled bool) error

	// RecordOutcome increments applied and, when succeeded, success.
	RecordOutcome(id string, succeeded bool) error

	// Close releases underlying resources.
	Close() error
}

// orderRules sorts rules into the deterministic evaluation order.
func orderRules(rules []policy.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		ri, rj := rules[i].SuccessRate(), rules[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

// validateInsert rejects rules no snapshot could ever satisfy.
func validateInsert(rule policy.Rule) error {
	if rule.Contradictory() {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrContradictory)
	}
	return nil
}

// findConflict returns the id of the first enabled same-category rule the
// candidate conflicts with, or "".
func findConflict(candidate policy.Rule, existing []policy.Rule) string {
	for _, r := range existing {
		if !r.Enabled || r.Category != candidate.Category || r.ID == candidate.ID {
			continue
		}
		if policy.Conflicts(candidate, r) {
			return r.ID
		}
	}
	return ""
}
