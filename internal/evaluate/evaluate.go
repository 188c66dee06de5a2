// Package evaluate matches rules against target fact snapshots. Matching is
// pure set membership over ground conditions; evaluation never mutates the
// store or the snapshot, so repeated calls with the same inputs return the
// same matches.
package evaluate

import (
	"repowarden/internal/logging"
	"repowarden/internal/policy"
	"repowarden/internal/rulestore"
)

// Evaluator matches enabled rules of one category against snapshots.
type Evaluator struct {
	store rulestore.Store
}

// New creates an evaluator over the given rule store.
func New(store rulestore.Store) *Evaluator {
	return &Evaluator{store: store}
}

// MatchRule tests one rule against one snapshot. Exported so the pipeline
// can consult the result cache per (rule, target) pair before matching.
func MatchRule(rule policy.Rule, snap policy.FactSnapshot) policy.Match {
	m := policy.Match{
		RuleID:   rule.ID,
		TargetID: snap.TargetID,
		Matched:  true,
	}
	bindings := make(map[string]string, len(rule.Conditions))
	for _, c := range rule.Conditions {
		has := snap.Has(c.Fact)
		switch c.Op {
		case policy.OpPresent:
			if !has {
				return policy.Match{RuleID: rule.ID, TargetID: snap.TargetID}
			}
			bindings[c.Fact] = "present"
		case policy.OpAbsent:
			if has {
				return policy.Match{RuleID: rule.ID, TargetID: snap.TargetID}
			}
			bindings[c.Fact] = "absent"
		default:
			// Unknown op never matches; rules are validated upstream.
			return policy.Match{RuleID: rule.ID, TargetID: snap.TargetID}
		}
	}
	m.Bindings = bindings
	return m
}

// Evaluate returns the matches of all enabled rules of one category against
// the snapshot, in store order. An empty result is a normal outcome.
func (e *Evaluator) Evaluate(category policy.Category, snap policy.FactSnapshot) ([]policy.Match, error) {
	rules, err := e.store.Get(category)
	if err != nil {
		return nil, err
	}

	matches := make([]policy.Match, 0, len(rules))
	for _, rule := range rules {
		if m := MatchRule(rule, snap); m.Matched {
			matches = append(matches, m)
		}
	}

	logging.EvaluateDebug("category %s on %s: %d rules, %d matches",
		category, snap.TargetID, len(rules), len(matches))
	return matches, nil
}
