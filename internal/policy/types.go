// Package policy defines the shared vocabulary of the enforcement engine:
// patterns emitted by the upstream learner, compiled rules, target fact
// snapshots, evaluation matches, gate decisions, and repair outcomes.
// Every other package speaks these types; none of them carry behavior that
// touches storage or the network.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Category partitions rules by how they are enforced.
type Category string

const (
	// CategoryDeclarative rules state what must hold; violations become findings.
	CategoryDeclarative Category = "declarative"
	// CategoryPreventive rules block a failure before it happens; matches become findings.
	CategoryPreventive Category = "preventive"
	// CategoryCurative rules repair a detected failure; matches go through the confidence gate.
	CategoryCurative Category = "curative"
)

// Categories lists all rule categories in evaluation order.
func Categories() []Category {
	return []Category{CategoryDeclarative, CategoryPreventive, CategoryCurative}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryDeclarative, CategoryPreventive, CategoryCurative:
		return true
	}
	return false
}

// Severity ranks how bad an unresolved finding is for the health score.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Pattern is a learned correlation delivered by the Pattern Source.
// Patterns are immutable once emitted; a revised pattern arrives under a
// new id, never as an in-place mutation.
type Pattern struct {
	ID         string   `json:"id"`
	Features   []string `json:"features"`
	Outcome    string   `json:"outcome"`
	Confidence float64  `json:"confidence"`
	Origin     string   `json:"origin,omitempty"` // learning-run identifier
}

// ConditionOp is the test a condition applies to one fact tag.
type ConditionOp string

const (
	// OpPresent requires the fact tag to be in the snapshot.
	OpPresent ConditionOp = "present"
	// OpAbsent requires the fact tag to be missing from the snapshot.
	OpAbsent ConditionOp = "absent"
)

// Condition is one ground membership test over a target's fact set.
// Conditions carry no free variables, so matching is a direct lookup.
type Condition struct {
	Op   ConditionOp `json:"op" yaml:"op"`
	Fact string      `json:"fact" yaml:"fact"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s(%s)", c.Op, c.Fact)
}

// Conclusion is the implied assertion of a rule: the named fact is either
// required or forbidden on any target whose facts satisfy the conditions.
type Conclusion struct {
	Fact     string `json:"fact" yaml:"fact"`
	Required bool   `json:"required" yaml:"required"`
}

// Provenance strings for Rule.Provenance.
const (
	ProvenanceManual        = "manual"
	provenanceDistilledPrfx = "distilled-from-pattern:"
)

// DistilledProvenance builds the provenance string for a rule distilled
// from the given pattern id.
func DistilledProvenance(patternID string) string {
	return provenanceDistilledPrfx + patternID
}

// Rule is a compiled, category-tagged predicate. The condition slice is in
// canonical conjunctive form: sorted and deduplicated; condition sets that
// require and forbid the same fact are rejected by the store at insert.
// Counters are mutated only through the rule store after an action outcome
// is known. Rules are disabled, never hard-deleted.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Category   Category    `json:"category"`
	Conditions []Condition `json:"conditions"`
	Conclusion Conclusion  `json:"conclusion"`
	Severity   Severity    `json:"severity"`
	Provenance string      `json:"provenance"`

	// Confidence is the distillation-time pattern confidence. It is the
	// cold-start fallback for SuccessRate until the rule has been applied.
	Confidence float64 `json:"confidence"`

	AppliedCount int64     `json:"applied_count"`
	SuccessCount int64     `json:"success_count"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// SuccessRate returns the rule's historical success rate, falling back to
// the distillation-time confidence when the rule has never been applied.
func (r Rule) SuccessRate() float64 {
	if r.AppliedCount == 0 {
		return r.Confidence
	}
	return float64(r.SuccessCount) / float64(r.AppliedCount)
}

// Normalize rewrites the condition slice into canonical conjunctive form:
// deduplicated and sorted by fact then op. Deterministic form means two
// distillations of the same pattern produce byte-identical predicates.
func (r *Rule) Normalize() {
	seen := make(map[Condition]bool, len(r.Conditions))
	out := r.Conditions[:0]
	for _, c := range r.Conditions {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fact != out[j].Fact {
			return out[i].Fact < out[j].Fact
		}
		return out[i].Op < out[j].Op
	})
	r.Conditions = out
}

// Contradictory reports whether the condition set both requires and
// forbids the same fact. No snapshot can satisfy such a rule.
func (r Rule) Contradictory() bool {
	ops := make(map[string]ConditionOp, len(r.Conditions))
	for _, c := range r.Conditions {
		if op, ok := ops[c.Fact]; ok && op != c.Op {
			return true
		}
		ops[c.Fact] = c.Op
	}
	return false
}

// Conflicts reports whether two rules have logically conflicting
// conclusions for an overlapping condition set: some target could satisfy
// both condition sets, and the conclusions assert required vs forbidden
// for the same fact. Only rules in the same category are compared by
// callers; the check itself is category-agnostic.
func Conflicts(a, b Rule) bool {
	if a.Conclusion.Fact != b.Conclusion.Fact {
		return false
	}
	if a.Conclusion.Required == b.Conclusion.Required {
		return false
	}
	return coSatisfiable(a.Conditions, b.Conditions)
}

// coSatisfiable reports whether one fact set could satisfy both condition
// sets. With ground present/absent conditions this fails only when either
// set is internally contradictory or one set requires a fact the other
// forbids.
func coSatisfiable(a, b []Condition) bool {
	want := make(map[string]ConditionOp, len(a))
	for _, c := range a {
		if op, ok := want[c.Fact]; ok && op != c.Op {
			return false
		}
		want[c.Fact] = c.Op
	}
	seen := make(map[string]ConditionOp, len(b))
	for _, c := range b {
		if op, ok := seen[c.Fact]; ok && op != c.Op {
			return false
		}
		seen[c.Fact] = c.Op
		if op, ok := want[c.Fact]; ok && op != c.Op {
			return false
		}
	}
	return true
}

// Target identifies an administered repository. The engine never persists
// target content; identity plus a per-pass fact snapshot is all it sees.
type Target struct {
	Forge string `json:"forge"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// ID returns the stable target identity string.
func (t Target) ID() string {
	return t.Forge + "/" + t.Owner + "/" + t.Name
}

// FactSnapshot is one observation of a target's state as a set of boolean
// fact tags. Snapshots are recomputed per diagnostic pass.
type FactSnapshot struct {
	TargetID string    `json:"target_id"`
	Facts    []string  `json:"facts"` // sorted, unique
	TakenAt  time.Time `json:"taken_at"`
}

// NewFactSnapshot builds a snapshot with facts sorted and deduplicated.
func NewFactSnapshot(targetID string, facts []string, at time.Time) FactSnapshot {
	uniq := make(map[string]bool, len(facts))
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		if f != "" && !uniq[f] {
			uniq[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return FactSnapshot{TargetID: targetID, Facts: out, TakenAt: at}
}

// Has reports whether the snapshot contains the fact tag.
func (s FactSnapshot) Has(fact string) bool {
	i := sort.SearchStrings(s.Facts, fact)
	return i < len(s.Facts) && s.Facts[i] == fact
}

// Hash returns a digest of the fact set. Two snapshots with the same facts
// hash identically regardless of capture time, which is what makes cache
// keys a pure function of (rule, target, facts).
func (s FactSnapshot) Hash() string {
	sum := sha256.Sum256([]byte(strings.Join(s.Facts, "\x1f")))
	return hex.EncodeToString(sum[:8])
}

// Match is the result of evaluating one rule against one snapshot.
// Bindings record, per condition fact, the observed state that satisfied it.
type Match struct {
	RuleID   string            `json:"rule_id"`
	TargetID string            `json:"target_id"`
	Matched  bool              `json:"matched"`
	Bindings map[string]string `json:"bindings,omitempty"`
}

// ActionTier is the confidence-gated automation tier for a curative match.
type ActionTier string

const (
	TierAutoApply ActionTier = "auto-apply"
	TierPropose   ActionTier = "propose"
	TierAlertOnly ActionTier = "alert-only"
)

// FixDecision is derived fresh on every gate call from the match and the
// rule's current success rate; it is never persisted independently.
type FixDecision struct {
	Match      Match      `json:"match"`
	RuleID     string     `json:"rule_id"`
	Action     ActionTier `json:"action"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason"`
}

// OutcomeStatus classifies what a repair attempt did.
type OutcomeStatus string

const (
	OutcomeApplied   OutcomeStatus = "applied"
	OutcomeUnchanged OutcomeStatus = "unchanged" // goal already satisfied, no-op success
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeLockBusy  OutcomeStatus = "lock-busy" // skipped this pass, retried next pass
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Succeeded reports whether the outcome counts as a success for the rule's
// historical statistics. LockBusy and Cancelled are recorded in the report
// but never charged against the rule.
func (s OutcomeStatus) Succeeded() bool {
	return s == OutcomeApplied || s == OutcomeUnchanged
}

// Counted reports whether the outcome updates the rule's counters at all.
func (s OutcomeStatus) Counted() bool {
	return s == OutcomeApplied || s == OutcomeUnchanged || s == OutcomeFailed
}

// Outcome records one repair attempt for the diagnostic report.
type Outcome struct {
	RuleID   string        `json:"rule_id"`
	TargetID string        `json:"target_id"`
	Status   OutcomeStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}
