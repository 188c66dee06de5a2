// Package distill compiles high-confidence learned patterns into rules.
// A pattern passes three checks before insertion: the confidence floor, the
// closed mapping table, and the conflict check against enabled rules of the
// same category. Every rejection carries a stable reason code.
package distill

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"repowarden/internal/logging"
	"repowarden/internal/policy"
	"repowarden/internal/rulestore"
)

// Rejection reason codes.
const (
	ReasonLowConfidence  = "low-confidence"
	ReasonUnmapped       = "unmapped-pattern"
	reasonConflictPrefix = "conflicts-with:"
)

// ConflictReason builds the rejection reason for a conflicting rule id.
func ConflictReason(ruleID string) string {
	return reasonConflictPrefix + ruleID
}

// Rejection records why a pattern was not distilled.
type Rejection struct {
	PatternID string    `json:"pattern_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// rejectionLogCap bounds the in-process rejection log.
const rejectionLogCap = 256

// Distiller turns patterns into stored rules.
type Distiller struct {
	store     rulestore.Store
	table     *Table
	threshold float64

	mu         sync.Mutex
	rejections []Rejection
}

// New creates a distiller. A pattern's confidence must strictly exceed
// threshold to be accepted.
func New(store rulestore.Store, table *Table, threshold float64) *Distiller {
	return &Distiller{
		store:     store,
		table:     table,
		threshold: threshold,
	}
}

// Distill checks one pattern and, if accepted, compiles and inserts the
// rule. On rejection the returned Rejection is non-nil and the rule is
// zero; the store is untouched. Distillation never mutates patterns.
func (d *Distiller) Distill(p policy.Pattern) (policy.Rule, *Rejection) {
	if p.Confidence <= d.threshold {
		logging.Distill("pattern %s rejected: confidence %.3f not above threshold %.3f",
			p.ID, p.Confidence, d.threshold)
		return policy.Rule{}, d.reject(p.ID, ReasonLowConfidence)
	}

	mapping, ok := d.table.Lookup(p)
	if !ok {
		logging.Distill("pattern %s rejected: no mapping for features %v outcome %q",
			p.ID, p.Features, p.Outcome)
		return policy.Rule{}, d.reject(p.ID, ReasonUnmapped)
	}

	rule := d.compile(p, mapping)
	if _, err := d.store.Insert(rule); err != nil {
		var conflict *rulestore.ConflictError
		if errors.As(err, &conflict) {
			logging.Distill("pattern %s rejected: rule conflicts with %s",
				p.ID, conflict.ExistingID)
			return policy.Rule{}, d.reject(p.ID, ConflictReason(conflict.ExistingID))
		}
		// Store unavailability surfaces as a rejection too; the caller
		// decides whether it is fatal from the reason.
		logging.Distill("pattern %s insert failed: %v", p.ID, err)
		return policy.Rule{}, d.reject(p.ID, "store-error: "+err.Error())
	}

	logging.Distill("pattern %s distilled into rule %s (%s)", p.ID, rule.ID, rule.Name)
	return rule, nil
}

// compile builds the canonical rule from a pattern and its mapping.
func (d *Distiller) compile(p policy.Pattern, m Mapping) policy.Rule {
	conds := make([]policy.Condition, len(m.Conditions))
	copy(conds, m.Conditions)

	rule := policy.Rule{
		ID:         "rule-" + uuid.NewString(),
		Name:       m.Name,
		Category:   m.Category,
		Conditions: conds,
		Conclusion: m.Conclusion,
		Severity:   m.Severity,
		Provenance: policy.DistilledProvenance(p.ID),
		Confidence: p.Confidence,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	rule.Normalize()
	return rule
}

func (d *Distiller) reject(patternID, reason string) *Rejection {
	r := Rejection{PatternID: patternID, Reason: reason, At: time.Now().UTC()}

	d.mu.Lock()
	d.rejections = append(d.rejections, r)
	if len(d.rejections) > rejectionLogCap {
		d.rejections = d.rejections[len(d.rejections)-rejectionLogCap:]
	}
	d.mu.Unlock()

	return &r
}

// Rejections returns the recent rejection log, oldest first.
func (d *Distiller) Rejections() []Rejection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Rejection, len(d.rejections))
	copy(out, d.rejections)
	return out
}
