// Package report builds and persists per-target diagnostic reports. A
// report is the complete record of one pass over one target: what was
// observed, which rules fired, what automation was allowed, what repairs
// did, and a health score derived from the unresolved findings.
package report

import (
	"fmt"
	"time"

	"repowarden/internal/policy"
)

// Finding is one unresolved rule violation or preventable risk.
type Finding struct {
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Category policy.Category `json:"category"`
	Severity policy.Severity `json:"severity"`
	Fact     string          `json:"fact"`
	Required bool            `json:"required"`
	Message  string          `json:"message"`
}

// Report is the diagnostic record for one target in one pass.
type Report struct {
	PassID      string               `json:"pass_id"`
	Target      policy.Target        `json:"target"`
	GeneratedAt time.Time            `json:"generated_at"`
	FactHash    string               `json:"fact_hash,omitempty"`
	Observed    bool                 `json:"observed"`
	Error       string               `json:"error,omitempty"`
	Findings    []Finding            `json:"findings"`
	Decisions   []policy.FixDecision `json:"decisions"`
	Outcomes    []policy.Outcome     `json:"outcomes"`
	HealthScore int                  `json:"health_score"`
}

// Weights are the per-severity penalties for the health score.
type Weights struct {
	Critical int
	Warning  int
	Info     int
}

// DefaultWeights mirror the config defaults.
func DefaultWeights() Weights {
	return Weights{Critical: 25, Warning: 10, Info: 3}
}

// HealthScore maps findings to [0,100]. The score is monotonic: adding a
// finding never raises it. A target that could not be observed scores 0.
func HealthScore(findings []Finding, observed bool, w Weights) int {
	if !observed {
		return 0
	}
	score := 100
	for _, f := range findings {
		switch f.Severity {
		case policy.SeverityCritical:
			score -= w.Critical
		case policy.SeverityWarning:
			score -= w.Warning
		default:
			score -= w.Info
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// FindingFor builds the finding for a matched rule.
func FindingFor(rule policy.Rule, targetID string) Finding {
	verb := "missing"
	if !rule.Conclusion.Required {
		verb = "present but forbidden"
	}
	return Finding{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Category: rule.Category,
		Severity: rule.Severity,
		Fact:     rule.Conclusion.Fact,
		Required: rule.Conclusion.Required,
		Message:  fmt.Sprintf("%s: fact %q %s", rule.Name, rule.Conclusion.Fact, verb),
	}
}
