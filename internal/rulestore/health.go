package rulestore

import "repowarden/internal/policy"

// RuleHealth classifies a rule's track record. It is derived from the
// counters on demand and never stored.
type RuleHealth string

const (
	// HealthProbationary: too few applications to judge.
	HealthProbationary RuleHealth = "probationary"
	// HealthHealthy: success rate at or above the healthy floor.
	HealthHealthy RuleHealth = "healthy"
	// HealthDegrading: success rate below the healthy floor.
	HealthDegrading RuleHealth = "degrading"
	// HealthNeedsReview: failing more often than succeeding.
	HealthNeedsReview RuleHealth = "needs-review"
)

const (
	// healthMinSamples is how many applications a rule needs before its
	// rate is trusted over its distillation-time confidence.
	healthMinSamples = 5
	healthyFloor     = 0.8
	reviewFloor      = 0.5
)

// AssessHealth derives the health state from a rule's counters.
func AssessHealth(r policy.Rule) RuleHealth {
	if r.AppliedCount < healthMinSamples {
		return HealthProbationary
	}
	rate := r.SuccessRate()
	switch {
	case rate < reviewFloor:
		return HealthNeedsReview
	case rate < healthyFloor:
		return HealthDegrading
	default:
		return HealthHealthy
	}
}
