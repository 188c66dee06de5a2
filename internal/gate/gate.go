// Package gate decides how much automation a curative match earns and
// executes the auto-apply tier. Decisions are derived fresh from the rule's
// current success rate on every call; nothing is debounced or persisted.
package gate

import (
	"fmt"

	"repowarden/internal/logging"
	"repowarden/internal/policy"
)

// Gate maps a rule's success rate to an automation tier.
type Gate struct {
	autoApply float64
	propose   float64
}

// NewGate creates a gate with the given tier thresholds. autoApply must be
// at or above propose; config validation guarantees it.
func NewGate(autoApply, propose float64) *Gate {
	return &Gate{autoApply: autoApply, propose: propose}
}

// Decide assigns the automation tier for one match. Confidence is the
// rule's historical success rate, falling back to distillation-time pattern
// confidence while the rule is unproven.
func (g *Gate) Decide(match policy.Match, rule policy.Rule) policy.FixDecision {
	conf := rule.SuccessRate()

	d := policy.FixDecision{
		Match:      match,
		RuleID:     rule.ID,
		Confidence: conf,
	}

	source := "success rate"
	if rule.AppliedCount == 0 {
		source = "pattern confidence"
	}

	switch {
	case conf >= g.autoApply:
		d.Action = policy.TierAutoApply
		d.Reason = fmt.Sprintf("%s %.3f >= %.3f", source, conf, g.autoApply)
	case conf >= g.propose:
		d.Action = policy.TierPropose
		d.Reason = fmt.Sprintf("%s %.3f in [%.3f, %.3f)", source, conf, g.propose, g.autoApply)
	default:
		d.Action = policy.TierAlertOnly
		d.Reason = fmt.Sprintf("%s %.3f < %.3f", source, conf, g.propose)
	}

	logging.GateDebug("rule %s on %s: %s (%s)", rule.ID, match.TargetID, d.Action, d.Reason)
	return d
}
