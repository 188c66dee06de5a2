// Package query is the read/control surface over the engine: rule listing
// and toggling, latest reports, on-demand passes, and the distillation
// rejection log. The CLI is its only consumer today.
package query

import (
	"context"
	"fmt"
	"time"

	"repowarden/internal/distill"
	"repowarden/internal/evaluate"
	"repowarden/internal/pipeline"
	"repowarden/internal/policy"
	"repowarden/internal/report"
	"repowarden/internal/rulestore"
)

// RuleView is a rule with its derived fields for display.
type RuleView struct {
	policy.Rule
	SuccessRate float64              `json:"success_rate"`
	Health      rulestore.RuleHealth `json:"health"`
}

// Service bundles the engine's queryable parts. Runner and Distiller may be
// nil when the corresponding operation is not wired (nil-safe methods
// return an error instead).
type Service struct {
	rules     rulestore.Store
	reports   report.Store
	evaluator *evaluate.Evaluator
	runner    *pipeline.Runner
	distiller *distill.Distiller
}

// New creates the query service.
func New(rules rulestore.Store, reports report.Store, runner *pipeline.Runner, distiller *distill.Distiller) *Service {
	return &Service{
		rules:     rules,
		reports:   reports,
		evaluator: evaluate.New(rules),
		runner:    runner,
		distiller: distiller,
	}
}

// ListRules returns every rule with derived health, in store order.
func (s *Service) ListRules() ([]RuleView, error) {
	rules, err := s.rules.All()
	if err != nil {
		return nil, err
	}
	views := make([]RuleView, len(rules))
	for i, r := range rules {
		views[i] = view(r)
	}
	return views, nil
}

// GetRule returns one rule by id.
func (s *Service) GetRule(id string) (RuleView, error) {
	r, err := s.rules.GetByID(id)
	if err != nil {
		return RuleView{}, err
	}
	return view(r), nil
}

// SetRuleEnabled disables or restores a rule.
func (s *Service) SetRuleEnabled(id string, enabled bool) error {
	return s.rules.SetEnabled(id, enabled)
}

// LatestReport returns the target's most recent diagnostic report.
func (s *Service) LatestReport(targetID string) (report.Report, error) {
	return s.reports.Latest(targetID)
}

// EvaluateTarget matches enabled rules of one category against an ad-hoc
// fact set. A dry query: no cache, no gate, no repairs.
func (s *Service) EvaluateTarget(category policy.Category, targetID string, facts []string) ([]policy.Match, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("unknown rule category %q", category)
	}
	snap := policy.NewFactSnapshot(targetID, facts, time.Now().UTC())
	return s.evaluator.Evaluate(category, snap)
}

// TriggerPass runs an on-demand diagnostic pass over the targets.
func (s *Service) TriggerPass(ctx context.Context, targets []policy.Target) ([]report.Report, error) {
	if s.runner == nil {
		return nil, fmt.Errorf("no pass runner configured")
	}
	return s.runner.RunPass(ctx, targets)
}

// Rejections returns the recent distillation rejection log.
func (s *Service) Rejections() []distill.Rejection {
	if s.distiller == nil {
		return nil
	}
	return s.distiller.Rejections()
}

func view(r policy.Rule) RuleView {
	return RuleView{
		Rule:        r,
		SuccessRate: r.SuccessRate(),
		Health:      rulestore.AssessHealth(r),
	}
}
