// Package pipeline runs the five-stage diagnostic pass over a fleet of
// targets: Detect observes facts, Analyze matches rules through the result
// cache, Diagnose gates curative matches, Repair executes auto-apply fixes,
// and Learn feeds outcomes back to the pattern learner. Targets run in
// parallel; everything within one target is sequential and deterministic.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"repowarden/internal/evaluate"
	"repowarden/internal/gate"
	"repowarden/internal/logging"
	"repowarden/internal/metrics"
	"repowarden/internal/patterns"
	"repowarden/internal/policy"
	"repowarden/internal/report"
	"repowarden/internal/rescache"
	"repowarden/internal/rulestore"
)

// Deps wires the runner to its collaborators. Feedback may be nil when no
// learner is attached.
type Deps struct {
	Observer    policy.ObservationSource
	Rules       rulestore.Store
	Gate        *gate.Gate
	Executor    *gate.Executor
	Cache       *rescache.Cache
	Feedback    patterns.Source
	Reports     report.Store
	Weights     report.Weights
	MaxParallel int
}

// Runner executes diagnostic passes.
type Runner struct {
	deps Deps

	mu           sync.Mutex
	lastFactHash map[string]string
}

// NewRunner creates a pass runner.
func NewRunner(deps Deps) *Runner {
	if deps.MaxParallel < 1 {
		deps.MaxParallel = 1
	}
	return &Runner{
		deps:         deps,
		lastFactHash: make(map[string]string),
	}
}

// RunPass runs one pass over all targets, bounded by MaxParallel. Reports
// come back in target order. Per-target failures are contained in their
// report; only rule-store unavailability aborts the pass.
func (r *Runner) RunPass(ctx context.Context, targets []policy.Target) ([]report.Report, error) {
	passID := "pass-" + uuid.NewString()
	logging.Pipeline("pass %s: %d targets, parallelism %d", passID, len(targets), r.deps.MaxParallel)

	reports := make([]report.Report, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.deps.MaxParallel)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			rep, err := r.runTarget(gctx, passID, target)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pass %s: %w", passID, err)
	}
	logging.Pipeline("pass %s complete", passID)
	return reports, nil
}

// runTarget executes the five stages for one target. The returned error is
// fatal to the whole pass; target-local failures land in the report.
func (r *Runner) runTarget(ctx context.Context, passID string, target policy.Target) (report.Report, error) {
	start := time.Now()
	metrics.PassesTotal.Inc()

	rep := report.Report{
		PassID:      passID,
		Target:      target,
		GeneratedAt: time.Now().UTC(),
		Findings:    []report.Finding{},
		Decisions:   []policy.FixDecision{},
		Outcomes:    []policy.Outcome{},
	}

	// Detect.
	snap, err := r.deps.Observer.Facts(ctx, target)
	if err != nil {
		metrics.StageFailures.WithLabelValues("detect").Inc()
		logging.PipelineWarn("pass %s: target %s unobservable: %v", passID, target.ID(), err)
		rep.Observed = false
		if errors.Is(err, policy.ErrObservationUnavailable) {
			rep.Error = policy.ErrObservationUnavailable.Error()
		} else {
			rep.Error = err.Error()
		}
		rep.HealthScore = report.HealthScore(nil, false, r.deps.Weights)
		r.saveReport(rep)
		metrics.PassDuration.Observe(time.Since(start).Seconds())
		return rep, nil
	}
	rep.Observed = true
	rep.FactHash = snap.Hash()

	// A changed fact set makes every memoized result for this target
	// stale; drop them before Analyze consults the cache.
	r.mu.Lock()
	if prev, ok := r.lastFactHash[target.ID()]; ok && prev != rep.FactHash {
		r.deps.Cache.Invalidate(target.ID())
	}
	r.lastFactHash[target.ID()] = rep.FactHash
	r.mu.Unlock()

	type pendingRepair struct {
		rule     policy.Rule
		decision policy.FixDecision
		cacheKey string
	}
	var repairs []pendingRepair

	// Analyze and Diagnose, category by category in fixed order.
	for _, category := range policy.Categories() {
		rules, err := r.deps.Rules.Get(category)
		if err != nil {
			// The rule store is shared state; without it no target can
			// be judged coherently.
			return report.Report{}, fmt.Errorf("rule store unavailable: %w", err)
		}

		for _, rule := range rules {
			key := rescache.Key(rule.ID, target.ID(), rep.FactHash)

			var match policy.Match
			var memoized *policy.Outcome
			if entry, hit := r.deps.Cache.Get(key); hit {
				metrics.CacheHits.Inc()
				match = entry.Match
				memoized = entry.Outcome
			} else {
				metrics.CacheMisses.Inc()
				match = evaluate.MatchRule(rule, snap)
				r.deps.Cache.Put(key, target.ID(), rescache.Entry{Match: match})
			}

			if !match.Matched {
				continue
			}

			switch category {
			case policy.CategoryDeclarative, policy.CategoryPreventive:
				rep.Findings = append(rep.Findings, report.FindingFor(rule, target.ID()))

			case policy.CategoryCurative:
				if memoized != nil && memoized.Status.Succeeded() {
					// Repair already succeeded for this exact fact set;
					// nothing to redo until the facts move.
					continue
				}
				decision := r.deps.Gate.Decide(match, rule)
				rep.Decisions = append(rep.Decisions, decision)
				if decision.Action == policy.TierAutoApply {
					repairs = append(repairs, pendingRepair{rule: rule, decision: decision, cacheKey: key})
				} else {
					// Below the auto tier the failure stays unresolved.
					rep.Findings = append(rep.Findings, report.FindingFor(rule, target.ID()))
				}
			}
		}
	}

	// Repair, sequentially in diagnosis order.
	for _, pr := range repairs {
		outcome := r.deps.Executor.Execute(ctx, target, pr.rule, pr.decision)
		rep.Outcomes = append(rep.Outcomes, outcome)

		if outcome.Status.Succeeded() {
			// Memoize the success so an unchanged fact set skips the
			// repair next pass. Failures and busy locks retry instead.
			o := outcome
			r.deps.Cache.Put(pr.cacheKey, target.ID(), rescache.Entry{
				Match:   pr.decision.Match,
				Outcome: &o,
			})
		} else {
			rep.Findings = append(rep.Findings, report.FindingFor(pr.rule, target.ID()))
			if outcome.Status == policy.OutcomeFailed {
				metrics.StageFailures.WithLabelValues("repair").Inc()
			}
		}
	}

	// Learn. Feedback is fire-and-forget; a failing sink never fails the
	// pass.
	if r.deps.Feedback != nil {
		for _, outcome := range rep.Outcomes {
			if !outcome.Status.Counted() {
				continue
			}
			provenance := ""
			if rule, err := r.deps.Rules.GetByID(outcome.RuleID); err == nil {
				provenance = rule.Provenance
			}
			rec := patterns.FeedbackRecord{
				RuleID:     outcome.RuleID,
				Provenance: provenance,
				TargetID:   outcome.TargetID,
				Status:     outcome.Status,
				At:         outcome.At,
			}
			if err := r.deps.Feedback.Feedback(rec); err != nil {
				metrics.StageFailures.WithLabelValues("learn").Inc()
				logging.PipelineWarn("pass %s: feedback for rule %s: %v", passID, outcome.RuleID, err)
			}
		}
	}

	rep.HealthScore = report.HealthScore(rep.Findings, true, r.deps.Weights)
	r.saveReport(rep)

	metrics.PassDuration.Observe(time.Since(start).Seconds())
	logging.Pipeline("pass %s: target %s score %d (%d findings, %d repairs)",
		passID, target.ID(), rep.HealthScore, len(rep.Findings), len(rep.Outcomes))
	return rep, nil
}

// saveReport persists the report. Losing a report is survivable; the next
// pass regenerates it.
func (r *Runner) saveReport(rep report.Report) {
	if r.deps.Reports == nil {
		return
	}
	if err := r.deps.Reports.Save(rep); err != nil {
		metrics.StageFailures.WithLabelValues("report").Inc()
		logging.PipelineError("save report for %s: %v", rep.Target.ID(), err)
	}
}
