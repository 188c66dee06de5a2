package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"repowarden/internal/gate"
	"repowarden/internal/lock"
	"repowarden/internal/patterns"
	"repowarden/internal/policy"
	"repowarden/internal/report"
	"repowarden/internal/rescache"
	"repowarden/internal/rulestore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeObserver serves scripted fact sets per target id.
type fakeObserver struct {
	mu    sync.Mutex
	facts map[string][]string
	fail  map[string]bool
}

func (o *fakeObserver) Facts(ctx context.Context, target policy.Target) (policy.FactSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail[target.ID()] {
		return policy.FactSnapshot{}, policy.ErrObservationUnavailable
	}
	facts, ok := o.facts[target.ID()]
	if !ok {
		return policy.FactSnapshot{}, policy.ErrObservationUnavailable
	}
	return policy.NewFactSnapshot(target.ID(), facts, time.Now()), nil
}

func (o *fakeObserver) set(targetID string, facts ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.facts[targetID] = facts
}

// countingPort applies every action successfully and counts calls.
type countingPort struct {
	applies int32
}

func (p *countingPort) Apply(ctx context.Context, target policy.Target, action policy.Action) (policy.ActionResult, error) {
	atomic.AddInt32(&p.applies, 1)
	return policy.ActionResult{Applied: true}, nil
}

type fixture struct {
	runner   *Runner
	observer *fakeObserver
	store    *rulestore.MemoryStore
	reports  *report.MemoryStore
	port     *countingPort
	source   *patterns.MemorySource
	cache    *rescache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := rulestore.NewMemoryStore()
	observer := &fakeObserver{facts: map[string][]string{}, fail: map[string]bool{}}
	port := &countingPort{}
	reports := report.NewMemoryStore()
	source := patterns.NewMemorySource()
	cache := rescache.New(time.Hour)
	locks := lock.NewManager()

	runner := NewRunner(Deps{
		Observer:    observer,
		Rules:       store,
		Gate:        gate.NewGate(0.95, 0.80),
		Executor:    gate.NewExecutor(locks, store, port, time.Minute, time.Second),
		Cache:       cache,
		Feedback:    source,
		Reports:     reports,
		Weights:     report.DefaultWeights(),
		MaxParallel: 4,
	})
	return &fixture{
		runner:   runner,
		observer: observer,
		store:    store,
		reports:  reports,
		port:     port,
		source:   source,
		cache:    cache,
	}
}

func insertRule(t *testing.T, store rulestore.Store, r policy.Rule) policy.Rule {
	t.Helper()
	r.Enabled = true
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Normalize()
	if _, err := store.Insert(r); err != nil {
		t.Fatalf("insert rule %s: %v", r.ID, err)
	}
	return r
}

func declarativeLicenseRule() policy.Rule {
	return policy.Rule{
		ID:       "rule-license",
		Name:     "public-repo-license",
		Category: policy.CategoryDeclarative,
		Conditions: []policy.Condition{
			{Op: policy.OpPresent, Fact: "is-public"},
			{Op: policy.OpAbsent, Fact: "has-license"},
		},
		Conclusion: policy.Conclusion{Fact: "has-license", Required: true},
		Severity:   policy.SeverityCritical,
		Provenance: policy.ProvenanceManual,
		Confidence: 0.9,
	}
}

func curativeWorkflowRule(confidence float64) policy.Rule {
	return policy.Rule{
		ID:       "rule-workflow",
		Name:     "prune-stale-workflows",
		Category: policy.CategoryCurative,
		Conditions: []policy.Condition{
			{Op: policy.OpPresent, Fact: "stale-failing-workflow"},
		},
		Conclusion: policy.Conclusion{Fact: "stale-failing-workflow", Required: false},
		Severity:   policy.SeverityWarning,
		Provenance: policy.DistilledProvenance("pattern-ci-rot"),
		Confidence: confidence,
	}
}

var (
	targetAPI = policy.Target{Forge: "github", Owner: "acme", Name: "api"}
	targetWeb = policy.Target{Forge: "github", Owner: "acme", Name: "web"}
)

func TestRunPassFullCycle(t *testing.T) {
	f := newFixture(t)
	insertRule(t, f.store, declarativeLicenseRule())
	insertRule(t, f.store, curativeWorkflowRule(0.97))

	f.observer.set(targetAPI.ID(), "is-public", "stale-failing-workflow")

	reports, err := f.runner.RunPass(context.Background(), []policy.Target{targetAPI})
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	rep := reports[0]

	if !rep.Observed {
		t.Fatal("target should be observed")
	}
	// Declarative violation becomes a finding.
	if len(rep.Findings) != 1 || rep.Findings[0].RuleID != "rule-license" {
		t.Errorf("findings = %+v", rep.Findings)
	}
	// Curative match cleared the gate and was repaired.
	if len(rep.Decisions) != 1 || rep.Decisions[0].Action != policy.TierAutoApply {
		t.Errorf("decisions = %+v", rep.Decisions)
	}
	if len(rep.Outcomes) != 1 || rep.Outcomes[0].Status != policy.OutcomeApplied {
		t.Errorf("outcomes = %+v", rep.Outcomes)
	}
	if n := atomic.LoadInt32(&f.port.applies); n != 1 {
		t.Errorf("action ran %d times, want 1", n)
	}
	// One critical finding: 100 - 25.
	if rep.HealthScore != 75 {
		t.Errorf("health = %d, want 75", rep.HealthScore)
	}

	// The report store holds the same report.
	stored, err := f.reports.Latest(targetAPI.ID())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if stored.PassID != rep.PassID {
		t.Errorf("stored pass %s, want %s", stored.PassID, rep.PassID)
	}

	// Learn emitted feedback for the counted outcome.
	recs := f.source.Received()
	if len(recs) != 1 || recs[0].RuleID != "rule-workflow" || recs[0].Status != policy.OutcomeApplied {
		t.Errorf("feedback = %+v", recs)
	}
	if recs[0].Provenance != "distilled-from-pattern:pattern-ci-rot" {
		t.Errorf("feedback provenance = %s", recs[0].Provenance)
	}
}

func TestObservationFailureIsTargetLocal(t *testing.T) {
	f := newFixture(t)
	insertRule(t, f.store, declarativeLicenseRule())

	f.observer.set(targetAPI.ID(), "is-public")
	f.observer.fail[targetWeb.ID()] = true

	reports, err := f.runner.RunPass(context.Background(), []policy.Target{targetAPI, targetWeb})
	if err != nil {
		t.Fatalf("one bad target must not abort the pass: %v", err)
	}

	if !reports[0].Observed {
		t.Error("healthy target should be observed")
	}
	if reports[1].Observed {
		t.Error("unobservable target marked observed")
	}
	if reports[1].Error == "" || reports[1].HealthScore != 0 {
		t.Errorf("unobservable report = %+v", reports[1])
	}

	// Both targets still got reports persisted.
	if _, err := f.reports.Latest(targetWeb.ID()); err != nil {
		t.Errorf("unobservable target has no stored report: %v", err)
	}
}

func TestMemoizedRepairSkipsSecondPass(t *testing.T) {
	f := newFixture(t)
	insertRule(t, f.store, curativeWorkflowRule(0.97))
	f.observer.set(targetAPI.ID(), "stale-failing-workflow")

	targets := []policy.Target{targetAPI}
	if _, err := f.runner.RunPass(context.Background(), targets); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if n := atomic.LoadInt32(&f.port.applies); n != 1 {
		t.Fatalf("first pass ran %d actions, want 1", n)
	}

	// Same facts: the memoized success short-circuits the repair.
	reports, err := f.runner.RunPass(context.Background(), targets)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if n := atomic.LoadInt32(&f.port.applies); n != 1 {
		t.Errorf("second pass re-ran the action (%d total)", n)
	}
	if len(reports[0].Outcomes) != 0 {
		t.Errorf("second pass outcomes = %+v", reports[0].Outcomes)
	}

	// Changed facts invalidate the memo and the rule no longer matches.
	f.observer.set(targetAPI.ID(), "has-ci")
	reports, err = f.runner.RunPass(context.Background(), targets)
	if err != nil {
		t.Fatalf("third pass failed: %v", err)
	}
	if len(reports[0].Decisions) != 0 || len(reports[0].Outcomes) != 0 {
		t.Errorf("third pass should have no curative activity: %+v", reports[0])
	}
}

func TestBelowAutoTierBecomesFinding(t *testing.T) {
	f := newFixture(t)
	// 15 of 20: alert-only territory.
	r := curativeWorkflowRule(0.9)
	r.AppliedCount, r.SuccessCount = 20, 15
	insertRule(t, f.store, r)
	f.observer.set(targetAPI.ID(), "stale-failing-workflow")

	reports, err := f.runner.RunPass(context.Background(), []policy.Target{targetAPI})
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	rep := reports[0]

	if len(rep.Decisions) != 1 || rep.Decisions[0].Action != policy.TierAlertOnly {
		t.Fatalf("decisions = %+v", rep.Decisions)
	}
	if n := atomic.LoadInt32(&f.port.applies); n != 0 {
		t.Errorf("alert-only decision must not execute, ran %d", n)
	}
	if len(rep.Findings) != 1 || rep.Findings[0].RuleID != r.ID {
		t.Errorf("unrepaired match should surface as a finding: %+v", rep.Findings)
	}
}

// failingSource breaks the Learn stage.
type failingSource struct{}

func (failingSource) Next() ([]policy.Pattern, error)        { return nil, nil }
func (failingSource) Feedback(patterns.FeedbackRecord) error { return errors.New("sink down") }

func TestLearnFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.runner.deps.Feedback = failingSource{}
	insertRule(t, f.store, curativeWorkflowRule(0.97))
	f.observer.set(targetAPI.ID(), "stale-failing-workflow")

	reports, err := f.runner.RunPass(context.Background(), []policy.Target{targetAPI})
	if err != nil {
		t.Fatalf("feedback failure must not fail the pass: %v", err)
	}
	if len(reports[0].Outcomes) != 1 || reports[0].Outcomes[0].Status != policy.OutcomeApplied {
		t.Errorf("repair should still have happened: %+v", reports[0].Outcomes)
	}
}

func TestParallelTargetsAllReported(t *testing.T) {
	f := newFixture(t)
	insertRule(t, f.store, declarativeLicenseRule())

	var targets []policy.Target
	for _, name := range []string{"api", "web", "cli", "docs", "infra", "sdk"} {
		tg := policy.Target{Forge: "github", Owner: "acme", Name: name}
		targets = append(targets, tg)
		f.observer.set(tg.ID(), "is-public")
	}

	reports, err := f.runner.RunPass(context.Background(), targets)
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(reports) != len(targets) {
		t.Fatalf("got %d reports, want %d", len(reports), len(targets))
	}
	for i, rep := range reports {
		if rep.Target != targets[i] {
			t.Errorf("report %d is for %s, want %s", i, rep.Target.ID(), targets[i].ID())
		}
		if len(rep.Findings) != 1 {
			t.Errorf("target %s findings = %+v", rep.Target.ID(), rep.Findings)
		}
	}
}
