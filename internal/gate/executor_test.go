package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repowarden/internal/lock"
	"repowarden/internal/policy"
	"repowarden/internal/rulestore"
)

// fakePort scripts the Action Port for executor tests.
type fakePort struct {
	mu      sync.Mutex
	applies int32
	result  policy.ActionResult
	err     error
	delay   time.Duration
	block   chan struct{} // when set, Apply waits for it or ctx
}

func (f *fakePort) Apply(ctx context.Context, target policy.Target, action policy.Action) (policy.ActionResult, error) {
	atomic.AddInt32(&f.applies, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return policy.ActionResult{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return policy.ActionResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

var testTarget = policy.Target{Forge: "github", Owner: "acme", Name: "api"}

func seedRule(t *testing.T, store rulestore.Store) policy.Rule {
	t.Helper()
	r := policy.Rule{
		ID:       "rule-exec",
		Name:     "prune-stale-workflows",
		Category: policy.CategoryCurative,
		Conditions: []policy.Condition{
			{Op: policy.OpPresent, Fact: "stale-failing-workflow"},
		},
		Conclusion: policy.Conclusion{Fact: "stale-failing-workflow", Required: false},
		Severity:   policy.SeverityWarning,
		Provenance: policy.ProvenanceManual,
		Confidence: 0.99,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := store.Insert(r); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}
	return r
}

func autoDecision(rule policy.Rule) policy.FixDecision {
	return policy.FixDecision{
		Match:      policy.Match{RuleID: rule.ID, TargetID: testTarget.ID(), Matched: true},
		RuleID:     rule.ID,
		Action:     policy.TierAutoApply,
		Confidence: rule.SuccessRate(),
	}
}

func newExecutor(store rulestore.Store, port policy.ActionPort) *Executor {
	return NewExecutor(lock.NewManager(), store, port, time.Minute, time.Second)
}

func TestExecuteApplied(t *testing.T) {
	store := rulestore.NewMemoryStore()
	rule := seedRule(t, store)
	port := &fakePort{result: policy.ActionResult{Applied: true}}
	e := newExecutor(store, port)

	out := e.Execute(context.Background(), testTarget, rule, autoDecision(rule))
	if out.Status != policy.OutcomeApplied {
		t.Fatalf("status = %s, want applied (%s)", out.Status, out.Reason)
	}

	got, _ := store.GetByID(rule.ID)
	if got.AppliedCount != 1 || got.SuccessCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", got.SuccessCount, got.AppliedCount)
	}
}

func TestExecuteUnchangedIsNoOpSuccess(t *testing.T) {
	store := rulestore.NewMemoryStore()
	rule := seedRule(t, store)
	port := &fakePort{result: policy.ActionResult{Unchanged: true}}
	e := newExecutor(store, port)

	out := e.Execute(context.Background(), testTarget, rule, autoDecision(rule))
	if out.Status != policy.OutcomeUnchanged {
		t.Fatalf("status = %s, want unchanged", out.Status)
	}

	got, _ := store.GetByID(rule.ID)
	if got.AppliedCount != 1 || got.SuccessCount != 1 {
		t.Errorf("no-op success must count as success: %d/%d", got.SuccessCount, got.AppliedCount)
	}
}

func TestExecuteFailureCharged(t *testing.T) {
	store := rulestore.NewMemoryStore()
	rule := seedRule(t, store)
	port := &fakePort{err: errors.New("forge returned 502")}
	e := newExecutor(store, port)

	out := e.Execute(context.Background(), testTarget, rule, autoDecision(rule))
	if out.Status != policy.OutcomeFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}

	got, _ := store.GetByID(rule.ID)
	if got.AppliedCount != 1 || got.SuccessCount != 0 {
		t.Errorf("counters = %d/%d, want 0/1", got.SuccessCount, got.AppliedCount)
	}
}

func TestExecuteActionTimeout(t *testing.T) {
	store := rulestore.NewMemoryStore()
	rule := seedRule(t, store)
	port := &fakePort{delay: time.Minute}
	e := NewExecutor(lock.NewManager(), store, port, time.Minute, 20*time.Millisecond)

	out := e.Execute(context.Background(), testTarget, rule, autoDecision(rule))
	if out.Status != policy.OutcomeFailed {
		t.Fatalf("status = %s, want failed on timeout", out.Status)
	}

	got, _ := store.GetByID(rule.ID)
	if got.AppliedCount != 1 || got.SuccessCount != 0 {
		t.Errorf("timeout must count as failure: %d/%d", got.SuccessCount, got.AppliedCount)
	}
}

func TestExecuteCancellationReleasesLockAndSkipsCounters(t *testing.T) {
	store := rulestore.NewMemoryStore()
	rule := seedRule(t, store)
	port := &fakePort{block: make(chan struct{})}
	locks := lock.NewManager()
	e := NewExecutor(locks, store, port, time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan policy.Outcome, 1)
	go func() {
		done <- e.Execute(ctx, testTarget, rule, autoDecision(rule))
	}()

	// Let the action start, then cancel the pass.
	time.Sleep(20 * time.Millisecond)
	cancel()
	out := <-done

	if out.Status != policy.OutcomeCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}

	key := lock.Key(testTarget.ID(), string(policy.CategoryCurative))
	if locks.Held(key) {
		t.Error("lock must be released after cancellation")
	}

	got, _ := store.GetByID(rule.ID)
	if got.AppliedCount != 0 {
		t.Errorf("cancelled outcome must not touch counters, applied=%d", got.AppliedCount)
	}
}

// Two concurrent repairs on the same target and category: one wins the
// lock and applies, the other reports LockBusy, and the action runs once.
func TestExecuteConcurrentRepairSingleApply(t *testing.T) {
	store := rulestore.NewMemoryStore()
	rule := seedRule(t, store)
	port := &fakePort{result: policy.ActionResult{Applied: true}, delay: 50 * time.Millisecond}
	locks := lock.NewManager()
	e := NewExecutor(locks, store, port, time.Minute, time.Second)

	var wg sync.WaitGroup
	outcomes := make([]policy.Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = e.Execute(context.Background(), testTarget, rule, autoDecision(rule))
		}(i)
	}
	wg.Wait()

	statuses := map[policy.OutcomeStatus]int{}
	for _, o := range outcomes {
		statuses[o.Status]++
	}
	if statuses[policy.OutcomeApplied] != 1 || statuses[policy.OutcomeLockBusy] != 1 {
		t.Fatalf("statuses = %v, want one applied and one lock-busy", statuses)
	}
	if n := atomic.LoadInt32(&port.applies); n != 1 {
		t.Errorf("action ran %d times, want 1", n)
	}

	// Only the winner's outcome is charged.
	got, _ := store.GetByID(rule.ID)
	if got.AppliedCount != 1 || got.SuccessCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", got.SuccessCount, got.AppliedCount)
	}
}

func TestExecuteRejectsNonAutoTier(t *testing.T) {
	store := rulestore.NewMemoryStore()
	rule := seedRule(t, store)
	port := &fakePort{result: policy.ActionResult{Applied: true}}
	e := newExecutor(store, port)

	d := autoDecision(rule)
	d.Action = policy.TierPropose
	out := e.Execute(context.Background(), testTarget, rule, d)
	if out.Status != policy.OutcomeFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if n := atomic.LoadInt32(&port.applies); n != 0 {
		t.Errorf("action must not run for propose tier, ran %d times", n)
	}
	got, _ := store.GetByID(rule.ID)
	if got.AppliedCount != 0 {
		t.Errorf("guard outcome must not be charged, applied=%d", got.AppliedCount)
	}
}
