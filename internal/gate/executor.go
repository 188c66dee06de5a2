package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repowarden/internal/lock"
	"repowarden/internal/logging"
	"repowarden/internal/metrics"
	"repowarden/internal/policy"
	"repowarden/internal/rulestore"
)

// Executor runs auto-apply repairs under the target lock with a bounded
// action timeout, and records every counted outcome in the rule store.
type Executor struct {
	locks         *lock.Manager
	store         rulestore.Store
	port          policy.ActionPort
	lockTTL       time.Duration
	actionTimeout time.Duration
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(locks *lock.Manager, store rulestore.Store, port policy.ActionPort,
	lockTTL, actionTimeout time.Duration) *Executor {
	return &Executor{
		locks:         locks,
		store:         store,
		port:          port,
		lockTTL:       lockTTL,
		actionTimeout: actionTimeout,
	}
}

// Execute performs one auto-apply repair. The (target, category) lock is
// acquired without blocking: a held lock skips the repair with a LockBusy
// outcome, to be retried on the next pass. The lock is released on every
// exit path. LockBusy and Cancelled outcomes never touch the rule's
// counters.
func (e *Executor) Execute(ctx context.Context, target policy.Target,
	rule policy.Rule, decision policy.FixDecision) policy.Outcome {

	now := time.Now().UTC()
	outcome := policy.Outcome{
		RuleID:   rule.ID,
		TargetID: target.ID(),
		At:       now,
	}

	if decision.Action != policy.TierAutoApply {
		outcome.Status = policy.OutcomeFailed
		outcome.Reason = fmt.Sprintf("tier %s is not executable", decision.Action)
		return outcome
	}

	key := lock.Key(target.ID(), string(rule.Category))
	tok, err := e.locks.Acquire(key, e.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			metrics.LockBusy.Inc()
			logging.Repair("rule %s on %s: lock busy, skipping until next pass", rule.ID, target.ID())
			outcome.Status = policy.OutcomeLockBusy
			outcome.Reason = "repair lock held"
			metrics.RepairsTotal.WithLabelValues(string(outcome.Status)).Inc()
			return outcome
		}
		outcome.Status = policy.OutcomeFailed
		outcome.Reason = fmt.Sprintf("lock acquire: %v", err)
		e.record(rule.ID, outcome)
		return outcome
	}
	defer func() {
		if relErr := e.locks.Release(tok); relErr != nil {
			logging.RepairWarn("rule %s on %s: lock release: %v", rule.ID, target.ID(), relErr)
		}
	}()

	action := policy.Action{
		Kind:   "ensure-fact",
		Fact:   rule.Conclusion.Fact,
		Ensure: rule.Conclusion.Required,
	}

	actx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	start := time.Now()
	result, err := e.port.Apply(actx, target, action)
	outcome.Duration = time.Since(start)

	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		// Caller cancelled mid-flight. The lock still releases via defer
		// and the rule is not charged.
		outcome.Status = policy.OutcomeCancelled
		outcome.Reason = "pass cancelled"
		logging.Repair("rule %s on %s: cancelled after %v", rule.ID, target.ID(), outcome.Duration)

	case err != nil && errors.Is(err, context.DeadlineExceeded):
		outcome.Status = policy.OutcomeFailed
		outcome.Reason = fmt.Sprintf("action timeout after %s", e.actionTimeout)
		logging.RepairError("rule %s on %s: %s", rule.ID, target.ID(), outcome.Reason)

	case err != nil:
		outcome.Status = policy.OutcomeFailed
		outcome.Reason = fmt.Sprintf("action failed: %v", err)
		logging.RepairError("rule %s on %s: %s", rule.ID, target.ID(), outcome.Reason)

	case result.Unchanged:
		// Goal already held: idempotent no-op success.
		outcome.Status = policy.OutcomeUnchanged
		logging.Repair("rule %s on %s: already satisfied", rule.ID, target.ID())

	case result.Applied:
		outcome.Status = policy.OutcomeApplied
		logging.Repair("rule %s on %s: applied in %v", rule.ID, target.ID(), outcome.Duration)

	default:
		outcome.Status = policy.OutcomeFailed
		outcome.Reason = result.FailReason
		if outcome.Reason == "" {
			outcome.Reason = "action reported neither applied nor unchanged"
		}
		logging.RepairError("rule %s on %s: %s", rule.ID, target.ID(), outcome.Reason)
	}

	metrics.RepairsTotal.WithLabelValues(string(outcome.Status)).Inc()
	e.record(rule.ID, outcome)
	return outcome
}

// record updates the rule's counters for counted outcomes. A store failure
// here is logged, not surfaced: the repair itself already happened.
func (e *Executor) record(ruleID string, outcome policy.Outcome) {
	if !outcome.Status.Counted() {
		return
	}
	if err := e.store.RecordOutcome(ruleID, outcome.Status.Succeeded()); err != nil {
		if !errors.Is(err, rulestore.ErrNotFound) {
			logging.RepairError("rule %s: record outcome: %v", ruleID, err)
		}
	}
}
