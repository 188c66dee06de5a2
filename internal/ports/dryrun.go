package ports

import (
	"context"
	"sync"

	"repowarden/internal/logging"
	"repowarden/internal/policy"
)

// DryRunPort acknowledges every action without touching anything. Applied
// actions are recorded so callers can show what would have happened.
type DryRunPort struct {
	mu      sync.Mutex
	applied []AppliedAction
}

// AppliedAction is one action the dry run would have performed.
type AppliedAction struct {
	Target policy.Target
	Action policy.Action
}

// NewDryRunPort creates an empty dry-run port.
func NewDryRunPort() *DryRunPort {
	return &DryRunPort{}
}

// Apply records the action and reports success.
func (p *DryRunPort) Apply(ctx context.Context, target policy.Target, action policy.Action) (policy.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return policy.ActionResult{}, err
	}

	p.mu.Lock()
	p.applied = append(p.applied, AppliedAction{Target: target, Action: action})
	p.mu.Unlock()

	logging.Repair("dry run: would ensure fact %q=%v on %s", action.Fact, action.Ensure, target.ID())
	return policy.ActionResult{Applied: true}, nil
}

// Applied returns everything the dry run accepted, in order.
func (p *DryRunPort) Applied() []AppliedAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AppliedAction, len(p.applied))
	copy(out, p.applied)
	return out
}
