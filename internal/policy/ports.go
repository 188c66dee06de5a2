package policy

import (
	"context"
	"errors"
)

// ErrObservationUnavailable marks a target whose facts could not be
// retrieved. The pipeline reports it and moves on; it is never retried
// within the same pass.
var ErrObservationUnavailable = errors.New("observation unavailable")

// ObservationSource supplies a target's current fact snapshot.
type ObservationSource interface {
	Facts(ctx context.Context, target Target) (FactSnapshot, error)
}

// Action describes one repair the engine asks the Action Port to perform.
// Kind names the forge-side mechanism; the engine only cares that Apply is
// idempotent and bounded in latency.
type Action struct {
	Kind   string            `json:"kind"` // e.g. "inject-file", "modify-setting", "open-proposal"
	Fact   string            `json:"fact"` // the fact the fix establishes or removes
	Ensure bool              `json:"ensure"`
	Params map[string]string `json:"params,omitempty"`
}

// ActionResult is the Action Port's report of what happened.
// Exactly one of Applied/Unchanged is true on success; FailReason is set
// otherwise.
type ActionResult struct {
	Applied    bool   `json:"applied"`
	Unchanged  bool   `json:"unchanged"`
	FailReason string `json:"fail_reason,omitempty"`
}

// ActionPort abstracts the forge-side effect of a repair. Implementations
// must be idempotent: applying a fix whose goal already holds reports
// Unchanged, not an error.
type ActionPort interface {
	Apply(ctx context.Context, target Target, action Action) (ActionResult, error)
}
