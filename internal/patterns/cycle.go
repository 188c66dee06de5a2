package patterns

import (
	"fmt"

	"repowarden/internal/distill"
	"repowarden/internal/logging"
	"repowarden/internal/metrics"
	"repowarden/internal/policy"
)

// Cycle drains the Pattern Source and distills everything it yields.
type Cycle struct {
	source    Source
	distiller *distill.Distiller
}

// NewCycle wires a distillation cycle.
func NewCycle(source Source, distiller *distill.Distiller) *Cycle {
	return &Cycle{source: source, distiller: distiller}
}

// RunOnce drains pending patterns and distills each one. Rejections are
// normal flow, not errors; only a failing drain is an error.
func (c *Cycle) RunOnce() ([]policy.Rule, []distill.Rejection, error) {
	batch, err := c.source.Next()
	if err != nil {
		return nil, nil, fmt.Errorf("drain pattern source: %w", err)
	}
	if len(batch) == 0 {
		return nil, nil, nil
	}

	var accepted []policy.Rule
	var rejected []distill.Rejection
	for _, p := range batch {
		rule, rej := c.distiller.Distill(p)
		if rej != nil {
			rejected = append(rejected, *rej)
			metrics.DistillationsTotal.WithLabelValues(metrics.DistillResult(rej.Reason)).Inc()
			continue
		}
		accepted = append(accepted, rule)
		metrics.DistillationsTotal.WithLabelValues(metrics.DistillResult("")).Inc()
	}

	logging.Distill("cycle: %d patterns, %d accepted, %d rejected",
		len(batch), len(accepted), len(rejected))
	return accepted, rejected, nil
}
