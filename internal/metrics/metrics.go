// Package metrics exposes Prometheus instrumentation for the enforcement
// engine. Everything is registered on a package registry the CLI can serve;
// the default registry is left alone.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all repowarden collectors.
var Registry = prometheus.NewRegistry()

var (
	// PassesTotal counts diagnostic passes started, per target.
	PassesTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "repowarden",
		Name:      "passes_total",
		Help:      "Diagnostic passes started, one per target per pass.",
	})

	// StageFailures counts stage-local failures by pipeline stage.
	StageFailures = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "repowarden",
		Name:      "stage_failures_total",
		Help:      "Stage-local failures by pipeline stage.",
	}, []string{"stage"})

	// RepairsTotal counts repair attempts by outcome status.
	RepairsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "repowarden",
		Name:      "repairs_total",
		Help:      "Repair attempts by outcome status.",
	}, []string{"status"})

	// DistillationsTotal counts distillation attempts by result.
	DistillationsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "repowarden",
		Name:      "distillations_total",
		Help:      "Distillation attempts by result (accepted or rejection reason).",
	}, []string{"result"})

	// CacheHits counts result-cache hits.
	CacheHits = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "repowarden",
		Name:      "cache_hits_total",
		Help:      "Result cache hits.",
	})

	// CacheMisses counts result-cache misses.
	CacheMisses = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "repowarden",
		Name:      "cache_misses_total",
		Help:      "Result cache misses.",
	})

	// LockBusy counts repairs skipped because the lock was held.
	LockBusy = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "repowarden",
		Name:      "lock_busy_total",
		Help:      "Repairs skipped because the target lock was held.",
	})

	// PassDuration observes per-target pass duration in seconds.
	PassDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "repowarden",
		Name:      "pass_duration_seconds",
		Help:      "Per-target diagnostic pass duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// DistillResult normalizes a rejection reason into a bounded label value.
// Conflict reasons embed a rule id, which would explode cardinality.
func DistillResult(reason string) string {
	switch {
	case reason == "":
		return "accepted"
	case strings.HasPrefix(reason, "conflicts-with:"):
		return "conflict"
	case strings.HasPrefix(reason, "store-error"):
		return "store-error"
	}
	return reason
}
