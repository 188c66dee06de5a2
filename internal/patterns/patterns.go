// Package patterns connects the engine to its upstream learner. The
// learner's internals are opaque: the engine only drains pattern batches
// and pushes feedback records back, fire-and-forget.
package patterns

import (
	"sync"
	"time"

	"repowarden/internal/policy"
)

// FeedbackRecord tells the learner how a rule derived from its patterns
// performed in the field.
type FeedbackRecord struct {
	RuleID     string               `json:"rule_id"`
	Provenance string               `json:"provenance"`
	TargetID   string               `json:"target_id"`
	Status     policy.OutcomeStatus `json:"status"`
	At         time.Time            `json:"at"`
}

// Source is the Pattern Source port. Next drains pending patterns; a drained
// pattern is never redelivered. Feedback is fire-and-forget: the engine
// tolerates a failing sink.
type Source interface {
	Next() ([]policy.Pattern, error)
	Feedback(rec FeedbackRecord) error
}

// MemorySource is a scriptable in-process Source for tests and embedding.
// Safe for concurrent use: the pipeline's Learn stage pushes feedback from
// parallel target goroutines.
type MemorySource struct {
	mu       sync.Mutex
	queue    []policy.Pattern
	feedback []FeedbackRecord
}

// NewMemorySource creates a source preloaded with patterns.
func NewMemorySource(patterns ...policy.Pattern) *MemorySource {
	return &MemorySource{queue: patterns}
}

// Push queues more patterns for the next drain.
func (s *MemorySource) Push(patterns ...policy.Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, patterns...)
}

// Next drains and returns all queued patterns.
func (s *MemorySource) Next() ([]policy.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out, nil
}

// Feedback records the feedback for inspection.
func (s *MemorySource) Feedback(rec FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, rec)
	return nil
}

// Received returns all feedback records seen so far.
func (s *MemorySource) Received() []FeedbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FeedbackRecord, len(s.feedback))
	copy(out, s.feedback)
	return out
}
