// Package agentstate defines the per-agent execution state: transcript,
// plan, error streaks, and revision accounting. A State is owned exclusively
// by the state machine driving it for the lifetime of one execution.
package agentstate

import (
	"errors"
	"fmt"

	"github.com/pilotcrew/agentpilot/internal/domain"
)

// Status represents the lifecycle state of one agent execution.
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusDone             Status = "done"
	StatusFailed           Status = "failed"
)

// ErrPlanLimitExceeded indicates the plan revision cap was reached. Fatal to
// the agent run and never retried.
var ErrPlanLimitExceeded = errors.New("plan limit exceeded")

// State carries everything one agent execution owns.
type State struct {
	Query             string    `json:"query"`
	Transcript        []Message `json:"transcript"`
	Plan              Plan      `json:"plan"`
	StepIndex         int       `json:"current_step_index"` // 0-based into Plan.Steps
	ConsecutiveErrors int       `json:"consecutive_error_count"`
	PlanRevisions     int       `json:"plan_revision_count"`
	Status            Status    `json:"status"`
	PinnedFacts       []string  `json:"pinned_facts,omitempty"`
}

// NewState builds a running State seeded with the user query.
func NewState(query string) (*State, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required: %w", domain.ErrValidation)
	}
	return &State{
		Query:      query,
		Transcript: []Message{{Role: RoleUser, Content: query}},
		Status:     StatusRunning,
	}, nil
}

// Append adds a message to the transcript.
func (s *State) Append(m Message) {
	s.Transcript = append(s.Transcript, m)
}

// RevisePlan replaces the plan wholesale, resets the step watermark and
// starts a fresh error streak. Returns ErrPlanLimitExceeded once the
// revision count would pass maxRevisions.
func (s *State) RevisePlan(p Plan, maxRevisions int) error {
	s.PlanRevisions++
	if s.PlanRevisions > maxRevisions {
		s.Status = StatusFailed
		return ErrPlanLimitExceeded
	}
	s.Plan = p
	s.StepIndex = 0
	s.ConsecutiveErrors = 0
	return nil
}

// RecordToolError increments the consecutive error streak and returns true
// when the streak has just reached the threshold. The caller triggers exactly
// one plan revision per threshold-reaching streak.
func (s *State) RecordToolError(threshold int) bool {
	s.ConsecutiveErrors++
	return s.ConsecutiveErrors == threshold
}

// RecordToolSuccess resets the error streak and advances the step watermark.
func (s *State) RecordToolSuccess() {
	s.ConsecutiveErrors = 0
	if s.StepIndex < len(s.Plan.Steps) {
		s.StepIndex++
	}
}

// PlanComplete reports whether every plan step has been verified.
func (s *State) PlanComplete() bool {
	return len(s.Plan.Steps) > 0 && s.StepIndex >= len(s.Plan.Steps)
}

// LastTurns returns the last k transcript messages, preserving order.
func (s *State) LastTurns(k int) []Message {
	if k <= 0 || k >= len(s.Transcript) {
		out := make([]Message, len(s.Transcript))
		copy(out, s.Transcript)
		return out
	}
	out := make([]Message, k)
	copy(out, s.Transcript[len(s.Transcript)-k:])
	return out
}
