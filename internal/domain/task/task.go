// Package task defines the Task domain entity: a single user query tracked
// from submission through agent execution to a terminal status.
package task

import (
	"fmt"
	"time"

	"github.com/pilotcrew/agentpilot/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Scenario selects a prompt/behavior profile for the run.
type Scenario string

const (
	ScenarioGeneral  Scenario = "general"
	ScenarioAcademic Scenario = "academic"
	ScenarioCoding   Scenario = "coding"
)

// Depth controls research breadth and round count.
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Task represents a unit of agent work submitted by a user.
type Task struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"` // 0..100
	Query       string     `json:"query"`
	Scenario    Scenario   `json:"scenario"`
	Depth       Depth      `json:"depth"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result holds the output of a completed task.
type Result struct {
	Output    string   `json:"output"`
	AgentType string   `json:"agent_type,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Handoffs  int      `json:"handoffs"`
}

// SubmitRequest holds the fields needed to submit a new task.
type SubmitRequest struct {
	Query    string   `json:"query"`
	Scenario Scenario `json:"scenario,omitempty"`
	Depth    Depth    `json:"depth,omitempty"`
}

var validScenarios = map[Scenario]bool{
	ScenarioGeneral:  true,
	ScenarioAcademic: true,
	ScenarioCoding:   true,
}

var validDepths = map[Depth]bool{
	DepthQuick:    true,
	DepthStandard: true,
	DepthDeep:     true,
}

// Validate checks a SubmitRequest and applies defaults for omitted fields.
func (r *SubmitRequest) Validate() error {
	if r.Query == "" {
		return fmt.Errorf("query is required: %w", domain.ErrValidation)
	}
	if r.Scenario == "" {
		r.Scenario = ScenarioGeneral
	}
	if !validScenarios[r.Scenario] {
		return fmt.Errorf("unknown scenario %q: %w", r.Scenario, domain.ErrValidation)
	}
	if r.Depth == "" {
		r.Depth = DepthStandard
	}
	if !validDepths[r.Depth] {
		return fmt.Errorf("unknown depth %q: %w", r.Depth, domain.ErrValidation)
	}
	return nil
}

// Terminal reports whether the status is final. Terminal statuses reject
// further mutation.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanCancel reports whether a task in this status may transition to cancelled.
func (s Status) CanCancel() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusAwaitingApproval:
		return true
	}
	return false
}
