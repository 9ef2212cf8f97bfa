// Package job defines the payload placed on the durable work queue for
// background task execution.
package job

import (
	"fmt"

	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
)

// Job is the unit of work a worker leases from the queue. Delivery is
// at-least-once: the same job may be handed to a second worker after a
// lease expires, so execution must tolerate re-running from submission.
type Job struct {
	ID       string        `json:"id"`
	TaskID   string        `json:"task_id"`
	Query    string        `json:"query"`
	Scenario task.Scenario `json:"scenario"`
	Depth    task.Depth    `json:"depth"`
	Attempt  int           `json:"attempt"` // 1-based, set by the queue on delivery
}

// Validate checks the fields a worker needs to execute the job.
func (j *Job) Validate() error {
	if j.TaskID == "" {
		return fmt.Errorf("task_id is required: %w", domain.ErrValidation)
	}
	if j.Query == "" {
		return fmt.Errorf("query is required: %w", domain.ErrValidation)
	}
	return nil
}
