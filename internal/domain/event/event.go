// Package event defines the ordered, replayable progress events emitted as
// a task's execution advances.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of progress event.
type Type string

const (
	TypePlanCreated        Type = "plan_created"
	TypeStepStarted        Type = "step_started"
	TypeStepCompleted      Type = "step_completed"
	TypeAwaitingApproval   Type = "awaiting_approval"
	TypeHandoff            Type = "handoff"
	TypeVerificationResult Type = "verification_result"
	TypeCompleted          Type = "completed"
	TypeFailed             Type = "failed"
)

// ProgressEvent is a single immutable notification of state-machine
// advancement. Seq is monotonic per task, so a consumer joining mid-stream
// can reconstruct current status from the latest event plus the task record.
type ProgressEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Seq       int             `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Progress  int             `json:"progress"` // task-level percentage at emit time
	CreatedAt time.Time       `json:"created_at"`
}

// Terminal reports whether the event type closes the stream for its task.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeFailed
}
