// Package interrupt defines the pending-approval request created when a
// gated tool call needs a human decision.
package interrupt

import (
	"fmt"
	"time"

	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/risk"
)

// Resolution is the lifecycle state of an approval request.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionDenied   Resolution = "denied"
	ResolutionEdited   Resolution = "edited"
	ResolutionTimedOut Resolution = "timed_out"
)

// Terminal reports whether the resolution is final. Terminal resolutions
// are immutable.
func (r Resolution) Terminal() bool {
	return r != ResolutionPending && r != ""
}

// Decision is the action an approver takes on a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionEdit    Decision = "edit"
)

// Resolution returns the terminal resolution this decision produces.
func (d Decision) Resolution() (Resolution, error) {
	switch d {
	case DecisionApprove:
		return ResolutionApproved, nil
	case DecisionDeny:
		return ResolutionDenied, nil
	case DecisionEdit:
		return ResolutionEdited, nil
	}
	return "", fmt.Errorf("unknown decision %q: %w", d, domain.ErrValidation)
}

// Request is a pending human approval for one gated tool call. Resolved
// exactly once; concurrent resolvers race but only the first commits.
type Request struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Tool         string         `json:"tool_name"`
	Args         map[string]any `json:"tool_args,omitempty"`
	Risk         risk.Tier      `json:"risk_level"`
	Resolution   Resolution     `json:"resolution"`
	ResolvedArgs map[string]any `json:"resolved_args,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// Validate checks that a Request has the fields an approver needs.
func (r *Request) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("task_id is required: %w", domain.ErrValidation)
	}
	if r.Tool == "" {
		return fmt.Errorf("tool_name is required: %w", domain.ErrValidation)
	}
	return nil
}

// EffectiveArgs returns the arguments execution should use: the resolved
// args for an edited approval, the original args otherwise.
func (r *Request) EffectiveArgs() map[string]any {
	if r.Resolution == ResolutionEdited && r.ResolvedArgs != nil {
		return r.ResolvedArgs
	}
	return r.Args
}
