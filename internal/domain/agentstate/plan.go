package agentstate

import (
	"fmt"
	"strings"
)

// PlanStep is a single action in an agent's plan. Step numbers are 1-based
// and unique within a plan.
type PlanStep struct {
	Number    int    `json:"step_number"`
	Action    string `json:"action"`
	Tool      string `json:"tool_or_skill,omitempty"`
	Completed bool   `json:"completed"`
}

// Plan is an ordered sequence of steps. A plan is replaced wholesale on
// revision, never mutated in place, so step numbering and the completed
// watermark stay consistent.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// NewPlan builds a plan from actions, assigning 1-based step numbers.
func NewPlan(steps []PlanStep) Plan {
	out := make([]PlanStep, len(steps))
	for i, s := range steps {
		out[i] = PlanStep{Number: i + 1, Action: s.Action, Tool: s.Tool}
	}
	return Plan{Steps: out}
}

// Remaining returns the steps at or after the given 0-based index.
func (p Plan) Remaining(fromIndex int) []PlanStep {
	if fromIndex < 0 {
		fromIndex = 0
	}
	if fromIndex >= len(p.Steps) {
		return nil
	}
	return p.Steps[fromIndex:]
}

// Checklist renders the plan with steps 1..completedThrough marked done and
// the rest pending. Rendering is pure: it preserves step order and is
// idempotent under re-render.
func (p Plan) Checklist(completedThrough int) string {
	var b strings.Builder
	for _, s := range p.Steps {
		mark := " "
		if s.Number <= completedThrough {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %d. %s", mark, s.Number, s.Action)
		if s.Tool != "" {
			fmt.Fprintf(&b, " (%s)", s.Tool)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
