// Package routing defines agent types and the routing decision produced by
// the query router.
package routing

import "errors"

// AgentType identifies which agent state machine handles a query.
type AgentType string

const (
	AgentTask     AgentType = "task"
	AgentResearch AgentType = "research"
)

// Valid reports whether the agent type is known.
func (a AgentType) Valid() bool {
	return a == AgentTask || a == AgentResearch
}

// Result is an immutable routing decision, consumed once by the supervisor.
type Result struct {
	Agent      AgentType `json:"selected_agent_type"`
	Confidence float64   `json:"confidence"` // 0..1
	Rationale  string    `json:"rationale"`
}

// ErrDelegationLimit indicates the supervisor's handoff hop bound was
// exceeded. Fatal to the supervisor run and never retried: re-running from
// the same input would reproduce it.
var ErrDelegationLimit = errors.New("delegation limit exceeded")
