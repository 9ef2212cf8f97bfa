// Package handoff defines the envelope one agent builds when delegating
// control to another within a single supervisor run.
package handoff

import (
	"errors"
	"fmt"

	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/routing"
)

// ErrSelfHandoff indicates an agent tried to hand off to itself.
var ErrSelfHandoff = errors.New("handoff to the currently running agent")

// Info carries the delegation context: who, to whom, why, and the shared
// memory the next agent starts from. Consumed once by the supervisor; the
// hop bound itself is the supervisor's to enforce.
type Info struct {
	FromAgent    routing.AgentType    `json:"from_agent"`
	ToAgent      routing.AgentType    `json:"to_agent"`
	Reason       string               `json:"reason"`
	SharedMemory []agentstate.Message `json:"shared_memory"`
	PinnedFacts  []string             `json:"pinned_facts,omitempty"`
}

// Build creates a handoff envelope from the running agent's state. The
// shared memory is the transcript truncated to the last maxTurns messages
// plus any pinned facts, bounding context growth across repeated handoffs.
func Build(state *agentstate.State, from, to routing.AgentType, reason string, maxTurns int) (*Info, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("unknown target agent %q", to)
	}
	if to == from {
		return nil, ErrSelfHandoff
	}
	if reason == "" {
		return nil, errors.New("handoff reason is required")
	}

	return &Info{
		FromAgent:    from,
		ToAgent:      to,
		Reason:       reason,
		SharedMemory: state.LastTurns(maxTurns),
		PinnedFacts:  append([]string(nil), state.PinnedFacts...),
	}, nil
}
