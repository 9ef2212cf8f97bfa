package service

import (
	"context"
	"errors"

	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/handoff"
	"github.com/pilotcrew/agentpilot/internal/domain/routing"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
)

// ErrCancelled indicates a cooperative cancellation was observed. The
// worker acknowledges the job and records the cancelled status.
var ErrCancelled = errors.New("task cancelled")

// AgentOutcome is what one agent execution hands back to the supervisor:
// either a final output or a delegation request, never both.
type AgentOutcome struct {
	Output  string
	Handoff *handoff.Info
}

// agentRunner is one agent state machine the supervisor can dispatch to.
type agentRunner interface {
	Type() routing.AgentType
	Run(ctx context.Context, t *task.Task, st *agentstate.State) (*AgentOutcome, error)
}

// stateFromHandoff builds the receiving agent's starting state from a
// delegation envelope.
func stateFromHandoff(query string, h *handoff.Info) *agentstate.State {
	st := &agentstate.State{
		Query:       query,
		Status:      agentstate.StatusRunning,
		PinnedFacts: append([]string(nil), h.PinnedFacts...),
	}
	st.Transcript = append(st.Transcript, agentstate.Message{
		Role:    agentstate.RoleSystem,
		Content: "Delegated from " + string(h.FromAgent) + ": " + h.Reason,
	})
	st.Transcript = append(st.Transcript, h.SharedMemory...)
	return st
}
