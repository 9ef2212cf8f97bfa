package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pilotcrew/agentpilot/internal/adapter/otel"
	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/event"
	"github.com/pilotcrew/agentpilot/internal/domain/routing"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/port/database"
)

// Supervisor owns one task execution end to end: route the query, dispatch
// the selected agent, relay delegations under the hop bound, and hand the
// final result back to the worker. It never retries; retry policy lives
// with the job queue.
type Supervisor struct {
	router   *RouterService
	agents   map[routing.AgentType]agentRunner
	store    database.Store
	progress *ProgressService
	cfg      config.Agent
}

// NewSupervisor creates a Supervisor dispatching to the given agents.
func NewSupervisor(router *RouterService, taskAgent *TaskAgent, researchAgent *ResearchAgent, store database.Store, progress *ProgressService, cfg config.Agent) *Supervisor {
	return &Supervisor{
		router: router,
		agents: map[routing.AgentType]agentRunner{
			taskAgent.Type():     taskAgent,
			researchAgent.Type(): researchAgent,
		},
		store:    store,
		progress: progress,
		cfg:      cfg,
	}
}

// Execute runs the task to a final result. Exceeding the hop bound returns
// routing.ErrDelegationLimit; an observed cancellation returns ErrCancelled.
// Execution is deterministic from the task record alone, so a redelivered
// job re-runs from submission safely.
func (s *Supervisor) Execute(ctx context.Context, t *task.Task) (*task.Result, error) {
	// A task record carries a single user query, so there are no prior
	// turns to route on. The router's history matching serves callers that
	// submit conversational context alongside the query.
	route := s.router.Route(ctx, t.Query, nil)
	ctx, span := otel.StartTaskSpan(ctx, t.ID, string(route.Agent), t.Attempts)
	defer span.End()
	slog.Info("query routed",
		"task_id", t.ID,
		"agent", route.Agent,
		"confidence", route.Confidence,
		"rationale", route.Rationale,
	)

	st, err := agentstate.NewState(t.Query)
	if err != nil {
		return nil, err
	}

	current := route.Agent
	hops := 0
	for {
		if err := s.checkCancelled(ctx, t.ID); err != nil {
			return nil, err
		}

		agent, ok := s.agents[current]
		if !ok {
			return nil, fmt.Errorf("no agent registered for type %q", current)
		}

		outcome, err := agent.Run(ctx, t, st)
		if err != nil {
			return nil, err
		}

		if outcome.Handoff == nil {
			return &task.Result{
				Output:    outcome.Output,
				AgentType: string(current),
				Handoffs:  hops,
			}, nil
		}

		hops++
		if hops > s.cfg.MaxHops {
			return nil, fmt.Errorf("handoff %d from %s to %s: %w",
				hops, outcome.Handoff.FromAgent, outcome.Handoff.ToAgent, routing.ErrDelegationLimit)
		}

		hopCtx, hopSpan := otel.StartHandoffSpan(ctx, t.ID,
			string(outcome.Handoff.FromAgent), string(outcome.Handoff.ToAgent))
		s.emit(hopCtx, t.ID, event.TypeHandoff, map[string]any{
			"from":   outcome.Handoff.FromAgent,
			"to":     outcome.Handoff.ToAgent,
			"reason": outcome.Handoff.Reason,
			"hop":    hops,
		})
		hopSpan.End()

		st = stateFromHandoff(t.Query, outcome.Handoff)
		current = outcome.Handoff.ToAgent
	}
}

// checkCancelled polls the cooperative cancellation flag. Called before
// every agent dispatch so a cancel lands between transitions, not mid-tool.
func (s *Supervisor) checkCancelled(ctx context.Context, taskID string) error {
	requested, err := s.store.IsCancelRequested(ctx, taskID)
	if err != nil {
		return fmt.Errorf("check cancellation: %w", err)
	}
	if requested {
		return ErrCancelled
	}
	return nil
}

func (s *Supervisor) emit(ctx context.Context, taskID string, typ event.Type, payload any) {
	if s.progress == nil {
		return
	}
	if err := s.progress.Emit(ctx, taskID, typ, payload, 50); err != nil {
		slog.Warn("emit progress event failed", "task_id", taskID, "type", typ, "error", err)
	}
}
