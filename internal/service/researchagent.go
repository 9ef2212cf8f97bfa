package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/event"
	"github.com/pilotcrew/agentpilot/internal/domain/handoff"
	"github.com/pilotcrew/agentpilot/internal/domain/routing"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/port/model"
	"github.com/pilotcrew/agentpilot/internal/port/toolrunner"
)

// ResearchAgent drives the query-planning, parallel search and synthesis
// loop for information-gathering queries. Depth presets bound the breadth
// of each round and the round count.
type ResearchAgent struct {
	model    model.Model
	tools    toolrunner.Runner
	progress *ProgressService
	agentCfg config.Agent
	cfg      config.Research
}

// NewResearchAgent creates a ResearchAgent.
func NewResearchAgent(m model.Model, tools toolrunner.Runner, progress *ProgressService, agentCfg config.Agent, cfg config.Research) *ResearchAgent {
	return &ResearchAgent{model: m, tools: tools, progress: progress, agentCfg: agentCfg, cfg: cfg}
}

// Type returns the agent type this runner handles.
func (a *ResearchAgent) Type() routing.AgentType { return routing.AgentResearch }

// Run executes research rounds until the model chooses to synthesize or the
// round budget forces it.
func (a *ResearchAgent) Run(ctx context.Context, t *task.Task, st *agentstate.State) (*AgentOutcome, error) {
	depth := a.cfg.DepthSettings(string(t.Depth))

	for round := 1; round <= depth.MaxRounds; round++ {
		queries, h, err := a.planQueries(ctx, st, depth.Breadth, round)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return &AgentOutcome{Handoff: h}, nil
		}
		if len(queries) == 0 {
			break // model has enough evidence
		}

		a.emit(ctx, t.ID, event.TypeStepStarted, map[string]any{
			"round":   round,
			"queries": queries,
		}, a.progressFor(round, depth.MaxRounds))

		evidence, err := a.search(ctx, queries)
		if err != nil {
			return nil, err
		}
		st.Append(agentstate.Message{Role: agentstate.RoleTool, Content: evidence})

		a.emit(ctx, t.ID, event.TypeStepCompleted, map[string]any{"round": round}, a.progressFor(round, depth.MaxRounds))
	}

	answer, err := a.synthesize(ctx, st)
	if err != nil {
		return nil, err
	}
	st.Status = agentstate.StatusDone
	return &AgentOutcome{Output: answer}, nil
}

const queryPrompt = `Plan the next research round for the question below.
Reply with JSON only: {"queries":["...","..."]} with at most %d queries.
Reply {"queries":[]} when the gathered evidence already answers the question.
You may instead reply HANDOFF:task:<reason> if the question requires taking actions rather than research.`

// planQueries asks the model for this round's search queries. An explicit
// delegation directive short-circuits the round.
func (a *ResearchAgent) planQueries(ctx context.Context, st *agentstate.State, breadth, round int) ([]string, *handoff.Info, error) {
	msgs := append(st.LastTurns(a.agentCfg.HandoffTurns),
		agentstate.Message{Role: agentstate.RoleSystem, Content: fmt.Sprintf(queryPrompt, breadth)})

	resp, err := a.model.Complete(ctx, model.Request{Messages: msgs})
	if err != nil {
		return nil, nil, fmt.Errorf("plan research round %d: %w", round, err)
	}

	text := strings.TrimSpace(resp.Text)
	if target, reason, ok := parseHandoff(text); ok {
		h, err := handoff.Build(st, routing.AgentResearch, target, reason, a.agentCfg.HandoffTurns)
		if err != nil {
			// A rejected delegation falls back to synthesizing from
			// whatever evidence exists.
			st.Append(agentstate.Message{Role: agentstate.RoleSystem, Content: "handoff rejected: " + err.Error()})
			return nil, nil, nil
		}
		return nil, h, nil
	}

	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return nil, nil, fmt.Errorf("parse research queries %q: %w", text, err)
	}
	if len(parsed.Queries) > breadth {
		parsed.Queries = parsed.Queries[:breadth]
	}
	return parsed.Queries, nil, nil
}

// search fans the round's queries out in parallel and merges the results
// deterministically by query text, so identical evidence produces an
// identical transcript regardless of completion order.
func (a *ResearchAgent) search(ctx context.Context, queries []string) (string, error) {
	var mu sync.Mutex
	results := make(map[string]string, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		g.Go(func() error {
			res, err := a.tools.Execute(gctx, agentstate.ToolCall{
				Name: "web_search",
				Args: map[string]any{"query": q},
			})
			if err != nil {
				return fmt.Errorf("search %q: %w", q, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				results[q] = res.Output
			} else {
				results[q] = "search failed: " + res.Error
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	merged := make([]string, 0, len(results))
	for q := range results {
		merged = append(merged, q)
	}
	sort.Strings(merged)

	var b strings.Builder
	for _, q := range merged {
		fmt.Fprintf(&b, "### %s\n%s\n", q, results[q])
	}
	return b.String(), nil
}

const researchSynthesisPrompt = `Write a sourced answer to the user's question from the gathered evidence. Reply with the answer only.`

func (a *ResearchAgent) synthesize(ctx context.Context, st *agentstate.State) (string, error) {
	msgs := append(st.LastTurns(a.agentCfg.HandoffTurns),
		agentstate.Message{Role: agentstate.RoleSystem, Content: researchSynthesisPrompt})

	resp, err := a.model.Complete(ctx, model.Request{Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("synthesize research answer: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", errors.New("model produced an empty answer")
	}
	return strings.TrimSpace(resp.Text), nil
}

func (a *ResearchAgent) progressFor(round, maxRounds int) int {
	if maxRounds <= 0 {
		return 10
	}
	return 10 + (80*round)/(maxRounds+1)
}

func (a *ResearchAgent) emit(ctx context.Context, taskID string, typ event.Type, payload any, progress int) {
	if a.progress == nil {
		return
	}
	if err := a.progress.Emit(ctx, taskID, typ, payload, progress); err != nil {
		slog.Warn("emit progress event failed", "task_id", taskID, "type", typ, "error", err)
	}
}
