package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pilotcrew/agentpilot/internal/adapter/otel"
	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/event"
	"github.com/pilotcrew/agentpilot/internal/domain/handoff"
	"github.com/pilotcrew/agentpilot/internal/domain/interrupt"
	"github.com/pilotcrew/agentpilot/internal/domain/risk"
	"github.com/pilotcrew/agentpilot/internal/domain/routing"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/port/database"
	"github.com/pilotcrew/agentpilot/internal/port/guardrail"
	"github.com/pilotcrew/agentpilot/internal/port/model"
	"github.com/pilotcrew/agentpilot/internal/port/toolrunner"
)

// TaskAgent drives the plan/reason/act/verify loop for action-oriented
// queries. One Run owns its State exclusively; the worker lease guarantees
// no concurrent writer for the task record.
type TaskAgent struct {
	model      model.Model
	tools      toolrunner.Runner
	guard      guardrail.Scanner
	risks      *risk.Registry
	interrupts *InterruptService
	progress   *ProgressService
	store      database.Store
	cfg        config.Agent
}

// NewTaskAgent creates a TaskAgent.
func NewTaskAgent(m model.Model, tools toolrunner.Runner, guard guardrail.Scanner, risks *risk.Registry, interrupts *InterruptService, progress *ProgressService, store database.Store, cfg config.Agent) *TaskAgent {
	return &TaskAgent{
		model:      m,
		tools:      tools,
		guard:      guard,
		risks:      risks,
		interrupts: interrupts,
		progress:   progress,
		store:      store,
		cfg:        cfg,
	}
}

// Type returns the agent type this runner handles.
func (a *TaskAgent) Type() routing.AgentType { return routing.AgentTask }

var toolSpecs = []model.ToolSpec{
	{Name: "web_search", Description: "Search the web for a query"},
	{Name: "read_file", Description: "Read a file from the sandbox"},
	{Name: "write_file", Description: "Write a file in the sandbox"},
	{Name: "generate_image", Description: "Generate an image from a prompt"},
	{Name: "run_command", Description: "Run a shell command in the sandbox"},
	{Name: "send_email", Description: "Send an email"},
	{Name: "browser_action", Description: "Drive a browser in the sandbox"},
}

// Run executes the state machine until a final answer, a delegation, or a
// fatal error. Plan exhaustion surfaces as agentstate.ErrPlanLimitExceeded
// and is never retried.
func (a *TaskAgent) Run(ctx context.Context, t *task.Task, st *agentstate.State) (*AgentOutcome, error) {
	if len(st.Plan.Steps) == 0 {
		// The initial plan is not a revision: PlanRevisions stays at zero
		// and the revision cap counts only replans after it.
		plan, err := a.buildPlan(ctx, st)
		if err != nil {
			return nil, err
		}
		st.Plan = plan
		a.emit(ctx, t.ID, event.TypePlanCreated, planPayload(st), 5)
	}

	for round := 0; round < a.cfg.MaxReasonRounds; round++ {
		if st.PlanComplete() {
			outcome, err := a.finish(ctx, t, st)
			if err != nil {
				return nil, err
			}
			if outcome != nil {
				return outcome, nil
			}
			continue // verification failed, plan was revised
		}

		step := st.Plan.Steps[st.StepIndex]
		a.emit(ctx, t.ID, event.TypeStepStarted, stepPayload(step), a.progressFor(st))

		resp, err := a.model.Complete(ctx, model.Request{
			Messages: a.reasonMessages(st, step),
			Tools:    toolSpecs,
		})
		if err != nil {
			return nil, fmt.Errorf("reason step %d: %w", step.Number, err)
		}

		if len(resp.ToolCalls) == 0 {
			if outcome, handled := a.handleText(st, resp.Text); handled {
				return outcome, nil
			}
			continue
		}

		st.Append(agentstate.Message{Role: agentstate.RoleAssistant, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			result, blocked, err := a.act(ctx, t, st, call)
			if err != nil {
				return nil, err
			}
			st.Append(toolMessage(result))

			if blocked {
				// Policy decision, not a failure: no streak increment, no
				// step advance. The refusal is already in the transcript.
				continue
			}

			if result.Success {
				st.RecordToolSuccess()
				a.emit(ctx, t.ID, event.TypeStepCompleted, stepPayload(step), a.progressFor(st))
				if st.PlanComplete() {
					break
				}
				step = st.Plan.Steps[st.StepIndex]
				continue
			}

			if st.RecordToolError(a.cfg.ErrorThreshold) {
				if err := a.replan(ctx, t, st, "repeated tool failures on step "+step.Action); err != nil {
					return nil, err
				}
				// Remaining calls in this reply targeted the abandoned plan.
				break
			}
		}
	}

	return nil, fmt.Errorf("no completion after %d reasoning rounds", a.cfg.MaxReasonRounds)
}

// handleText processes a text-only model reply: a delegation directive or
// the final answer. Returns (outcome, true) when the run should end.
func (a *TaskAgent) handleText(st *agentstate.State, text string) (*AgentOutcome, bool) {
	text = strings.TrimSpace(text)
	if target, reason, ok := parseHandoff(text); ok {
		h, err := handoff.Build(st, routing.AgentTask, target, reason, a.cfg.HandoffTurns)
		if err != nil {
			// Self-handoffs and unknown targets are recorded, then the
			// loop resumes with the rejection visible to the model.
			st.Append(agentstate.Message{
				Role:    agentstate.RoleSystem,
				Content: "handoff rejected: " + err.Error(),
			})
			return nil, false
		}
		return &AgentOutcome{Handoff: h}, true
	}

	if text == "" {
		return nil, false
	}

	// A plain text reply with no tool calls is the model's final answer:
	// the run ends here even when plan steps remain unexecuted.
	st.Append(agentstate.Message{Role: agentstate.RoleAssistant, Content: text})
	st.Status = agentstate.StatusDone
	return &AgentOutcome{Output: text}, true
}

// act gates and executes one tool call. The blocked return marks a guardrail
// refusal, which the caller must keep out of the error streak.
func (a *TaskAgent) act(ctx context.Context, t *task.Task, st *agentstate.State, call agentstate.ToolCall) (agentstate.ToolResult, bool, error) {
	rendered := renderCall(call)
	verdict, err := a.guard.Scan(ctx, rendered)
	if err != nil {
		return agentstate.ToolResult{}, false, fmt.Errorf("guardrail scan: %w", err)
	}
	if !verdict.Allowed {
		slog.Info("tool call blocked", "task_id", t.ID, "tool", call.Name, "reason", verdict.Reason)
		return agentstate.ToolResult{
			CallID: call.CallID,
			Output: "This action was declined by content policy and will not be attempted.",
		}, true, nil
	}

	// Only high-risk tools park on a human decision; medium and unclassified
	// calls execute immediately.
	if tier := a.risks.Classify(call.Name); tier == risk.TierHigh {
		approved, edited, err := a.awaitApproval(ctx, t, st, call, tier)
		if err != nil {
			return agentstate.ToolResult{}, false, err
		}
		if !approved {
			// Denials and timeouts are ordinary tool errors: they feed
			// the streak and stay visible in the transcript.
			return agentstate.ToolResult{
				CallID: call.CallID,
				Error:  "tool call was not approved",
			}, false, nil
		}
		if edited != nil {
			call.Args = edited
		}
	}

	callCtx, span := otel.StartToolCallSpan(ctx, call.CallID, call.Name)
	result, err := a.tools.Execute(callCtx, call)
	span.End()
	if err != nil {
		return agentstate.ToolResult{}, false, fmt.Errorf("execute tool %s: %w", call.Name, err)
	}
	return result, false, nil
}

// awaitApproval parks the run on a human decision. Returns whether execution
// may proceed and, for edited approvals, the substituted arguments.
func (a *TaskAgent) awaitApproval(ctx context.Context, t *task.Task, st *agentstate.State, call agentstate.ToolCall, tier risk.Tier) (bool, map[string]any, error) {
	req, err := a.interrupts.Create(ctx, t.ID, call.Name, call.Args, tier)
	if err != nil {
		return false, nil, err
	}

	st.Status = agentstate.StatusAwaitingApproval
	if err := a.store.UpdateTaskStatus(ctx, t.ID, task.StatusAwaitingApproval); err != nil {
		return false, nil, fmt.Errorf("mark awaiting approval: %w", err)
	}
	a.emit(ctx, t.ID, event.TypeAwaitingApproval, map[string]string{
		"interrupt_id": req.ID,
		"tool":         call.Name,
		"risk":         string(tier),
	}, a.progressFor(st))

	resolved, err := a.interrupts.Await(ctx, req.ID)

	st.Status = agentstate.StatusRunning
	if stErr := a.store.UpdateTaskStatus(ctx, t.ID, task.StatusRunning); stErr != nil {
		slog.Warn("restore running status failed", "task_id", t.ID, "error", stErr)
	}
	if err != nil {
		return false, nil, fmt.Errorf("await approval: %w", err)
	}

	switch resolved.Resolution {
	case interrupt.ResolutionApproved:
		return true, nil, nil
	case interrupt.ResolutionEdited:
		return true, resolved.EffectiveArgs(), nil
	default:
		return false, nil, nil
	}
}

// finish runs verification over a completed plan. Returns a non-nil outcome
// when the run is done, or nil after a verification-driven plan revision.
func (a *TaskAgent) finish(ctx context.Context, t *task.Task, st *agentstate.State) (*AgentOutcome, error) {
	passed, reason, err := a.verify(ctx, st)
	if err != nil {
		return nil, err
	}
	a.emit(ctx, t.ID, event.TypeVerificationResult, map[string]any{
		"passed": passed,
		"reason": reason,
	}, a.progressFor(st))

	if !passed {
		if err := a.replan(ctx, t, st, "verification failed: "+reason); err != nil {
			return nil, err
		}
		return nil, nil
	}

	answer, err := a.synthesize(ctx, st)
	if err != nil {
		return nil, err
	}
	st.Status = agentstate.StatusDone
	return &AgentOutcome{Output: answer}, nil
}

// replan asks the model for a fresh plan and installs it through the
// revision cap.
func (a *TaskAgent) replan(ctx context.Context, t *task.Task, st *agentstate.State, why string) error {
	st.Append(agentstate.Message{Role: agentstate.RoleSystem, Content: "Plan revision required: " + why})

	plan, err := a.buildPlan(ctx, st)
	if err != nil {
		return err
	}
	if err := st.RevisePlan(plan, a.cfg.MaxPlanRevisions); err != nil {
		return fmt.Errorf("revise plan for task %s: %w", t.ID, err)
	}
	a.emit(ctx, t.ID, event.TypePlanCreated, planPayload(st), a.progressFor(st))
	return nil
}

const planPrompt = `Produce a short step-by-step plan for the task below.
Reply with JSON only: {"steps":[{"action":"...","tool":"tool_name_or_empty"}]}
Available tools: web_search, read_file, write_file, generate_image, run_command, send_email, browser_action.`

func (a *TaskAgent) buildPlan(ctx context.Context, st *agentstate.State) (agentstate.Plan, error) {
	msgs := append(st.LastTurns(a.cfg.HandoffTurns),
		agentstate.Message{Role: agentstate.RoleSystem, Content: planPrompt})

	resp, err := a.model.Complete(ctx, model.Request{Messages: msgs})
	if err != nil {
		return agentstate.Plan{}, fmt.Errorf("build plan: %w", err)
	}

	var parsed struct {
		Steps []agentstate.PlanStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
		return agentstate.Plan{}, fmt.Errorf("parse plan reply %q: %w", resp.Text, err)
	}
	if len(parsed.Steps) == 0 {
		return agentstate.Plan{}, errors.New("model produced an empty plan")
	}
	return agentstate.NewPlan(parsed.Steps), nil
}

const verifyPrompt = `Review the transcript against the checklist below.
Reply "PASS" when the task outcome satisfies every step, otherwise "FAIL: <what is missing>".`

// verify asks the model whether the completed plan actually achieved the
// task.
func (a *TaskAgent) verify(ctx context.Context, st *agentstate.State) (bool, string, error) {
	msgs := append(st.LastTurns(a.cfg.HandoffTurns), agentstate.Message{
		Role:    agentstate.RoleSystem,
		Content: verifyPrompt + "\n\n" + st.Plan.Checklist(st.StepIndex),
	})

	resp, err := a.model.Complete(ctx, model.Request{Messages: msgs})
	if err != nil {
		return false, "", fmt.Errorf("verify: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if strings.HasPrefix(strings.ToUpper(text), "PASS") {
		return true, "", nil
	}
	reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(text, "FAIL:"), "FAIL"))
	if reason == "" {
		reason = "verification rejected the outcome"
	}
	return false, reason, nil
}

const synthesizePrompt = `Write the final answer for the user based on the transcript. Reply with the answer only.`

func (a *TaskAgent) synthesize(ctx context.Context, st *agentstate.State) (string, error) {
	msgs := append(st.LastTurns(a.cfg.HandoffTurns),
		agentstate.Message{Role: agentstate.RoleSystem, Content: synthesizePrompt})

	resp, err := a.model.Complete(ctx, model.Request{Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("synthesize answer: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", errors.New("model produced an empty answer")
	}
	return strings.TrimSpace(resp.Text), nil
}

// reasonMessages assembles the model context for one step: recent
// transcript plus the current checklist and step directive.
func (a *TaskAgent) reasonMessages(st *agentstate.State, step agentstate.PlanStep) []agentstate.Message {
	directive := fmt.Sprintf(
		"Current plan:\n%s\nExecute step %d: %s. Call a tool, or reply HANDOFF:<agent>:<reason> to delegate, or reply with text.",
		st.Plan.Checklist(st.StepIndex), step.Number, step.Action)

	return append(st.LastTurns(a.cfg.HandoffTurns),
		agentstate.Message{Role: agentstate.RoleSystem, Content: directive})
}

// progressFor maps the step watermark to a task-level percentage, leaving
// room below for planning and above for synthesis.
func (a *TaskAgent) progressFor(st *agentstate.State) int {
	if len(st.Plan.Steps) == 0 {
		return 5
	}
	return 10 + (80*st.StepIndex)/len(st.Plan.Steps)
}

func (a *TaskAgent) emit(ctx context.Context, taskID string, typ event.Type, payload any, progress int) {
	if a.progress == nil {
		return
	}
	if err := a.progress.Emit(ctx, taskID, typ, payload, progress); err != nil {
		slog.Warn("emit progress event failed", "task_id", taskID, "type", typ, "error", err)
	}
}

// parseHandoff recognizes "HANDOFF:<agent>:<reason>" directives.
func parseHandoff(text string) (routing.AgentType, string, bool) {
	if !strings.HasPrefix(text, "HANDOFF:") {
		return "", "", false
	}
	parts := strings.SplitN(text, ":", 3)
	if len(parts) < 3 {
		return routing.AgentType(strings.TrimSpace(parts[1])), "", true
	}
	return routing.AgentType(strings.TrimSpace(parts[1])), strings.TrimSpace(parts[2]), true
}

func renderCall(call agentstate.ToolCall) string {
	args, err := json.Marshal(call.Args)
	if err != nil {
		return call.Name
	}
	return call.Name + " " + string(args)
}

func toolMessage(result agentstate.ToolResult) agentstate.Message {
	content := result.Output
	if !result.Success && result.Error != "" {
		content = "error: " + result.Error
	}
	return agentstate.Message{Role: agentstate.RoleTool, Content: content}
}

func stepPayload(step agentstate.PlanStep) map[string]any {
	return map[string]any{
		"step_number": step.Number,
		"action":      step.Action,
		"tool":        step.Tool,
	}
}

func planPayload(st *agentstate.State) map[string]any {
	return map[string]any{
		"checklist": st.Plan.Checklist(st.StepIndex),
		"revision":  st.PlanRevisions,
	}
}
