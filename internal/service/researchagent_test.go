package service_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/service"
)

func researchCfg() config.Research {
	return config.Research{
		Quick:    config.ResearchDepth{Breadth: 2, MaxRounds: 1},
		Standard: config.ResearchDepth{Breadth: 3, MaxRounds: 2},
		Deep:     config.ResearchDepth{Breadth: 5, MaxRounds: 4},
	}
}

type researchFixture struct {
	model  *scriptedModel
	runner *fakeRunner
	agent  *service.ResearchAgent
	task   *task.Task
	state  *agentstate.State
}

func newResearchFixture(t *testing.T, depth task.Depth) *researchFixture {
	t.Helper()

	m := &scriptedModel{}
	runner := &fakeRunner{
		exec: func(call agentstate.ToolCall) agentstate.ToolResult {
			q, _ := call.Args["query"].(string)
			return agentstate.ToolResult{Success: true, Output: fmt.Sprintf("evidence for %s", q)}
		},
	}

	tk := &task.Task{ID: "task-1", Status: task.StatusRunning, Query: "how do lease-based queues work", Depth: depth}
	st, err := agentstate.NewState(tk.Query)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	return &researchFixture{
		model:  m,
		runner: runner,
		agent:  service.NewResearchAgent(m, runner, nil, agentCfg(), researchCfg()),
		task:   tk,
		state:  st,
	}
}

func TestResearchAgentMergesEvidenceDeterministically(t *testing.T) {
	f := newResearchFixture(t, task.DepthStandard)
	f.model.push(
		modelReply{text: `{"queries":["zeta protocols","alpha protocols"]}`},
		modelReply{text: `{"queries":[]}`},
		modelReply{text: "a sourced answer"},
	)

	outcome, err := f.agent.Run(context.Background(), f.task, f.state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Output != "a sourced answer" {
		t.Fatalf("output = %q", outcome.Output)
	}

	var evidence string
	for _, msg := range f.state.Transcript {
		if msg.Role == agentstate.RoleTool {
			evidence = msg.Content
		}
	}
	if evidence == "" {
		t.Fatal("evidence message missing from transcript")
	}

	// Merged by query text, independent of completion order.
	alpha := strings.Index(evidence, "### alpha protocols")
	zeta := strings.Index(evidence, "### zeta protocols")
	if alpha < 0 || zeta < 0 {
		t.Fatalf("evidence missing sections:\n%s", evidence)
	}
	if alpha > zeta {
		t.Fatalf("evidence not sorted by query:\n%s", evidence)
	}
	if len(f.runner.calls) != 2 {
		t.Fatalf("searches = %d, want 2", len(f.runner.calls))
	}
}

func TestResearchAgentTruncatesToBreadth(t *testing.T) {
	f := newResearchFixture(t, task.DepthQuick) // breadth 2
	f.model.push(
		modelReply{text: `{"queries":["a","b","c","d"]}`},
		modelReply{text: "answer"},
	)

	if _, err := f.agent.Run(context.Background(), f.task, f.state); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.runner.calls) != 2 {
		t.Fatalf("searches = %d, want breadth-capped 2", len(f.runner.calls))
	}
}

func TestResearchAgentForcedSynthesisAtRoundCap(t *testing.T) {
	f := newResearchFixture(t, task.DepthQuick) // one round
	f.model.push(
		modelReply{text: `{"queries":["only round"]}`},
		modelReply{text: "forced answer"},
	)

	outcome, err := f.agent.Run(context.Background(), f.task, f.state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Output != "forced answer" {
		t.Fatalf("output = %q", outcome.Output)
	}
	if f.state.Status != agentstate.StatusDone {
		t.Fatalf("state status = %s, want done", f.state.Status)
	}
}

func TestResearchAgentEmptyQueriesEndRounds(t *testing.T) {
	f := newResearchFixture(t, task.DepthDeep)
	f.model.push(
		modelReply{text: `{"queries":[]}`},
		modelReply{text: "answer from prior knowledge"},
	)

	outcome, err := f.agent.Run(context.Background(), f.task, f.state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Output != "answer from prior knowledge" {
		t.Fatalf("output = %q", outcome.Output)
	}
	if len(f.runner.calls) != 0 {
		t.Fatalf("searches = %d, want 0", len(f.runner.calls))
	}
}

func TestResearchAgentHandoffDirective(t *testing.T) {
	f := newResearchFixture(t, task.DepthStandard)
	f.model.push(modelReply{text: "HANDOFF:task:the question requires running commands"})

	outcome, err := f.agent.Run(context.Background(), f.task, f.state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Handoff == nil {
		t.Fatal("expected a handoff outcome")
	}
	if outcome.Handoff.ToAgent != "task" {
		t.Fatalf("handoff target = %s, want task", outcome.Handoff.ToAgent)
	}
}

func TestResearchAgentRejectedHandoffFallsBackToSynthesis(t *testing.T) {
	f := newResearchFixture(t, task.DepthStandard)
	f.model.push(
		modelReply{text: "HANDOFF:research:loop to myself"},
		modelReply{text: "best-effort answer"},
	)

	outcome, err := f.agent.Run(context.Background(), f.task, f.state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Handoff != nil {
		t.Fatal("self-handoff must not produce a handoff outcome")
	}
	if outcome.Output != "best-effort answer" {
		t.Fatalf("output = %q", outcome.Output)
	}

	var rejected bool
	for _, msg := range f.state.Transcript {
		if msg.Role == agentstate.RoleSystem && strings.Contains(msg.Content, "handoff rejected") {
			rejected = true
		}
	}
	if !rejected {
		t.Fatal("rejection message missing from transcript")
	}
}

func TestResearchAgentRecordsFailedSearches(t *testing.T) {
	f := newResearchFixture(t, task.DepthQuick)
	f.runner.exec = func(call agentstate.ToolCall) agentstate.ToolResult {
		return agentstate.ToolResult{Success: false, Error: "rate limited"}
	}
	f.model.push(
		modelReply{text: `{"queries":["flaky query"]}`},
		modelReply{text: "answer noting the gap"},
	)

	if _, err := f.agent.Run(context.Background(), f.task, f.state); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var evidence string
	for _, msg := range f.state.Transcript {
		if msg.Role == agentstate.RoleTool {
			evidence = msg.Content
		}
	}
	if !strings.Contains(evidence, "search failed: rate limited") {
		t.Fatalf("failed search not recorded as evidence:\n%s", evidence)
	}
}
