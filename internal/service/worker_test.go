package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/event"
	"github.com/pilotcrew/agentpilot/internal/domain/job"
	"github.com/pilotcrew/agentpilot/internal/domain/risk"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/port/jobqueue"
	"github.com/pilotcrew/agentpilot/internal/service"
)

func queueCfg() config.Queue {
	return config.Queue{
		Workers:           2,
		MaxAttempts:       2,
		RetryBackoff:      time.Second,
		VisibilityTimeout: time.Minute,
		JobTimeout:        5 * time.Second,
	}
}

type workerFixture struct {
	store  *mockStore
	events *memEvents
	jobs   *memJobs
	model  *scriptedModel
	runner *fakeRunner
	pool   *service.WorkerPool
}

func newWorkerFixture(t *testing.T, cfg config.Agent) *workerFixture {
	t.Helper()

	store := newMockStore()
	events := newMemEvents()
	queue := newMemQueue()
	jobs := &memJobs{}
	m := &scriptedModel{}
	runner := &fakeRunner{}

	progress := service.NewProgressService(events, store, queue, nopHub{})
	interrupts := service.NewInterruptService(store, queue, nopHub{}, time.Second)
	router := service.NewRouterService(nil, nil, config.Router{FallbackAgent: "task", HistoryTurns: 3})
	taskAgent := service.NewTaskAgent(m, runner, allowGuard{}, risk.NewRegistry(), interrupts, progress, store, cfg)
	researchAgent := service.NewResearchAgent(m, runner, progress, cfg, researchCfg())
	sup := service.NewSupervisor(router, taskAgent, researchAgent, store, progress, cfg)

	pool := service.NewWorkerPool(jobs, store, queue, sup, progress, nopHub{}, queueCfg())
	if _, err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	return &workerFixture{store: store, events: events, jobs: jobs, model: m, runner: runner, pool: pool}
}

func (f *workerFixture) submit(t *testing.T, query string) (*task.Task, job.Job) {
	t.Helper()
	tk := &task.Task{Status: task.StatusQueued, Query: query, Depth: task.DepthQuick}
	if err := f.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	j := job.Job{TaskID: tk.ID, Query: tk.Query, Depth: tk.Depth}
	if _, err := f.jobs.Enqueue(context.Background(), &j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return tk, j
}

func TestWorkerCompletesTask(t *testing.T) {
	f := newWorkerFixture(t, agentCfg())
	tk, j := f.submit(t, "research lease-based queues")
	f.model.push(
		modelReply{text: `{"queries":[]}`},
		modelReply{text: "the findings"},
	)

	res := f.jobs.deliver(context.Background(), j, 1)
	if res.Outcome != jobqueue.Ack {
		t.Fatalf("outcome = %v, want Ack", res.Outcome)
	}

	stored, err := f.store.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.Progress != 100 {
		t.Fatalf("progress = %d, want 100", stored.Progress)
	}
	if stored.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", stored.Attempts)
	}
	if stored.Result == nil || stored.Result.Output != "the findings" {
		t.Fatalf("result = %+v", stored.Result)
	}
	if got := len(f.events.byType(tk.ID, event.TypeCompleted)); got != 1 {
		t.Fatalf("completed events = %d, want 1", got)
	}
}

func TestWorkerAcademicQuickQuestion(t *testing.T) {
	f := newWorkerFixture(t, agentCfg())
	tk := &task.Task{Status: task.StatusQueued, Query: "What is machine learning?", Scenario: task.ScenarioAcademic, Depth: task.DepthQuick}
	if err := f.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	j := job.Job{TaskID: tk.ID, Query: tk.Query, Scenario: tk.Scenario, Depth: tk.Depth}
	if _, err := f.jobs.Enqueue(context.Background(), &j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.model.push(
		modelReply{text: `{"queries":["machine learning definition"]}`},
		modelReply{text: "Machine learning is the study of programs that improve with data."},
	)

	if res := f.jobs.deliver(context.Background(), j, 1); res.Outcome != jobqueue.Ack {
		t.Fatalf("outcome = %v, want Ack", res.Outcome)
	}

	stored, _ := f.store.GetTask(context.Background(), tk.ID)
	if stored.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.Progress != 100 {
		t.Fatalf("progress = %d, want 100", stored.Progress)
	}
	if stored.Result == nil || stored.Result.Output == "" {
		t.Fatal("expected a non-empty result")
	}
	if stored.Result.AgentType != "research" {
		t.Fatalf("agent_type = %s, want research for a what-is question", stored.Result.AgentType)
	}
}

func TestWorkerRedeliveryConverges(t *testing.T) {
	f := newWorkerFixture(t, agentCfg())
	tk, j := f.submit(t, "research lease-based queues")
	f.model.push(
		modelReply{text: `{"queries":[]}`},
		modelReply{text: "the findings"},
	)

	if res := f.jobs.deliver(context.Background(), j, 1); res.Outcome != jobqueue.Ack {
		t.Fatalf("first delivery outcome = %v, want Ack", res.Outcome)
	}
	calls := f.model.callCount()

	// A redelivered job for a terminal task acks without re-running.
	if res := f.jobs.deliver(context.Background(), j, 2); res.Outcome != jobqueue.Ack {
		t.Fatalf("redelivery outcome = %v, want Ack", res.Outcome)
	}
	if f.model.callCount() != calls {
		t.Fatal("redelivery must not re-execute the task")
	}

	stored, _ := f.store.GetTask(context.Background(), tk.ID)
	if stored.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed after redelivery", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (redelivery not counted)", stored.Attempts)
	}
}

func TestWorkerPlanLimitTerminates(t *testing.T) {
	cfg := agentCfg()
	cfg.ErrorThreshold = 1
	cfg.MaxPlanRevisions = 0

	f := newWorkerFixture(t, cfg)
	f.runner.exec = func(call agentstate.ToolCall) agentstate.ToolResult {
		return agentstate.ToolResult{CallID: call.CallID, Success: false, Error: "broken"}
	}
	tk, j := f.submit(t, "write the deployment notes")
	f.model.push(
		planReply([2]string{"draft", "web_search"}),
		toolCallReply("web_search", nil),
		planReply([2]string{"draft again", "web_search"}),
	)

	res := f.jobs.deliver(context.Background(), j, 1)
	if res.Outcome != jobqueue.Terminate {
		t.Fatalf("outcome = %v, want Terminate for a plan-limit failure", res.Outcome)
	}

	stored, _ := f.store.GetTask(context.Background(), tk.ID)
	if stored.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if !strings.Contains(stored.Error, "plan limit exceeded") {
		t.Fatalf("error = %q, want the plan limit summary", stored.Error)
	}
	if got := len(f.events.byType(tk.ID, event.TypeFailed)); got != 1 {
		t.Fatalf("failed events = %d, want 1", got)
	}
}

func TestWorkerDelegationLimitTerminates(t *testing.T) {
	cfg := agentCfg()
	cfg.MaxHops = 0

	f := newWorkerFixture(t, cfg)
	tk, j := f.submit(t, "write the deployment notes")
	f.model.push(
		planReply([2]string{"gather", "web_search"}),
		modelReply{text: "HANDOFF:research:needs sources"},
	)

	res := f.jobs.deliver(context.Background(), j, 1)
	if res.Outcome != jobqueue.Terminate {
		t.Fatalf("outcome = %v, want Terminate for a delegation-limit failure", res.Outcome)
	}

	stored, _ := f.store.GetTask(context.Background(), tk.ID)
	if stored.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
}

func TestWorkerTransientFailureRetriesThenFails(t *testing.T) {
	f := newWorkerFixture(t, agentCfg())
	tk, j := f.submit(t, "research flaky backends")
	// The scripted model is empty: every plan call errors, a transient
	// failure class.

	res := f.jobs.deliver(context.Background(), j, 1)
	if res.Outcome != jobqueue.Retry {
		t.Fatalf("first attempt outcome = %v, want Retry", res.Outcome)
	}
	stored, _ := f.store.GetTask(context.Background(), tk.ID)
	if stored.Status.Terminal() {
		t.Fatalf("status = %s, must not be terminal after a retryable attempt", stored.Status)
	}

	// The final allowed attempt converts the failure to terminal.
	res = f.jobs.deliver(context.Background(), j, queueCfg().MaxAttempts)
	if res.Outcome != jobqueue.Ack {
		t.Fatalf("final attempt outcome = %v, want Ack", res.Outcome)
	}
	stored, _ = f.store.GetTask(context.Background(), tk.ID)
	if stored.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed after attempts exhausted", stored.Status)
	}
	if stored.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", stored.Attempts)
	}
}

func TestWorkerCancelRequestedBeforeRun(t *testing.T) {
	f := newWorkerFixture(t, agentCfg())
	tk, j := f.submit(t, "research something")
	if err := f.store.RequestCancel(context.Background(), tk.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	res := f.jobs.deliver(context.Background(), j, 1)
	if res.Outcome != jobqueue.Ack {
		t.Fatalf("outcome = %v, want Ack", res.Outcome)
	}

	stored, _ := f.store.GetTask(context.Background(), tk.ID)
	if stored.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
	if f.model.callCount() != 0 {
		t.Fatalf("model calls = %d, want 0", f.model.callCount())
	}
}

func TestWorkerMissingTaskTerminates(t *testing.T) {
	f := newWorkerFixture(t, agentCfg())

	res := f.jobs.deliver(context.Background(), job.Job{ID: "job-x", TaskID: "gone", Query: "q"}, 1)
	if res.Outcome != jobqueue.Terminate {
		t.Fatalf("outcome = %v, want Terminate for a missing task", res.Outcome)
	}
}
