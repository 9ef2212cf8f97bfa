package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/event"
	"github.com/pilotcrew/agentpilot/internal/domain/interrupt"
	"github.com/pilotcrew/agentpilot/internal/domain/job"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/port/guardrail"
	"github.com/pilotcrew/agentpilot/internal/port/jobqueue"
	"github.com/pilotcrew/agentpilot/internal/port/messagequeue"
	"github.com/pilotcrew/agentpilot/internal/port/model"
)

// --- database.Store mock ---

type mockStore struct {
	mu         sync.Mutex
	tasks      map[string]*task.Task
	interrupts map[string]*interrupt.Request
	cancels    map[string]bool
	nextID     int
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:      make(map[string]*task.Task),
		interrupts: make(map[string]*interrupt.Request),
		cancels:    make(map[string]bool),
	}
}

func (m *mockStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockStore) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = m.id("task")
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	t.Version = 1
	t.CreatedAt = time.Now()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) ListTasks(_ context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (m *mockStore) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("update task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("update task %s: %w", id, domain.ErrConflict)
	}
	t.Status = status
	t.Version++
	return nil
}

func (m *mockStore) UpdateTaskProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("update task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("update task %s: %w", id, domain.ErrConflict)
	}
	t.Progress = progress
	return nil
}

func (m *mockStore) CompleteTask(_ context.Context, id string, status task.Status, result *task.Result, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("complete task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("complete task %s: %w", id, domain.ErrConflict)
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	now := time.Now()
	t.CompletedAt = &now
	if status == task.StatusCompleted {
		t.Progress = 100
	}
	return nil
}

func (m *mockStore) CancelTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("cancel task %s: %w", id, domain.ErrNotFound)
	}
	if !t.Status.CanCancel() {
		return fmt.Errorf("cancel task %s: %w", id, domain.ErrConflict)
	}
	t.Status = task.StatusCancelled
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

func (m *mockStore) IsCancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, fmt.Errorf("check cancel %s: %w", id, domain.ErrNotFound)
	}
	return m.cancels[id], nil
}

func (m *mockStore) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("request cancel %s: %w", id, domain.ErrNotFound)
	}
	m.cancels[id] = true
	return nil
}

func (m *mockStore) IncrementTaskAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return 0, fmt.Errorf("increment attempts %s: %w", id, domain.ErrNotFound)
	}
	t.Attempts++
	return t.Attempts, nil
}

func (m *mockStore) CreateInterrupt(_ context.Context, req *interrupt.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		req.ID = m.id("int")
	}
	req.Resolution = interrupt.ResolutionPending
	req.CreatedAt = time.Now()
	cp := *req
	m.interrupts[req.ID] = &cp
	return nil
}

func (m *mockStore) GetInterrupt(_ context.Context, id string) (*interrupt.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.interrupts[id]
	if !ok {
		return nil, fmt.Errorf("get interrupt %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) ListPendingInterrupts(_ context.Context, taskID string) ([]interrupt.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []interrupt.Request
	for _, r := range m.interrupts {
		if r.TaskID == taskID && r.Resolution == interrupt.ResolutionPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockStore) ResolveInterrupt(_ context.Context, id string, res interrupt.Resolution, resolvedArgs map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.interrupts[id]
	if !ok {
		return false, fmt.Errorf("resolve interrupt %s: %w", id, domain.ErrNotFound)
	}
	if r.Resolution != interrupt.ResolutionPending {
		return false, nil
	}
	r.Resolution = res
	r.ResolvedArgs = resolvedArgs
	now := time.Now()
	r.ResolvedAt = &now
	return true, nil
}

// --- eventstore.Store mock ---

type memEvents struct {
	mu     sync.Mutex
	events map[string][]event.ProgressEvent
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[string][]event.ProgressEvent)}
}

func (m *memEvents) Append(_ context.Context, ev *event.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Seq = len(m.events[ev.TaskID]) + 1
	ev.ID = fmt.Sprintf("ev-%s-%d", ev.TaskID, ev.Seq)
	ev.CreatedAt = time.Now()
	m.events[ev.TaskID] = append(m.events[ev.TaskID], *ev)
	return nil
}

func (m *memEvents) LoadByTask(_ context.Context, taskID string) ([]event.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event.ProgressEvent(nil), m.events[taskID]...), nil
}

func (m *memEvents) LatestByTask(_ context.Context, taskID string) (*event.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[taskID]
	if len(evs) == 0 {
		return nil, fmt.Errorf("no events for %s: %w", taskID, domain.ErrNotFound)
	}
	cp := evs[len(evs)-1]
	return &cp, nil
}

func (m *memEvents) byType(taskID string, typ event.Type) []event.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.ProgressEvent
	for _, ev := range m.events[taskID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// --- messagequeue.Queue mock (synchronous dispatch) ---

type memQueue struct {
	mu   sync.Mutex
	subs map[string][]messagequeue.Handler
}

func newMemQueue() *memQueue {
	return &memQueue{subs: make(map[string][]messagequeue.Handler)}
}

func (m *memQueue) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	handlers := append([]messagequeue.Handler(nil), m.subs[subject]...)
	m.mu.Unlock()
	for _, h := range handlers {
		_ = h(ctx, subject, data)
	}
	return nil
}

func (m *memQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[subject] = append(m.subs[subject], handler)
	return func() {}, nil
}

func (m *memQueue) Drain() error      { return nil }
func (m *memQueue) Close() error      { return nil }
func (m *memQueue) IsConnected() bool { return true }

// --- jobqueue.Queue mock ---

type memJobs struct {
	mu      sync.Mutex
	jobs    []job.Job
	handler jobqueue.Handler
}

func (m *memJobs) Enqueue(_ context.Context, j *job.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.ID = fmt.Sprintf("job-%d", len(m.jobs)+1)
	m.jobs = append(m.jobs, *j)
	return j.ID, nil
}

func (m *memJobs) Consume(_ context.Context, handler jobqueue.Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	return func() {}, nil
}

// deliver hands a job to the registered handler the way a lease would.
func (m *memJobs) deliver(ctx context.Context, j job.Job, attempt int) jobqueue.Result {
	j.Attempt = attempt
	return m.handler(ctx, &j)
}

// --- cache.Cache mock ---

type memCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{items: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// --- model.Model script ---

type modelReply struct {
	text  string
	calls []agentstate.ToolCall
	err   error
}

// scriptedModel replays a fixed sequence of replies and records every
// request it saw.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []modelReply
	requests []model.Request
}

func (m *scriptedModel) push(r ...modelReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, r...)
}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		return nil, errors.New("model script exhausted")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &model.Response{Text: r.text, ToolCalls: r.calls}, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// --- toolrunner.Runner fake ---

type fakeRunner struct {
	mu    sync.Mutex
	exec  func(call agentstate.ToolCall) agentstate.ToolResult
	calls []agentstate.ToolCall
}

func (f *fakeRunner) Execute(_ context.Context, call agentstate.ToolCall) (agentstate.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.exec != nil {
		return f.exec(call), nil
	}
	return agentstate.ToolResult{CallID: call.CallID, Success: true, Output: "ok"}, nil
}

// --- guardrail.Scanner fakes ---

type allowGuard struct{}

func (allowGuard) Scan(context.Context, string) (guardrail.Verdict, error) {
	return guardrail.Verdict{Allowed: true}, nil
}

type substringGuard struct{ blocked string }

func (g substringGuard) Scan(_ context.Context, text string) (guardrail.Verdict, error) {
	if g.blocked != "" && strings.Contains(text, g.blocked) {
		return guardrail.Verdict{Allowed: false, Reason: "blocked phrase"}, nil
	}
	return guardrail.Verdict{Allowed: true}, nil
}

// --- broadcast.Broadcaster fake ---

type nopHub struct{}

func (nopHub) BroadcastEvent(context.Context, string, any) {}

// planReply builds the model JSON for a plan with the given actions.
func planReply(steps ...[2]string) modelReply {
	var parts []string
	for _, s := range steps {
		parts = append(parts, fmt.Sprintf(`{"action":%q,"tool":%q}`, s[0], s[1]))
	}
	return modelReply{text: `{"steps":[` + strings.Join(parts, ",") + `]}`}
}

func toolCallReply(name string, args map[string]any) modelReply {
	return modelReply{calls: []agentstate.ToolCall{{CallID: "call-" + name, Name: name, Args: args}}}
}
