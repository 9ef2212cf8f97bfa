package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/interrupt"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// terminalStatuses is the SQL predicate guarding single-writer task updates.
// A task that reached a terminal status never changes again.
const terminalStatuses = `('completed', 'failed', 'cancelled')`

const taskColumns = `id, status, progress, query, scenario, depth, result, error, attempts, version, created_at, started_at, completed_at`

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var resultJSON []byte
	err := row.Scan(
		&t.ID, &t.Status, &t.Progress, &t.Query, &t.Scenario, &t.Depth,
		&resultJSON, &t.Error, &t.Attempts, &t.Version,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return task.Task{}, err
	}
	if len(resultJSON) > 0 {
		t.Result = &task.Result{}
		if err := json.Unmarshal(resultJSON, t.Result); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return t, nil
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (status, query, scenario, depth)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, progress, attempts, version, created_at`,
		t.Status, t.Query, t.Scenario, t.Depth)

	if err := row.Scan(&t.ID, &t.Progress, &t.Attempts, &t.Version, &t.CreatedAt); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $2,
		     started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
		     version = version + 1
		 WHERE id = $1 AND status NOT IN `+terminalStatuses,
		id, status)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, "update task status")
	}
	return nil
}

func (s *Store) UpdateTaskProgress(ctx context.Context, id string, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET progress = $2, started_at = COALESCE(started_at, now())
		 WHERE id = $1 AND status NOT IN `+terminalStatuses,
		id, progress)
	if err != nil {
		return fmt.Errorf("update task %s progress: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, "update task progress")
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, id string, status task.Status, result *task.Result, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete task %s with non-terminal status %q: %w", id, status, domain.ErrValidation)
	}

	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = data
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $2, result = $3, error = $4,
		     progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
		     completed_at = now(), version = version + 1
		 WHERE id = $1 AND status NOT IN `+terminalStatuses,
		id, status, resultJSON, errMsg)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, "complete task")
	}
	return nil
}

func (s *Store) CancelTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = 'cancelled', completed_at = now(), version = version + 1
		 WHERE id = $1 AND status IN ('pending', 'queued', 'running', 'awaiting_approval')`,
		id)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, "cancel task")
	}
	return nil
}

func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM tasks WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("check cancel for task %s: %w", id, domain.ErrNotFound)
		}
		return false, fmt.Errorf("check cancel for task %s: %w", id, err)
	}
	return requested, nil
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET cancel_requested = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request cancel for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request cancel for task %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) IncrementTaskAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("increment attempts for task %s: %w", id, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("increment attempts for task %s: %w", id, err)
	}
	return attempts, nil
}

// missingOrConflict distinguishes a vanished row from a terminal one after a
// guarded update matched nothing.
func (s *Store) missingOrConflict(ctx context.Context, id, op string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, domain.ErrConflict)
}

// --- Interrupts ---

const interruptColumns = `id, task_id, tool_name, tool_args, risk_level, resolution, resolved_args, created_at, resolved_at`

func scanInterrupt(row scannable) (interrupt.Request, error) {
	var r interrupt.Request
	var argsJSON, resolvedJSON []byte
	err := row.Scan(
		&r.ID, &r.TaskID, &r.Tool, &argsJSON, &r.Risk,
		&r.Resolution, &resolvedJSON, &r.CreatedAt, &r.ResolvedAt,
	)
	if err != nil {
		return interrupt.Request{}, err
	}
	if r.Args, err = unmarshalJSONB(argsJSON); err != nil {
		return interrupt.Request{}, err
	}
	if r.ResolvedArgs, err = unmarshalJSONB(resolvedJSON); err != nil {
		return interrupt.Request{}, err
	}
	return r, nil
}

func (s *Store) CreateInterrupt(ctx context.Context, req *interrupt.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("create interrupt: %w", err)
	}

	argsJSON, err := marshalJSONB(req.Args)
	if err != nil {
		return fmt.Errorf("create interrupt: %w", err)
	}

	req.Resolution = interrupt.ResolutionPending
	row := s.pool.QueryRow(ctx,
		`INSERT INTO interrupts (task_id, tool_name, tool_args, risk_level)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		req.TaskID, req.Tool, argsJSON, req.Risk)

	if err := row.Scan(&req.ID, &req.CreatedAt); err != nil {
		return fmt.Errorf("create interrupt: %w", err)
	}
	return nil
}

func (s *Store) GetInterrupt(ctx context.Context, id string) (*interrupt.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE id = $1`, id)

	r, err := scanInterrupt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get interrupt %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get interrupt %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) ListPendingInterrupts(ctx context.Context, taskID string) ([]interrupt.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+interruptColumns+` FROM interrupts
		 WHERE task_id = $1 AND resolution = 'pending' ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list pending interrupts for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var reqs []interrupt.Request
	for rows.Next() {
		r, err := scanInterrupt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interrupt: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (s *Store) ResolveInterrupt(ctx context.Context, id string, res interrupt.Resolution, resolvedArgs map[string]any) (bool, error) {
	if !res.Terminal() {
		return false, fmt.Errorf("resolve interrupt %s with non-terminal resolution %q: %w", id, res, domain.ErrValidation)
	}

	resolvedJSON, err := marshalJSONB(resolvedArgs)
	if err != nil {
		return false, fmt.Errorf("resolve interrupt %s: %w", id, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE interrupts
		 SET resolution = $2, resolved_args = $3, resolved_at = now()
		 WHERE id = $1 AND resolution = 'pending'`,
		id, res, resolvedJSON)
	if err != nil {
		return false, fmt.Errorf("resolve interrupt %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM interrupts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("resolve interrupt %s: %w", id, err)
		}
		if !exists {
			return false, fmt.Errorf("resolve interrupt %s: %w", id, domain.ErrNotFound)
		}
		return false, nil
	}
	return true, nil
}
