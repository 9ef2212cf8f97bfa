// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/pilotcrew/agentpilot/internal/domain/interrupt"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
)

// Store is the port interface for persistent task and interrupt state.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]task.Task, error)

	// UpdateTaskStatus transitions a task's status. Terminal statuses are
	// final: the update is rejected with domain.ErrConflict when the stored
	// status is already terminal.
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error

	// UpdateTaskProgress sets the progress percentage and, on the first
	// running transition, the started_at timestamp.
	UpdateTaskProgress(ctx context.Context, id string, progress int) error

	// CompleteTask records the terminal status, result, error summary and
	// completion timestamp in one write.
	CompleteTask(ctx context.Context, id string, status task.Status, result *task.Result, errMsg string) error

	// CancelTask transitions to cancelled only from a cancellable status.
	// Returns domain.ErrConflict when the task already reached a terminal
	// state, making concurrent cancel/complete races safe.
	CancelTask(ctx context.Context, id string) error

	// IsCancelRequested reports whether a cancel has been recorded for the
	// task. Workers poll this flag between supervisor state transitions.
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	// RequestCancel records a cancellation request without touching status.
	RequestCancel(ctx context.Context, id string) error

	// IncrementTaskAttempts bumps the attempt counter and returns the new value.
	IncrementTaskAttempts(ctx context.Context, id string) (int, error)

	// Interrupts
	CreateInterrupt(ctx context.Context, req *interrupt.Request) error
	GetInterrupt(ctx context.Context, id string) (*interrupt.Request, error)
	ListPendingInterrupts(ctx context.Context, taskID string) ([]interrupt.Request, error)

	// ResolveInterrupt commits a terminal resolution only when the stored
	// resolution is still pending. Returns false (no error) when another
	// resolver won the race.
	ResolveInterrupt(ctx context.Context, id string, res interrupt.Resolution, resolvedArgs map[string]any) (bool, error)
}
