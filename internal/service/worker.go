package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/pilotcrew/agentpilot/internal/adapter/ws"
	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/event"
	"github.com/pilotcrew/agentpilot/internal/domain/job"
	"github.com/pilotcrew/agentpilot/internal/domain/routing"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/logger"
	"github.com/pilotcrew/agentpilot/internal/port/broadcast"
	"github.com/pilotcrew/agentpilot/internal/port/database"
	"github.com/pilotcrew/agentpilot/internal/port/jobqueue"
	"github.com/pilotcrew/agentpilot/internal/port/messagequeue"
)

// WorkerPool consumes the durable job queue and runs each leased job
// through the supervisor. Leasing gives at-least-once delivery: a job may
// reach a second worker after a crash, and the handler must converge on the
// same terminal task status when it does.
type WorkerPool struct {
	queue    jobqueue.Queue
	store    database.Store
	notify   messagequeue.Queue
	sup      *Supervisor
	progress *ProgressService
	hub      broadcast.Broadcaster
	cfg      config.Queue
}

// NewWorkerPool creates a WorkerPool.
func NewWorkerPool(queue jobqueue.Queue, store database.Store, notify messagequeue.Queue, sup *Supervisor, progress *ProgressService, hub broadcast.Broadcaster, cfg config.Queue) *WorkerPool {
	return &WorkerPool{
		queue:    queue,
		store:    store,
		notify:   notify,
		sup:      sup,
		progress: progress,
		hub:      hub,
		cfg:      cfg,
	}
}

// Start begins consuming jobs. The returned stop function halts delivery;
// jobs already leased run to completion.
func (w *WorkerPool) Start(ctx context.Context) (func(), error) {
	return w.queue.Consume(ctx, w.handle)
}

// handle executes one leased job and maps its outcome to a queue verdict.
func (w *WorkerPool) handle(ctx context.Context, j *job.Job) jobqueue.Result {
	log := slog.With("job_id", j.ID, "task_id", j.TaskID, "attempt", j.Attempt)

	t, err := w.store.GetTask(ctx, j.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("job references missing task, terminating")
			return jobqueue.Result{Outcome: jobqueue.Terminate}
		}
		log.Warn("load task failed", "error", err)
		return jobqueue.Result{Outcome: jobqueue.Retry}
	}

	// A redelivered job whose task already finished converges by
	// acknowledging without re-running.
	if t.Status.Terminal() {
		log.Info("task already terminal, acking redelivery", "status", t.Status)
		return jobqueue.Result{Outcome: jobqueue.Ack}
	}

	if cancelled, err := w.store.IsCancelRequested(ctx, j.TaskID); err == nil && cancelled {
		w.finishCancelled(ctx, t, log)
		return jobqueue.Result{Outcome: jobqueue.Ack}
	}

	if _, err := w.store.IncrementTaskAttempts(ctx, j.TaskID); err != nil {
		log.Warn("increment attempts failed", "error", err)
	}
	if err := w.store.UpdateTaskStatus(ctx, j.TaskID, task.StatusRunning); err != nil {
		log.Warn("mark running failed", "error", err)
		return jobqueue.Result{Outcome: jobqueue.Retry}
	}
	w.broadcastStatus(ctx, t.ID, task.StatusRunning, "")

	jobCtx, cancel := context.WithTimeout(logger.WithTaskID(ctx, j.TaskID), w.cfg.JobTimeout)
	defer cancel()

	// A cancel published while this job runs cancels its context so the
	// supervisor's next poll observes it promptly.
	if w.notify != nil {
		unsub, err := w.notify.Subscribe(jobCtx, messagequeue.SubjectTaskCancel, func(_ context.Context, _ string, data []byte) error {
			var msg struct {
				TaskID string `json:"task_id"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.TaskID == j.TaskID {
				cancel()
			}
			return nil
		})
		if err == nil {
			defer unsub()
		}
	}

	result, err := w.sup.Execute(jobCtx, t)
	switch {
	case err == nil:
		return w.finishCompleted(ctx, t, result, log)

	case errors.Is(err, ErrCancelled) || errors.Is(jobCtx.Err(), context.Canceled):
		w.finishCancelled(ctx, t, log)
		return jobqueue.Result{Outcome: jobqueue.Ack}

	case errors.Is(err, agentstate.ErrPlanLimitExceeded), errors.Is(err, routing.ErrDelegationLimit):
		// Deterministic logic failures: re-running reproduces them.
		w.finishFailed(ctx, t, err.Error(), log)
		return jobqueue.Result{Outcome: jobqueue.Terminate}

	default:
		log.Warn("job attempt failed", "error", err)
		if j.Attempt >= w.cfg.MaxAttempts {
			w.finishFailed(ctx, t, err.Error(), log)
			return jobqueue.Result{Outcome: jobqueue.Ack}
		}
		return jobqueue.Result{Outcome: jobqueue.Retry}
	}
}

func (w *WorkerPool) finishCompleted(ctx context.Context, t *task.Task, result *task.Result, log *slog.Logger) jobqueue.Result {
	if err := w.store.CompleteTask(ctx, t.ID, task.StatusCompleted, result, ""); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another writer (a cancel) reached terminal first.
			return jobqueue.Result{Outcome: jobqueue.Ack}
		}
		log.Error("persist completion failed", "error", err)
		return jobqueue.Result{Outcome: jobqueue.Retry}
	}

	w.emit(ctx, t.ID, event.TypeCompleted, map[string]any{
		"agent_type": result.AgentType,
		"handoffs":   result.Handoffs,
	})
	w.broadcastStatus(ctx, t.ID, task.StatusCompleted, "")
	log.Info("task completed", "agent_type", result.AgentType, "handoffs", result.Handoffs)
	return jobqueue.Result{Outcome: jobqueue.Ack}
}

func (w *WorkerPool) finishFailed(ctx context.Context, t *task.Task, summary string, log *slog.Logger) {
	if err := w.store.CompleteTask(ctx, t.ID, task.StatusFailed, nil, summary); err != nil && !errors.Is(err, domain.ErrConflict) {
		log.Error("persist failure failed", "error", err)
	}

	// The terminal event carries the human-readable summary only.
	w.emit(ctx, t.ID, event.TypeFailed, map[string]string{"error": summary})
	w.broadcastStatus(ctx, t.ID, task.StatusFailed, summary)
	log.Info("task failed", "error", summary)
}

func (w *WorkerPool) finishCancelled(ctx context.Context, t *task.Task, log *slog.Logger) {
	if err := w.store.CancelTask(ctx, t.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
		log.Warn("persist cancellation failed", "error", err)
	}
	w.broadcastStatus(ctx, t.ID, task.StatusCancelled, "")
	log.Info("task cancelled")
}

func (w *WorkerPool) emit(ctx context.Context, taskID string, typ event.Type, payload any) {
	if w.progress == nil {
		return
	}
	progress := 100
	if typ == event.TypeFailed {
		progress = 0
	}
	if err := w.progress.Emit(ctx, taskID, typ, payload, progress); err != nil {
		slog.Warn("emit terminal event failed", "task_id", taskID, "type", typ, "error", err)
	}
}

func (w *WorkerPool) broadcastStatus(ctx context.Context, taskID string, status task.Status, errMsg string) {
	if w.hub == nil {
		return
	}
	w.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID: taskID,
		Status: string(status),
		Error:  errMsg,
	})
}
