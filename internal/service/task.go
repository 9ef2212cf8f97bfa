package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pilotcrew/agentpilot/internal/adapter/ws"
	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/job"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/port/broadcast"
	"github.com/pilotcrew/agentpilot/internal/port/cache"
	"github.com/pilotcrew/agentpilot/internal/port/database"
	"github.com/pilotcrew/agentpilot/internal/port/jobqueue"
	"github.com/pilotcrew/agentpilot/internal/port/messagequeue"
)

// TaskService handles task submission, status reads and cooperative
// cancellation. Execution itself happens in the worker pool; submission
// only persists the record and makes the job durable.
type TaskService struct {
	store  database.Store
	jobs   jobqueue.Queue
	notify messagequeue.Queue
	cache  cache.Cache
	hub    broadcast.Broadcaster
}

// NewTaskService creates a TaskService.
func NewTaskService(store database.Store, jobs jobqueue.Queue, notify messagequeue.Queue, c cache.Cache, hub broadcast.Broadcaster) *TaskService {
	return &TaskService{store: store, jobs: jobs, notify: notify, cache: c, hub: hub}
}

// Submission is what a caller gets back from Submit: enough to poll status
// and correlate the queued job.
type Submission struct {
	TaskID string      `json:"task_id"`
	JobID  string      `json:"job_id"`
	Status task.Status `json:"status"`
}

// Submit validates the request, persists the task and enqueues its job.
// The task is visible (pending) before the enqueue so a queue failure
// leaves an inspectable record.
func (s *TaskService) Submit(ctx context.Context, req task.SubmitRequest) (*Submission, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t := &task.Task{
		Status:   task.StatusPending,
		Query:    req.Query,
		Scenario: req.Scenario,
		Depth:    req.Depth,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	jobID, err := s.jobs.Enqueue(ctx, &job.Job{
		TaskID:   t.ID,
		Query:    t.Query,
		Scenario: t.Scenario,
		Depth:    t.Depth,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}

	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusQueued); err != nil {
		slog.Warn("mark queued failed", "task_id", t.ID, "error", err)
	}

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
			TaskID: t.ID,
			Status: string(task.StatusQueued),
		})
	}

	slog.Info("task submitted", "task_id", t.ID, "job_id", jobID, "scenario", req.Scenario, "depth", req.Depth)
	return &Submission{TaskID: t.ID, JobID: jobID, Status: task.StatusQueued}, nil
}

// Get returns the task record, fronted by a short-TTL cache for hot polls.
// Non-terminal records are not cached: their status is in flux.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	cacheKey := "task:" + id
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
			var t task.Task
			if json.Unmarshal(data, &t) == nil {
				return &t, nil
			}
		}
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && t.Status.Terminal() {
		if data, err := json.Marshal(t); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, 0)
		}
	}
	return t, nil
}

// List returns all task records, newest first.
func (s *TaskService) List(ctx context.Context) ([]task.Task, error) {
	return s.store.ListTasks(ctx)
}

// Cancel requests cooperative cancellation. Tasks not yet leased are
// cancelled immediately; running ones observe the flag (and the NATS
// signal) at the next supervisor transition. Cancelling a terminal task
// returns domain.ErrConflict.
func (s *TaskService) Cancel(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("cancel task %s in status %s: %w", id, t.Status, domain.ErrConflict)
	}

	if err := s.store.RequestCancel(ctx, id); err != nil {
		return err
	}

	// Not yet leased by a worker: no one will poll the flag, so finish
	// the transition here. The conditional update keeps a racing worker
	// lease safe.
	if t.Status == task.StatusPending || t.Status == task.StatusQueued {
		if err := s.store.CancelTask(ctx, id); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if s.hub != nil {
			s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
				TaskID: id,
				Status: string(task.StatusCancelled),
			})
		}
	}

	if s.notify != nil {
		data, _ := json.Marshal(map[string]string{"task_id": id})
		if err := s.notify.Publish(ctx, messagequeue.SubjectTaskCancel, data); err != nil {
			slog.Warn("publish cancel signal failed", "task_id", id, "error", err)
		}
	}

	slog.Info("cancellation requested", "task_id", id, "status", t.Status)
	return nil
}
