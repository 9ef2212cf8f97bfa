package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pilotcrew/agentpilot/internal/adapter/ws"
	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/event"
	"github.com/pilotcrew/agentpilot/internal/port/broadcast"
	"github.com/pilotcrew/agentpilot/internal/port/database"
	"github.com/pilotcrew/agentpilot/internal/port/eventstore"
	"github.com/pilotcrew/agentpilot/internal/port/messagequeue"
)

// ProgressService appends progress events to the durable feed and fans them
// out to streaming consumers. Events for one task are emitted by the single
// worker holding its lease, so sequence assignment never races.
type ProgressService struct {
	events eventstore.Store
	store  database.Store
	queue  messagequeue.Queue
	hub    broadcast.Broadcaster
}

// NewProgressService creates a ProgressService.
func NewProgressService(events eventstore.Store, store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster) *ProgressService {
	return &ProgressService{events: events, store: store, queue: queue, hub: hub}
}

// Emit records one progress event and pushes it to live consumers. Fan-out
// failures are logged, not returned: losing a notification must not fail
// the execution that produced it.
func (s *ProgressService) Emit(ctx context.Context, taskID string, typ event.Type, payload any, progress int) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal progress payload: %w", err)
		}
		raw = data
	}

	ev := &event.ProgressEvent{
		TaskID:   taskID,
		Type:     typ,
		Payload:  raw,
		Progress: progress,
	}
	if err := s.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("append progress event: %w", err)
	}

	// Terminal events leave the progress column to CompleteTask.
	if !typ.Terminal() {
		if err := s.store.UpdateTaskProgress(ctx, taskID, progress); err != nil && !errors.Is(err, domain.ErrConflict) {
			slog.Warn("update task progress failed", "task_id", taskID, "error", err)
		}
	}

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventTaskProgress, ws.TaskProgressEvent{
			TaskID:    taskID,
			Seq:       ev.Seq,
			EventType: string(typ),
			Progress:  progress,
			Payload:   raw,
		})
	}

	if s.queue != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			err = s.queue.Publish(ctx, messagequeue.TaskProgressSubject(taskID), data)
		}
		if err != nil {
			slog.Warn("publish progress event failed", "task_id", taskID, "error", err)
		}
	}

	return nil
}

// History returns the ordered event feed for a task.
func (s *ProgressService) History(ctx context.Context, taskID string) ([]event.ProgressEvent, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.events.LoadByTask(ctx, taskID)
}

// Trajectory is an event feed together with its aggregate summary, so a
// client replaying a task gets counts and the latest watermark in one call.
type Trajectory struct {
	TaskID  string                `json:"task_id"`
	Events  []event.ProgressEvent `json:"events"`
	Stats   map[event.Type]int    `json:"stats"`
	LastSeq int                   `json:"last_seq"`
}

// LoadTrajectory returns the full replayable trajectory for a task.
func (s *ProgressService) LoadTrajectory(ctx context.Context, taskID string) (*Trajectory, error) {
	events, err := s.History(ctx, taskID)
	if err != nil {
		return nil, err
	}

	tr := &Trajectory{TaskID: taskID, Events: events, Stats: make(map[event.Type]int)}
	for _, ev := range events {
		tr.Stats[ev.Type]++
		if ev.Seq > tr.LastSeq {
			tr.LastSeq = ev.Seq
		}
	}
	return tr, nil
}
