package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventTaskProgress     = "task.progress"
	EventTaskStatus       = "task.status"
	EventInterruptPending = "interrupt.pending"
)

// TaskProgressEvent is broadcast for every progress event a run emits.
type TaskProgressEvent struct {
	TaskID    string          `json:"task_id"`
	Seq       int             `json:"seq"`
	EventType string          `json:"event_type"`
	Progress  int             `json:"progress"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// InterruptPendingEvent is broadcast when a run pauses for approval.
type InterruptPendingEvent struct {
	InterruptID string `json:"interrupt_id"`
	TaskID      string `json:"task_id"`
	Tool        string `json:"tool_name"`
	Risk        string `json:"risk_level"`
}

// taskScoped is implemented by event payloads that belong to one task, so the
// hub can route them to per-task subscribers.
type taskScoped interface {
	taskID() string
}

func (e TaskProgressEvent) taskID() string     { return e.TaskID }
func (e TaskStatusEvent) taskID() string       { return e.TaskID }
func (e InterruptPendingEvent) taskID() string { return e.TaskID }

// BroadcastEvent marshals a typed event and broadcasts it to subscribers.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	msg := Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	}
	if scoped, ok := payload.(taskScoped); ok {
		msg.TaskID = scoped.taskID()
	}

	h.Broadcast(ctx, msg)
}
