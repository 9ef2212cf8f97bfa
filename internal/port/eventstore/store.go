// Package eventstore defines the port interface for the append-only
// progress event feed.
package eventstore

import (
	"context"

	"github.com/pilotcrew/agentpilot/internal/domain/event"
)

// Store is the port interface for appending and replaying progress events.
type Store interface {
	// Append persists a new event, assigning it the next per-task sequence
	// number. The event's Seq field is populated on return.
	Append(ctx context.Context, ev *event.ProgressEvent) error

	// LoadByTask returns all events for the task ordered by sequence.
	LoadByTask(ctx context.Context, taskID string) ([]event.ProgressEvent, error)

	// LatestByTask returns the most recent event for the task, or
	// domain.ErrNotFound when the task has no events yet.
	LatestByTask(ctx context.Context, taskID string) (*event.ProgressEvent, error)
}
