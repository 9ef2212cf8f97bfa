package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/event"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event, assigning the next per-task sequence number.
// Each task has a single writer, so the MAX(seq)+1 subquery cannot race with
// itself; the unique (task_id, seq) index backs that assumption.
func (s *EventStore) Append(ctx context.Context, ev *event.ProgressEvent) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO progress_events (task_id, seq, event_type, payload, progress)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		 FROM progress_events WHERE task_id = $1
		 RETURNING id, seq, created_at`,
		ev.TaskID, string(ev.Type), ev.Payload, ev.Progress)

	if err := row.Scan(&ev.ID, &ev.Seq, &ev.CreatedAt); err != nil {
		return fmt.Errorf("append event for task %s: %w", ev.TaskID, err)
	}
	return nil
}

const eventColumns = `id, task_id, seq, event_type, payload, progress, created_at`

func scanEvent(row scannable, ev *event.ProgressEvent) error {
	return row.Scan(&ev.ID, &ev.TaskID, &ev.Seq, &ev.Type, &ev.Payload, &ev.Progress, &ev.CreatedAt)
}

// LoadByTask returns all events for the task ordered by sequence ascending.
func (s *EventStore) LoadByTask(ctx context.Context, taskID string) ([]event.ProgressEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM progress_events WHERE task_id = $1 ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []event.ProgressEvent
	for rows.Next() {
		var ev event.ProgressEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestByTask returns the most recent event for the task.
func (s *EventStore) LatestByTask(ctx context.Context, taskID string) (*event.ProgressEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM progress_events WHERE task_id = $1 ORDER BY seq DESC LIMIT 1`, taskID)

	var ev event.ProgressEvent
	if err := scanEvent(row, &ev); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("latest event for task %s: %w", taskID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("latest event for task %s: %w", taskID, err)
	}
	return &ev, nil
}
