package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pilotcrew/agentpilot/internal/adapter/ws"
	"github.com/pilotcrew/agentpilot/internal/domain"
	"github.com/pilotcrew/agentpilot/internal/domain/interrupt"
	"github.com/pilotcrew/agentpilot/internal/domain/risk"
	"github.com/pilotcrew/agentpilot/internal/port/broadcast"
	"github.com/pilotcrew/agentpilot/internal/port/database"
	"github.com/pilotcrew/agentpilot/internal/port/messagequeue"
)

// InterruptService manages human approval requests for gated tool calls.
// Resolution is first-write-wins: the store commits exactly one terminal
// resolution, and every other resolver observes it lost the race.
//
// Waiters and resolvers may live in different processes. The store is the
// source of truth; a NATS notification on interrupts.resolved.<id> wakes
// remote waiters, and an in-process channel registry short-circuits the
// common same-process case.
type InterruptService struct {
	store   database.Store
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	timeout time.Duration

	// waiters maps request ID to a buffered(1) channel. Only the first
	// delivery lands; later ones fall through the default branch.
	waiters sync.Map
}

// NewInterruptService creates an InterruptService with the given approval
// timeout.
func NewInterruptService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, timeout time.Duration) *InterruptService {
	return &InterruptService{store: store, queue: queue, hub: hub, timeout: timeout}
}

// Create persists a pending approval request and notifies connected clients.
func (s *InterruptService) Create(ctx context.Context, taskID, tool string, args map[string]any, tier risk.Tier) (*interrupt.Request, error) {
	req := &interrupt.Request{
		TaskID: taskID,
		Tool:   tool,
		Args:   args,
		Risk:   tier,
	}
	if err := s.store.CreateInterrupt(ctx, req); err != nil {
		return nil, fmt.Errorf("create interrupt: %w", err)
	}

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventInterruptPending, ws.InterruptPendingEvent{
			InterruptID: req.ID,
			TaskID:      taskID,
			Tool:        tool,
			Risk:        string(tier),
		})
	}

	slog.Info("approval requested", "interrupt_id", req.ID, "task_id", taskID, "tool", tool, "risk", tier)
	return req, nil
}

// Await blocks until the request reaches a terminal resolution, the approval
// timeout expires, or ctx is cancelled. A timeout commits timed_out through
// the same first-write-wins path as any other resolution.
func (s *InterruptService) Await(ctx context.Context, id string) (*interrupt.Request, error) {
	ch := make(chan *interrupt.Request, 1)
	s.waiters.Store(id, ch)
	defer s.waiters.Delete(id)

	// Subscribe before reading the store so a resolution landing between
	// the read and the wait cannot be lost.
	var unsubscribe func()
	if s.queue != nil {
		cancel, err := s.queue.Subscribe(ctx, messagequeue.InterruptResolvedSubject(id), func(_ context.Context, _ string, data []byte) error {
			var req interrupt.Request
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("decode resolution: %w", err)
			}
			select {
			case ch <- &req:
			default:
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe to resolution: %w", err)
		}
		unsubscribe = cancel
		defer unsubscribe()
	}

	req, err := s.store.GetInterrupt(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Resolution.Terminal() {
		return req, nil
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case resolved := <-ch:
		return resolved, nil
	case <-timer.C:
		return s.expire(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expire commits timed_out. When a concurrent resolver won instead, the
// committed resolution is returned.
func (s *InterruptService) expire(ctx context.Context, id string) (*interrupt.Request, error) {
	committed, err := s.store.ResolveInterrupt(ctx, id, interrupt.ResolutionTimedOut, nil)
	if err != nil {
		return nil, fmt.Errorf("expire interrupt %s: %w", id, err)
	}

	req, err := s.store.GetInterrupt(ctx, id)
	if err != nil {
		return nil, err
	}
	if committed {
		s.notify(ctx, req)
		slog.Info("approval timed out", "interrupt_id", id, "task_id", req.TaskID)
	}
	return req, nil
}

// Resolve applies an approver's decision. Returns the committed request and
// whether this call won the resolution race.
func (s *InterruptService) Resolve(ctx context.Context, id string, decision interrupt.Decision, editedArgs map[string]any) (*interrupt.Request, bool, error) {
	res, err := decision.Resolution()
	if err != nil {
		return nil, false, err
	}
	if res == interrupt.ResolutionEdited && editedArgs == nil {
		return nil, false, fmt.Errorf("edit decision requires edited_args: %w", domain.ErrValidation)
	}

	committed, err := s.store.ResolveInterrupt(ctx, id, res, editedArgs)
	if err != nil {
		return nil, false, err
	}

	req, err := s.store.GetInterrupt(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if committed {
		s.notify(ctx, req)
		slog.Info("approval resolved", "interrupt_id", id, "task_id", req.TaskID, "resolution", req.Resolution)
	}
	return req, committed, nil
}

// ListPending returns the unresolved approval requests for a task.
func (s *InterruptService) ListPending(ctx context.Context, taskID string) ([]interrupt.Request, error) {
	return s.store.ListPendingInterrupts(ctx, taskID)
}

// notify wakes waiters in this process and every other one.
func (s *InterruptService) notify(ctx context.Context, req *interrupt.Request) {
	if v, ok := s.waiters.Load(req.ID); ok {
		select {
		case v.(chan *interrupt.Request) <- req:
		default:
		}
	}

	if s.queue == nil {
		return
	}
	data, err := json.Marshal(req)
	if err == nil {
		err = s.queue.Publish(ctx, messagequeue.InterruptResolvedSubject(req.ID), data)
	}
	if err != nil {
		slog.Warn("publish interrupt resolution failed", "interrupt_id", req.ID, "error", err)
	}
}
