// Package nats implements the message queue and durable job queue ports
// using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pilotcrew/agentpilot/internal/port/messagequeue"
)

// Queue implements messagequeue.Queue. Notification subjects (interrupt
// resolutions, progress fan-out, cancel signals) use core NATS pub/sub:
// they are wake-ups, not durable work, and a subscriber that was not
// listening reads current state from the store instead.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect establishes a connection to NATS and initializes JetStream for
// the durable job queue.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	slog.Info("nats connected", "url", url)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject.
func (q *Queue) Publish(_ context.Context, subject string, data []byte) error {
	if err := q.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
// The returned function cancels the subscription.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	sub, err := q.nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(ctx, msg.Subject, msg.Data); err != nil {
			slog.Error("message handler failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()

	return func() { _ = sub.Unsubscribe() }, nil
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the queue is currently connected.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
