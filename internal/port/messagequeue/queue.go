// Package messagequeue defines the message queue port (interface) used for
// cross-process notifications: interrupt resolutions, progress fan-out, and
// cancellation signals.
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the notification subjects used by agentpilot.
const (
	// SubjectInterruptResolvedPrefix + request ID carries the terminal
	// resolution of an approval request. The waiting agent execution and
	// the resolving process may live in different processes.
	SubjectInterruptResolvedPrefix = "interrupts.resolved."

	// SubjectTaskProgressPrefix + task ID carries progress events for
	// streaming consumers outside this process.
	SubjectTaskProgressPrefix = "tasks.progress."

	// SubjectTaskCancel carries cancellation requests to running workers.
	SubjectTaskCancel = "tasks.cancel"
)

// InterruptResolvedSubject returns the per-request resolution subject.
func InterruptResolvedSubject(requestID string) string {
	return SubjectInterruptResolvedPrefix + requestID
}

// TaskProgressSubject returns the per-task progress subject.
func TaskProgressSubject(taskID string) string {
	return SubjectTaskProgressPrefix + taskID
}
