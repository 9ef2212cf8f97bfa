// Package jobqueue defines the durable work queue port. Jobs are leased
// with a visibility timeout and delivered at least once; a worker crash
// surfaces as lease expiry followed by redelivery to another worker.
package jobqueue

import (
	"context"
	"time"

	"github.com/pilotcrew/agentpilot/internal/domain/job"
)

// Outcome tells the queue what to do with a leased job after the handler
// returns.
type Outcome int

const (
	// Ack removes the job: it reached a terminal result (success or a
	// failure that was persisted as terminal).
	Ack Outcome = iota

	// Retry redelivers the job after the handler-supplied delay, counting
	// one more attempt. Used for transient failures only.
	Retry

	// Terminate removes the job without retry. Used for logic failures
	// (plan/delegation limits) that re-running would only reproduce.
	Terminate
)

// Result is the handler's verdict on a leased job.
type Result struct {
	Outcome Outcome
	// Delay applies to Retry; zero means the queue's configured backoff.
	Delay time.Duration
}

// Handler executes one leased job. The job's Attempt field is set by the
// queue before delivery.
type Handler func(ctx context.Context, j *job.Job) Result

// Queue is the port interface for the durable job queue.
type Queue interface {
	// Enqueue makes the job durable and returns its queue-assigned ID.
	Enqueue(ctx context.Context, j *job.Job) (jobID string, err error)

	// Consume delivers leased jobs to the handler until the returned stop
	// function is called. The implementation enforces the visibility
	// timeout and the maximum attempt count; a job exceeding its attempts
	// is dropped after the handler has seen the final failed attempt.
	Consume(ctx context.Context, handler Handler) (stop func(), err error)
}

// StreamJobs is the durable stream subject for enqueued jobs.
const StreamJobs = "jobs.execute"
