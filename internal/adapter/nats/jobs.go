package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pilotcrew/agentpilot/internal/domain/job"
	"github.com/pilotcrew/agentpilot/internal/port/jobqueue"
)

const jobStreamName = "AGENTPILOT_JOBS"

// JobQueue implements jobqueue.Queue on a JetStream work queue stream.
// The consumer's AckWait is the lease visibility timeout: a worker crash
// leaves the message unacked and JetStream redelivers it to another worker.
// MaxDeliver caps the attempt count.
type JobQueue struct {
	js          jetstream.JetStream
	stream      jetstream.Stream
	workers     int
	maxAttempts int
	ackWait     time.Duration
	backoff     time.Duration
}

// NewJobQueue ensures the work-queue stream exists and returns the queue.
// workers caps the outstanding (unacked) deliveries, bounding the worker
// pool through the consumer itself.
func NewJobQueue(ctx context.Context, q *Queue, workers, maxAttempts int, ackWait, backoff time.Duration) (*JobQueue, error) {
	stream, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      jobStreamName,
		Subjects:  []string{jobqueue.StreamJobs},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream job stream: %w", err)
	}

	return &JobQueue{
		js:          q.js,
		stream:      stream,
		workers:     workers,
		maxAttempts: maxAttempts,
		ackWait:     ackWait,
		backoff:     backoff,
	}, nil
}

// Enqueue makes the job durable and returns its stream sequence as job ID.
func (q *JobQueue) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	if err := j.Validate(); err != nil {
		return "", fmt.Errorf("validate job: %w", err)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	ack, err := q.js.Publish(ctx, jobqueue.StreamJobs, data)
	if err != nil {
		return "", fmt.Errorf("enqueue job for task %s: %w", j.TaskID, err)
	}

	jobID := fmt.Sprintf("%s-%d", jobStreamName, ack.Sequence)
	slog.Info("job enqueued", "job_id", jobID, "task_id", j.TaskID)
	return jobID, nil
}

// Consume delivers leased jobs to the handler until stop is called.
func (q *JobQueue) Consume(ctx context.Context, handler jobqueue.Handler) (func(), error) {
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "agentpilot-workers",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    q.maxAttempts,
		MaxAckPending: q.workers,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream job consumer: %w", err)
	}

	// MaxAckPending bounds the goroutines spawned here to the worker count.
	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		go func() {
			var j job.Job
			if err := json.Unmarshal(msg.Data(), &j); err != nil {
				slog.Error("malformed job payload, terminating", "error", err)
				_ = msg.Term()
				return
			}

			j.Attempt = 1
			if meta, err := msg.Metadata(); err == nil {
				j.Attempt = int(meta.NumDelivered)
				j.ID = fmt.Sprintf("%s-%d", jobStreamName, meta.Sequence.Stream)
			}

			res := handler(ctx, &j)
			switch res.Outcome {
			case jobqueue.Retry:
				delay := res.Delay
				if delay <= 0 {
					delay = q.backoff
				}
				if err := msg.NakWithDelay(delay); err != nil {
					slog.Error("nats nak failed", "job_id", j.ID, "error", err)
				}
			case jobqueue.Terminate:
				if err := msg.Term(); err != nil {
					slog.Error("nats term failed", "job_id", j.ID, "error", err)
				}
			default:
				if err := msg.Ack(); err != nil {
					slog.Error("nats ack failed", "job_id", j.ID, "error", err)
				}
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream consume: %w", err)
	}

	return cons.Stop, nil
}
