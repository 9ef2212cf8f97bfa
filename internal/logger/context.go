package logger

import "context"

// ctxKey is unexported so other packages cannot collide with our values.
type ctxKey int

const (
	requestIDKey ctxKey = iota
	taskIDKey
)

// WithRequestID stores the request ID in the context for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID from the context, or "" if unset.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithTaskID stores the task ID in the context. The worker pool sets it
// before invoking an agent run so every record emitted during the run
// carries the task it belongs to.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskID returns the task ID from the context, or "" if unset.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}
