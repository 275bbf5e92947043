package agent

import (
	"context"
	"errors"
)

// Handler is the pluggable unit of work an Agent wraps. Process is the
// only phase that varies per handler; it must honor ctx cancellation so
// the agent's timeout can actually halt the work instead of merely
// discarding its result.
type Handler interface {
	Process(ctx context.Context, task *Task) (any, error)
}

// SetupHandler is implemented by handlers that need one-time
// initialization before their first task.
type SetupHandler interface {
	Setup(ctx context.Context) error
}

// CleanupHandler is implemented by handlers that hold resources to
// release on shutdown. Cleanup runs at most once, never per task.
type CleanupHandler interface {
	Cleanup(ctx context.Context) error
}

// HandlerFunc adapts a bare function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) (any, error)

func (f HandlerFunc) Process(ctx context.Context, task *Task) (any, error) {
	return f(ctx, task)
}

// retryable is reported by errors that decide their own retry policy.
// Anything else is retried by default.
type retryable interface {
	Retryable() bool
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks err as non-retryable, e.g. malformed input that no
// number of attempts will fix. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func shouldRetry(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
