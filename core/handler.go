package core

import "context"

// Handler processes jobs of one type. A returned error drives the retry cycle.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// BeforeHook is an optional Handler extension called before Handle.
type BeforeHook interface {
	Before(ctx context.Context, job *Job)
}

// AfterHook is an optional Handler extension called after Handle, whatever
// its outcome, and before the job is completed or failed.
type AfterHook interface {
	After(ctx context.Context, job *Job, err error)
}

// Observer receives lifecycle events from the queue.
type Observer interface {
	Enqueued(ctx context.Context, job *Job)
	Claimed(ctx context.Context, job *Job)
	Completed(ctx context.Context, job *Job)
	Failed(ctx context.Context, job *Job, err error, final bool)
	Recovered(ctx context.Context, job *Job)
	Cancelled(ctx context.Context, job *Job)
}
