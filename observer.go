package jobqueue

import (
	"context"
	"log/slog"

	"github.com/owles/go-jobqueue/core"
)

// logObserver writes lifecycle events through the queue logger.
type logObserver struct {
	logger *slog.Logger
}

func (o logObserver) Enqueued(ctx context.Context, job *core.Job) {
	o.logger.DebugContext(ctx, "enqueued", "state", job.State, "priority", job.Priority)
}

func (o logObserver) Claimed(ctx context.Context, job *core.Job) {
	o.logger.DebugContext(ctx, "claimed", "attempt", job.AttemptsMade+1)
}

func (o logObserver) Completed(ctx context.Context, job *core.Job) {
	action := "keep"
	if job.RemoveOnComplete {
		action = "delete"
	}
	o.logger.InfoContext(ctx, "processed job", "action", action)
}

func (o logObserver) Failed(ctx context.Context, job *core.Job, err error, final bool) {
	if final {
		o.logger.ErrorContext(ctx, "job failed", "error", err, "attempts", job.AttemptsMade)
		return
	}
	o.logger.WarnContext(ctx, "job failed, retrying", "error", err,
		"attempts", job.AttemptsMade, "scheduled_at", job.ScheduledAt)
}

func (o logObserver) Recovered(ctx context.Context, job *core.Job) {
	o.logger.WarnContext(ctx, "recovered stuck job", "state", job.State)
}

func (o logObserver) Cancelled(ctx context.Context, job *core.Job) {
	o.logger.InfoContext(ctx, "cancelled job")
}

// Observers fans every event out to each observer in order.
type Observers []core.Observer

func (m Observers) Enqueued(ctx context.Context, job *core.Job) {
	for _, o := range m {
		o.Enqueued(ctx, job)
	}
}

func (m Observers) Claimed(ctx context.Context, job *core.Job) {
	for _, o := range m {
		o.Claimed(ctx, job)
	}
}

func (m Observers) Completed(ctx context.Context, job *core.Job) {
	for _, o := range m {
		o.Completed(ctx, job)
	}
}

func (m Observers) Failed(ctx context.Context, job *core.Job, err error, final bool) {
	for _, o := range m {
		o.Failed(ctx, job, err, final)
	}
}

func (m Observers) Recovered(ctx context.Context, job *core.Job) {
	for _, o := range m {
		o.Recovered(ctx, job)
	}
}

func (m Observers) Cancelled(ctx context.Context, job *core.Job) {
	for _, o := range m {
		o.Cancelled(ctx, job)
	}
}
