package jobqueue

import (
	"context"
	"log/slog"
)

type queueLoggerContext struct {
	Queue    string
	WorkerID string
	JobID    int64
	JobType  string
	Enabled  bool
}

type keyType int

const key = keyType(0)

// LogHandlerMiddleware adds the queue, worker and job carried by the context
// to every record, and drops records when logging was not enabled for it.
type LogHandlerMiddleware struct {
	next slog.Handler
}

func NewLogHandlerMiddleware(next slog.Handler) *LogHandlerMiddleware {
	return &LogHandlerMiddleware{next: next}
}

func (h *LogHandlerMiddleware) Enabled(ctx context.Context, rec slog.Level) bool {
	if c, ok := ctx.Value(key).(queueLoggerContext); ok {
		return c.Enabled && h.next.Enabled(ctx, rec)
	}
	return h.next.Enabled(ctx, rec)
}

func (h *LogHandlerMiddleware) Handle(ctx context.Context, rec slog.Record) error {
	if c, ok := ctx.Value(key).(queueLoggerContext); ok {
		if c.Queue != "" {
			rec.Add("queue", c.Queue)
		}
		if c.WorkerID != "" {
			rec.Add("worker_id", c.WorkerID)
		}
		if c.JobID != 0 {
			rec.Add("job_id", c.JobID)
		}
		if c.JobType != "" {
			rec.Add("job_type", c.JobType)
		}
	}
	return h.next.Handle(ctx, rec)
}

func (h *LogHandlerMiddleware) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandlerMiddleware{next: h.next.WithAttrs(attrs)}
}

func (h *LogHandlerMiddleware) WithGroup(name string) slog.Handler {
	return &LogHandlerMiddleware{next: h.next.WithGroup(name)}
}

func withLogContext(ctx context.Context, update func(c *queueLoggerContext)) context.Context {
	c, _ := ctx.Value(key).(queueLoggerContext)
	update(&c)
	return context.WithValue(ctx, key, c)
}

func WithLogQueue(ctx context.Context, queue string) context.Context {
	return withLogContext(ctx, func(c *queueLoggerContext) { c.Queue = queue })
}

func WithLogWorkerID(ctx context.Context, workerID string) context.Context {
	return withLogContext(ctx, func(c *queueLoggerContext) { c.WorkerID = workerID })
}

func WithLogJobType(ctx context.Context, jobType string) context.Context {
	return withLogContext(ctx, func(c *queueLoggerContext) { c.JobType = jobType })
}

func WithLogJobID(ctx context.Context, jobID int64) context.Context {
	return withLogContext(ctx, func(c *queueLoggerContext) { c.JobID = jobID })
}

func WithEnabled(ctx context.Context, e bool) context.Context {
	return withLogContext(ctx, func(c *queueLoggerContext) { c.Enabled = e })
}

// WithLogJob tags ctx with the job's id and type.
func WithLogJob(ctx context.Context, jobID int64, jobType string) context.Context {
	return withLogContext(ctx, func(c *queueLoggerContext) {
		c.JobID = jobID
		c.JobType = jobType
	})
}
