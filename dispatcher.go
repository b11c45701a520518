package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

const defaultWaitInterval = 500 * time.Millisecond

// Dispatcher is the producer side of a Queue. It is safe for concurrent use.
type Dispatcher struct {
	queue        *Queue
	waitInterval time.Duration
}

type DispatcherOption func(d *Dispatcher)

// WithWaitInterval sets how often JobHandle.Wait polls the store for jobs
// finished by other processes.
func WithWaitInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.waitInterval = d }
}

func NewDispatcher(queue *Queue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{queue: queue, waitInterval: defaultWaitInterval}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue validates and persists a job of jobType. Unless overridden by opts
// the job has normal priority, one attempt, the queue's backoff policy and is
// deleted once completed. Invalid input returns an error wrapping
// core.ErrValidation and nothing is stored.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (*JobHandle, error) {
	return d.Dispatch(ctx, NewJob(jobType, payload).With(opts...))
}

// Dispatch persists a job built with NewJob.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) (*JobHandle, error) {
	policy := backoff.Default()
	if d.queue.config.Backoff != nil {
		policy = *d.queue.config.Backoff
	}

	model, err := job.build(d.queue.Now(), policy)
	if err != nil {
		d.queue.logger.WarnContext(WithLogJobType(d.queue.logCtx(ctx), job.jobType), "rejected job", "error", err)
		return nil, err
	}

	if err = d.queue.Enqueue(ctx, model); err != nil {
		return nil, err
	}

	return &JobHandle{
		ID:           model.ID,
		Type:         model.Type,
		queue:        d.queue,
		waitInterval: d.waitInterval,
	}, nil
}

// JobHandle refers to a dispatched job.
type JobHandle struct {
	ID   int64
	Type string

	queue        *Queue
	waitInterval time.Duration
}

// Job reads the current record.
func (h *JobHandle) Job(ctx context.Context) (*core.Job, error) {
	return h.queue.GetJob(ctx, h.ID)
}

// Cancel removes the job while it is waiting or delayed, and requests
// cooperative cancellation once it is active.
func (h *JobHandle) Cancel(ctx context.Context) error {
	return h.queue.Cancel(ctx, h.ID)
}

// Wait blocks until the job reaches a terminal state and returns that
// snapshot. Jobs finished in this process are delivered directly; others
// are observed by polling. When the record was deleted elsewhere the
// outcome is unknown and core.ErrJobRemoved is returned.
func (h *JobHandle) Wait(ctx context.Context) (*core.Job, error) {
	done, release := h.queue.waiters.add(h.ID)
	defer release()

	ticker := time.NewTicker(h.waitInterval)
	defer ticker.Stop()

	for {
		job, err := h.queue.GetJob(ctx, h.ID)
		switch {
		case errors.Is(err, core.ErrJobNotFound):
			// A local completion may still be on its way.
			select {
			case job = <-done:
				return job, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
				return nil, core.ErrJobRemoved
			}
		case err != nil:
			return nil, err
		case job.State.Terminal():
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case job = <-done:
			return job, nil
		case <-ticker.C:
		}
	}
}
