// Package jobqueue is a durable, priority-ordered, at-least-once job queue.
//
// A Queue owns every state transition of the jobs kept in a core.Source.
// Producers add work through a Dispatcher; a Pool runs per-type consumer
// loops that claim jobs, invoke the registered handlers and report the
// outcome back to the Queue.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

const defaultName = "default"

type Config struct {
	// Name tags every log record of the queue.
	Name string
	// Backoff is the retry policy of jobs that carry none. Defaults to backoff.Default().
	Backoff *backoff.Policy
	// Logger enables logging; without it the queue is silent.
	Logger *slog.Logger
	// Observer receives lifecycle events in addition to the logger.
	Observer core.Observer
	// Clock replaces time.Now.
	Clock func() time.Time
}

type Queue struct {
	config Config

	src      core.Source
	notifier core.Notifier

	logger   *slog.Logger
	enabled  bool
	observer core.Observer

	signals *signal
	waiters *waiters

	mu     sync.Mutex
	closed bool
}

// New constructs the queue over src. If src also implements core.Notifier,
// enqueues wake consumers in other processes.
func New(src core.Source, config Config) *Queue {
	if config.Name == "" {
		config.Name = defaultName
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	lg := config.Logger
	if lg == nil {
		lg = slog.Default()
	}

	q := &Queue{
		config:  config,
		src:     src,
		logger:  slog.New(NewLogHandlerMiddleware(lg.Handler())),
		enabled: config.Logger != nil,
		signals: newSignal(),
		waiters: newWaiters(),
	}
	q.notifier, _ = src.(core.Notifier)

	observers := Observers{logObserver{logger: q.logger}}
	if config.Observer != nil {
		observers = append(observers, config.Observer)
	}
	q.observer = observers

	return q
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) Source() core.Source {
	return q.src
}

// Now is the queue clock truncated to the millisecond resolution every source stores.
func (q *Queue) Now() time.Time {
	return q.config.Clock().UTC().Truncate(time.Millisecond)
}

func (q *Queue) logCtx(ctx context.Context) context.Context {
	return WithEnabled(WithLogQueue(ctx, q.config.Name), q.enabled)
}

// Enqueue assigns job an id and persists it as waiting, or as delayed when
// ScheduledAt lies in the future. job must already be validated.
func (q *Queue) Enqueue(ctx context.Context, job *core.Job) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	now := q.Now()
	target := core.StateWaiting
	if job.ScheduledAt.After(now) {
		target = core.StateDelayed
		job.ScheduledAt = job.ScheduledAt.UTC().Truncate(time.Millisecond)
	} else {
		job.ScheduledAt = now
	}
	if !core.CanTransition(job.State, target) {
		return fmt.Errorf("%w: %s -> %s", core.ErrIllegalTransition, job.State, target)
	}

	id, err := q.src.NextID(ctx)
	if err != nil {
		return err
	}

	job.ID = id
	job.AttemptsMade = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	job.ReleaseSlot().SetState(target)

	ctx = WithLogJob(q.logCtx(ctx), job.ID, job.Type)
	if err = q.src.Enqueue(ctx, job); err != nil {
		q.logger.ErrorContext(ctx, "source.Enqueue", "error", err)
		return err
	}

	q.observer.Enqueued(ctx, job)
	if target == core.StateWaiting {
		q.wake(ctx, job.Type)
	} else {
		q.signals.broadcastAfter(job.Type, job.ScheduledAt.Sub(now))
	}
	return nil
}

// Claim binds the best eligible job of jobType to workerID. It returns nil
// when nothing is eligible.
func (q *Queue) Claim(ctx context.Context, jobType, workerID string) (*core.Job, error) {
	job, err := q.src.Claim(ctx, jobType, workerID, q.Now())
	switch {
	case errors.Is(err, core.ErrNoJobsFound), errors.Is(err, core.ErrClaimConflict):
		return nil, nil
	case err != nil:
		return nil, err
	}

	q.observer.Claimed(WithLogJob(q.logCtx(ctx), job.ID, job.Type), job)
	return job, nil
}

// Heartbeat refreshes the claim of workerID on the job and reports whether
// its cancellation was requested.
func (q *Queue) Heartbeat(ctx context.Context, jobID int64, workerID string) (bool, error) {
	return q.src.Heartbeat(ctx, jobID, workerID, q.Now())
}

// Complete moves the claimed job to completed, storing result when it is not
// nil. The record is deleted instead when the job has RemoveOnComplete set.
func (q *Queue) Complete(ctx context.Context, job *core.Job, result any) error {
	if !core.CanTransition(job.State, core.StateCompleted) {
		return fmt.Errorf("%w: %s -> %s", core.ErrIllegalTransition, job.State, core.StateCompleted)
	}

	next := job.Clone()
	if result != nil {
		if err := next.SetResult(result); err != nil {
			return fmt.Errorf("encode result of job %d: %w", job.ID, err)
		}
	}
	next.UpdatedAt = q.Now()
	next.ReleaseSlot().SetState(core.StateCompleted)

	expect := core.Expect{State: core.StateActive, WorkerID: job.WorkerID}
	if err := q.transition(ctx, next, expect, next.RemoveOnComplete); err != nil {
		return err
	}

	*job = *next
	q.observer.Completed(WithLogJob(q.logCtx(ctx), job.ID, job.Type), job)
	q.waiters.resolve(job)
	return nil
}

// Fail records a failed attempt of the claimed job. The job is retried after
// its backoff until AttemptsMax attempts were made, then fails for good.
// core.NoRetry ends the cycle at once and core.RetryAfter overrides the delay.
func (q *Queue) Fail(ctx context.Context, job *core.Job, cause error) error {
	if cause == nil {
		cause = core.ErrHandler
	}

	now := q.Now()
	next := job.Clone()
	next.AttemptsMade++
	next.LastError = cause.Error()
	next.UpdatedAt = now
	next.ReleaseSlot()

	var noRetry *core.NoRetryError
	final := next.AttemptsMade >= next.AttemptsMax || errors.As(cause, &noRetry)

	target := core.StateDelayed
	if final {
		target = core.StateFailed
	}
	if !core.CanTransition(job.State, target) {
		return fmt.Errorf("%w: %s -> %s", core.ErrIllegalTransition, job.State, target)
	}

	var delay time.Duration
	if !final {
		delay = q.retryDelay(next, cause)
		next.ScheduledAt = now.Add(delay).Truncate(time.Millisecond)
	}
	next.SetState(target)

	expect := core.Expect{State: core.StateActive, WorkerID: job.WorkerID}
	if err := q.transition(ctx, next, expect, false); err != nil {
		return err
	}

	*job = *next
	q.observer.Failed(WithLogJob(q.logCtx(ctx), job.ID, job.Type), job, cause, final)
	if final {
		q.waiters.resolve(job)
	} else {
		q.signals.broadcastAfter(job.Type, delay)
	}
	return nil
}

// Release hands a claimed job back to waiting without counting an attempt.
// Workers use it for handlers interrupted by a shutdown deadline.
func (q *Queue) Release(ctx context.Context, job *core.Job) error {
	if !core.CanTransition(job.State, core.StateWaiting) {
		return fmt.Errorf("%w: %s -> %s", core.ErrIllegalTransition, job.State, core.StateWaiting)
	}

	next := job.Clone()
	next.UpdatedAt = q.Now()
	next.ReleaseSlot().SetState(core.StateWaiting)

	expect := core.Expect{State: core.StateActive, WorkerID: job.WorkerID}
	if err := q.transition(ctx, next, expect, false); err != nil {
		return err
	}

	*job = *next
	jobCtx := WithLogJob(q.logCtx(ctx), job.ID, job.Type)
	q.observer.Recovered(jobCtx, job)
	q.wake(jobCtx, job.Type)
	return nil
}

func (q *Queue) retryDelay(job *core.Job, cause error) time.Duration {
	var after *core.RetryAfterError
	if errors.As(cause, &after) {
		return after.Delay
	}

	policy := backoff.Default()
	switch {
	case job.Backoff != nil:
		policy = *job.Backoff
	case q.config.Backoff != nil:
		policy = *q.config.Backoff
	}
	return policy.Next(job.AttemptsMade)
}

func (q *Queue) transition(ctx context.Context, next *core.Job, expect core.Expect, remove bool) error {
	err := q.src.Transition(ctx, next, expect, remove)
	if errors.Is(err, core.ErrStateConflict) || errors.Is(err, core.ErrJobNotFound) {
		return fmt.Errorf("job %d: %w", next.ID, core.ErrUnknownClaim)
	}
	return err
}

// SweepStuck returns every active job whose heartbeat is older than
// now-threshold to waiting, or to failed once its attempts are exhausted.
// AttemptsMade is left as is. A heartbeat that lands first keeps the claim.
func (q *Queue) SweepStuck(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	now = now.UTC().Truncate(time.Millisecond)
	cutoff := now.Add(-threshold)

	stale, err := q.src.Stale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range stale {
		next := job.Clone()
		next.UpdatedAt = now
		next.ReleaseSlot()
		if next.AttemptsMade >= next.AttemptsMax {
			next.LastError = "heartbeat lost"
			next.SetState(core.StateFailed)
		} else {
			next.SetState(core.StateWaiting)
		}

		expect := core.Expect{State: core.StateActive, WorkerID: job.WorkerID, StaleBefore: cutoff}
		err = q.src.Transition(ctx, next, expect, false)
		if errors.Is(err, core.ErrStateConflict) || errors.Is(err, core.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		recovered++
		jobCtx := WithLogJob(q.logCtx(ctx), next.ID, next.Type)
		q.observer.Recovered(jobCtx, next)
		if next.State == core.StateWaiting {
			q.wake(jobCtx, next.Type)
		} else {
			q.waiters.resolve(next)
		}
	}

	return recovered, nil
}

// Cancel removes a waiting or delayed job. An active job is only flagged:
// its worker sees the request on the next heartbeat and cancels the handler
// context.
func (q *Queue) Cancel(ctx context.Context, jobID int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := q.src.GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		switch job.State {
		case core.StateWaiting, core.StateDelayed:
			next := job.Clone()
			next.UpdatedAt = q.Now()
			next.SetState(core.StateRemoved)

			err = q.src.Transition(ctx, next, core.Expect{State: job.State}, true)
			if errors.Is(err, core.ErrStateConflict) {
				continue
			}
			if err != nil {
				return err
			}

			q.observer.Cancelled(WithLogJob(q.logCtx(ctx), next.ID, next.Type), next)
			q.waiters.resolve(next)
			return nil

		case core.StateActive:
			err = q.src.RequestCancel(ctx, jobID)
			if errors.Is(err, core.ErrStateConflict) {
				continue
			}
			if err == nil {
				q.logger.InfoContext(WithLogJob(q.logCtx(ctx), job.ID, job.Type), "cancellation requested")
			}
			return err

		default:
			return fmt.Errorf("job %d is %s: %w", jobID, job.State, core.ErrNotCancellable)
		}
	}

	return fmt.Errorf("cancel job %d: %w", jobID, core.ErrStateConflict)
}

func (q *Queue) GetJob(ctx context.Context, jobID int64) (*core.Job, error) {
	return q.src.GetJob(ctx, jobID)
}

func (q *Queue) Counts(ctx context.Context, jobType string) (core.Counts, error) {
	return q.src.Count(ctx, jobType)
}

// Clear deletes every job of jobType, whatever its state.
func (q *Queue) Clear(ctx context.Context, jobType string) error {
	return q.src.Clear(ctx, jobType)
}

// Close releases the source. Pools using the queue must be shut down first.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.logger.InfoContext(q.logCtx(context.Background()), "close queue")
	return q.src.Close()
}

func (q *Queue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return core.ErrQueueClosed
	}
	return nil
}

// wake rouses idle consumers of jobType in this process and, through the
// source's notifier, in every other one.
func (q *Queue) wake(ctx context.Context, jobType string) {
	q.signals.broadcast(jobType)
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Notify(ctx, jobType); err != nil {
		q.logger.WarnContext(ctx, "notifier.Notify", "error", err)
	}
}

// waiters delivers terminal snapshots to JobHandle.Wait calls in this process.
type waiters struct {
	mu   sync.Mutex
	subs map[int64][]chan *core.Job
}

func newWaiters() *waiters {
	return &waiters{subs: make(map[int64][]chan *core.Job)}
}

func (w *waiters) add(jobID int64) (<-chan *core.Job, func()) {
	ch := make(chan *core.Job, 1)

	w.mu.Lock()
	w.subs[jobID] = append(w.subs[jobID], ch)
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		subs := w.subs[jobID]
		for i, c := range subs {
			if c == ch {
				w.subs[jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(w.subs[jobID]) == 0 {
			delete(w.subs, jobID)
		}
	}
}

func (w *waiters) resolve(job *core.Job) {
	w.mu.Lock()
	subs := w.subs[job.ID]
	delete(w.subs, job.ID)
	w.mu.Unlock()

	for _, ch := range subs {
		ch <- job.Clone()
	}
}
