package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

// RetryConfig bounds the retries of source calls that failed with
// core.ErrStoreUnavailable.
type RetryConfig struct {
	// MaxAttempts includes the first call. Claims ignore it and retry until shutdown.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// withDefaults fills zero or inverted fields from DefaultRetryConfig.
func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(def.MaxBackoff, c.InitialBackoff)
	}
	return c
}

func (c RetryConfig) policy() backoff.Policy {
	return backoff.ExponentialWithJitter(c.InitialBackoff, c.MaxBackoff)
}

// retryStore runs op until it succeeds, fails with anything but a store
// transport error, or runs out of attempts.
func retryStore(ctx context.Context, config RetryConfig, op func() error) error {
	policy := config.policy()

	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, core.ErrStoreUnavailable) || attempt >= config.MaxAttempts {
			return err
		}
		if !sleep(ctx, policy.Next(attempt)) {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// PanicError is returned for a handler or hook that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Worker is one consumer loop of a job type.
type Worker struct {
	id     string
	reg    Registration
	queue  *Queue
	config PoolConfig
	wake   <-chan struct{}

	// base outlives the listen context so claimed jobs can finish during Shutdown.
	base context.Context

	metric *Metrics
}

func newWorker(id string, reg Registration, queue *Queue, config PoolConfig, wake <-chan struct{}, base context.Context) *Worker {
	return &Worker{
		id:     id,
		reg:    reg,
		queue:  queue,
		config: config,
		wake:   wake,
		base:   WithLogWorkerID(queue.logCtx(base), id),
		metric: NewMetrics(id, reg.Type),
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) GetMetric() *Metrics {
	return w.metric
}

// run claims and processes jobs until ctx is done.
func (w *Worker) run(ctx context.Context) {
	ctx = WithLogJobType(WithLogWorkerID(w.queue.logCtx(ctx), w.id), w.reg.Type)
	logger := w.queue.logger

	logger.InfoContext(ctx, "start worker")
	defer logger.InfoContext(ctx, "stop worker", "metrics", w.metric)

	failures := 0
	policy := w.config.StoreRetry.policy()

	for ctx.Err() == nil {
		job, err := w.queue.Claim(ctx, w.reg.Type, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			w.metric.IncStoreErrors()
			delay := policy.Next(failures)
			logger.WarnContext(ctx, "claim failed", "error", err, "retry_in", delay)
			sleep(ctx, delay)
			continue
		}
		failures = 0

		if job == nil {
			w.idle(ctx)
			continue
		}

		w.process(job)
	}
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.config.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-t.C:
	}
}

func (w *Worker) process(job *core.Job) {
	jobCtx := WithLogJob(w.base, job.ID, job.Type)
	logger := w.queue.logger
	logger.InfoContext(jobCtx, "processing job", "attempt", job.AttemptsMade+1)

	handlerCtx, cancel := context.WithCancel(jobCtx)
	defer cancel()

	runCtx := handlerCtx
	if w.reg.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(handlerCtx, w.reg.Timeout)
		defer stop()
	}

	hb := w.startHeartbeat(jobCtx, job, cancel)
	ts := time.Now()
	err := w.invoke(runCtx, job)
	cancelled := hb.stop()
	w.metric.RecordProcessingTime(time.Since(ts))

	// The outcome is recorded even if Shutdown gave up on the handler.
	finishCtx := context.WithoutCancel(jobCtx)

	if err == nil {
		err = retryStore(finishCtx, w.config.StoreRetry, func() error {
			return w.queue.Complete(finishCtx, job, nil)
		})
		if err != nil {
			w.metric.IncStoreErrors()
			logger.ErrorContext(jobCtx, "queue.Complete", "error", err)
			return
		}
		w.metric.IncProcessed()
		return
	}

	w.metric.IncErrors()
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		logger.ErrorContext(jobCtx, "job handler panicked", "panic", panicErr.Value, "stack", string(panicErr.Stack))
	}

	if !cancelled && w.base.Err() != nil {
		logger.WarnContext(jobCtx, "handler interrupted by shutdown, releasing job", "error", err)
		relErr := retryStore(finishCtx, w.config.StoreRetry, func() error {
			return w.queue.Release(finishCtx, job)
		})
		if relErr != nil {
			w.metric.IncStoreErrors()
			logger.ErrorContext(jobCtx, "queue.Release", "error", relErr)
		}
		return
	}

	var after *core.RetryAfterError
	switch {
	case cancelled:
		err = core.NoRetry(err)
	case w.reg.Backoff != nil && !errors.As(err, &after):
		err = core.RetryAfter(w.reg.Backoff.Delay(job.AttemptsMade+1), err)
	}

	failErr := retryStore(finishCtx, w.config.StoreRetry, func() error {
		return w.queue.Fail(finishCtx, job, err)
	})
	if failErr != nil {
		w.metric.IncStoreErrors()
		logger.ErrorContext(jobCtx, "queue.Fail", "error", failErr)
	}
}

// invoke runs the handler between its hooks. After always runs once Before
// was attempted, whatever the outcome.
func (w *Worker) invoke(ctx context.Context, job *core.Job) error {
	var err error

	if hook, ok := w.reg.Handler.(core.BeforeHook); ok {
		err = safely(func() error {
			hook.Before(ctx, job)
			return nil
		})
	}
	if err == nil {
		err = safely(func() error {
			return w.reg.Handler.Handle(ctx, job)
		})
	}
	if hook, ok := w.reg.Handler.(core.AfterHook); ok {
		hookErr := safely(func() error {
			hook.After(ctx, job, err)
			return nil
		})
		if hookErr != nil {
			w.queue.logger.ErrorContext(ctx, "after hook", "error", hookErr)
		}
	}

	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrHandler, err)
	}
	return nil
}

type heartbeat struct {
	stopCh    chan struct{}
	done      chan struct{}
	cancelled atomic.Bool
}

// stop ends the heartbeat and reports whether cancellation was requested.
func (hb *heartbeat) stop() bool {
	close(hb.stopCh)
	<-hb.done
	return hb.cancelled.Load()
}

func (w *Worker) startHeartbeat(ctx context.Context, job *core.Job, cancel context.CancelFunc) *heartbeat {
	hb := &heartbeat{stopCh: make(chan struct{}), done: make(chan struct{})}
	logger := w.queue.logger

	go func() {
		defer close(hb.done)

		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hb.stopCh:
				return
			case <-ticker.C:
			}

			requested, err := w.queue.Heartbeat(ctx, job.ID, w.id)
			switch {
			case errors.Is(err, core.ErrUnknownClaim):
				logger.WarnContext(ctx, "claim lost")
				cancel()
				return
			case err != nil:
				w.metric.IncStoreErrors()
				logger.WarnContext(ctx, "queue.Heartbeat", "error", err)
			case requested && !hb.cancelled.Swap(true):
				logger.InfoContext(ctx, "cancelling handler")
				cancel()
			}
		}
	}()

	return hb
}
