package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

var fastPool = PoolConfig{
	PollInterval:      10 * time.Millisecond,
	HeartbeatInterval: 10 * time.Millisecond,
	StuckThreshold:    time.Second,
	SweepInterval:     -1,
}

func newFastQueue(t *testing.T) *Queue {
	t.Helper()
	policy := backoff.Fixed(10 * time.Millisecond)
	return newTestQueue(t, Config{Backoff: &policy})
}

func listen(t *testing.T, q *Queue, regs []Registration, config PoolConfig) *Pool {
	t.Helper()
	p := NewPool(q, regs, config)
	require.NoError(t, p.Listen(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func waitFor(t *testing.T, h *JobHandle) *core.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.Wait(ctx)
	require.NoError(t, err)
	return job
}

func TestPool_ListenValidation(t *testing.T) {
	q := newFastQueue(t)

	cases := []struct {
		name string
		regs []Registration
		want error
	}{
		{"missing key", []Registration{{Handler: nopHandler}}, core.ErrMissingJobKey},
		{"invalid concurrency", []Registration{{Type: "a", Concurrency: -3, Handler: nopHandler}}, core.ErrInvalidConcurrency},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPool(q, tc.regs, fastPool)
			err := p.Listen(context.Background())
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, core.ErrConfiguration)
			assert.Empty(t, p.Metrics())
		})
	}
}

func TestPool_ListenTwice(t *testing.T) {
	q := newFastQueue(t)
	p := listen(t, q, []Registration{{Type: "a", Handler: nopHandler}}, fastPool)

	assert.ErrorIs(t, p.Listen(context.Background()), core.ErrAlreadyRunning)
	assert.Len(t, p.Metrics(), 1)
}

func TestPool_EmailScenario(t *testing.T) {
	q := newFastQueue(t)

	var calls atomic.Int32
	handler := core.HandlerFunc(func(ctx context.Context, job *core.Job) error {
		var payload struct{ To string }
		if err := job.Decode(&payload); err != nil {
			return core.NoRetry(err)
		}
		if payload.To != "a@b.com" {
			return core.NoRetry(errors.New("unexpected recipient"))
		}
		if calls.Add(1) == 1 {
			return errors.New("smtp timeout")
		}
		return nil
	})
	listen(t, q, []Registration{{Type: "email", Handler: handler}}, fastPool)

	h := enqueue(t, q, NewJob("email", map[string]string{"to": "a@b.com"}).High().Attempts(3).KeepOnComplete())

	job := waitFor(t, h)
	assert.Equal(t, core.StateCompleted, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, job.LastError, "smtp timeout")
}

type hookedHandler struct {
	mu    sync.Mutex
	trace []string
	fail  bool
}

func (h *hookedHandler) record(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, s)
}

func (h *hookedHandler) Trace() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.trace...)
}

func (h *hookedHandler) Before(context.Context, *core.Job) { h.record("before") }

func (h *hookedHandler) Handle(context.Context, *core.Job) error {
	h.record("handle")
	if h.fail {
		return errors.New("nope")
	}
	return nil
}

func (h *hookedHandler) After(_ context.Context, _ *core.Job, err error) {
	if err != nil {
		h.record("after:error")
		return
	}
	h.record("after:ok")
}

func TestPool_HooksRunWhateverTheOutcome(t *testing.T) {
	for _, fail := range []bool{false, true} {
		q := newFastQueue(t)
		handler := &hookedHandler{fail: fail}
		listen(t, q, []Registration{{Type: "hooked", Handler: handler}}, fastPool)

		job := waitFor(t, enqueue(t, q, NewJob("hooked", nil).KeepOnComplete()))
		if fail {
			assert.Equal(t, core.StateFailed, job.State)
			assert.Equal(t, []string{"before", "handle", "after:error"}, handler.Trace())
		} else {
			assert.Equal(t, core.StateCompleted, job.State)
			assert.Equal(t, []string{"before", "handle", "after:ok"}, handler.Trace())
		}
	}
}

func TestPool_PanicBecomesFailure(t *testing.T) {
	q := newFastQueue(t)

	handler := core.HandlerFunc(func(context.Context, *core.Job) error {
		panic("kaboom")
	})
	p := listen(t, q, []Registration{{Type: "panicky", Handler: handler}}, fastPool)

	job := waitFor(t, enqueue(t, q, NewJob("panicky", nil).Attempts(2)))
	assert.Equal(t, core.StateFailed, job.State)
	assert.Equal(t, 2, job.AttemptsMade)
	assert.Contains(t, job.LastError, "panic: kaboom")

	// The loop survived both panics and still serves new work.
	next := waitFor(t, enqueue(t, q, NewJob("panicky", nil)))
	assert.Equal(t, core.StateFailed, next.State)
	assert.Equal(t, int64(3), p.Metrics()[0].GetErrors())
}

func TestPool_ConcurrencyPerType(t *testing.T) {
	q := newFastQueue(t)

	const concurrency = 3
	var (
		running atomic.Int32
		peak    atomic.Int32
		release = make(chan struct{})
	)
	handler := core.HandlerFunc(func(ctx context.Context, job *core.Job) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		return nil
	})
	p := listen(t, q, []Registration{{Type: "busy", Concurrency: concurrency, Handler: handler}}, fastPool)
	assert.Len(t, p.Metrics(), concurrency)

	var handles []*JobHandle
	for i := 0; i < concurrency*2; i++ {
		handles = append(handles, enqueue(t, q, NewJob("busy", i).KeepOnComplete()))
	}

	require.Eventually(t, func() bool { return running.Load() == concurrency }, 5*time.Second, 5*time.Millisecond)
	close(release)

	for _, h := range handles {
		assert.Equal(t, core.StateCompleted, waitFor(t, h).State)
	}
	assert.Equal(t, int32(concurrency), peak.Load())
}

func TestPool_AdvisoryCancelStopsRetries(t *testing.T) {
	q := newFastQueue(t)

	started := make(chan struct{}, 1)
	handler := core.HandlerFunc(func(ctx context.Context, job *core.Job) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	listen(t, q, []Registration{{Type: "long", Handler: handler}}, fastPool)

	h := enqueue(t, q, NewJob("long", nil).Attempts(5).KeepOnComplete())
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	require.NoError(t, h.Cancel(context.Background()))

	job := waitFor(t, h)
	assert.Equal(t, core.StateFailed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Contains(t, job.LastError, context.Canceled.Error())
}

func TestPool_HandlerTimeout(t *testing.T) {
	q := newFastQueue(t)

	handler := core.HandlerFunc(func(ctx context.Context, job *core.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	listen(t, q, []Registration{{Type: "slow", Handler: handler, Timeout: 20 * time.Millisecond}}, fastPool)

	job := waitFor(t, enqueue(t, q, NewJob("slow", nil).KeepOnComplete()))
	assert.Equal(t, core.StateFailed, job.State)
	assert.Contains(t, job.LastError, context.DeadlineExceeded.Error())
}

func TestPool_RegistrationBackoffOverridesJobPolicy(t *testing.T) {
	q := newTestQueue(t, Config{})

	var calls atomic.Int32
	handler := core.HandlerFunc(func(context.Context, *core.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("once")
		}
		return nil
	})
	listen(t, q, []Registration{{Type: "quick", Handler: handler, Backoff: backoff.Fixed(10 * time.Millisecond)}}, fastPool)

	// Without the registration policy the job would wait the default second.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	job, err := enqueue(t, q, NewJob("quick", nil).Attempts(2).KeepOnComplete()).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, job.State)
}

func TestPool_RegistrationBackoffFunc(t *testing.T) {
	q := newTestQueue(t, Config{})

	var calls atomic.Int32
	handler := core.HandlerFunc(func(context.Context, *core.Job) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	var mu sync.Mutex
	var asked []int
	delay := backoff.Func(func(attempt int) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		asked = append(asked, attempt)
		return time.Duration(attempt) * 5 * time.Millisecond
	})
	listen(t, q, []Registration{{Type: "flaky", Handler: handler, Backoff: delay}}, fastPool)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	job, err := enqueue(t, q, NewJob("flaky", nil).Attempts(3).KeepOnComplete()).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, job.State)
	assert.Equal(t, 2, job.AttemptsMade)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, asked)
}

func TestPool_ListenRejectsThresholdBelowHeartbeat(t *testing.T) {
	q := newFastQueue(t)

	config := fastPool
	config.StuckThreshold = config.HeartbeatInterval
	p := NewPool(q, []Registration{{Type: "a", Handler: nopHandler}}, config)

	err := p.Listen(context.Background())
	assert.ErrorIs(t, err, core.ErrStuckThreshold)
	assert.ErrorIs(t, err, core.ErrConfiguration)
	assert.Empty(t, p.Metrics())
}

func TestPoolConfig_StoreRetryDefaults(t *testing.T) {
	config := PoolConfig{StoreRetry: RetryConfig{MaxAttempts: 2}}.withDefaults()

	assert.Equal(t, 2, config.StoreRetry.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().InitialBackoff, config.StoreRetry.InitialBackoff)
	assert.Equal(t, DefaultRetryConfig().MaxBackoff, config.StoreRetry.MaxBackoff)

	config = PoolConfig{StoreRetry: RetryConfig{InitialBackoff: 10 * time.Second}}.withDefaults()
	assert.Equal(t, 10*time.Second, config.StoreRetry.MaxBackoff)
}

func TestPool_SweeperRecoversAbandonedClaim(t *testing.T) {
	q := newFastQueue(t)
	ctx := context.Background()

	h := enqueue(t, q, NewJob("report", nil).Attempts(2).KeepOnComplete())
	ghost, err := q.Claim(ctx, "report", "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, ghost)

	config := fastPool
	config.StuckThreshold = 50 * time.Millisecond
	config.SweepInterval = 10 * time.Millisecond
	listen(t, q, []Registration{{Type: "report", Handler: nopHandler}}, config)

	job := waitFor(t, h)
	assert.Equal(t, core.StateCompleted, job.State)
	assert.Equal(t, 0, job.AttemptsMade)
}

func TestPool_ShutdownDrainsInFlight(t *testing.T) {
	q := newFastQueue(t)

	started := make(chan struct{})
	handler := core.HandlerFunc(func(ctx context.Context, job *core.Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return ctx.Err()
	})
	p := NewPool(q, []Registration{{Type: "drain", Handler: handler}}, fastPool)
	require.NoError(t, p.Listen(context.Background()))

	h := enqueue(t, q, NewJob("drain", nil).KeepOnComplete())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	job, err := h.Job(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, job.State)
	assert.Equal(t, int64(1), p.Metrics()[0].GetProcessed())

	require.NoError(t, p.Shutdown(ctx))
}

func TestPool_ShutdownDeadlineCancelsHandlers(t *testing.T) {
	q := newFastQueue(t)

	started := make(chan struct{})
	handler := core.HandlerFunc(func(ctx context.Context, job *core.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	p := NewPool(q, []Registration{{Type: "stubborn", Handler: handler}}, fastPool)
	require.NoError(t, p.Listen(context.Background()))

	h := enqueue(t, q, NewJob("stubborn", nil).KeepOnComplete())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	// The interrupted job goes back to waiting and keeps its only attempt.
	p.Wait()
	job, err := h.Job(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StateWaiting, job.State)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.Empty(t, job.WorkerID)

	next, err := q.Claim(context.Background(), "stubborn", "after-deploy")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ID, next.ID)
}

func TestPool_ListenContextStopsLoops(t *testing.T) {
	q := newFastQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(q, []Registration{{Type: "a", Handler: nopHandler, Concurrency: 2}}, fastPool)
	require.NoError(t, p.Listen(ctx))

	cancel()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops still running after the listen context ended")
	}
	require.NoError(t, p.Shutdown(context.Background()))
}
