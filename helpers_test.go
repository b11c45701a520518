package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/owles/go-jobqueue/core"
	"github.com/owles/go-jobqueue/sources/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, config Config) *Queue {
	t.Helper()
	q := New(memory.NewMemorySource(), config)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newClockedQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return newTestQueue(t, Config{Clock: clock.Now}), clock
}

func enqueue(t *testing.T, q *Queue, job *Job) *JobHandle {
	t.Helper()
	h, err := NewDispatcher(q).Dispatch(context.Background(), job)
	require.NoError(t, err)
	return h
}

func claim(t *testing.T, q *Queue, jobType, workerID string) *core.Job {
	t.Helper()
	job, err := q.Claim(context.Background(), jobType, workerID)
	require.NoError(t, err)
	return job
}

// recordingObserver collects event names.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, name)
}

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) Enqueued(context.Context, *core.Job)  { o.add("enqueued") }
func (o *recordingObserver) Claimed(context.Context, *core.Job)   { o.add("claimed") }
func (o *recordingObserver) Completed(context.Context, *core.Job) { o.add("completed") }
func (o *recordingObserver) Recovered(context.Context, *core.Job) { o.add("recovered") }
func (o *recordingObserver) Cancelled(context.Context, *core.Job) { o.add("cancelled") }

func (o *recordingObserver) Failed(_ context.Context, _ *core.Job, _ error, final bool) {
	if final {
		o.add("failed")
		return
	}
	o.add("retrying")
}
