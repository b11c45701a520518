package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

func TestDispatcher_Validation(t *testing.T) {
	q, _ := newClockedQueue(t)
	d := NewDispatcher(q)
	ctx := context.Background()

	cases := []struct {
		name    string
		jobType string
		opts    []Option
		payload any
		want    error
	}{
		{"empty type", "", nil, nil, core.ErrInvalidJobType},
		{"priority above critical", "t", []Option{WithPriority(core.Priority(9))}, nil, core.ErrInvalidPriority},
		{"negative priority", "t", []Option{WithPriority(core.Priority(-1))}, nil, core.ErrInvalidPriority},
		{"zero attempts", "t", []Option{WithAttempts(0)}, nil, core.ErrInvalidAttempts},
		{"negative attempts", "t", []Option{WithAttempts(-2)}, nil, core.ErrInvalidAttempts},
		{"unencodable payload", "t", nil, make(chan int), core.ErrInvalidPayload},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := d.Enqueue(ctx, tc.jobType, tc.payload, tc.opts...)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}

	counts, err := q.Counts(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, core.Counts{}, counts)
}

func TestDispatcher_Defaults(t *testing.T) {
	q, clock := newClockedQueue(t)
	ctx := context.Background()

	h, err := NewDispatcher(q).Enqueue(ctx, "email", map[string]string{"to": "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, "email", h.Type)

	job, err := h.Job(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityNormal, job.Priority)
	assert.Equal(t, 1, job.AttemptsMax)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.True(t, job.RemoveOnComplete)
	assert.Equal(t, core.StateWaiting, job.State)
	assert.Equal(t, clock.Now(), job.CreatedAt)
	require.NotNil(t, job.Backoff)
	assert.Equal(t, backoff.Default(), *job.Backoff)
	assert.JSONEq(t, `{"to":"a@b.com"}`, string(job.Payload))
}

func TestDispatcher_BuilderOptions(t *testing.T) {
	q, clock := newClockedQueue(t)
	ctx := context.Background()

	at := clock.Now().Add(time.Hour)
	h := enqueue(t, q, NewJob("sync", nil).
		Critical().
		Attempts(4).
		KeepOnComplete().
		Backoff(backoff.Linear(time.Second, time.Minute)).
		At(at))

	job, err := h.Job(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityCritical, job.Priority)
	assert.Equal(t, 4, job.AttemptsMax)
	assert.False(t, job.RemoveOnComplete)
	assert.Equal(t, backoff.Linear(time.Second, time.Minute), *job.Backoff)
	assert.Equal(t, core.StateDelayed, job.State)
	assert.Equal(t, at, job.ScheduledAt)
}

func TestDispatcher_ConcurrentProducersGetUniqueIncreasingIDs(t *testing.T) {
	q, _ := newClockedQueue(t)
	d := NewDispatcher(q)

	const producers, perProducer = 8, 25
	ids := make(chan int64, producers*perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for i := 0; i < perProducer; i++ {
				h, err := d.Enqueue(context.Background(), "bulk", i)
				if !assert.NoError(t, err) {
					return
				}
				assert.Greater(t, h.ID, last)
				last = h.ID
				ids <- h.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestJobHandle_WaitLocalCompletion(t *testing.T) {
	q, _ := newClockedQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := enqueue(t, q, NewJob("email", nil))

	go func() {
		time.Sleep(10 * time.Millisecond)
		job, err := q.Claim(ctx, "email", "w")
		if err != nil || job == nil {
			return
		}
		_ = q.Complete(ctx, job, "sent")
	}()

	job, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, job.State)
	assert.JSONEq(t, `"sent"`, string(job.Result))
}

func TestJobHandle_WaitPollsOtherProcesses(t *testing.T) {
	clock := newFakeClock()
	producer := newTestQueue(t, Config{Clock: clock.Now})
	consumer := New(producer.Source(), Config{Clock: clock.Now})
	d := NewDispatcher(producer, WithWaitInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kept, err := d.Enqueue(ctx, "report", nil, WithRemoveOnComplete(false))
	require.NoError(t, err)
	job := claim(t, consumer, "report", "w")
	require.NoError(t, consumer.Complete(ctx, job, nil))

	got, err := kept.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)

	removed, err := d.Enqueue(ctx, "report", nil)
	require.NoError(t, err)
	job = claim(t, consumer, "report", "w")
	require.NoError(t, consumer.Complete(ctx, job, nil))

	_, err = removed.Wait(ctx)
	assert.ErrorIs(t, err, core.ErrJobRemoved)
}

func TestJobHandle_WaitHonoursContext(t *testing.T) {
	q, _ := newClockedQueue(t)
	h := enqueue(t, q, NewJob("never", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJobHandle_Cancel(t *testing.T) {
	q, _ := newClockedQueue(t)
	ctx := context.Background()

	h := enqueue(t, q, NewJob("t", nil))
	done := make(chan *core.Job, 1)
	go func() {
		job, _ := h.Wait(ctx)
		done <- job
	}()

	// Give Wait a moment to register before cancelling.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.Cancel(ctx))

	select {
	case job := <-done:
		require.NotNil(t, job)
		assert.Equal(t, core.StateRemoved, job.State)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Cancel")
	}
}
