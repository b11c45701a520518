// Package sourcetest holds the behaviour every core.Source must share.
// Adapter packages call Run from their own tests.
package sourcetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

// Factory returns an empty source; cleanup is registered on t.
type Factory func(t *testing.T) core.Source

// Run executes the contract suite.
func Run(t *testing.T, newSource Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, core.Source)
	}{
		{"NextIDIsUniqueAndIncreasing", testNextID},
		{"EnqueueThenClaim", testEnqueueThenClaim},
		{"DuplicateEnqueue", testDuplicateEnqueue},
		{"ClaimEmpty", testClaimEmpty},
		{"PriorityOrder", testPriorityOrder},
		{"FIFOWithinPriority", testFIFOWithinPriority},
		{"TypesAreIsolated", testTypesAreIsolated},
		{"ConcurrentClaimSingleWinner", testConcurrentClaim},
		{"DelayedBecomesClaimable", testDelayed},
		{"Heartbeat", testHeartbeat},
		{"TransitionGuards", testTransitionGuards},
		{"CompleteKeepAndRemove", testCompleteKeepAndRemove},
		{"RetryThroughDelayed", testRetryThroughDelayed},
		{"StaleAndRequeue", testStaleAndRequeue},
		{"RequestCancel", testRequestCancel},
		{"RemoveWaiting", testRemoveWaiting},
		{"Clear", testClear},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newSource(t))
		})
	}
}

var epoch = time.UnixMilli(1_700_000_000_000).UTC()

func newJob(t *testing.T, src core.Source, jobType string, prio core.Priority, createdAt time.Time) *core.Job {
	t.Helper()

	id, err := src.NextID(context.Background())
	require.NoError(t, err)

	policy := backoff.Fixed(time.Second)
	return &core.Job{
		ID:               id,
		Type:             jobType,
		Payload:          json.RawMessage(`{"n":1}`),
		Priority:         prio,
		AttemptsMax:      3,
		State:            core.StateWaiting,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
		ScheduledAt:      createdAt,
		RemoveOnComplete: true,
		Backoff:          &policy,
	}
}

func enqueue(t *testing.T, src core.Source, job *core.Job) *core.Job {
	t.Helper()
	require.NoError(t, src.Enqueue(context.Background(), job))
	return job
}

func claim(t *testing.T, src core.Source, jobType, workerID string, now time.Time) *core.Job {
	t.Helper()
	job, err := src.Claim(context.Background(), jobType, workerID, now)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func testNextID(t *testing.T, src core.Source) {
	ctx := context.Background()
	const n = 50

	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := src.NextID(ctx)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		assert.Positive(t, id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	a, err := src.NextID(ctx)
	require.NoError(t, err)
	b, err := src.NextID(ctx)
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func testDuplicateEnqueue(t *testing.T, src core.Source) {
	ctx := context.Background()
	job := enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))

	dup := job.Clone()
	dup.Priority = core.PriorityCritical
	err := src.Enqueue(ctx, dup)
	assert.ErrorIs(t, err, core.ErrStateConflict)
	assert.NotErrorIs(t, err, core.ErrStoreUnavailable)

	got, err := src.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityNormal, got.Priority)

	counts, err := src.Count(ctx, "email")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
}

func testEnqueueThenClaim(t *testing.T, src core.Source) {
	job := enqueue(t, src, newJob(t, src, "email", core.PriorityHigh, epoch))

	now := epoch.Add(time.Second)
	got := claim(t, src, "email", "w1", now)

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, core.StateActive, got.State)
	assert.Equal(t, "email", got.Type)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Equal(t, core.PriorityHigh, got.Priority)
	assert.Equal(t, 3, got.AttemptsMax)
	assert.Equal(t, 0, got.AttemptsMade)
	assert.Equal(t, "w1", got.WorkerID)
	assert.True(t, got.ClaimedAt.Equal(now))
	assert.True(t, got.HeartbeatAt.Equal(now))
	assert.True(t, got.CreatedAt.Equal(epoch))
	require.NotNil(t, got.Backoff)
	assert.Equal(t, backoff.Fixed(time.Second), *got.Backoff)

	counts, err := src.Count(context.Background(), "email")
	require.NoError(t, err)
	assert.Equal(t, core.Counts{Active: 1}, counts)
}

func testClaimEmpty(t *testing.T, src core.Source) {
	_, err := src.Claim(context.Background(), "email", "w1", epoch)
	assert.ErrorIs(t, err, core.ErrNoJobsFound)
}

func testPriorityOrder(t *testing.T, src core.Source) {
	low := enqueue(t, src, newJob(t, src, "email", core.PriorityLow, epoch))
	high := enqueue(t, src, newJob(t, src, "email", core.PriorityHigh, epoch.Add(time.Millisecond)))
	normal := enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch.Add(2*time.Millisecond)))

	now := epoch.Add(time.Second)
	assert.Equal(t, high.ID, claim(t, src, "email", "w", now).ID)
	assert.Equal(t, normal.ID, claim(t, src, "email", "w", now).ID)
	assert.Equal(t, low.ID, claim(t, src, "email", "w", now).ID)
}

func testFIFOWithinPriority(t *testing.T, src core.Source) {
	var ids []int64
	for i := 0; i < 12; i++ {
		// same timestamp: the id breaks the tie, including across digit counts
		ids = append(ids, enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch)).ID)
	}

	now := epoch.Add(time.Second)
	for _, id := range ids {
		assert.Equal(t, id, claim(t, src, "email", "w", now).ID)
	}
}

func testTypesAreIsolated(t *testing.T, src core.Source) {
	enqueue(t, src, newJob(t, src, "sms", core.PriorityCritical, epoch))
	email := enqueue(t, src, newJob(t, src, "email", core.PriorityLow, epoch))

	got := claim(t, src, "email", "w", epoch)
	assert.Equal(t, email.ID, got.ID)

	_, err := src.Claim(context.Background(), "email", "w", epoch)
	assert.ErrorIs(t, err, core.ErrNoJobsFound)
}

func testConcurrentClaim(t *testing.T, src core.Source) {
	job := enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))

	const k = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := src.Claim(context.Background(), "email", "w", epoch.Add(time.Second))
			if err != nil {
				assert.ErrorIs(t, err, core.ErrNoJobsFound)
				return
			}
			assert.Equal(t, job.ID, got.ID)
			wins.Add(1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func testDelayed(t *testing.T, src core.Source) {
	job := newJob(t, src, "email", core.PriorityNormal, epoch)
	job.State = core.StateDelayed
	job.ScheduledAt = epoch.Add(time.Minute)
	enqueue(t, src, job)

	_, err := src.Claim(context.Background(), "email", "w", epoch.Add(30*time.Second))
	assert.ErrorIs(t, err, core.ErrNoJobsFound)

	got, err := src.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateDelayed, got.State)

	claimed := claim(t, src, "email", "w", epoch.Add(time.Minute))
	assert.Equal(t, job.ID, claimed.ID)
}

func testHeartbeat(t *testing.T, src core.Source) {
	ctx := context.Background()
	job := enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))

	_, err := src.Heartbeat(ctx, job.ID, "w1", epoch)
	assert.ErrorIs(t, err, core.ErrUnknownClaim, "waiting job has no claim")

	claim(t, src, "email", "w1", epoch)

	later := epoch.Add(5 * time.Second)
	cancel, err := src.Heartbeat(ctx, job.ID, "w1", later)
	require.NoError(t, err)
	assert.False(t, cancel)

	got, err := src.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.HeartbeatAt.Equal(later))

	_, err = src.Heartbeat(ctx, job.ID, "w2", later)
	assert.ErrorIs(t, err, core.ErrUnknownClaim)

	_, err = src.Heartbeat(ctx, 999_999, "w1", later)
	assert.ErrorIs(t, err, core.ErrUnknownClaim)
}

func testTransitionGuards(t *testing.T, src core.Source) {
	ctx := context.Background()
	enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))
	active := claim(t, src, "email", "w1", epoch)

	next := active.Clone()
	next.State = core.StateCompleted
	next.ReleaseSlot()

	err := src.Transition(ctx, next, core.Expect{State: core.StateWaiting}, false)
	assert.ErrorIs(t, err, core.ErrStateConflict)

	err = src.Transition(ctx, next, core.Expect{State: core.StateActive, WorkerID: "w2"}, false)
	assert.ErrorIs(t, err, core.ErrStateConflict)

	err = src.Transition(ctx, next, core.Expect{State: core.StateActive, StaleBefore: epoch}, false)
	assert.ErrorIs(t, err, core.ErrStateConflict, "heartbeat at epoch is not older than epoch")

	got, err := src.GetJob(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, got.State)

	missing := next.Clone()
	missing.ID = 999_999
	err = src.Transition(ctx, missing, core.Expect{State: core.StateActive}, false)
	assert.Error(t, err)
}

func testCompleteKeepAndRemove(t *testing.T, src core.Source) {
	ctx := context.Background()
	enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))
	enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch.Add(time.Millisecond)))

	done := epoch.Add(time.Second)

	kept := claim(t, src, "email", "w1", epoch)
	next := kept.Clone()
	next.State = core.StateCompleted
	next.UpdatedAt = done
	next.Result = json.RawMessage(`{"ok":true}`)
	next.ReleaseSlot()
	require.NoError(t, src.Transition(ctx, next, core.Expect{State: core.StateActive, WorkerID: "w1"}, false))

	got, err := src.GetJob(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Empty(t, got.WorkerID)
	assert.True(t, got.UpdatedAt.Equal(done))

	removed := claim(t, src, "email", "w1", epoch)
	next = removed.Clone()
	next.State = core.StateCompleted
	require.NoError(t, src.Transition(ctx, next, core.Expect{State: core.StateActive, WorkerID: "w1"}, true))

	_, err = src.GetJob(ctx, removed.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	counts, err := src.Count(ctx, "email")
	require.NoError(t, err)
	assert.Equal(t, core.Counts{Completed: 1}, counts)
}

func testRetryThroughDelayed(t *testing.T, src core.Source) {
	ctx := context.Background()
	enqueue(t, src, newJob(t, src, "email", core.PriorityHigh, epoch))
	active := claim(t, src, "email", "w1", epoch)

	next := active.Clone()
	next.State = core.StateDelayed
	next.AttemptsMade = 1
	next.LastError = "smtp down"
	next.ScheduledAt = epoch.Add(10 * time.Second)
	next.UpdatedAt = epoch.Add(time.Second)
	next.ReleaseSlot()
	require.NoError(t, src.Transition(ctx, next, core.Expect{State: core.StateActive, WorkerID: "w1"}, false))

	counts, err := src.Count(ctx, "email")
	require.NoError(t, err)
	assert.Equal(t, core.Counts{Delayed: 1}, counts)

	_, err = src.Claim(ctx, "email", "w2", epoch.Add(5*time.Second))
	assert.ErrorIs(t, err, core.ErrNoJobsFound)

	again := claim(t, src, "email", "w2", epoch.Add(10*time.Second))
	assert.Equal(t, active.ID, again.ID)
	assert.Equal(t, 1, again.AttemptsMade)
	assert.Equal(t, "smtp down", again.LastError)
	assert.Equal(t, "w2", again.WorkerID)
}

func testStaleAndRequeue(t *testing.T, src core.Source) {
	ctx := context.Background()
	enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))
	enqueue(t, src, newJob(t, src, "sms", core.PriorityNormal, epoch))

	stuck := claim(t, src, "email", "w1", epoch)
	fresh := claim(t, src, "sms", "w2", epoch)

	_, err := src.Heartbeat(ctx, fresh.ID, "w2", epoch.Add(50*time.Second))
	require.NoError(t, err)

	cutoff := epoch.Add(30 * time.Second)
	stale, err := src.Stale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)
	assert.Equal(t, "w1", stale[0].WorkerID)

	next := stale[0].Clone()
	next.State = core.StateWaiting
	next.UpdatedAt = cutoff
	next.ReleaseSlot()
	require.NoError(t, src.Transition(ctx, next, core.Expect{
		State:       core.StateActive,
		WorkerID:    "w1",
		StaleBefore: cutoff,
	}, false))

	again := claim(t, src, "email", "w3", cutoff)
	assert.Equal(t, stuck.ID, again.ID)
	assert.Equal(t, 0, again.AttemptsMade)
}

func testRequestCancel(t *testing.T, src core.Source) {
	ctx := context.Background()
	job := enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))

	assert.ErrorIs(t, src.RequestCancel(ctx, job.ID), core.ErrStateConflict)

	claim(t, src, "email", "w1", epoch)
	require.NoError(t, src.RequestCancel(ctx, job.ID))

	cancel, err := src.Heartbeat(ctx, job.ID, "w1", epoch.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, cancel)
}

func testRemoveWaiting(t *testing.T, src core.Source) {
	ctx := context.Background()
	job := enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))

	next := job.Clone()
	next.State = core.StateRemoved
	require.NoError(t, src.Transition(ctx, next, core.Expect{State: core.StateWaiting}, true))

	_, err := src.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	_, err = src.Claim(ctx, "email", "w", epoch)
	assert.ErrorIs(t, err, core.ErrNoJobsFound)
}

func testClear(t *testing.T, src core.Source) {
	ctx := context.Background()
	a := enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))
	enqueue(t, src, newJob(t, src, "email", core.PriorityNormal, epoch))
	b := enqueue(t, src, newJob(t, src, "sms", core.PriorityNormal, epoch))
	claim(t, src, "email", "w", epoch)

	require.NoError(t, src.Clear(ctx, "email"))

	_, err := src.GetJob(ctx, a.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	counts, err := src.Count(ctx, "email")
	require.NoError(t, err)
	assert.Equal(t, core.Counts{}, counts)

	_, err = src.GetJob(ctx, b.ID)
	assert.NoError(t, err)
}
