package metrics_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobqueue "github.com/owles/go-jobqueue"
	"github.com/owles/go-jobqueue/core"
	"github.com/owles/go-jobqueue/observability/metrics"
	"github.com/owles/go-jobqueue/sources/memory"
)

func TestObserver_CountsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := metrics.NewObserver(reg, "jobqueue")
	require.NoError(t, err)

	q := jobqueue.New(memory.NewMemorySource(), jobqueue.Config{Observer: obs})
	defer q.Close()
	d := jobqueue.NewDispatcher(q)
	ctx := context.Background()

	_, err = d.Dispatch(ctx, jobqueue.NewJob("email", nil).High())
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, jobqueue.NewJob("email", nil).Low())
	require.NoError(t, err)
	cancelled, err := d.Dispatch(ctx, jobqueue.NewJob("email", nil).Low())
	require.NoError(t, err)
	require.NoError(t, cancelled.Cancel(ctx))

	job, err := q.Claim(ctx, "email", "w")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, nil))

	job, err = q.Claim(ctx, "email", "w")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("boom")))

	expected := `
# HELP jobqueue_jobs_enqueued_total Jobs accepted by the queue.
# TYPE jobqueue_jobs_enqueued_total counter
jobqueue_jobs_enqueued_total{priority="high",type="email"} 1
jobqueue_jobs_enqueued_total{priority="low",type="email"} 2
# HELP jobqueue_jobs_failed_total Failed attempts; final is true once no retry is left.
# TYPE jobqueue_jobs_failed_total counter
jobqueue_jobs_failed_total{final="true",type="email"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"jobqueue_jobs_enqueued_total", "jobqueue_jobs_failed_total"))

	assert.Equal(t, 2, testutil.CollectAndCount(reg, "jobqueue_jobs_claimed_total")+
		testutil.CollectAndCount(reg, "jobqueue_jobs_completed_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "jobqueue_job_claim_latency_seconds"))
}

func TestNewObserver_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.NewObserver(reg, "jobqueue")
	require.NoError(t, err)

	_, err = metrics.NewObserver(reg, "jobqueue")
	assert.Error(t, err)
}

type staticCounter map[string]core.Counts

func (s staticCounter) Counts(_ context.Context, jobType string) (core.Counts, error) {
	c, ok := s[jobType]
	if !ok {
		return core.Counts{}, errors.New("unknown type")
	}
	return c, nil
}

func TestDepthCollector(t *testing.T) {
	c := metrics.NewDepthCollector(staticCounter{
		"email": {Waiting: 3, Active: 1, Failed: 2},
	}, "jobqueue", "email")

	expected := `
# HELP jobqueue_jobs Jobs currently stored, by type and state.
# TYPE jobqueue_jobs gauge
jobqueue_jobs{state="active",type="email"} 1
jobqueue_jobs{state="completed",type="email"} 0
jobqueue_jobs{state="delayed",type="email"} 0
jobqueue_jobs{state="failed",type="email"} 2
jobqueue_jobs{state="waiting",type="email"} 3
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}
