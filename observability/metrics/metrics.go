// Package metrics exports queue activity to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/owles/go-jobqueue/core"
)

var _ core.Observer = (*Observer)(nil)

// Observer counts lifecycle events per job type.
type Observer struct {
	enqueued     *prometheus.CounterVec
	claimed      *prometheus.CounterVec
	completed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	recovered    *prometheus.CounterVec
	cancelled    *prometheus.CounterVec
	claimLatency *prometheus.HistogramVec
}

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer, namespace string) (*Observer, error) {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, append([]string{"type"}, labels...))
	}

	o := &Observer{
		enqueued:  counter("jobs_enqueued_total", "Jobs accepted by the queue.", "priority"),
		claimed:   counter("jobs_claimed_total", "Jobs claimed by a worker."),
		completed: counter("jobs_completed_total", "Jobs completed successfully."),
		failed:    counter("jobs_failed_total", "Failed attempts; final is true once no retry is left.", "final"),
		recovered: counter("jobs_recovered_total", "Stuck jobs reclaimed by the sweeper."),
		cancelled: counter("jobs_cancelled_total", "Jobs removed before they ran."),
		claimLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_claim_latency_seconds",
			Help:      "Time between a job becoming eligible and being claimed.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"type"}),
	}

	for _, c := range []prometheus.Collector{
		o.enqueued, o.claimed, o.completed, o.failed, o.recovered, o.cancelled, o.claimLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) Enqueued(_ context.Context, job *core.Job) {
	o.enqueued.WithLabelValues(job.Type, job.Priority.String()).Inc()
}

func (o *Observer) Claimed(_ context.Context, job *core.Job) {
	o.claimed.WithLabelValues(job.Type).Inc()
	if !job.ScheduledAt.IsZero() && !job.ClaimedAt.IsZero() {
		wait := job.ClaimedAt.Sub(job.ScheduledAt)
		if wait < 0 {
			wait = 0
		}
		o.claimLatency.WithLabelValues(job.Type).Observe(wait.Seconds())
	}
}

func (o *Observer) Completed(_ context.Context, job *core.Job) {
	o.completed.WithLabelValues(job.Type).Inc()
}

func (o *Observer) Failed(_ context.Context, job *core.Job, _ error, final bool) {
	label := "false"
	if final {
		label = "true"
	}
	o.failed.WithLabelValues(job.Type, label).Inc()
}

func (o *Observer) Recovered(_ context.Context, job *core.Job) {
	o.recovered.WithLabelValues(job.Type).Inc()
}

func (o *Observer) Cancelled(_ context.Context, job *core.Job) {
	o.cancelled.WithLabelValues(job.Type).Inc()
}

// Counter reads per-type index sizes; *jobqueue.Queue implements it.
type Counter interface {
	Counts(ctx context.Context, jobType string) (core.Counts, error)
}

// DepthCollector reports the size of every index of the given job types at scrape time.
type DepthCollector struct {
	counter Counter
	types   []string
	timeout time.Duration
	depth   *prometheus.Desc
}

func NewDepthCollector(counter Counter, namespace string, types ...string) *DepthCollector {
	return &DepthCollector{
		counter: counter,
		types:   types,
		timeout: 5 * time.Second,
		depth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs currently stored, by type and state.",
			[]string{"type", "state"}, nil,
		),
	}
}

func (c *DepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
}

func (c *DepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, jobType := range c.types {
		counts, err := c.counter.Counts(ctx, jobType)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.depth, err)
			continue
		}
		for state, n := range map[core.State]int{
			core.StateWaiting:   counts.Waiting,
			core.StateActive:    counts.Active,
			core.StateDelayed:   counts.Delayed,
			core.StateCompleted: counts.Completed,
			core.StateFailed:    counts.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(n), jobType, string(state))
		}
	}
}
