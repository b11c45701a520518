package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

// Job builds a job for Dispatcher.Dispatch:
//
//	NewJob("email", payload).High().Attempts(3).KeepOnComplete()
type Job struct {
	jobType  string
	payload  any
	priority core.Priority
	attempts *int
	keep     bool
	policy   *backoff.Policy
	delay    time.Duration
	at       time.Time
}

// Option configures a job passed to Dispatcher.Enqueue.
type Option func(j *Job)

func NewJob(jobType string, payload any) *Job {
	return &Job{jobType: jobType, payload: payload}
}

func (j *Job) With(opts ...Option) *Job {
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Job) Priority(priority core.Priority) *Job {
	j.priority = priority
	return j
}

func (j *Job) Critical() *Job {
	return j.Priority(core.PriorityCritical)
}

func (j *Job) High() *Job {
	return j.Priority(core.PriorityHigh)
}

func (j *Job) Medium() *Job {
	return j.Priority(core.PriorityMedium)
}

func (j *Job) Normal() *Job {
	return j.Priority(core.PriorityNormal)
}

func (j *Job) Low() *Job {
	return j.Priority(core.PriorityLow)
}

func (j *Job) Attempts(n int) *Job {
	j.attempts = &n
	return j
}

// KeepOnComplete retains the record after completion.
func (j *Job) KeepOnComplete() *Job {
	j.keep = true
	return j
}

func (j *Job) RemoveOnComplete() *Job {
	j.keep = false
	return j
}

func (j *Job) Backoff(policy backoff.Policy) *Job {
	j.policy = &policy
	return j
}

// Delay makes the job eligible d after it is dispatched.
func (j *Job) Delay(d time.Duration) *Job {
	j.delay = d
	j.at = time.Time{}
	return j
}

// At makes the job eligible at t.
func (j *Job) At(t time.Time) *Job {
	j.at = t
	j.delay = 0
	return j
}

func (j *Job) DelaySeconds(s int) *Job {
	return j.Delay(time.Duration(s) * time.Second)
}

func (j *Job) DelayMinutes(m int) *Job {
	return j.Delay(time.Duration(m) * time.Minute)
}

func (j *Job) DelayHours(h int) *Job {
	return j.Delay(time.Duration(h) * time.Hour)
}

func (j *Job) DelayDays(d int) *Job {
	return j.Delay(time.Duration(d) * (time.Hour * 24))
}

func WithPriority(priority core.Priority) Option {
	return func(j *Job) { j.Priority(priority) }
}

func WithAttempts(n int) Option {
	return func(j *Job) { j.Attempts(n) }
}

func WithRemoveOnComplete(remove bool) Option {
	return func(j *Job) { j.keep = !remove }
}

func WithBackoff(policy backoff.Policy) Option {
	return func(j *Job) { j.Backoff(policy) }
}

func WithDelay(d time.Duration) Option {
	return func(j *Job) { j.Delay(d) }
}

func WithScheduleAt(t time.Time) Option {
	return func(j *Job) { j.At(t) }
}

// build validates the options and returns the record to persist.
// policy is used when the job sets no backoff of its own.
func (j *Job) build(now time.Time, policy backoff.Policy) (*core.Job, error) {
	if j.jobType == "" {
		return nil, core.ErrInvalidJobType
	}

	priority := j.priority
	if priority == 0 {
		priority = core.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %d", core.ErrInvalidPriority, priority)
	}

	attempts := 1
	if j.attempts != nil {
		attempts = *j.attempts
	}
	if attempts < 1 {
		return nil, fmt.Errorf("%w: got %d", core.ErrInvalidAttempts, attempts)
	}

	payload, err := json.Marshal(j.payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidPayload, err)
	}

	if j.policy != nil {
		policy = *j.policy
	}

	model := &core.Job{
		Type:             j.jobType,
		Payload:          payload,
		Priority:         priority,
		AttemptsMax:      attempts,
		RemoveOnComplete: !j.keep,
		Backoff:          &policy,
	}
	switch {
	case !j.at.IsZero():
		model.ScheduledAt = j.at
	case j.delay > 0:
		model.ScheduledAt = now.Add(j.delay)
	}
	return model, nil
}
