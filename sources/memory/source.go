// Package memory is a process-local Source, used for tests and single-process setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/owles/go-jobqueue/core"
)

var _ core.Source = (*Source)(nil)

type Source struct {
	mu    sync.Mutex
	seq   int64
	jobs  map[int64]*core.Job
	queue map[string][]*core.Job
}

func NewMemorySource() *Source {
	return &Source{
		jobs:  make(map[int64]*core.Job),
		queue: make(map[string][]*core.Job),
	}
}

func (m *Source) NextID(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	return m.seq, nil
}

func (m *Source) Enqueue(_ context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return core.ErrStateConflict
	}

	m.store(job.Clone())
	return nil
}

func (m *Source) Claim(_ context.Context, jobType, workerID string, now time.Time) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.promote(jobType, now)

	waiting := m.queue[jobType]
	if len(waiting) == 0 {
		return nil, core.ErrNoJobsFound
	}

	job := waiting[0]
	m.queue[jobType] = waiting[1:]

	job.State = core.StateActive
	job.WorkerID = workerID
	job.ClaimedAt = now
	job.HeartbeatAt = now
	job.UpdatedAt = now

	return job.Clone(), nil
}

func (m *Source) Heartbeat(_ context.Context, jobID int64, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.State != core.StateActive || job.WorkerID != workerID {
		return false, core.ErrUnknownClaim
	}

	job.HeartbeatAt = now
	return job.CancelRequested, nil
}

func (m *Source) Transition(_ context.Context, job *core.Job, expect core.Expect, remove bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return core.ErrJobNotFound
	}
	if !expect.Matches(stored) {
		return core.ErrStateConflict
	}

	if stored.State == core.StateWaiting {
		m.removeJobFromQueue(stored.Type, stored.ID)
	}
	delete(m.jobs, stored.ID)

	if !remove {
		m.store(job.Clone())
	}
	return nil
}

func (m *Source) RequestCancel(_ context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return core.ErrJobNotFound
	}
	if job.State != core.StateActive {
		return core.ErrStateConflict
	}

	job.CancelRequested = true
	return nil
}

func (m *Source) Stale(_ context.Context, cutoff time.Time) ([]*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*core.Job
	for _, job := range m.jobs {
		if job.State == core.StateActive && job.HeartbeatAt.Before(cutoff) {
			stale = append(stale, job.Clone())
		}
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale, nil
}

func (m *Source) GetJob(_ context.Context, jobID int64) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *Source) Count(_ context.Context, jobType string) (core.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c core.Counts
	for _, job := range m.jobs {
		if job.Type != jobType {
			continue
		}
		switch job.State {
		case core.StateWaiting:
			c.Waiting++
		case core.StateActive:
			c.Active++
		case core.StateDelayed:
			c.Delayed++
		case core.StateCompleted:
			c.Completed++
		case core.StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *Source) Clear(_ context.Context, jobType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, job := range m.jobs {
		if job.Type == jobType {
			delete(m.jobs, id)
		}
	}
	delete(m.queue, jobType)

	return nil
}

func (m *Source) Close() error {
	return nil
}

func (m *Source) store(job *core.Job) {
	m.jobs[job.ID] = job
	if job.State == core.StateWaiting {
		m.queue[job.Type] = append(m.queue[job.Type], job)
		m.sortQueue(job.Type)
	}
}

func (m *Source) promote(jobType string, now time.Time) {
	for _, job := range m.jobs {
		if job.Type != jobType || job.State != core.StateDelayed || job.ScheduledAt.After(now) {
			continue
		}
		job.State = core.StateWaiting
		job.UpdatedAt = now
		m.queue[jobType] = append(m.queue[jobType], job)
	}
	m.sortQueue(jobType)
}

func (m *Source) sortQueue(jobType string) {
	q := m.queue[jobType]
	sort.Slice(q, func(i, j int) bool {
		return q[i].Before(q[j])
	})
}

func (m *Source) removeJobFromQueue(jobType string, jobID int64) {
	for i, job := range m.queue[jobType] {
		if job.ID == jobID {
			m.queue[jobType] = append(m.queue[jobType][:i], m.queue[jobType][i+1:]...)
			break
		}
	}
}
