package core

import (
	"context"
	"time"
)

// Expect guards a transition: the stored job must still match it.
type Expect struct {
	State State
	// WorkerID, when set, must own the claim.
	WorkerID string
	// StaleBefore, when set, requires the last heartbeat to be older than it.
	StaleBefore time.Time
}

// Counts holds the size of each per-type index.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Source persists jobs. Implementations must make Claim, Heartbeat, Transition
// and RequestCancel atomic with respect to each other across processes.
type Source interface {
	// NextID returns a unique, monotonically increasing job id.
	NextID(ctx context.Context) (int64, error)

	// Enqueue inserts a new job indexed under its state (waiting or delayed).
	Enqueue(ctx context.Context, job *Job) error

	// Claim promotes due delayed jobs of jobType and then moves the best waiting
	// one to active under workerID. It returns ErrNoJobsFound when nothing is eligible.
	Claim(ctx context.Context, jobType, workerID string, now time.Time) (*Job, error)

	// Heartbeat refreshes the claim and reports whether cancellation was requested.
	// It returns ErrUnknownClaim when workerID does not hold an active claim on the job.
	Heartbeat(ctx context.Context, jobID int64, workerID string, now time.Time) (bool, error)

	// Transition stores job (already carrying its new state) if the stored copy
	// still matches expect, moving it between indexes. With remove set the record
	// is deleted instead. It returns ErrStateConflict when expect does not hold.
	Transition(ctx context.Context, job *Job, expect Expect, remove bool) error

	// RequestCancel flags an active job. It returns ErrStateConflict when the job is not active.
	RequestCancel(ctx context.Context, jobID int64) error

	// Stale lists active jobs whose heartbeat is older than cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]*Job, error)

	GetJob(ctx context.Context, jobID int64) (*Job, error)
	Count(ctx context.Context, jobType string) (Counts, error)
	Clear(ctx context.Context, jobType string) error
	Close() error
}

// Notifier is implemented by sources that can wake consumers in other processes.
type Notifier interface {
	Notify(ctx context.Context, jobType string) error
	// Subscribe delivers a signal per notification until ctx is done.
	Subscribe(ctx context.Context, jobType string) (<-chan struct{}, error)
}

// Migrator is implemented by sources that need a schema.
type Migrator interface {
	Up() error
}

// Matches reports whether the stored job satisfies e.
func (e Expect) Matches(stored *Job) bool {
	if stored.State != e.State {
		return false
	}
	if e.WorkerID != "" && stored.WorkerID != e.WorkerID {
		return false
	}
	if !e.StaleBefore.IsZero() && !stored.HeartbeatAt.Before(e.StaleBefore) {
		return false
	}
	return true
}
