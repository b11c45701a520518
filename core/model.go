package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/owles/go-jobqueue/backoff"
)

// Job is the persisted record of one unit of work.
type Job struct {
	ID               int64           `json:"id"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	Priority         Priority        `json:"priority"`
	AttemptsMax      int             `json:"attempts_max"`
	AttemptsMade     int             `json:"attempts_made"`
	State            State           `json:"state"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	RemoveOnComplete bool            `json:"remove_on_complete"`
	Backoff          *backoff.Policy `json:"backoff,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`

	// Worker slot, set only while the job is active.
	WorkerID        string    `json:"worker_id,omitempty"`
	ClaimedAt       time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt     time.Time `json:"heartbeat_at,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
}

// Slot is the claim a worker holds on an active job.
type Slot struct {
	JobID       int64
	WorkerID    string
	ClaimedAt   time.Time
	HeartbeatAt time.Time
}

// Slot returns the current claim, or nil if the job is not active.
func (j *Job) Slot() *Slot {
	if j.State != StateActive {
		return nil
	}
	return &Slot{
		JobID:       j.ID,
		WorkerID:    j.WorkerID,
		ClaimedAt:   j.ClaimedAt,
		HeartbeatAt: j.HeartbeatAt,
	}
}

// ReleaseSlot clears the claim fields.
func (j *Job) ReleaseSlot() *Job {
	j.WorkerID = ""
	j.ClaimedAt = time.Time{}
	j.HeartbeatAt = time.Time{}
	j.CancelRequested = false
	return j
}

func (j *Job) SetState(state State) *Job {
	j.State = state
	return j
}

// Rank orders jobs of equal priority: oldest first, then lowest id.
// Sources compare ranks as plain strings.
func (j *Job) Rank() string {
	return fmt.Sprintf("%016d:%020d", j.CreatedAt.UnixMilli(), j.ID)
}

// Before reports whether j should be claimed ahead of other.
func (j *Job) Before(other *Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	return j.Rank() < other.Rank()
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// SetResult stores v as the job's result; it is persisted on completion.
func (j *Job) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.Result = data
	return nil
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Backoff != nil {
		p := *j.Backoff
		c.Backoff = &p
	}
	return &c
}

// IndexScore is the score a source uses when indexing the job under its current state.
// Waiting jobs score by negated priority so the lowest score pops first; ties are
// broken by Rank. Every other index is time ordered.
func (j *Job) IndexScore() float64 {
	switch j.State {
	case StateWaiting:
		return float64(-j.Priority)
	case StateDelayed:
		return float64(j.ScheduledAt.UnixMilli())
	case StateActive:
		return float64(j.HeartbeatAt.UnixMilli())
	default:
		return float64(j.UpdatedAt.UnixMilli())
	}
}

// IndexMember is the member a source stores in the job's current index.
func (j *Job) IndexMember() string {
	if j.State == StateWaiting {
		return j.Rank()
	}
	return fmt.Sprint(j.ID)
}
