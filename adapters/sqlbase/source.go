// Package sqlbase implements core.Source on top of sqlx for the SQL adapters.
// Every state change is a single UPDATE or DELETE guarded by the expected
// state, so concurrent processes never need row locks.
package sqlbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

var _ core.Source = (*Source)(nil)

// maxClaimAttempts bounds how many candidates a Claim tries when other
// workers keep winning the race.
const maxClaimAttempts = 8

// IDFunc draws the next job id from the dialect's counter.
type IDFunc func(ctx context.Context, db *sqlx.DB) (int64, error)

// DuplicateFunc reports whether err is the driver's unique-key violation.
type DuplicateFunc func(err error) bool

type Source struct {
	db          *sqlx.DB
	nextID      IDFunc
	isDuplicate DuplicateFunc
}

func New(db *sqlx.DB, nextID IDFunc, isDuplicate DuplicateFunc) *Source {
	return &Source{db: db, nextID: nextID, isDuplicate: isDuplicate}
}

func (s *Source) DB() *sqlx.DB {
	return s.db
}

type jobRow struct {
	ID               int64  `db:"id"`
	Type             string `db:"type"`
	Payload          []byte `db:"payload"`
	Priority         int    `db:"priority"`
	AttemptsMax      int    `db:"attempts_max"`
	AttemptsMade     int    `db:"attempts_made"`
	State            string `db:"state"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
	ScheduledAt      int64  `db:"scheduled_at"`
	RemoveOnComplete int    `db:"remove_on_complete"`
	Backoff          string `db:"backoff"`
	LastError        string `db:"last_error"`
	Result           []byte `db:"result"`
	WorkerID         string `db:"worker_id"`
	ClaimedAt        int64  `db:"claimed_at"`
	HeartbeatAt      int64  `db:"heartbeat_at"`
	CancelRequested  int    `db:"cancel_requested"`
}

const columns = `id, type, payload, priority, attempts_max, attempts_made, state, created_at, updated_at,
	scheduled_at, remove_on_complete, backoff, last_error, result, worker_id, claimed_at, heartbeat_at, cancel_requested`

func (s *Source) NextID(ctx context.Context) (int64, error) {
	id, err := s.nextID(ctx, s.db)
	if err != nil {
		return 0, core.Unavailable("sql next id", err)
	}
	return id, nil
}

func (s *Source) Enqueue(ctx context.Context, job *core.Job) error {
	query := `
		INSERT INTO jobs (` + columns + `) VALUES (
			:id, :type, :payload, :priority, :attempts_max, :attempts_made, :state, :created_at, :updated_at,
			:scheduled_at, :remove_on_complete, :backoff, :last_error, :result, :worker_id, :claimed_at,
			:heartbeat_at, :cancel_requested
		);
	`
	_, err := s.db.NamedExecContext(ctx, query, toRow(job))
	if err != nil && s.isDuplicate(err) {
		return fmt.Errorf("job %d already exists: %w", job.ID, core.ErrStateConflict)
	}
	if err != nil {
		return core.Unavailable("sql enqueue", err)
	}
	return nil
}

func (s *Source) Claim(ctx context.Context, jobType, workerID string, now time.Time) (*core.Job, error) {
	ms := now.UnixMilli()

	promote := s.db.Rebind(`
		UPDATE jobs
		SET state = ?, updated_at = ?
		WHERE type = ? AND state = ? AND scheduled_at <= ?;
	`)
	if _, err := s.db.ExecContext(ctx, promote, core.StateWaiting, ms, jobType, core.StateDelayed, ms); err != nil {
		return nil, core.Unavailable("sql promote", err)
	}

	pick := s.db.Rebind(`
		SELECT id FROM jobs
		WHERE type = ? AND state = ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1;
	`)
	take := s.db.Rebind(`
		UPDATE jobs
		SET state = ?, worker_id = ?, claimed_at = ?, heartbeat_at = ?, updated_at = ?, cancel_requested = 0
		WHERE id = ? AND state = ?;
	`)

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var id int64
		err := s.db.GetContext(ctx, &id, pick, jobType, core.StateWaiting)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNoJobsFound
		}
		if err != nil {
			return nil, core.Unavailable("sql claim pick", err)
		}

		res, err := s.db.ExecContext(ctx, take, core.StateActive, workerID, ms, ms, ms, id, core.StateWaiting)
		if err != nil {
			return nil, core.Unavailable("sql claim", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetJob(ctx, id)
		}
	}

	return nil, core.ErrClaimConflict
}

func (s *Source) Heartbeat(ctx context.Context, jobID int64, workerID string, now time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs
		SET heartbeat_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?;
	`)
	res, err := s.db.ExecContext(ctx, query, now.UnixMilli(), jobID, core.StateActive, workerID)
	if err != nil {
		return false, core.Unavailable("sql heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, core.ErrUnknownClaim
	}

	var cancel int
	err = s.db.GetContext(ctx, &cancel, s.db.Rebind(`SELECT cancel_requested FROM jobs WHERE id = ?;`), jobID)
	if err != nil {
		return false, core.Unavailable("sql heartbeat", err)
	}
	return cancel == 1, nil
}

func (s *Source) Transition(ctx context.Context, job *core.Job, expect core.Expect, remove bool) error {
	where := []string{"id = ?", "state = ?"}
	guard := []interface{}{job.ID, expect.State}
	if expect.WorkerID != "" {
		where = append(where, "worker_id = ?")
		guard = append(guard, expect.WorkerID)
	}
	if !expect.StaleBefore.IsZero() {
		where = append(where, "heartbeat_at < ?")
		guard = append(guard, expect.StaleBefore.UnixMilli())
	}
	cond := strings.Join(where, " AND ")

	var (
		query string
		args  []interface{}
	)
	if remove {
		query = `DELETE FROM jobs WHERE ` + cond + `;`
		args = guard
	} else {
		r := toRow(job)
		query = `
			UPDATE jobs
			SET priority = ?, attempts_max = ?, attempts_made = ?, state = ?, updated_at = ?, scheduled_at = ?,
				remove_on_complete = ?, backoff = ?, last_error = ?, result = ?, worker_id = ?, claimed_at = ?,
				heartbeat_at = ?, cancel_requested = ?
			WHERE ` + cond + `;`
		args = append([]interface{}{
			r.Priority, r.AttemptsMax, r.AttemptsMade, r.State, r.UpdatedAt, r.ScheduledAt,
			r.RemoveOnComplete, r.Backoff, r.LastError, r.Result, r.WorkerID, r.ClaimedAt,
			r.HeartbeatAt, r.CancelRequested,
		}, guard...)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return core.Unavailable("sql transition", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.missOrConflict(ctx, job.ID)
}

func (s *Source) RequestCancel(ctx context.Context, jobID int64) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET cancel_requested = 1
		WHERE id = ? AND state = ?;
	`)
	res, err := s.db.ExecContext(ctx, query, jobID, core.StateActive)
	if err != nil {
		return core.Unavailable("sql cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.missOrConflict(ctx, jobID)
}

func (s *Source) Stale(ctx context.Context, cutoff time.Time) ([]*core.Job, error) {
	query := s.db.Rebind(`
		SELECT ` + columns + `
		FROM jobs
		WHERE state = ? AND heartbeat_at < ?
		ORDER BY id;
	`)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, core.StateActive, cutoff.UnixMilli()); err != nil {
		return nil, core.Unavailable("sql stale", err)
	}

	jobs := make([]*core.Job, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Source) GetJob(ctx context.Context, jobID int64) (*core.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+columns+` FROM jobs WHERE id = ?;`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, core.Unavailable("sql get job", err)
	}
	return r.toJob()
}

func (s *Source) Count(ctx context.Context, jobType string) (core.Counts, error) {
	query := s.db.Rebind(`
		SELECT state, COUNT(*) AS n
		FROM jobs
		WHERE type = ?
		GROUP BY state;
	`)

	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, jobType); err != nil {
		return core.Counts{}, core.Unavailable("sql count", err)
	}

	var c core.Counts
	for _, r := range rows {
		switch core.State(r.State) {
		case core.StateWaiting:
			c.Waiting = r.N
		case core.StateActive:
			c.Active = r.N
		case core.StateDelayed:
			c.Delayed = r.N
		case core.StateCompleted:
			c.Completed = r.N
		case core.StateFailed:
			c.Failed = r.N
		}
	}
	return c, nil
}

func (s *Source) Clear(ctx context.Context, jobType string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jobs WHERE type = ?;`), jobType)
	if err != nil {
		return core.Unavailable("sql clear", err)
	}
	return nil
}

func (s *Source) Close() error {
	return s.db.Close()
}

func (s *Source) missOrConflict(ctx context.Context, jobID int64) error {
	_, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return core.ErrStateConflict
}

func toRow(job *core.Job) jobRow {
	var policy string
	if job.Backoff != nil {
		data, _ := json.Marshal(job.Backoff)
		policy = string(data)
	}

	return jobRow{
		ID:               job.ID,
		Type:             job.Type,
		Payload:          job.Payload,
		Priority:         int(job.Priority),
		AttemptsMax:      job.AttemptsMax,
		AttemptsMade:     job.AttemptsMade,
		State:            string(job.State),
		CreatedAt:        msOf(job.CreatedAt),
		UpdatedAt:        msOf(job.UpdatedAt),
		ScheduledAt:      msOf(job.ScheduledAt),
		RemoveOnComplete: intOf(job.RemoveOnComplete),
		Backoff:          policy,
		LastError:        job.LastError,
		Result:           job.Result,
		WorkerID:         job.WorkerID,
		ClaimedAt:        msOf(job.ClaimedAt),
		HeartbeatAt:      msOf(job.HeartbeatAt),
		CancelRequested:  intOf(job.CancelRequested),
	}
}

func (r jobRow) toJob() (*core.Job, error) {
	job := &core.Job{
		ID:               r.ID,
		Type:             r.Type,
		Priority:         core.Priority(r.Priority),
		AttemptsMax:      r.AttemptsMax,
		AttemptsMade:     r.AttemptsMade,
		State:            core.State(r.State),
		CreatedAt:        timeOf(r.CreatedAt),
		UpdatedAt:        timeOf(r.UpdatedAt),
		ScheduledAt:      timeOf(r.ScheduledAt),
		RemoveOnComplete: r.RemoveOnComplete == 1,
		LastError:        r.LastError,
		WorkerID:         r.WorkerID,
		ClaimedAt:        timeOf(r.ClaimedAt),
		HeartbeatAt:      timeOf(r.HeartbeatAt),
		CancelRequested:  r.CancelRequested == 1,
	}
	if len(r.Payload) > 0 {
		job.Payload = json.RawMessage(r.Payload)
	}
	if len(r.Result) > 0 {
		job.Result = json.RawMessage(r.Result)
	}
	if r.Backoff != "" {
		var p backoff.Policy
		if err := json.Unmarshal([]byte(r.Backoff), &p); err != nil {
			return nil, fmt.Errorf("sql: parse backoff of job %d: %w", r.ID, err)
		}
		job.Backoff = &p
	}
	return job, nil
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func intOf(b bool) int {
	if b {
		return 1
	}
	return 0
}
