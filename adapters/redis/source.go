// Package redis implements core.Source on Redis. Each job is a hash; every
// job type owns one sorted set per state. Claims and transitions run as Lua
// scripts so they are atomic across processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

var (
	_ core.Source   = (*Source)(nil)
	_ core.Notifier = (*Source)(nil)
)

type Option func(*Source)

// WithPrefix sets the hash tag under which all keys live.
func WithPrefix(prefix string) Option {
	return func(s *Source) { s.keys = Keys{Prefix: prefix} }
}

type Source struct {
	client redis.UniversalClient
	keys   Keys
	owned  bool
}

// NewRedisSource dials a single Redis node and owns the connection.
func NewRedisSource(addr string, password string, db int, opts ...Option) (*Source, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	err := client.Ping(context.Background()).Err()
	if err != nil {
		client.Close()
		return nil, core.Unavailable("redis ping", err)
	}

	s := New(client, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client redis.UniversalClient, opts ...Option) *Source {
	s := &Source{
		client: client,
		keys:   Keys{Prefix: DefaultPrefix},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Source) Keys() Keys {
	return s.keys
}

func (s *Source) NextID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, s.keys.ID()).Result()
	if err != nil {
		return 0, core.Unavailable("redis next id", err)
	}
	return id, nil
}

func (s *Source) Enqueue(ctx context.Context, job *core.Job) error {
	args := []interface{}{job.IndexScore(), job.IndexMember(), job.Type}
	args = append(args, jobToArgs(job)...)

	ok, err := enqueueScript.Run(ctx, s.client, []string{
		s.keys.Job(job.ID),
		s.keys.Index(job.Type, job.State),
		s.keys.Types(),
	}, args...).Int64()
	if err != nil {
		return core.Unavailable("redis enqueue", err)
	}
	if ok == 0 {
		return core.ErrStateConflict
	}
	return nil
}

func (s *Source) Claim(ctx context.Context, jobType, workerID string, now time.Time) (*core.Job, error) {
	res, err := claimScript.Run(ctx, s.client, []string{
		s.keys.Index(jobType, core.StateWaiting),
		s.keys.Index(jobType, core.StateDelayed),
		s.keys.Index(jobType, core.StateActive),
	}, now.UnixMilli(), workerID, s.keys.jobPrefix()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNoJobsFound
	}
	if err != nil {
		return nil, core.Unavailable("redis claim", err)
	}

	return mapToJob(pairsToMap(res))
}

func (s *Source) Heartbeat(ctx context.Context, jobID int64, workerID string, now time.Time) (bool, error) {
	res, err := heartbeatScript.Run(ctx, s.client, []string{s.keys.Job(jobID)},
		workerID, now.UnixMilli(), jobID, s.keys.tag()).Int64()
	if err != nil {
		return false, core.Unavailable("redis heartbeat", err)
	}
	if res < 0 {
		return false, core.ErrUnknownClaim
	}
	return res == 1, nil
}

func (s *Source) Transition(ctx context.Context, job *core.Job, expect core.Expect, remove bool) error {
	from := &core.Job{ID: job.ID, CreatedAt: job.CreatedAt, State: expect.State}

	target, member := s.keys.Index(job.Type, job.State), ""
	var score float64
	if !remove && job.State != core.StateRemoved {
		score, member = job.IndexScore(), job.IndexMember()
	}

	args := []interface{}{
		string(expect.State),
		expect.WorkerID,
		msOf(expect.StaleBefore),
		from.IndexMember(),
		boolArg(remove),
		score,
		member,
	}
	if !remove {
		args = append(args, jobToArgs(job)...)
	}

	res, err := transitionScript.Run(ctx, s.client, []string{
		s.keys.Job(job.ID),
		s.keys.Index(job.Type, expect.State),
		target,
	}, args...).Int64()
	if err != nil {
		return core.Unavailable("redis transition", err)
	}

	switch res {
	case -1:
		return core.ErrJobNotFound
	case 0:
		return core.ErrStateConflict
	}
	return nil
}

func (s *Source) RequestCancel(ctx context.Context, jobID int64) error {
	res, err := cancelScript.Run(ctx, s.client, []string{s.keys.Job(jobID)}).Int64()
	if err != nil {
		return core.Unavailable("redis cancel", err)
	}

	switch res {
	case -1:
		return core.ErrJobNotFound
	case 0:
		return core.ErrStateConflict
	}
	return nil
}

func (s *Source) Stale(ctx context.Context, cutoff time.Time) ([]*core.Job, error) {
	types, err := s.client.SMembers(ctx, s.keys.Types()).Result()
	if err != nil {
		return nil, core.Unavailable("redis stale types", err)
	}

	var stale []*core.Job
	for _, jobType := range types {
		ids, err := s.client.ZRangeByScore(ctx, s.keys.Index(jobType, core.StateActive), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return nil, core.Unavailable("redis stale range", err)
		}

		for _, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			job, err := s.GetJob(ctx, id)
			if errors.Is(err, core.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if job.State == core.StateActive && job.HeartbeatAt.Before(cutoff) {
				stale = append(stale, job)
			}
		}
	}
	return stale, nil
}

func (s *Source) GetJob(ctx context.Context, jobID int64) (*core.Job, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.Job(jobID)).Result()
	if err != nil {
		return nil, core.Unavailable("redis get job", err)
	}
	if len(vals) == 0 {
		return nil, core.ErrJobNotFound
	}
	return mapToJob(vals)
}

func (s *Source) Count(ctx context.Context, jobType string) (core.Counts, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[core.State]*redis.IntCmd, len(core.Indexed))
	for _, state := range core.Indexed {
		cmds[state] = pipe.ZCard(ctx, s.keys.Index(jobType, state))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.Counts{}, core.Unavailable("redis count", err)
	}

	return core.Counts{
		Waiting:   int(cmds[core.StateWaiting].Val()),
		Active:    int(cmds[core.StateActive].Val()),
		Delayed:   int(cmds[core.StateDelayed].Val()),
		Completed: int(cmds[core.StateCompleted].Val()),
		Failed:    int(cmds[core.StateFailed].Val()),
	}, nil
}

func (s *Source) Clear(ctx context.Context, jobType string) error {
	var keys []string
	for _, state := range core.Indexed {
		index := s.keys.Index(jobType, state)
		members, err := s.client.ZRange(ctx, index, 0, -1).Result()
		if err != nil {
			return core.Unavailable("redis clear", err)
		}
		for _, m := range members {
			if i := strings.LastIndexByte(m, ':'); i >= 0 {
				m = m[i+1:]
			}
			id, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			keys = append(keys, s.keys.Job(id))
		}
		keys = append(keys, index)
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return core.Unavailable("redis clear", err)
	}
	return nil
}

func (s *Source) Notify(ctx context.Context, jobType string) error {
	if err := s.client.Publish(ctx, s.keys.Channel(jobType), "1").Err(); err != nil {
		return core.Unavailable("redis publish", err)
	}
	return nil
}

func (s *Source) Subscribe(ctx context.Context, jobType string) (<-chan struct{}, error) {
	sub := s.client.Subscribe(ctx, s.keys.Channel(jobType))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, core.Unavailable("redis subscribe", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, nil
}

func (s *Source) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func jobToArgs(job *core.Job) []interface{} {
	var policy string
	if job.Backoff != nil {
		data, _ := json.Marshal(job.Backoff)
		policy = string(data)
	}

	return []interface{}{
		"id", job.ID,
		"type", job.Type,
		"payload", string(job.Payload),
		"priority", int(job.Priority),
		"attempts_max", job.AttemptsMax,
		"attempts_made", job.AttemptsMade,
		"state", string(job.State),
		"created_at", msOf(job.CreatedAt),
		"updated_at", msOf(job.UpdatedAt),
		"scheduled_at", msOf(job.ScheduledAt),
		"remove_on_complete", boolArg(job.RemoveOnComplete),
		"backoff", policy,
		"last_error", job.LastError,
		"result", string(job.Result),
		"worker_id", job.WorkerID,
		"claimed_at", msOf(job.ClaimedAt),
		"heartbeat_at", msOf(job.HeartbeatAt),
		"cancel_requested", boolArg(job.CancelRequested),
		"rank", job.Rank(),
	}
}

func mapToJob(m map[string]string) (*core.Job, error) {
	id, err := strconv.ParseInt(m["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse job id %q: %w", m["id"], err)
	}

	priority, _ := strconv.Atoi(m["priority"])
	attemptsMax, _ := strconv.Atoi(m["attempts_max"])
	attemptsMade, _ := strconv.Atoi(m["attempts_made"])

	job := &core.Job{
		ID:               id,
		Type:             m["type"],
		Priority:         core.Priority(priority),
		AttemptsMax:      attemptsMax,
		AttemptsMade:     attemptsMade,
		State:            core.State(m["state"]),
		CreatedAt:        timeOf(m["created_at"]),
		UpdatedAt:        timeOf(m["updated_at"]),
		ScheduledAt:      timeOf(m["scheduled_at"]),
		RemoveOnComplete: m["remove_on_complete"] == "1",
		LastError:        m["last_error"],
		WorkerID:         m["worker_id"],
		ClaimedAt:        timeOf(m["claimed_at"]),
		HeartbeatAt:      timeOf(m["heartbeat_at"]),
		CancelRequested:  m["cancel_requested"] == "1",
	}
	if v := m["payload"]; v != "" {
		job.Payload = json.RawMessage(v)
	}
	if v := m["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	if v := m["backoff"]; v != "" {
		var p backoff.Policy
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("redis: parse backoff of job %d: %w", id, err)
		}
		job.Backoff = &p
	}
	return job, nil
}

func pairsToMap(pairs []interface{}) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		m[k] = v
	}
	return m
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
