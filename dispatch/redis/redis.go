// Package redis provides a Dispatcher backed by a Redis list.
//
// Jobs are pushed as JSON onto one list and consumed by workers with BLMOVE
// into a processing list, so delivery is FIFO and a job leaves Redis only
// after its state has been recorded. Each job also owns a state hash with a
// TTL for status polling. The backlog check and the push are a single Lua
// script: a full queue rejects atomically across admission instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/querygate"
)

// ErrQueueFull is returned when the list holds maxBacklog jobs.
var ErrQueueFull = errors.New("querygate/redis: queue full")

// Queue is a Redis list Dispatcher.
type Queue struct {
	client     goredis.Cmdable
	name       string
	keyPrefix  string
	maxBacklog int
	stateTTL   time.Duration
	now        func() time.Time
}

var _ querygate.Dispatcher = (*Queue)(nil)

// Option configures Queue.
type Option func(*Queue)

// WithKeyPrefix sets the Redis key prefix (default "querygate:jobs:").
func WithKeyPrefix(prefix string) Option {
	return func(q *Queue) { q.keyPrefix = prefix }
}

// WithMaxBacklog sets the queue length at which Submit rejects (default 100).
func WithMaxBacklog(n int) Option {
	return func(q *Queue) { q.maxBacklog = n }
}

// WithStateTTL sets how long job state is kept (default
// querygate.DefaultJobWaitWindow).
func WithStateTTL(d time.Duration) Option {
	return func(q *Queue) { q.stateTTL = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue.
func New(client goredis.Cmdable, opts ...Option) *Queue {
	q := &Queue{
		client:     client,
		name:       "redis",
		keyPrefix:  "querygate:jobs:",
		maxBacklog: 100,
		stateTTL:   querygate.DefaultJobWaitWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) listKey() string { return q.keyPrefix + "queue" }

func (q *Queue) processingKey() string { return q.keyPrefix + "processing" }

func (q *Queue) stateKey(token string) string { return q.keyPrefix + "state:" + token }

// submitScript pushes a job unless the backlog is full.
// KEYS[1] = queue list, KEYS[2] = job state hash
// ARGV[1] = max backlog, ARGV[2] = job JSON, ARGV[3] = state TTL (ms)
//
// Returns 1 on success, 0 when full.
var submitScript = goredis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[1]) then
    return 0
end
redis.call("LPUSH", KEYS[1], ARGV[2])
redis.call("HSET", KEYS[2], "job", ARGV[2], "state", "pending")
redis.call("PEXPIRE", KEYS[2], ARGV[3])
return 1
`)

// Submit enqueues the job.
func (q *Queue) Submit(ctx context.Context, sub querygate.Submission) (querygate.JobHandle, error) {
	now := q.now()
	job := querygate.Job{
		Token:         uuid.NewString(),
		RequestID:     sub.RequestID,
		Identity:      sub.Identity,
		Query:         sub.Query,
		Fingerprint:   sub.Fingerprint,
		Cost:          sub.Cost,
		ReservationID: sub.ReservationID,
		State:         querygate.JobPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return querygate.JobHandle{}, &querygate.DispatchError{Backend: q.name, Err: err}
	}

	ok, err := submitScript.Run(ctx, q.client,
		[]string{q.listKey(), q.stateKey(job.Token)},
		q.maxBacklog, payload, q.stateTTL.Milliseconds(),
	).Int()
	if err != nil {
		return querygate.JobHandle{}, &querygate.DispatchError{Backend: q.name, Err: fmt.Errorf("submit: %w", err)}
	}
	if ok == 0 {
		return querygate.JobHandle{}, &querygate.DispatchError{Backend: q.name, Err: ErrQueueFull}
	}
	return querygate.JobHandle{Token: job.Token}, nil
}

// ackScript records the job's first worker-side state and only then drops
// it from the processing list. A failed HSET aborts the script before LREM.
// KEYS[1] = processing list, KEYS[2] = job state hash
// ARGV[1] = job JSON, ARGV[2] = state, ARGV[3] = updated_at (ms),
// ARGV[4] = state TTL (ms)
var ackScript = goredis.NewScript(`
redis.call("HSET", KEYS[2], "state", ARGV[2], "error", "", "updated_at", ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[4])
redis.call("LREM", KEYS[1], 1, ARGV[1])
return 1
`)

// requeueScript puts a job taken by Next back at the head of the queue.
// KEYS[1] = processing list, KEYS[2] = queue list
// ARGV[1] = job JSON
var requeueScript = goredis.NewScript(`
if redis.call("LREM", KEYS[1], 1, ARGV[1]) > 0 then
    redis.call("RPUSH", KEYS[2], ARGV[1])
end
return 1
`)

// Next blocks up to timeout for the oldest queued job and marks it running.
// It returns false when no job arrived in time. If the state cannot be
// recorded the job is put back at the head of the queue; should that fail
// too, it stays on the processing list until Recover.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) (querygate.Job, bool, error) {
	raw, err := q.client.BLMove(ctx, q.listKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, goredis.Nil) {
		return querygate.Job{}, false, nil
	}
	if err != nil {
		return querygate.Job{}, false, fmt.Errorf("querygate/redis: next: %w", err)
	}

	var job querygate.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Undecodable payloads can never run; drop them.
		q.client.LRem(ctx, q.processingKey(), 1, raw)
		return querygate.Job{}, false, fmt.Errorf("querygate/redis: decode job: %w", err)
	}

	state := querygate.JobRunning
	if q.now().Sub(job.CreatedAt) >= q.stateTTL {
		state = querygate.JobExpired
	}
	err = ackScript.Run(ctx, q.client,
		[]string{q.processingKey(), q.stateKey(job.Token)},
		raw, string(state), q.now().UnixMilli(), q.stateTTL.Milliseconds(),
	).Err()
	if err != nil {
		rctx := context.WithoutCancel(ctx)
		if rerr := requeueScript.Run(rctx, q.client, []string{q.processingKey(), q.listKey()}, raw).Err(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return querygate.Job{}, false, fmt.Errorf("querygate/redis: set state: %w", err)
	}
	job.State = state
	return job, true, nil
}

// Recover moves every job left on the processing list back onto the queue,
// oldest first, and returns how many it moved. Call it before workers start:
// jobs held by live workers would be delivered twice.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey(), q.listKey(), "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("querygate/redis: recover: %w", err)
		}
		n++
	}
}

// SetState records a job transition for pollers.
func (q *Queue) SetState(ctx context.Context, token string, state querygate.JobState, errMsg string) error {
	key := q.stateKey(token)
	_, err := q.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key, "state", string(state), "error", errMsg, "updated_at", q.now().UnixMilli())
		p.PExpire(ctx, key, q.stateTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("querygate/redis: set state: %w", err)
	}
	return nil
}

// Status returns the job and its latest state. Unknown or expired tokens
// return false.
func (q *Queue) Status(ctx context.Context, token string) (querygate.Job, bool, error) {
	fields, err := q.client.HGetAll(ctx, q.stateKey(token)).Result()
	if err != nil {
		return querygate.Job{}, false, fmt.Errorf("querygate/redis: status: %w", err)
	}
	raw, ok := fields["job"]
	if !ok {
		return querygate.Job{}, false, nil
	}

	var job querygate.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return querygate.Job{}, false, fmt.Errorf("querygate/redis: decode job: %w", err)
	}
	job.State = querygate.JobState(fields["state"])
	job.Error = fields["error"]
	if ms, err := parseMillis(fields["updated_at"]); err == nil {
		job.UpdatedAt = ms
	}
	return job, true, nil
}

// Backlog returns the number of queued jobs.
func (q *Queue) Backlog(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.listKey()).Result()
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
