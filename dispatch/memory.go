// Package dispatch provides Dispatcher implementations.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ineyio/querygate"
)

const sinkTimeout = 5 * time.Second

var (
	// ErrQueueFull is returned when the backlog is at capacity.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrClosed is returned after the pool has stopped.
	ErrClosed = errors.New("dispatch: closed")
)

// Executor runs one job and returns the result artifact.
type Executor func(ctx context.Context, job querygate.Job) ([]byte, error)

// ResultSink receives artifacts of successful jobs, typically a cache writer.
type ResultSink interface {
	Put(ctx context.Context, fp querygate.Fingerprint, artifact []byte) error
}

// Memory is an in-process bounded queue drained by a worker pool.
type Memory struct {
	name       string
	exec       Executor
	sink       ResultSink
	logger     *zap.Logger
	workers    int
	waitWindow time.Duration
	now        func() time.Time

	queue chan *entry

	mu     sync.Mutex
	jobs   map[string]*entry
	closed bool
}

var _ querygate.Dispatcher = (*Memory)(nil)

type entry struct {
	job     querygate.Job
	updates chan querygate.JobState
}

// Option configures Memory.
type Option func(*Memory)

// WithName sets the backend name reported in errors and events.
func WithName(name string) Option {
	return func(m *Memory) { m.name = name }
}

// WithBacklog sets the queue capacity (default 100).
func WithBacklog(n int) Option {
	return func(m *Memory) { m.queue = make(chan *entry, n) }
}

// WithWorkers sets the number of concurrent executors (default 4).
func WithWorkers(n int) Option {
	return func(m *Memory) { m.workers = n }
}

// WithWaitWindow bounds how long a job may wait and run before it is
// marked expired (default querygate.DefaultJobWaitWindow).
func WithWaitWindow(d time.Duration) Option {
	return func(m *Memory) { m.waitWindow = d }
}

// WithResultSink stores successful artifacts.
func WithResultSink(s ResultSink) Option {
	return func(m *Memory) { m.sink = s }
}

// WithLogger sets the logger for failures that do not fail the job, such
// as result sink writes.
func WithLogger(l *zap.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a pool executing jobs with exec. Call Run to start it.
func NewMemory(exec Executor, opts ...Option) *Memory {
	m := &Memory{
		name:       "memory",
		exec:       exec,
		workers:    4,
		waitWindow: querygate.DefaultJobWaitWindow,
		now:        time.Now,
		jobs:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queue == nil {
		m.queue = make(chan *entry, 100)
	}
	if m.workers <= 0 {
		m.workers = 1
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

func (m *Memory) Name() string { return m.name }

// Submit enqueues without blocking. A full queue is a rejection.
func (m *Memory) Submit(ctx context.Context, sub querygate.Submission) (querygate.JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return querygate.JobHandle{}, &querygate.DispatchError{Backend: m.name, Err: err}
	}

	now := m.now()
	e := &entry{
		job: querygate.Job{
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
		},
		// pending, running and one terminal state.
		updates: make(chan querygate.JobState, 3),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return querygate.JobHandle{}, &querygate.DispatchError{Backend: m.name, Err: ErrClosed}
	}
	m.pruneLocked(now)

	select {
	case m.queue <- e:
	default:
		return querygate.JobHandle{}, &querygate.DispatchError{Backend: m.name, Err: ErrQueueFull}
	}
	m.jobs[e.job.Token] = e
	e.updates <- querygate.JobPending

	return querygate.JobHandle{Token: e.job.Token, Updates: e.updates}, nil
}

// Status returns a snapshot of the job.
func (m *Memory) Status(token string) (querygate.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[token]
	if !ok {
		return querygate.Job{}, false
	}
	return e.job, true
}

// Backlog returns the number of queued jobs not yet picked up.
func (m *Memory) Backlog() int { return len(m.queue) }

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned. Jobs still queued at that point are marked expired.
func (m *Memory) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range m.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(ctx)
		}()
	}
	<-ctx.Done()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	wg.Wait()

	for {
		select {
		case e := <-m.queue:
			m.finish(e, querygate.JobExpired, nil, context.Canceled)
		default:
			return nil
		}
	}
}

func (m *Memory) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.queue:
			if ctx.Err() != nil {
				m.finish(e, querygate.JobExpired, nil, ctx.Err())
				continue
			}
			m.execute(ctx, e)
		}
	}
}

func (m *Memory) execute(ctx context.Context, e *entry) {
	deadline := e.job.CreatedAt.Add(m.waitWindow)
	if !m.now().Before(deadline) {
		m.finish(e, querygate.JobExpired, nil, context.DeadlineExceeded)
		return
	}
	job := m.transition(e, querygate.JobRunning, "")

	jctx, cancel := context.WithTimeout(ctx, deadline.Sub(m.now()))
	defer cancel()

	artifact, err := m.exec(jctx, job)
	switch {
	case err == nil:
		m.finish(e, querygate.JobSucceeded, artifact, nil)
	case errors.Is(jctx.Err(), context.DeadlineExceeded):
		m.finish(e, querygate.JobExpired, nil, err)
	default:
		m.finish(e, querygate.JobFailed, nil, err)
	}
}

func (m *Memory) finish(e *entry, state querygate.JobState, artifact []byte, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if state == querygate.JobSucceeded && m.sink != nil {
		// The job still succeeded; the next identical query just misses.
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if perr := m.sink.Put(ctx, e.job.Fingerprint, artifact); perr != nil {
			m.logger.Warn("result sink write failed",
				zap.String("backend", m.name),
				zap.String("job_token", e.job.Token),
				zap.String("fingerprint", string(e.job.Fingerprint)),
				zap.Error(perr),
			)
		}
		cancel()
	}
	m.transition(e, state, msg)
	close(e.updates)
}

func (m *Memory) transition(e *entry, state querygate.JobState, msg string) querygate.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.job.State = state
	e.job.Error = msg
	e.job.UpdatedAt = m.now()
	select {
	case e.updates <- state:
	default:
	}
	return e.job
}

// pruneLocked drops finished jobs once they are older than the wait window.
func (m *Memory) pruneLocked(now time.Time) {
	for token, e := range m.jobs {
		if e.job.State.Terminal() && now.Sub(e.job.UpdatedAt) > m.waitWindow {
			delete(m.jobs, token)
		}
	}
}
