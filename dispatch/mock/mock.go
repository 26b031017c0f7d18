// Package mock provides a scriptable Dispatcher for tests.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/querygate"
)

// Dispatcher records submissions and accepts or rejects them as configured.
type Dispatcher struct {
	name       string
	latency    time.Duration
	failAfter  int
	callCount  atomic.Int64
	staticErr  error
	submitFunc func(querygate.Submission) (querygate.JobHandle, error)

	mu          sync.Mutex
	submissions []querygate.Submission
}

var _ querygate.Dispatcher = (*Dispatcher)(nil)

// Option configures a mock Dispatcher.
type Option func(*Dispatcher)

// New creates a mock dispatcher with the given options.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{name: "mock"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithName sets the backend name.
func WithName(name string) Option {
	return func(d *Dispatcher) { d.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(l time.Duration) Option {
	return func(d *Dispatcher) { d.latency = l }
}

// WithFailAfter makes the dispatcher reject after N accepted submissions.
func WithFailAfter(n int) Option {
	return func(d *Dispatcher) { d.failAfter = n }
}

// WithError makes the dispatcher always return this error.
func WithError(err error) Option {
	return func(d *Dispatcher) { d.staticErr = err }
}

// WithSubmitFunc sets a custom submit function.
func WithSubmitFunc(fn func(querygate.Submission) (querygate.JobHandle, error)) Option {
	return func(d *Dispatcher) { d.submitFunc = fn }
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) Submit(ctx context.Context, sub querygate.Submission) (querygate.JobHandle, error) {
	if d.latency > 0 {
		select {
		case <-time.After(d.latency):
		case <-ctx.Done():
			return querygate.JobHandle{}, ctx.Err()
		}
	}

	count := d.callCount.Add(1)

	if d.staticErr != nil {
		return querygate.JobHandle{}, d.staticErr
	}

	if d.failAfter > 0 && int(count) > d.failAfter {
		return querygate.JobHandle{}, &querygate.DispatchError{Backend: d.name, Err: querygate.ErrDispatchRejected}
	}

	if d.submitFunc != nil {
		h, err := d.submitFunc(sub)
		if err == nil {
			d.record(sub)
		}
		return h, err
	}

	d.record(sub)
	return querygate.JobHandle{Token: uuid.NewString()}, nil
}

func (d *Dispatcher) record(sub querygate.Submission) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submissions = append(d.submissions, sub)
}

// CallCount returns the number of Submit calls, accepted or not.
func (d *Dispatcher) CallCount() int64 { return d.callCount.Load() }

// Submissions returns the accepted submissions in order.
func (d *Dispatcher) Submissions() []querygate.Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]querygate.Submission(nil), d.submissions...)
}
