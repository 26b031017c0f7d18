package querygate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// releaseTimeout bounds cleanup calls made after the caller may have gone away.
const releaseTimeout = 3 * time.Second

// memoLength caps the SQL excerpt stored with committed usage.
const memoLength = 100

// Coordinator decides, per request, whether a query is served from cache,
// admitted for asynchronous execution, or rejected. It holds no per-request
// state; all shared state lives in the ledger.
type Coordinator struct {
	cfg        Config
	dispatcher Dispatcher
	estimator  CostEstimator
	ledger     Ledger
	cache      CacheProbe
	limits     LimitSource
	observer   Observer
	health     *BackendHealth
	clock      PeriodClock
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEstimator sets the cost estimator.
func WithEstimator(e CostEstimator) Option {
	return func(c *Coordinator) { c.estimator = e }
}

// WithLedger sets the quota ledger.
func WithLedger(l Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithCacheProbe sets the cache probe.
func WithCacheProbe(p CacheProbe) Option {
	return func(c *Coordinator) { c.cache = p }
}

// WithLimits sets the per-identity limit source.
func WithLimits(l LimitSource) Option {
	return func(c *Coordinator) { c.limits = l }
}

// WithObserver sets the transition observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithBackendHealth sets the dispatch circuit breaker.
func WithBackendHealth(h *BackendHealth) Option {
	return func(c *Coordinator) { c.health = h }
}

// WithClock sets the period clock.
func WithClock(clock PeriodClock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// NewCoordinator creates a Coordinator that dispatches through d.
// The estimator defaults to a constant DefaultCost, the cache to an
// always-miss probe and limits to the config's static limits. A ledger is
// required: admission without a quota check is never implied.
func NewCoordinator(cfg Config, d Dispatcher, opts ...Option) (*Coordinator, error) {
	if d == nil {
		return nil, fmt.Errorf("querygate: a dispatcher is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:        cfg,
		dispatcher: d,
		health:     NewBackendHealth(),
		clock:      NewPeriodClock(cfg.Location()),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.ledger == nil {
		return nil, fmt.Errorf("querygate: a ledger is required")
	}
	if c.estimator == nil {
		cost := *cfg.DefaultCost
		c.estimator = EstimatorFunc(func(context.Context, Identity, Query) (int64, error) { return cost, nil })
	}
	if c.cache == nil {
		c.cache = noopCacheProbe{}
	}
	if c.limits == nil {
		c.limits = cfg.LimitSource()
	}
	if c.observer == nil {
		c.observer = noopObserver{}
	}
	return c, nil
}

// Admit runs the admission state machine for one request. The returned
// Decision always carries an Outcome when err is nil or one of the
// documented admission errors (*QuotaExceededError, *DispatchError,
// *StoreError).
func (c *Coordinator) Admit(ctx context.Context, req Request) (Decision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if strings.TrimSpace(req.Query.SQL) == "" {
		return Decision{RequestID: req.ID}, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}

	fp := FingerprintOf(req.Query)
	tr := &tracker{obs: c.observer, req: req, fp: fp, start: time.Now(), state: StateStart}
	dec := Decision{RequestID: req.ID, Fingerprint: fp}

	// CacheCheck: only for non-forced requests.
	if !req.Force {
		tr.move(StateCacheCheck, NoteNone, nil)
		entry, hit, err := c.cache.Lookup(ctx, fp)
		switch {
		case err != nil:
			tr.note(NoteCacheUnavailable, err)
		case hit && entry.Fingerprint == fp:
			tr.move(StateServedFromCache, NoteNone, nil)
			dec.Outcome = OutcomeServedFromCache
			dec.Cached = &entry
			return dec, nil
		}
	}

	// CostEstimation
	tr.move(StateCostEstimation, NoteNone, nil)
	cost, err := boundedEstimate(ctx, c.estimator, c.cfg.EstimateTimeout, *c.cfg.DefaultCost, req.Identity, req.Query)
	tr.cost = cost
	dec.Cost = cost
	if err != nil {
		tr.note(NoteEstimationDegraded, err)
	}

	backend := c.dispatcher.Name()
	if !c.health.Allow(backend) {
		tr.move(StateDispatchFailed, NoteBackendUnhealthy, ErrBackendUnhealthy)
		tr.move(StateQuotaReleased, NoteNone, nil)
		dec.Outcome = OutcomeDispatchFailed
		return dec, &DispatchError{Backend: backend, Err: ErrBackendUnhealthy}
	}

	// QuotaReservation
	var res Reservation
	enforce := req.Identity != ""
	if enforce {
		tr.move(StateQuotaReservation, NoteNone, nil)
		res, err = c.reserve(ctx, req.Identity, cost)
		if err != nil {
			c.health.RecordAbandoned(backend)
			if errors.Is(err, ErrQuotaExceeded) {
				tr.move(StateRejected, NoteNone, err)
				dec.Outcome = OutcomeRejected
				return dec, err
			}
			tr.move(StateUnavailable, NoteNone, err)
			dec.Outcome = OutcomeUnavailable
			return dec, err
		}
		res.Memo = memo(req.Query.SQL)
	} else {
		tr.note(NoteQuotaSkipped, nil)
	}

	// Dispatch
	tr.move(StateDispatch, NoteNone, nil)
	sub := Submission{
		RequestID:     req.ID,
		Identity:      req.Identity,
		Query:         req.Query,
		Fingerprint:   fp,
		Cost:          cost,
		ReservationID: res.ID,
	}
	if *c.cfg.AnnotateSQL {
		sub.Query.SQL = AnnotateSQL(req.Identity, req.Query.SQL)
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	handle, err := c.dispatcher.Submit(dctx, sub)
	cancel()
	if err != nil {
		// A caller that went away says nothing about the backend.
		if ctx.Err() != nil {
			c.health.RecordAbandoned(backend)
		} else {
			c.health.RecordFailure(backend)
		}
		var de *DispatchError
		if !errors.As(err, &de) {
			de = &DispatchError{Backend: backend, Err: err}
		}
		tr.move(StateDispatchFailed, NoteNone, de)
		if enforce {
			if rerr := c.release(ctx, res); rerr != nil {
				tr.note(NoteReleaseFailed, rerr)
			}
		}
		tr.move(StateQuotaReleased, NoteNone, nil)
		dec.Outcome = OutcomeDispatchFailed
		return dec, de
	}
	c.health.RecordSuccess(backend)

	// Submission is the accepted commit point: cost is an estimate, not a
	// measurement, so there is nothing to wait for.
	if enforce {
		if cerr := c.commit(ctx, res); cerr != nil {
			tr.note(NoteCommitFailed, cerr)
		}
	}

	tr.move(StateAdmitted, NoteNone, nil)
	dec.Outcome = OutcomeAdmitted
	dec.Job = handle
	return dec, nil
}

// Usage returns the identity's usage and limit for the current period.
func (c *Coordinator) Usage(ctx context.Context, identity Identity) (Usage, int64, error) {
	limit, err := c.limits.Limit(ctx, identity)
	if err != nil {
		return Usage{}, 0, asStoreError("limits", "limit", err)
	}
	u, err := c.ledger.Usage(ctx, identity, c.clock.Current())
	if err != nil {
		return Usage{}, 0, asStoreError("ledger", "usage", err)
	}
	return u, limit, nil
}

func (c *Coordinator) reserve(ctx context.Context, identity Identity, cost int64) (Reservation, error) {
	limit, err := c.limits.Limit(ctx, identity)
	if err != nil {
		return Reservation{}, asStoreError("limits", "limit", err)
	}
	res, err := c.ledger.Reserve(ctx, identity, c.clock.Current(), cost, limit)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return Reservation{}, err
		}
		return Reservation{}, asStoreError("ledger", "reserve", err)
	}
	return res, nil
}

// release runs detached from the caller's cancellation; the reservation TTL
// covers the case where even this fails.
func (c *Coordinator) release(ctx context.Context, res Reservation) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	return c.ledger.Release(ctx, res)
}

func (c *Coordinator) commit(ctx context.Context, res Reservation) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt <= *c.cfg.CommitRetries; attempt++ {
		if err = c.ledger.Commit(ctx, res); err == nil {
			return nil
		}
		if errors.Is(err, ErrReservationReleased) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func asStoreError(store, op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &StoreError{Store: store, Op: op, Err: err}
}

func memo(sql string) string {
	s := NormalizeSQL(sql)
	if r := []rune(s); len(r) > memoLength {
		s = string(r[:memoLength])
	}
	return s
}

// tracker emits transition events for one request.
type tracker struct {
	obs   Observer
	req   Request
	fp    Fingerprint
	start time.Time
	state State
	cost  int64
}

func (t *tracker) move(to State, note Note, err error) {
	t.emit(t.state, to, note, err)
	t.state = to
}

func (t *tracker) note(note Note, err error) {
	t.emit(t.state, t.state, note, err)
}

func (t *tracker) emit(from, to State, note Note, err error) {
	t.obs.OnTransition(TransitionEvent{
		RequestID:   t.req.ID,
		Identity:    t.req.Identity,
		Fingerprint: t.fp,
		From:        from,
		To:          to,
		Force:       t.req.Force,
		Cost:        t.cost,
		Note:        note,
		Err:         err,
		Elapsed:     time.Since(t.start),
	})
}
