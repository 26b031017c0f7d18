package querygate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/querygate"
	"github.com/ineyio/querygate/cache"
	"github.com/ineyio/querygate/dispatch/mock"
	"github.com/ineyio/querygate/ledger"
)

// countingLedger wraps a Ledger and counts calls.
type countingLedger struct {
	qg.Ledger
	reserves atomic.Int64
	commits  atomic.Int64
	releases atomic.Int64

	reserveErr error
	commitErr  error
}

func (l *countingLedger) Reserve(ctx context.Context, id qg.Identity, p qg.Period, amount, limit int64) (qg.Reservation, error) {
	l.reserves.Add(1)
	if l.reserveErr != nil {
		return qg.Reservation{}, l.reserveErr
	}
	return l.Ledger.Reserve(ctx, id, p, amount, limit)
}

func (l *countingLedger) Commit(ctx context.Context, r qg.Reservation) error {
	l.commits.Add(1)
	if l.commitErr != nil {
		return l.commitErr
	}
	return l.Ledger.Commit(ctx, r)
}

func (l *countingLedger) Release(ctx context.Context, r qg.Reservation) error {
	l.releases.Add(1)
	return l.Ledger.Release(ctx, r)
}

type recorder struct {
	mu     sync.Mutex
	events []qg.TransitionEvent
}

func (r *recorder) OnTransition(e qg.TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// path returns the visited states, skipping note-only events.
func (r *recorder) path() []qg.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []qg.State
	for _, e := range r.events {
		if e.From != e.To {
			out = append(out, e.To)
		}
	}
	return out
}

func (r *recorder) notes() []qg.Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []qg.Note
	for _, e := range r.events {
		if e.Note != qg.NoteNone {
			out = append(out, e.Note)
		}
	}
	return out
}

type errProbe struct{ err error }

func (p errProbe) Lookup(context.Context, qg.Fingerprint) (qg.CacheEntry, bool, error) {
	return qg.CacheEntry{}, false, p.err
}

type env struct {
	coord  *qg.Coordinator
	ledger *countingLedger
	cache  *cache.Memory
	disp   *mock.Dispatcher
	rec    *recorder
}

func newEnv(t *testing.T, cfg qg.Config, disp *mock.Dispatcher, opts ...qg.Option) *env {
	t.Helper()
	e := &env{
		ledger: &countingLedger{Ledger: ledger.NewMemory()},
		cache:  cache.NewMemory(time.Hour),
		disp:   disp,
		rec:    &recorder{},
	}
	base := []qg.Option{
		qg.WithLedger(e.ledger),
		qg.WithCacheProbe(e.cache),
		qg.WithObserver(e.rec),
	}
	coord, err := qg.NewCoordinator(cfg, disp, append(base, opts...)...)
	require.NoError(t, err)
	e.coord = coord
	return e
}

func (e *env) prior(t *testing.T, id qg.Identity, amount int64) {
	t.Helper()
	ctx := context.Background()
	res, err := e.ledger.Ledger.Reserve(ctx, id, today(), amount, 1<<40)
	require.NoError(t, err)
	require.NoError(t, e.ledger.Ledger.Commit(ctx, res))
}

func (e *env) usage(t *testing.T, id qg.Identity) qg.Usage {
	t.Helper()
	u, err := e.ledger.Usage(context.Background(), id, today())
	require.NoError(t, err)
	return u
}

func today() qg.Period { return qg.NewPeriodClock(time.UTC).Current() }

func request(id qg.Identity, sql string, force bool) qg.Request {
	return qg.Request{
		Identity: id,
		Query:    qg.Query{Kind: qg.QuerySQLLab, Datasource: "1", SQL: sql},
		Force:    force,
	}
}

func TestScenarioA_RejectedOverQuota(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New())
	e.prior(t, "u1", 950)

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.ErrorIs(t, err, qg.ErrQuotaExceeded)
	assert.Equal(t, qg.OutcomeRejected, d.Outcome)
	assert.False(t, qg.IsRetryable(err))

	qe, ok := qg.AsQuotaExceeded(err)
	require.True(t, ok)
	assert.Equal(t, int64(950), qe.Used)
	assert.Equal(t, int64(1000), qe.Limit)
	assert.Equal(t, int64(90), qe.Requested)

	assert.Zero(t, e.disp.CallCount())
	assert.Equal(t, qg.Usage{Reserved: 950, Committed: 950}, e.usage(t, "u1"))
	assert.Equal(t, qg.StateRejected, e.rec.path()[len(e.rec.path())-1])
}

func TestScenarioB_AdmittedAndCommitted(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New())
	e.prior(t, "u1", 55)

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, qg.OutcomeAdmitted, d.Outcome)
	assert.NotEmpty(t, d.Job.Token)
	assert.Equal(t, int64(90), d.Cost)

	assert.Equal(t, int64(145), e.usage(t, "u1").Committed)
	assert.Equal(t, []qg.State{
		qg.StateCacheCheck,
		qg.StateCostEstimation,
		qg.StateQuotaReservation,
		qg.StateDispatch,
		qg.StateAdmitted,
	}, e.rec.path())

	subs := e.disp.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "--run: u1\nselect 1", subs[0].Query.SQL)
	assert.Equal(t, qg.FingerprintOf(request("u1", "select 1", false).Query), subs[0].Fingerprint)
	assert.NotEmpty(t, subs[0].ReservationID)
	assert.Equal(t, d.RequestID, subs[0].RequestID)
}

func TestScenarioC_DispatchFailureReleases(t *testing.T) {
	rejected := &qg.DispatchError{Backend: "mock", Err: errors.New("backlog full")}
	e := newEnv(t, qg.Config{}, mock.New(mock.WithError(rejected)))
	e.prior(t, "u1", 55)

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.ErrorIs(t, err, qg.ErrDispatchRejected)
	assert.True(t, qg.IsRetryable(err))
	assert.Equal(t, qg.OutcomeDispatchFailed, d.Outcome)

	assert.Equal(t, qg.Usage{Reserved: 55, Committed: 55}, e.usage(t, "u1"))
	assert.Equal(t, int64(1), e.ledger.releases.Load())
	path := e.rec.path()
	assert.Equal(t, []qg.State{qg.StateDispatchFailed, qg.StateQuotaReleased}, path[len(path)-2:])
}

func TestScenarioD_ForceSkipsCache(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New())
	req := request("u1", "select 1", true)
	require.NoError(t, e.cache.Put(context.Background(), qg.FingerprintOf(req.Query), []byte("cached")))

	d, err := e.coord.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, qg.OutcomeAdmitted, d.Outcome)
	assert.Nil(t, d.Cached)
	assert.NotEmpty(t, d.Job.Token)

	assert.Equal(t, int64(1), e.ledger.reserves.Load())
	assert.Equal(t, int64(1), e.disp.CallCount())
	assert.NotContains(t, e.rec.path(), qg.StateCacheCheck)
	assert.NotContains(t, e.rec.path(), qg.StateServedFromCache)
}

func TestCacheHit_IsQuotaFree(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New())
	e.prior(t, "u1", 1000)
	req := request("u1", "SELECT   1 ;", false)
	require.NoError(t, e.cache.Put(context.Background(), qg.FingerprintOf(qg.Query{Kind: qg.QuerySQLLab, Datasource: "1", SQL: "SELECT 1"}), []byte("artifact")))

	d, err := e.coord.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, qg.OutcomeServedFromCache, d.Outcome)
	require.NotNil(t, d.Cached)
	assert.Equal(t, []byte("artifact"), d.Cached.Artifact)

	assert.Zero(t, e.ledger.reserves.Load())
	assert.Zero(t, e.disp.CallCount())
	assert.Equal(t, []qg.State{qg.StateCacheCheck, qg.StateServedFromCache}, e.rec.path())
}

func TestCacheError_FailsOpen(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New(), qg.WithCacheProbe(errProbe{err: errors.New("redis down")}))

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, qg.OutcomeAdmitted, d.Outcome)
	assert.Contains(t, e.rec.notes(), qg.NoteCacheUnavailable)
}

func TestEstimator_Degrades(t *testing.T) {
	tests := []struct {
		name string
		est  qg.EstimatorFunc
	}{
		{"error", func(context.Context, qg.Identity, qg.Query) (int64, error) {
			return 0, errors.New("explain failed")
		}},
		{"negative", func(context.Context, qg.Identity, qg.Query) (int64, error) {
			return -5, nil
		}},
		{"panic", func(context.Context, qg.Identity, qg.Query) (int64, error) {
			panic("boom")
		}},
		{"timeout", func(ctx context.Context, _ qg.Identity, _ qg.Query) (int64, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return 1, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost := int64(42)
			cfg := qg.Config{DefaultCost: &cost, EstimateTimeout: 20 * time.Millisecond}
			e := newEnv(t, cfg, mock.New(), qg.WithEstimator(tt.est))

			d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
			require.NoError(t, err)
			assert.Equal(t, qg.OutcomeAdmitted, d.Outcome)
			assert.Equal(t, int64(42), d.Cost)
			assert.Equal(t, int64(42), e.usage(t, "u1").Committed)
			assert.Contains(t, e.rec.notes(), qg.NoteEstimationDegraded)
		})
	}
}

func TestEstimator_ZeroCostAdmits(t *testing.T) {
	free := qg.EstimatorFunc(func(context.Context, qg.Identity, qg.Query) (int64, error) { return 0, nil })
	e := newEnv(t, qg.Config{}, mock.New(), qg.WithEstimator(free))
	e.prior(t, "u1", 1000)

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, qg.OutcomeAdmitted, d.Outcome)
}

func TestNoIdentity_SkipsQuota(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New())

	d, err := e.coord.Admit(context.Background(), request("", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, qg.OutcomeAdmitted, d.Outcome)
	assert.Zero(t, e.ledger.reserves.Load())
	assert.Contains(t, e.rec.notes(), qg.NoteQuotaSkipped)

	subs := e.disp.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "select 1", subs[0].Query.SQL)
	assert.Empty(t, subs[0].ReservationID)
}

func TestAnnotateSQL_Disabled(t *testing.T) {
	off := false
	e := newEnv(t, qg.Config{AnnotateSQL: &off}, mock.New())

	_, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, "select 1", e.disp.Submissions()[0].Query.SQL)
}

func TestPerIdentityLimits(t *testing.T) {
	cfg := qg.Config{Limits: map[qg.Identity]int64{"vip": 5000}}
	e := newEnv(t, cfg, mock.New())
	e.prior(t, "vip", 2000)

	_, err := e.coord.Admit(context.Background(), request("vip", "select 1", false))
	require.NoError(t, err)

	u, limit, err := e.coord.Usage(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), limit)
	assert.Equal(t, int64(2090), u.Committed)
}

func TestLedgerUnavailable(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New())
	e.ledger.reserveErr = errors.New("connection refused")

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.ErrorIs(t, err, qg.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, qg.ErrQuotaExceeded)
	assert.True(t, qg.IsRetryable(err))
	assert.Equal(t, qg.OutcomeUnavailable, d.Outcome)
	assert.Zero(t, e.disp.CallCount())
}

func TestCommitFailure_StillAdmitted(t *testing.T) {
	retries := 2
	e := newEnv(t, qg.Config{CommitRetries: &retries}, mock.New())
	e.ledger.commitErr = errors.New("timeout")

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, qg.OutcomeAdmitted, d.Outcome)
	assert.Equal(t, int64(3), e.ledger.commits.Load())
	assert.Contains(t, e.rec.notes(), qg.NoteCommitFailed)
}

func TestCommitRetries_ZeroMeansSingleAttempt(t *testing.T) {
	retries := 0
	e := newEnv(t, qg.Config{CommitRetries: &retries}, mock.New())
	e.ledger.commitErr = errors.New("timeout")

	_, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ledger.commits.Load())
}

func TestDefaultCost_ZeroMakesDegradedEstimateFree(t *testing.T) {
	cost := int64(0)
	failing := qg.EstimatorFunc(func(context.Context, qg.Identity, qg.Query) (int64, error) {
		return 0, errors.New("planner down")
	})
	e := newEnv(t, qg.Config{DefaultCost: &cost}, mock.New(), qg.WithEstimator(failing))

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Cost)
	assert.Contains(t, e.rec.notes(), qg.NoteEstimationDegraded)
}

func TestCallerCancellation_ReleasesReservation(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New(mock.WithLatency(time.Second)))
	e.prior(t, "u1", 55)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	d, err := e.coord.Admit(ctx, request("u1", "select 1", false))
	require.ErrorIs(t, err, qg.ErrDispatchRejected)
	assert.Equal(t, qg.OutcomeDispatchFailed, d.Outcome)
	assert.Equal(t, qg.Usage{Reserved: 55, Committed: 55}, e.usage(t, "u1"))
}

func TestCallerCancellation_DoesNotTripBreaker(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New(mock.WithLatency(50*time.Millisecond)))

	for range 5 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_, err := e.coord.Admit(ctx, request("u1", "select 1", true))
		cancel()
		require.ErrorIs(t, err, qg.ErrDispatchRejected)
	}

	d, err := e.coord.Admit(context.Background(), request("u2", "select 1", false))
	require.NoError(t, err)
	assert.Equal(t, qg.OutcomeAdmitted, d.Outcome)
	assert.NotContains(t, e.rec.notes(), qg.NoteBackendUnhealthy)
}

func TestDispatchTimeout_IsRejection(t *testing.T) {
	e := newEnv(t, qg.Config{DispatchTimeout: 20 * time.Millisecond}, mock.New(mock.WithLatency(time.Second)))

	d, err := e.coord.Admit(context.Background(), request("u1", "select 1", false))
	require.ErrorIs(t, err, qg.ErrDispatchRejected)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, qg.OutcomeDispatchFailed, d.Outcome)
	assert.Equal(t, qg.Usage{}, e.usage(t, "u1"))
}

func TestUnhealthyBackend_FailsFast(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New(mock.WithError(errors.New("no route to host"))))
	ctx := context.Background()

	for range 3 {
		_, err := e.coord.Admit(ctx, request("u1", "select 1", false))
		require.ErrorIs(t, err, qg.ErrDispatchRejected)
	}
	reserves := e.ledger.reserves.Load()

	d, err := e.coord.Admit(ctx, request("u1", "select 1", false))
	require.ErrorIs(t, err, qg.ErrBackendUnhealthy)
	require.ErrorIs(t, err, qg.ErrDispatchRejected)
	assert.Equal(t, qg.OutcomeDispatchFailed, d.Outcome)
	assert.Equal(t, int64(3), e.disp.CallCount())
	assert.Equal(t, reserves, e.ledger.reserves.Load())
	assert.Contains(t, e.rec.notes(), qg.NoteBackendUnhealthy)
}

func TestEmptySQL_Invalid(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New())

	_, err := e.coord.Admit(context.Background(), request("u1", " \n ", false))
	assert.ErrorIs(t, err, qg.ErrInvalidRequest)
	assert.Zero(t, e.disp.CallCount())
}

// Concurrent admissions for one identity settle at most one reservation
// past the limit.
func TestConcurrentAdmissions(t *testing.T) {
	e := newEnv(t, qg.Config{}, mock.New())

	var wg sync.WaitGroup
	var admitted, rejected atomic.Int64
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.coord.Admit(context.Background(), request("u1", "select 1", true))
			switch {
			case err == nil && d.Outcome == qg.OutcomeAdmitted:
				admitted.Add(1)
			case errors.Is(err, qg.ErrQuotaExceeded):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	n := admitted.Load()
	assert.GreaterOrEqual(t, n, int64(11))
	assert.LessOrEqual(t, n, int64(12))
	assert.Equal(t, int64(50)-n, rejected.Load())

	u := e.usage(t, "u1")
	assert.Equal(t, 90*n, u.Committed)
	assert.Equal(t, int64(0), u.Pending())
	assert.LessOrEqual(t, u.Committed, int64(1000+90))
}

func TestNewCoordinator_Requirements(t *testing.T) {
	_, err := qg.NewCoordinator(qg.Config{}, nil, qg.WithLedger(ledger.NewMemory()))
	assert.Error(t, err)

	_, err = qg.NewCoordinator(qg.Config{}, mock.New())
	assert.Error(t, err)

	_, err = qg.NewCoordinator(qg.Config{Timezone: "Mars/Olympus"}, mock.New(), qg.WithLedger(ledger.NewMemory()))
	assert.Error(t, err)
}
