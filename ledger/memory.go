// Package ledger provides an in-memory quota Ledger.
//
// Redis- and PostgreSQL-backed ledgers for multi-instance deployments live in
// the redis and postgres subpackages.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/querygate"
)

// Memory is an in-process Ledger. The map lock only guards record lookup;
// counters are guarded per (identity, period), so identities never contend
// on the same counter.
type Memory struct {
	mu             sync.Mutex
	records        map[recordKey]*record
	reservationTTL time.Duration
	recordTTL      time.Duration
	now            func() time.Time
}

type recordKey struct {
	identity querygate.Identity
	period   querygate.Period
}

type record struct {
	mu           sync.Mutex
	usage        querygate.Usage
	reservations map[string]*reservation
	expiresAt    time.Time // guarded by Memory.mu
}

type reservation struct {
	amount   int64
	state    querygate.ReservationState
	deadline time.Time
}

var _ querygate.Ledger = (*Memory)(nil)

// Option configures Memory.
type Option func(*Memory)

// WithReservationTTL sets how long an uncommitted reservation holds budget.
func WithReservationTTL(d time.Duration) Option {
	return func(m *Memory) { m.reservationTTL = d }
}

// WithRecordTTL sets how long a period's record is kept after last use.
func WithRecordTTL(d time.Duration) Option {
	return func(m *Memory) { m.recordTTL = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a new in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		records:        make(map[recordKey]*record),
		reservationTTL: querygate.DefaultReservationTTL,
		recordTTL:      querygate.DefaultLedgerTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve claims amount against limit.
func (m *Memory) Reserve(_ context.Context, identity querygate.Identity, period querygate.Period, amount, limit int64) (querygate.Reservation, error) {
	now := m.now()
	rec := m.record(identity, period, now)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.reap(now, m.reservationTTL)
	if rec.usage.Exceeds(amount, limit) {
		return querygate.Reservation{}, &querygate.QuotaExceededError{
			Identity:  identity,
			Period:    period,
			Used:      rec.usage.Committed,
			Limit:     limit,
			Requested: amount,
		}
	}

	id := uuid.NewString()
	deadline := now.Add(m.reservationTTL)
	rec.usage.Reserved += amount
	rec.reservations[id] = &reservation{
		amount:   amount,
		state:    querygate.ReservationPending,
		deadline: deadline,
	}

	return querygate.Reservation{
		ID:       id,
		Identity: identity,
		Period:   period,
		Amount:   amount,
		Deadline: deadline,
	}, nil
}

// Commit moves a reservation into committed usage.
func (m *Memory) Commit(_ context.Context, res querygate.Reservation) error {
	now := m.now()
	rec := m.record(res.Identity, res.Period, now)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	r, ok := rec.reservations[res.ID]
	switch {
	case ok && r.state == querygate.ReservationCommitted:
		return nil
	case ok && r.state == querygate.ReservationReleased:
		return querygate.ErrReservationReleased
	case ok && r.state == querygate.ReservationPending:
		rec.usage.Committed += r.amount
		r.state = querygate.ReservationCommitted
	default:
		// Reaped or never seen: the work was dispatched, so charge it.
		rec.usage.Reserved += res.Amount
		rec.usage.Committed += res.Amount
		rec.reservations[res.ID] = &reservation{
			amount:   res.Amount,
			state:    querygate.ReservationCommitted,
			deadline: now.Add(m.reservationTTL),
		}
	}
	return nil
}

// Release rolls back a pending reservation.
func (m *Memory) Release(_ context.Context, res querygate.Reservation) error {
	now := m.now()
	rec := m.record(res.Identity, res.Period, now)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	r, ok := rec.reservations[res.ID]
	if !ok || r.state != querygate.ReservationPending {
		return nil
	}
	rec.usage.Reserved -= r.amount
	r.state = querygate.ReservationReleased
	return nil
}

// Usage returns the counters for an identity and period.
func (m *Memory) Usage(_ context.Context, identity querygate.Identity, period querygate.Period) (querygate.Usage, error) {
	now := m.now()
	m.mu.Lock()
	rec, ok := m.records[recordKey{identity, period}]
	live := ok && !now.After(rec.expiresAt)
	m.mu.Unlock()
	if !live {
		return querygate.Usage{}, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.reap(now, m.reservationTTL)
	return rec.usage, nil
}

// record returns the live record for key, creating a fresh one when absent
// or expired, and extends its lifetime. expiresAt is only touched under m.mu.
func (m *Memory) record(identity querygate.Identity, period querygate.Period, now time.Time) *record {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{identity, period}
	rec, ok := m.records[key]
	if ok && !now.After(rec.expiresAt) {
		rec.expiresAt = now.Add(m.recordTTL)
		return rec
	}

	for k, r := range m.records {
		if now.After(r.expiresAt) {
			delete(m.records, k)
		}
	}
	rec = &record{
		reservations: make(map[string]*reservation),
		expiresAt:    now.Add(m.recordTTL),
	}
	m.records[key] = rec
	return rec
}

// reap expires pending reservations past their deadline and forgets
// settled ones once retain has passed after their deadline, so repeated
// Commit and Release calls within that window still see the final state.
// Must be called with rec.mu held.
func (rec *record) reap(now time.Time, retain time.Duration) {
	for id, r := range rec.reservations {
		if r.state == querygate.ReservationPending {
			if !now.After(r.deadline) {
				continue
			}
			rec.usage.Reserved -= r.amount
			r.state = querygate.ReservationExpired
		}
		if now.After(r.deadline.Add(retain)) {
			delete(rec.reservations, id)
		}
	}
}
