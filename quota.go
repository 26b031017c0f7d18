package querygate

import (
	"context"
	"time"
)

// Ledger tracks per-identity, per-period usage with a reserve/commit/release
// discipline. Implementations must be safe for concurrent use.
type Ledger interface {
	// Reserve claims amount against limit. Returns *QuotaExceededError when
	// Usage.Exceeds reports true; nothing is mutated in that case.
	Reserve(ctx context.Context, identity Identity, period Period, amount, limit int64) (Reservation, error)

	// Commit moves a pending reservation into committed usage. Committing
	// twice is a no-op.
	Commit(ctx context.Context, res Reservation) error

	// Release rolls back a pending reservation. Committed usage is untouched.
	Release(ctx context.Context, res Reservation) error

	// Usage returns the current counters for an identity and period.
	Usage(ctx context.Context, identity Identity, period Period) (Usage, error)
}

// Reservation is a handle to a provisional claim on an identity's budget.
type Reservation struct {
	ID       string
	Identity Identity
	Period   Period
	Amount   int64
	Deadline time.Time
	// Memo is a short description recorded alongside committed usage.
	Memo string
}

// Usage holds the ledger counters for one (identity, period).
// Reserved includes committed usage plus live reservations.
type Usage struct {
	Reserved  int64
	Committed int64
}

// Pending returns the amount held by live, uncommitted reservations.
func (u Usage) Pending() int64 { return u.Reserved - u.Committed }

// Exceeds reports whether a reservation of amount must be refused. The
// request is checked against committed usage; live reservations only refuse
// it once Reserved is already past limit. Committed usage therefore never
// settles more than one reservation above limit.
func (u Usage) Exceeds(amount, limit int64) bool {
	return u.Committed+amount > limit || u.Reserved > limit
}

// ReservationState is the lifecycle state of a reservation inside a ledger.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
	ReservationExpired   ReservationState = "expired"
)

// LimitSource resolves the daily limit for an identity.
type LimitSource interface {
	Limit(ctx context.Context, identity Identity) (int64, error)
}

// StaticLimits serves limits from configuration.
type StaticLimits struct {
	Default   int64
	Overrides map[Identity]int64
}

var _ LimitSource = StaticLimits{}

func (l StaticLimits) Limit(_ context.Context, identity Identity) (int64, error) {
	if v, ok := l.Overrides[identity]; ok {
		return v, nil
	}
	return l.Default, nil
}
