// Package postgres provides a PostgreSQL-backed quota Ledger.
//
// Usage counters live in one row per (identity, period); reservations in a
// second table. Reserve, Commit and Release each run in a single transaction
// and rely on row locks taken by conditional UPDATEs, so the ledger is safe for
// multi-instance deployments and durable across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/querygate"
)

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool           *pgxpool.Pool
	tablePrefix    string
	reservationTTL time.Duration
	recordTTL      time.Duration
	now            func() time.Time
}

var _ querygate.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "querygate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithReservationTTL sets how long an uncommitted reservation holds budget.
func WithReservationTTL(d time.Duration) Option {
	return func(s *Store) { s.reservationTTL = d }
}

// WithRecordTTL sets how long usage rows are kept before Purge removes them.
func WithRecordTTL(d time.Duration) Option {
	return func(s *Store) { s.recordTTL = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:           pool,
		tablePrefix:    "querygate_",
		reservationTTL: querygate.DefaultReservationTTL,
		recordTTL:      querygate.DefaultLedgerTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usageTable() string        { return s.tablePrefix + "usage" }
func (s *Store) reservationsTable() string { return s.tablePrefix + "reservations" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			identity TEXT NOT NULL,
			period TEXT NOT NULL,
			reserved BIGINT NOT NULL DEFAULT 0,
			committed BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identity, period),
			CHECK (committed <= reserved)
		);
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			period TEXT NOT NULL,
			amount BIGINT NOT NULL,
			state TEXT NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %s_pending_idx ON %s (identity, period, deadline) WHERE state = 'pending';
	`, s.usageTable(), s.reservationsTable(), s.reservationsTable(), s.reservationsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return storeErr("ensure schema", err)
	}
	return nil
}

// Reserve claims amount against limit.
func (s *Store) Reserve(ctx context.Context, identity querygate.Identity, period querygate.Period, amount, limit int64) (querygate.Reservation, error) {
	now := s.now().UTC()
	deadline := now.Add(s.reservationTTL)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return querygate.Reservation{}, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureRow(ctx, tx, identity, period, now); err != nil {
		return querygate.Reservation{}, err
	}
	if err := s.reap(ctx, tx, identity, period, now); err != nil {
		return querygate.Reservation{}, err
	}

	// Conditional increment: the row lock serializes concurrent reservers.
	var reserved, committed int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET reserved = reserved + $3
			WHERE identity = $1 AND period = $2 AND committed + $3 <= $4 AND reserved <= $4
			RETURNING reserved, committed`, s.usageTable()),
		string(identity), string(period), amount, limit,
	).Scan(&reserved, &committed)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT reserved, committed FROM %s WHERE identity = $1 AND period = $2`, s.usageTable()),
			string(identity), string(period),
		).Scan(&reserved, &committed)
		if err != nil {
			return querygate.Reservation{}, storeErr("read usage", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return querygate.Reservation{}, storeErr("commit tx", err)
		}
		return querygate.Reservation{}, &querygate.QuotaExceededError{
			Identity:  identity,
			Period:    period,
			Used:      committed,
			Limit:     limit,
			Requested: amount,
		}
	}
	if err != nil {
		return querygate.Reservation{}, storeErr("reserve", err)
	}

	id := uuid.NewString()
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, identity, period, amount, state, deadline) VALUES ($1, $2, $3, $4, 'pending', $5)`,
			s.reservationsTable()),
		id, string(identity), string(period), amount, deadline,
	)
	if err != nil {
		return querygate.Reservation{}, storeErr("insert reservation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return querygate.Reservation{}, storeErr("commit tx", err)
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
func (s *Store) Commit(ctx context.Context, res querygate.Reservation) error {
	now := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var state string
	var amount int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT state, amount FROM %s WHERE id = $1 FOR UPDATE`, s.reservationsTable()),
		res.ID,
	).Scan(&state, &amount)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Never recorded here or already purged: the job ran, charge it.
		if err := s.ensureRow(ctx, tx, res.Identity, res.Period, now); err != nil {
			return err
		}
		if err := s.charge(ctx, tx, res.Identity, res.Period, res.Amount, true); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, identity, period, amount, state, deadline, memo) VALUES ($1, $2, $3, $4, 'committed', $5, $6)`,
				s.reservationsTable()),
			res.ID, string(res.Identity), string(res.Period), res.Amount, now, res.Memo,
		)
		if err != nil {
			return storeErr("insert reservation", err)
		}
	case err != nil:
		return storeErr("read reservation", err)
	case state == string(querygate.ReservationCommitted):
		return nil
	case state == string(querygate.ReservationReleased):
		return querygate.ErrReservationReleased
	default:
		// pending adds to committed only; expired was already taken out of
		// reserved by reap and is charged again.
		expired := state == string(querygate.ReservationExpired)
		if err := s.ensureRow(ctx, tx, res.Identity, res.Period, now); err != nil {
			return err
		}
		if err := s.charge(ctx, tx, res.Identity, res.Period, amount, expired); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET state = 'committed', memo = $2 WHERE id = $1`, s.reservationsTable()),
			res.ID, res.Memo,
		)
		if err != nil {
			return storeErr("mark committed", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

// Release rolls back a pending reservation.
func (s *Store) Release(ctx context.Context, res querygate.Reservation) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`WITH r AS (
				UPDATE %s SET state = 'released'
				WHERE id = $1 AND state = 'pending'
				RETURNING identity, period, amount
			)
			UPDATE %s u SET reserved = u.reserved - r.amount
			FROM r WHERE u.identity = r.identity AND u.period = r.period`,
			s.reservationsTable(), s.usageTable()),
		res.ID,
	)
	if err != nil {
		return storeErr("release", err)
	}
	return nil
}

// Usage returns the counters for an identity and period.
func (s *Store) Usage(ctx context.Context, identity querygate.Identity, period querygate.Period) (querygate.Usage, error) {
	now := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return querygate.Usage{}, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := s.reap(ctx, tx, identity, period, now); err != nil {
		return querygate.Usage{}, err
	}

	var u querygate.Usage
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT reserved, committed FROM %s WHERE identity = $1 AND period = $2 AND expires_at > $3`, s.usageTable()),
		string(identity), string(period), now,
	).Scan(&u.Reserved, &u.Committed)
	if errors.Is(err, pgx.ErrNoRows) {
		return querygate.Usage{}, nil
	}
	if err != nil {
		return querygate.Usage{}, storeErr("usage", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return querygate.Usage{}, storeErr("commit tx", err)
	}
	return u, nil
}

// Purge removes usage rows past their TTL and their reservations.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.usageTable()),
		now,
	)
	if err != nil {
		return 0, storeErr("purge usage", err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at <= $1`, s.reservationsTable()),
		now.Add(-s.recordTTL),
	)
	if err != nil {
		return 0, storeErr("purge reservations", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ensureRow(ctx context.Context, tx pgx.Tx, identity querygate.Identity, period querygate.Period, now time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity, period, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (identity, period) DO UPDATE SET expires_at = EXCLUDED.expires_at`, s.usageTable()),
		string(identity), string(period), now.Add(s.recordTTL),
	)
	if err != nil {
		return storeErr("ensure usage row", err)
	}
	return nil
}

// reap expires overdue pending reservations and gives their budget back.
func (s *Store) reap(ctx context.Context, tx pgx.Tx, identity querygate.Identity, period querygate.Period, now time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`WITH expired AS (
				UPDATE %s SET state = 'expired'
				WHERE identity = $1 AND period = $2 AND state = 'pending' AND deadline < $3
				RETURNING amount
			)
			UPDATE %s SET reserved = reserved - (SELECT COALESCE(SUM(amount), 0) FROM expired)
			WHERE identity = $1 AND period = $2`,
			s.reservationsTable(), s.usageTable()),
		string(identity), string(period), now,
	)
	if err != nil {
		return storeErr("reap", err)
	}
	return nil
}

func (s *Store) charge(ctx context.Context, tx pgx.Tx, identity querygate.Identity, period querygate.Period, amount int64, addReserved bool) error {
	q := `UPDATE %s SET committed = committed + $3 WHERE identity = $1 AND period = $2`
	if addReserved {
		q = `UPDATE %s SET reserved = reserved + $3, committed = committed + $3 WHERE identity = $1 AND period = $2`
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(q, s.usageTable()), string(identity), string(period), amount); err != nil {
		return storeErr("charge", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return &querygate.StoreError{Store: "postgres", Op: op, Err: err}
}
