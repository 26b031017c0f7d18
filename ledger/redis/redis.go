// Package redis provides a Redis-backed quota Ledger.
//
// Each (identity, period) owns a small key set sharing one hash tag: a usage
// hash, a sorted set of pending reservation deadlines, one hash per
// reservation and a usage history list. Every operation is a single Lua
// script, so the ledger is safe for multi-instance deployments. All keys carry
// a TTL, so a new period always starts from zero without a cleanup job.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/querygate"
)

const defaultHistoryTTL = 7 * 24 * time.Hour

// Store is a Redis-backed Ledger.
type Store struct {
	client         goredis.Cmdable
	keyPrefix      string
	reservationTTL time.Duration
	recordTTL      time.Duration
	historyTTL     time.Duration
	now            func() time.Time
}

var _ querygate.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "querygate:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithReservationTTL sets how long an uncommitted reservation holds budget.
func WithReservationTTL(d time.Duration) Option {
	return func(s *Store) { s.reservationTTL = d }
}

// WithRecordTTL sets the TTL of per-period keys.
func WithRecordTTL(d time.Duration) Option {
	return func(s *Store) { s.recordTTL = d }
}

// WithHistoryTTL sets how long usage history is kept.
func WithHistoryTTL(d time.Duration) Option {
	return func(s *Store) { s.historyTTL = d }
}

// WithClock overrides time.Now for reservation deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:         client,
		keyPrefix:      "querygate:quota:",
		reservationTTL: querygate.DefaultReservationTTL,
		recordTTL:      querygate.DefaultLedgerTTL,
		historyTTL:     defaultHistoryTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type keys struct {
	usage, pending, resPrefix, history string
}

func (s *Store) keys(identity querygate.Identity, period querygate.Period) keys {
	base := s.keyPrefix + "{" + string(identity) + "|" + string(period) + "}"
	return keys{
		usage:     base,
		pending:   base + ":pending",
		resPrefix: base + ":res:",
		history:   base + ":history",
	}
}

// reapLua expires pending reservations whose deadline has passed.
// It is prepended to scripts that need a consistent view of Reserved.
const reapLua = `
local function reap(usage_key, pending_key, res_prefix, now)
    local expired = redis.call("ZRANGEBYSCORE", pending_key, "-inf", now)
    for _, id in ipairs(expired) do
        local rk = res_prefix .. id
        if redis.call("HGET", rk, "state") == "pending" then
            local amt = tonumber(redis.call("HGET", rk, "amount") or "0")
            redis.call("HINCRBY", usage_key, "reserved", -amt)
            redis.call("HSET", rk, "state", "expired")
        end
        redis.call("ZREM", pending_key, id)
    end
end
`

// reserveScript atomically reserves budget.
// KEYS[1] = usage hash, KEYS[2] = pending zset, KEYS[3] = reservation hash
// ARGV[1] = amount, ARGV[2] = limit, ARGV[3] = now (ms),
// ARGV[4] = deadline (ms), ARGV[5] = ttl (s), ARGV[6] = reservation prefix,
// ARGV[7] = reservation id
//
// Returns {accepted (1|0), reserved, committed}.
var reserveScript = goredis.NewScript(reapLua + `
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
reap(KEYS[1], KEYS[2], ARGV[6], ARGV[3])

local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0")
local committed = tonumber(redis.call("HGET", KEYS[1], "committed") or "0")
if committed + amount > limit or reserved > limit then
    return {0, reserved, committed}
end

redis.call("HINCRBY", KEYS[1], "reserved", amount)
redis.call("HINCRBY", KEYS[1], "committed", 0)
redis.call("HSET", KEYS[3], "amount", amount, "state", "pending")
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[7])
redis.call("EXPIRE", KEYS[1], ARGV[5])
redis.call("EXPIRE", KEYS[2], ARGV[5])
redis.call("EXPIRE", KEYS[3], ARGV[5])
return {1, reserved + amount, committed}
`)

// commitScript moves a reservation into committed usage.
// KEYS[1] = usage hash, KEYS[2] = pending zset, KEYS[3] = reservation hash,
// KEYS[4] = history list
// ARGV[1] = amount, ARGV[2] = reservation id, ARGV[3] = ttl (s),
// ARGV[4] = history entry, ARGV[5] = history ttl (s)
//
// Returns 1 = committed, 0 = already committed, -1 = released.
var commitScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[3], "state")
if state == "committed" then
    return 0
end
if state == "released" then
    return -1
end

local amount = tonumber(ARGV[1])
if state == "pending" then
    amount = tonumber(redis.call("HGET", KEYS[3], "amount") or ARGV[1])
    redis.call("HINCRBY", KEYS[1], "committed", amount)
else
    -- expired or already gone: the job was dispatched, charge it again
    redis.call("HINCRBY", KEYS[1], "reserved", amount)
    redis.call("HINCRBY", KEYS[1], "committed", amount)
end
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[3], "amount", amount, "state", "committed")
redis.call("EXPIRE", KEYS[1], ARGV[3])
redis.call("EXPIRE", KEYS[3], ARGV[3])
redis.call("RPUSH", KEYS[4], ARGV[4])
redis.call("EXPIRE", KEYS[4], ARGV[5])
return 1
`)

// releaseScript rolls back a pending reservation.
// KEYS[1] = usage hash, KEYS[2] = pending zset, KEYS[3] = reservation hash
// ARGV[1] = reservation id
//
// Returns 1 = released, 0 = nothing to release.
var releaseScript = goredis.NewScript(`
if redis.call("HGET", KEYS[3], "state") ~= "pending" then
    return 0
end
local amount = tonumber(redis.call("HGET", KEYS[3], "amount") or "0")
redis.call("HINCRBY", KEYS[1], "reserved", -amount)
redis.call("HSET", KEYS[3], "state", "released")
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

// usageScript reaps expired reservations and reads the counters.
// KEYS[1] = usage hash, KEYS[2] = pending zset
// ARGV[1] = now (ms), ARGV[2] = reservation prefix
var usageScript = goredis.NewScript(reapLua + `
reap(KEYS[1], KEYS[2], ARGV[2], ARGV[1])
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0")
local committed = tonumber(redis.call("HGET", KEYS[1], "committed") or "0")
return {reserved, committed}
`)

// Reserve claims amount against limit.
func (s *Store) Reserve(ctx context.Context, identity querygate.Identity, period querygate.Period, amount, limit int64) (querygate.Reservation, error) {
	now := s.now()
	deadline := now.Add(s.reservationTTL)
	id := uuid.NewString()
	k := s.keys(identity, period)

	vals, err := reserveScript.Run(ctx, s.client,
		[]string{k.usage, k.pending, k.resPrefix + id},
		amount, limit, now.UnixMilli(), deadline.UnixMilli(), ttlSeconds(s.recordTTL), k.resPrefix, id,
	).Int64Slice()
	if err != nil {
		return querygate.Reservation{}, storeErr("reserve", err)
	}
	if len(vals) != 3 {
		return querygate.Reservation{}, storeErr("reserve", fmt.Errorf("unexpected reply %v", vals))
	}

	if vals[0] == 0 {
		return querygate.Reservation{}, &querygate.QuotaExceededError{
			Identity:  identity,
			Period:    period,
			Used:      vals[2],
			Limit:     limit,
			Requested: amount,
		}
	}
	return querygate.Reservation{
		ID:       id,
		Identity: identity,
		Period:   period,
		Amount:   amount,
		Deadline: deadline,
	}, nil
}

// Commit moves a reservation into committed usage and appends it to the
// period's history.
func (s *Store) Commit(ctx context.Context, res querygate.Reservation) error {
	k := s.keys(res.Identity, res.Period)
	entry := HistoryEntry{At: s.now(), Cost: res.Amount, Memo: res.Memo}.String()

	result, err := commitScript.Run(ctx, s.client,
		[]string{k.usage, k.pending, k.resPrefix + res.ID, k.history},
		res.Amount, res.ID, ttlSeconds(s.recordTTL), entry, ttlSeconds(s.historyTTL),
	).Int64()
	if err != nil {
		return storeErr("commit", err)
	}
	if result == -1 {
		return querygate.ErrReservationReleased
	}
	return nil
}

// Release rolls back a pending reservation.
func (s *Store) Release(ctx context.Context, res querygate.Reservation) error {
	k := s.keys(res.Identity, res.Period)
	if err := releaseScript.Run(ctx, s.client,
		[]string{k.usage, k.pending, k.resPrefix + res.ID},
		res.ID,
	).Err(); err != nil {
		return storeErr("release", err)
	}
	return nil
}

// Usage returns the counters for an identity and period.
func (s *Store) Usage(ctx context.Context, identity querygate.Identity, period querygate.Period) (querygate.Usage, error) {
	k := s.keys(identity, period)
	vals, err := usageScript.Run(ctx, s.client,
		[]string{k.usage, k.pending},
		s.now().UnixMilli(), k.resPrefix,
	).Int64Slice()
	if err != nil {
		return querygate.Usage{}, storeErr("usage", err)
	}
	if len(vals) != 2 {
		return querygate.Usage{}, storeErr("usage", fmt.Errorf("unexpected reply %v", vals))
	}
	return querygate.Usage{Reserved: vals[0], Committed: vals[1]}, nil
}

// HistoryEntry is one committed charge.
type HistoryEntry struct {
	At   time.Time
	Cost int64
	Memo string
}

// String encodes the entry as "timestamp|cost|memo".
func (e HistoryEntry) String() string {
	return e.At.UTC().Format(time.RFC3339) + "|" + strconv.FormatInt(e.Cost, 10) + "|" + e.Memo
}

// History returns the committed charges for an identity and period, oldest first.
func (s *Store) History(ctx context.Context, identity querygate.Identity, period querygate.Period) ([]HistoryEntry, error) {
	raw, err := s.client.LRange(ctx, s.keys(identity, period).history, 0, -1).Result()
	if err != nil {
		return nil, storeErr("history", err)
	}

	out := make([]HistoryEntry, 0, len(raw))
	for _, line := range raw {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		at, err := time.Parse(time.RFC3339, parts[0])
		if err != nil {
			continue
		}
		cost, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, HistoryEntry{At: at, Cost: cost, Memo: parts[2]})
	}
	return out, nil
}

func ttlSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func storeErr(op string, err error) error {
	return &querygate.StoreError{Store: "redis", Op: op, Err: err}
}
