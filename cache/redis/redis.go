// Package redis provides a Redis-backed CacheProbe and the matching writer
// used by the execution side to publish results.
//
// Entries are stored as JSON under prefix+fingerprint with a TTL. The probe
// also checks the embedded timestamp, so a store with a longer TTL than the
// configured freshness window never produces a stale hit.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ineyio/querygate"
	"github.com/ineyio/querygate/cache"
)

// Probe is a read-only Redis CacheProbe.
type Probe struct {
	client    goredis.Cmdable
	keyPrefix string
	maxAge    time.Duration
	now       func() time.Time
	group     singleflight.Group
}

var _ querygate.CacheProbe = (*Probe)(nil)

// Option configures Probe and Writer.
type Option func(*options)

type options struct {
	keyPrefix string
	now       func() time.Time
}

// WithKeyPrefix sets the Redis key prefix (default "querygate:cache:").
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{keyPrefix: "querygate:cache:", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewProbe creates a probe treating entries older than maxAge as misses.
func NewProbe(client goredis.Cmdable, maxAge time.Duration, opts ...Option) *Probe {
	o := buildOptions(opts)
	return &Probe{
		client:    client,
		keyPrefix: o.keyPrefix,
		maxAge:    maxAge,
		now:       o.now,
	}
}

type lookupResult struct {
	entry querygate.CacheEntry
	hit   bool
}

// Lookup returns the entry for fp on an exact, fresh hit. Concurrent lookups
// of the same fingerprint share one round trip.
func (p *Probe) Lookup(ctx context.Context, fp querygate.Fingerprint) (querygate.CacheEntry, bool, error) {
	ch := p.group.DoChan(string(fp), func() (interface{}, error) {
		return p.get(context.WithoutCancel(ctx), fp)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return querygate.CacheEntry{}, false, r.Err
		}
		lr := r.Val.(lookupResult)
		return lr.entry, lr.hit, nil
	case <-ctx.Done():
		return querygate.CacheEntry{}, false, ctx.Err()
	}
}

func (p *Probe) get(ctx context.Context, fp querygate.Fingerprint) (lookupResult, error) {
	raw, err := p.client.Get(ctx, p.keyPrefix+string(fp)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return lookupResult{}, nil
	}
	if err != nil {
		return lookupResult{}, &querygate.StoreError{Store: "redis", Op: "cache lookup", Err: err}
	}

	var e querygate.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return lookupResult{}, &querygate.StoreError{Store: "redis", Op: "cache decode", Err: err}
	}
	if e.Fingerprint != fp || !cache.Fresh(e, p.maxAge, p.now()) {
		return lookupResult{}, nil
	}
	return lookupResult{entry: e, hit: true}, nil
}

// Writer publishes results for later probes.
type Writer struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewWriter creates a writer whose entries expire after ttl.
func NewWriter(client goredis.Cmdable, ttl time.Duration, opts ...Option) *Writer {
	o := buildOptions(opts)
	return &Writer{
		client:    client,
		keyPrefix: o.keyPrefix,
		ttl:       ttl,
		now:       o.now,
	}
}

// Put stores an artifact for fp.
func (w *Writer) Put(ctx context.Context, fp querygate.Fingerprint, artifact []byte) error {
	raw, err := json.Marshal(querygate.CacheEntry{Fingerprint: fp, Artifact: artifact, StoredAt: w.now()})
	if err != nil {
		return err
	}
	if err := w.client.Set(ctx, w.keyPrefix+string(fp), raw, w.ttl).Err(); err != nil {
		return &querygate.StoreError{Store: "redis", Op: "cache put", Err: err}
	}
	return nil
}
