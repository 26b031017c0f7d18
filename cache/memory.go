// Package cache provides CacheProbe implementations.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/querygate"
)

// Memory is an in-process result cache. Lookup only reads; Put is for the
// execution side that produces results.
type Memory struct {
	mu      sync.RWMutex
	entries map[querygate.Fingerprint]querygate.CacheEntry
	maxAge  time.Duration
	now     func() time.Time
}

var _ querygate.CacheProbe = (*Memory)(nil)

// NewMemory creates a cache whose entries are fresh for maxAge.
// A non-positive maxAge disables the age check.
func NewMemory(maxAge time.Duration) *Memory {
	return &Memory{
		entries: make(map[querygate.Fingerprint]querygate.CacheEntry),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// SetClock overrides time.Now.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Lookup returns the entry for fp when it exists and is fresh.
func (m *Memory) Lookup(_ context.Context, fp querygate.Fingerprint) (querygate.CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[fp]
	if !ok || !Fresh(e, m.maxAge, m.now()) {
		return querygate.CacheEntry{}, false, nil
	}
	return e, true, nil
}

// Put stores an artifact for fp.
func (m *Memory) Put(_ context.Context, fp querygate.Fingerprint, artifact []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[fp] = querygate.CacheEntry{Fingerprint: fp, Artifact: artifact, StoredAt: m.now()}
	return nil
}

// Fresh reports whether e is younger than maxAge at now.
func Fresh(e querygate.CacheEntry, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(e.StoredAt) <= maxAge
}
