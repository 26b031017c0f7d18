package querygate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = time.Minute
	healthUnhealthyPeriod  = 15 * time.Second
)

// HealthState describes the health of an execution backend.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BackendHealth is a circuit breaker over dispatch outcomes, keyed by
// backend name. While a backend is unhealthy the coordinator fails fast
// instead of reserving quota only to release it again.
type BackendHealth struct {
	mu       sync.Mutex
	backends map[string]*backendHealth
	now      func() time.Time
}

type backendHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
	probeAt     time.Time // zero unless a half-open probe is in flight
}

// NewBackendHealth creates a new BackendHealth.
func NewBackendHealth() *BackendHealth {
	return &BackendHealth{
		backends: make(map[string]*backendHealth),
		now:      time.Now,
	}
}

// State returns the current health state for a backend.
func (h *BackendHealth) State(backend string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh, ok := h.backends[backend]
	if !ok {
		return HealthHealthy
	}

	return h.advance(bh, h.now())
}

// advance moves an unhealthy backend to half-open once the cool-down has
// elapsed. Must be called with h.mu held.
func (h *BackendHealth) advance(bh *backendHealth, now time.Time) HealthState {
	if bh.state == HealthUnhealthy && now.Sub(bh.unhealthyAt) >= healthUnhealthyPeriod {
		bh.state = HealthHalfOpen
		bh.probeAt = time.Time{}
	}
	return bh.state
}

// Allow reports whether a dispatch attempt should be made. While half-open
// only one caller at a time is let through as the probe; a probe that never
// reports back is given up on after the unhealthy period.
func (h *BackendHealth) Allow(backend string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh, ok := h.backends[backend]
	if !ok {
		return true
	}
	now := h.now()
	switch h.advance(bh, now) {
	case HealthHealthy:
		return true
	case HealthHalfOpen:
		if !bh.probeAt.IsZero() && now.Sub(bh.probeAt) < healthUnhealthyPeriod {
			return false
		}
		bh.probeAt = now
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful dispatch.
func (h *BackendHealth) RecordSuccess(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh := h.getOrCreate(backend)
	bh.state = HealthHealthy
	bh.failures = bh.failures[:0]
	bh.probeAt = time.Time{}
}

// RecordAbandoned reports that an allowed attempt ended without reaching
// the backend, so its outcome says nothing about backend health. A pending
// half-open probe slot is handed back.
func (h *BackendHealth) RecordAbandoned(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if bh, ok := h.backends[backend]; ok {
		bh.probeAt = time.Time{}
	}
}

// RecordFailure records a failed dispatch.
func (h *BackendHealth) RecordFailure(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh := h.getOrCreate(backend)
	now := h.now()

	// A failed half-open probe reopens the circuit immediately.
	if bh.state == HealthHalfOpen {
		bh.state = HealthUnhealthy
		bh.unhealthyAt = now
		bh.probeAt = time.Time{}
		return
	}
	if bh.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := bh.failures[:0]
	for _, t := range bh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	bh.failures = append(valid, now)

	if len(bh.failures) >= healthFailureThreshold {
		bh.state = HealthUnhealthy
		bh.unhealthyAt = now
	}
}

func (h *BackendHealth) getOrCreate(backend string) *backendHealth {
	bh, ok := h.backends[backend]
	if !ok {
		bh = &backendHealth{state: HealthHealthy}
		h.backends[backend] = bh
	}
	return bh
}
