package querygate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackendHealth_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	h := NewBackendHealth()
	h.now = func() time.Time { return now }

	for range healthFailureThreshold {
		h.RecordFailure("redis")
	}
	assert.Equal(t, HealthUnhealthy, h.State("redis"))

	now = now.Add(healthUnhealthyPeriod)
	assert.Equal(t, HealthHalfOpen, h.State("redis"))
	assert.True(t, h.Allow("redis"))

	// A failed probe reopens immediately.
	h.RecordFailure("redis")
	assert.Equal(t, HealthUnhealthy, h.State("redis"))

	now = now.Add(healthUnhealthyPeriod)
	assert.True(t, h.Allow("redis"))
	h.RecordSuccess("redis")
	assert.Equal(t, HealthHealthy, h.State("redis"))
}

func TestBackendHealth_HalfOpenAllowsSingleProbe(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	h := NewBackendHealth()
	h.now = func() time.Time { return now }

	for range healthFailureThreshold {
		h.RecordFailure("redis")
	}
	now = now.Add(healthUnhealthyPeriod)

	assert.True(t, h.Allow("redis"))
	assert.False(t, h.Allow("redis"), "second caller while the probe is in flight")
	assert.False(t, h.Allow("redis"))

	// The probe never reached the backend: the slot is handed back.
	h.RecordAbandoned("redis")
	assert.True(t, h.Allow("redis"))
	assert.False(t, h.Allow("redis"))

	// A probe that never reports back is eventually given up on.
	now = now.Add(healthUnhealthyPeriod)
	assert.True(t, h.Allow("redis"))

	h.RecordSuccess("redis")
	assert.True(t, h.Allow("redis"))
	assert.True(t, h.Allow("redis"))
}

func TestBackendHealth_AbandonedLeavesHealthyAlone(t *testing.T) {
	h := NewBackendHealth()
	for range healthFailureThreshold * 2 {
		assert.True(t, h.Allow("redis"))
		h.RecordAbandoned("redis")
	}
	assert.Equal(t, HealthHealthy, h.State("redis"))
}

func TestBackendHealth_FailuresOutsideWindowForgotten(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	h := NewBackendHealth()
	h.now = func() time.Time { return now }

	h.RecordFailure("redis")
	h.RecordFailure("redis")
	now = now.Add(healthFailureWindow + time.Second)
	h.RecordFailure("redis")

	assert.Equal(t, HealthHealthy, h.State("redis"))
}

func TestBoundedEstimate_PassesThrough(t *testing.T) {
	est := EstimatorFunc(func(_ context.Context, _ Identity, q Query) (int64, error) {
		return int64(len(q.SQL)), nil
	})
	cost, err := boundedEstimate(t.Context(), est, time.Second, 90, "u1", Query{SQL: "select 1"})
	assert.NoError(t, err)
	assert.Equal(t, int64(8), cost)
}
