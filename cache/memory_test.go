package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/querygate"
	"github.com/ineyio/querygate/cache"
)

func TestMemory_FreshnessWindow(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	c := cache.NewMemory(time.Hour)
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	fp := qg.FingerprintOf(qg.Query{SQL: "select 1"})
	require.NoError(t, c.Put(ctx, fp, []byte("a")))

	e, hit, err := c.Lookup(ctx, fp)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("a"), e.Artifact)

	now = now.Add(61 * time.Minute)
	_, hit, err = c.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemory_ExactMatchOnly(t *testing.T) {
	c := cache.NewMemory(time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, qg.FingerprintOf(qg.Query{SQL: "select 1"}), []byte("a")))

	_, hit, err := c.Lookup(ctx, qg.FingerprintOf(qg.Query{SQL: "select 2"}))
	require.NoError(t, err)
	assert.False(t, hit)
}
