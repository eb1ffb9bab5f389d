package search

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFrequencyTopOrdersByCount(t *testing.T) {
	f := NewMemoryFrequency()
	ctx := context.Background()
	require.NoError(t, f.Record(ctx, "S1", keySet("B2", "A1", "C3")))
	require.NoError(t, f.Record(ctx, "S1", keySet("C3")))
	require.NoError(t, f.Record(ctx, "S1", keySet("C3", "B2")))
	require.NoError(t, f.Record(ctx, "S2", keySet("Z9")))

	top, err := f.Top(ctx, "S1", 0)
	require.NoError(t, err)
	assert.Equal(t, keySet("C3", "B2", "A1"), top)

	top, err = f.Top(ctx, "S1", 2)
	require.NoError(t, err)
	assert.Equal(t, keySet("C3", "B2"), top)

	require.NoError(t, f.Forget(ctx, "S1"))
	top, err = f.Top(ctx, "S1", 10)
	require.NoError(t, err)
	assert.Empty(t, top)

	other, err := f.Top(ctx, "S2", 10)
	require.NoError(t, err)
	assert.Equal(t, keySet("Z9"), other)
}

func TestMemoryFrequencyTiesBreakByKey(t *testing.T) {
	f := NewMemoryFrequency()
	ctx := context.Background()
	require.NoError(t, f.Record(ctx, "S1", keySet("B2", "A1")))

	top, err := f.Top(ctx, "S1", 5)
	require.NoError(t, err)
	assert.Equal(t, keySet("A1", "B2"), top)
}

func TestRedisFrequency(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	f := NewRedisFrequency(client, "partsearch:test:freq:")
	require.NoError(t, f.Forget(ctx, "S1"))
	t.Cleanup(func() { f.Forget(context.Background(), "S1") })

	require.NoError(t, f.Record(ctx, "S1", keySet("A1", "B2")))
	require.NoError(t, f.Record(ctx, "S1", keySet("B2")))
	require.NoError(t, f.Record(ctx, "S1", nil))

	top, err := f.Top(ctx, "S1", 1)
	require.NoError(t, err)
	assert.Equal(t, keySet("B2"), top)

	all, err := f.Top(ctx, "S1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
