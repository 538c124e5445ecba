package schemacache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrLoadCachesStableLoaderResult(t *testing.T) {
	c := New(10, time.Hour)
	var calls int64
	loader := func(ctx context.Context, k Key) (any, error) {
		atomic.AddInt64(&calls, 1)
		return "schema-" + k.Tool, nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.GetOrLoad(context.Background(), "fs", "read", loader)
		require.NoError(t, err)
		assert.Equal(t, "schema-read", v)
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestSingleflightCoalescesConcurrentLoads(t *testing.T) {
	c := New(10, time.Hour)
	var calls int64
	release := make(chan struct{})
	loader := func(ctx context.Context, k Key) (any, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return "schema", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "fs", "read", loader)
			require.NoError(t, err)
			results[idx] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	for _, v := range results {
		assert.Equal(t, "schema", v)
	}
	assert.EqualValues(t, n-1, c.StatsSnapshot().Coalesced)
}

func TestFailuresAreNotCached(t *testing.T) {
	c := New(10, time.Hour)
	var calls int64
	loader := func(ctx context.Context, k Key) (any, error) {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			return nil, fmt.Errorf("boom")
		}
		return "ok", nil
	}

	_, err := c.GetOrLoad(context.Background(), "fs", "read", loader)
	require.Error(t, err)

	v, err := c.GetOrLoad(context.Background(), "fs", "read", loader)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestLRUEvictsOldestOnCapacity(t *testing.T) {
	c := New(2, time.Hour)
	loader := func(ctx context.Context, k Key) (any, error) { return k.Tool, nil }

	_, _ = c.GetOrLoad(context.Background(), "fs", "a", loader)
	_, _ = c.GetOrLoad(context.Background(), "fs", "b", loader)
	_, ok := c.GetIfCached("fs", "a")
	require.True(t, ok)

	_, _ = c.GetOrLoad(context.Background(), "fs", "c", loader)
	// "b" was least-recently-used (touched before "a" was re-accessed), so
	// it should be evicted, while "a" and "c" remain.
	_, aOk := c.GetIfCached("fs", "a")
	_, bOk := c.GetIfCached("fs", "b")
	_, cOk := c.GetIfCached("fs", "c")
	assert.True(t, aOk)
	assert.False(t, bOk)
	assert.True(t, cOk)
	assert.EqualValues(t, 1, c.StatsSnapshot().Evictions)
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	loader := func(ctx context.Context, k Key) (any, error) { return "v", nil }
	_, _ = c.GetOrLoad(context.Background(), "fs", "a", loader)
	time.Sleep(20 * time.Millisecond)
	_, ok := c.GetIfCached("fs", "a")
	assert.False(t, ok)
}

func TestInvalidateByServer(t *testing.T) {
	c := New(10, time.Hour)
	loader := func(ctx context.Context, k Key) (any, error) { return "v", nil }
	_, _ = c.GetOrLoad(context.Background(), "fs", "a", loader)
	_, _ = c.GetOrLoad(context.Background(), "db", "b", loader)
	c.InvalidateByServer("fs")
	_, fsOk := c.GetIfCached("fs", "a")
	_, dbOk := c.GetIfCached("db", "b")
	assert.False(t, fsOk)
	assert.True(t, dbOk)
}

func TestPreloadPartialFailureLeavesOthersCached(t *testing.T) {
	c := New(10, time.Hour)
	loader := func(ctx context.Context, k Key) (any, error) {
		if k.Tool == "bad" {
			return nil, fmt.Errorf("boom")
		}
		return "v", nil
	}
	c.Preload(context.Background(), []Key{{Server: "fs", Tool: "good"}, {Server: "fs", Tool: "bad"}}, loader)
	_, goodOk := c.GetIfCached("fs", "good")
	_, badOk := c.GetIfCached("fs", "bad")
	assert.True(t, goodOk)
	assert.False(t, badOk)
}
