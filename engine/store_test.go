package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constLoader(value string) LoadFunc {
	return func(ctx context.Context) (string, error) {
		return value, nil
	}
}

func TestStoreColdThenWarm(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)
	calls := int64(0)
	load := func(ctx context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "NY", nil
	}

	v, err := s.Get(ctx, "10001", load)
	require.NoError(t, err)
	assert.Equal(t, "NY", v)
	c := s.Counters()
	assert.Equal(t, int64(1), c.MissCount)
	assert.Equal(t, int64(0), c.HitCount)
	assert.Equal(t, int64(1), c.LoadSuccessCount)

	v, err = s.Get(ctx, "10001", load)
	require.NoError(t, err)
	assert.Equal(t, "NY", v)
	c = s.Counters()
	assert.Equal(t, int64(1), c.MissCount)
	assert.Equal(t, int64(1), c.HitCount)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestStoreNotFoundNotMemoized(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)
	calls := int64(0)
	load := func(ctx context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", ErrNotFound
	}

	_, err := s.Get(ctx, "99999", load)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Contains("99999"))
	assert.Equal(t, int64(0), s.Size())

	// The loader runs again on the next get.
	_, err = s.Get(ctx, "99999", load)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))

	c := s.Counters()
	assert.Equal(t, int64(2), c.MissCount)
	assert.Equal(t, int64(0), c.HitCount)
	assert.Equal(t, int64(0), c.LoadSuccessCount)
	assert.Equal(t, int64(2), c.LoadExceptionCount)
}

func TestStoreLoadErrorNotMemoized(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)
	boom := errors.New("connection refused")

	_, err := s.Get(ctx, "k", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, s.Contains("k"))

	c := s.Counters()
	assert.Equal(t, int64(1), c.MissCount)
	assert.Equal(t, int64(1), c.LoadExceptionCount)
	assert.Equal(t, int64(0), c.LoadSuccessCount)
}

func TestStoreSingleFlight(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)
	const callers = 100

	calls := int64(0)
	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return "NY", nil
	}

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	started := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			results[i], errs[i] = s.Get(ctx, "10001", load)
		}(i)
	}
	for i := 0; i < callers; i++ {
		<-started
	}
	// Give every goroutine time to reach the flight before the load
	// completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "loader must run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "NY", results[i])
	}
	c := s.Counters()
	assert.Equal(t, int64(1), c.LoadSuccessCount)
	assert.Equal(t, int64(1), c.MissCount)
	assert.Equal(t, int64(callers-1), c.HitCount)
}

func TestStoreSingleFlightErrorPropagatesToAllWaiters(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)
	boom := errors.New("query failed")

	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		<-release
		return "", boom
	}

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Get(ctx, "k", load)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], boom)
	}
	assert.False(t, s.Contains("k"))
}

func TestStoreWaiterCancellationDoesNotCancelLoad(t *testing.T) {
	s := NewStore(0, 0)

	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		<-release
		return "v", nil
	}

	// Owner starts the load with a background context.
	ownerDone := make(chan struct{})
	go func() {
		defer close(ownerDone)
		v, err := s.Get(context.Background(), "k", load)
		assert.NoError(t, err)
		assert.Equal(t, "v", v)
	}()
	time.Sleep(20 * time.Millisecond)

	// A waiter with a short deadline abandons without killing the flight.
	waiterCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Get(waiterCtx, "k", func(ctx context.Context) (string, error) {
		t.Fatal("waiter must join the in-flight load, not start its own")
		return "", nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-ownerDone
	assert.True(t, s.Contains("k"))
}

func TestStoreSizeEviction(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewStoreWithClock(2, 0, clk)

	for _, key := range []string{"A", "B", "C"} {
		_, err := s.Get(ctx, key, constLoader("v-"+key))
		require.NoError(t, err)
		clk.Add(time.Second)
	}

	assert.Equal(t, int64(2), s.Size())
	assert.False(t, s.Contains("A"), "least recently accessed entry is evicted")
	assert.True(t, s.Contains("B"))
	assert.True(t, s.Contains("C"))
	assert.Equal(t, int64(1), s.Counters().EvictionCount)
}

func TestStoreSizeEvictionPrefersLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewStoreWithClock(2, 0, clk)

	_, err := s.Get(ctx, "A", constLoader("1"))
	require.NoError(t, err)
	clk.Add(time.Second)
	_, err = s.Get(ctx, "B", constLoader("2"))
	require.NoError(t, err)
	clk.Add(time.Second)

	// Touch A so B becomes the eviction candidate.
	_, err = s.Get(ctx, "A", constLoader("1"))
	require.NoError(t, err)
	clk.Add(time.Second)

	_, err = s.Get(ctx, "C", constLoader("3"))
	require.NoError(t, err)

	assert.True(t, s.Contains("A"))
	assert.False(t, s.Contains("B"))
	assert.True(t, s.Contains("C"))
}

func TestStoreSizeEvictionTieBrokenByInsertionOrder(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewStoreWithClock(2, 0, clk)

	// Same access timestamp for A and B; the older insertion loses.
	_, err := s.Get(ctx, "A", constLoader("1"))
	require.NoError(t, err)
	_, err = s.Get(ctx, "B", constLoader("2"))
	require.NoError(t, err)
	_, err = s.Get(ctx, "C", constLoader("3"))
	require.NoError(t, err)

	assert.False(t, s.Contains("A"))
	assert.True(t, s.Contains("B"))
	assert.True(t, s.Contains("C"))
}

func TestStoreTTLEviction(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewStoreWithClock(0, time.Minute, clk)

	_, err := s.Get(ctx, "A", constLoader("1"))
	require.NoError(t, err)
	assert.True(t, s.Contains("A"))

	clk.Add(61 * time.Second)

	// Any store operation observes the expired entry evicted.
	_, err = s.Get(ctx, "B", constLoader("2"))
	require.NoError(t, err)
	assert.False(t, s.Contains("A"))
	assert.Equal(t, int64(1), s.Counters().EvictionCount)
}

func TestStoreTTLResetOnAccess(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewStoreWithClock(0, time.Minute, clk)

	_, err := s.Get(ctx, "A", constLoader("1"))
	require.NoError(t, err)

	// Keep touching A under the TTL; it must survive well past one TTL of
	// wall time.
	for i := 0; i < 4; i++ {
		clk.Add(45 * time.Second)
		v, err := s.Get(ctx, "A", func(ctx context.Context) (string, error) {
			t.Fatal("access within the TTL must not reload")
			return "", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "1", v)
	}
}

func TestStoreInvalidateAllPreservesCounters(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)
	_, err := s.Get(ctx, "A", constLoader("1"))
	require.NoError(t, err)
	_, err = s.Get(ctx, "A", constLoader("1"))
	require.NoError(t, err)

	before := s.Counters()
	s.InvalidateAll()
	assert.Equal(t, int64(0), s.Size())
	assert.Equal(t, int64(0), s.MemoryBytes())
	assert.Equal(t, before, s.Counters())
}

func TestStoreMemoryEstimate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)
	_, err := s.Get(ctx, "abc", constLoader("de"))
	require.NoError(t, err)
	// 2*len("abc") + 2*len("de")
	assert.Equal(t, int64(10), s.MemoryBytes())

	s.Invalidate("abc")
	assert.Equal(t, int64(0), s.MemoryBytes())
}

func TestStoreStatsIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)

	_, _ = s.Get(ctx, "A", constLoader("1"))
	_, _ = s.Get(ctx, "A", constLoader("1"))
	_, _ = s.Get(ctx, "B", func(ctx context.Context) (string, error) { return "", ErrNotFound })
	_, _ = s.Get(ctx, "C", func(ctx context.Context) (string, error) { return "", errors.New("x") })

	c := s.Counters()
	assert.Equal(t, c.HitCount+c.MissCount, int64(4))
	assert.LessOrEqual(t, c.LoadSuccessCount+c.LoadExceptionCount, c.MissCount)
}

func TestStoreKeysAndEntriesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0, 0)
	_, err := s.Get(ctx, "A", constLoader("1"))
	require.NoError(t, err)

	entries := s.Entries()
	entries["B"] = "2"
	assert.False(t, s.Contains("B"))

	keys := s.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "A", keys[0])
}
