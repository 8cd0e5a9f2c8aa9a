package metacache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func countingFetch(calls *atomic.Int64, ret []string) FetchFunc[[]string] {
	return func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		return ret, nil
	}
}

func TestFetchHitMissForce(t *testing.T) {
	ctx := context.Background()
	c := New()
	key := Key{Source: "pg", Kind: KindTableList}
	var calls atomic.Int64

	v, err := Fetch(ctx, c, key, false, countingFetch(&calls, []string{"a"}))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, v)
	require.EqualValues(t, 1, calls.Load())

	v, err = Fetch(ctx, c, key, false, countingFetch(&calls, []string{"b"}))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, v)
	require.EqualValues(t, 1, calls.Load())

	v, err = Fetch(ctx, c, key, true, countingFetch(&calls, []string{"b"}))
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, v)
	require.EqualValues(t, 2, calls.Load())

	e, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, []string{"b"}, e.Payload)
}

func TestFetchFailureDoesNotPollute(t *testing.T) {
	ctx := context.Background()
	c := New()
	key := Key{Source: "pg", Kind: KindTableStructure, Sub: "public.orders"}
	c.Put(key, "old")

	_, err := Fetch(ctx, c, key, true, func(ctx context.Context) (string, error) {
		return "", metabase.NewFetchErrorf(metabase.FetchQuery, "boom")
	})
	require.Error(t, err)
	e, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "old", e.Payload)

	other := Key{Source: "pg", Kind: KindTableStructure, Sub: "public.items"}
	_, err = Fetch(ctx, c, other, false, func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})
	require.Error(t, err)
	_, ok = c.Get(other)
	require.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New()
	c.Put(Key{Source: "pg", Kind: KindTableList}, 1)
	c.Put(Key{Source: "pg", Kind: KindTableStructure, Sub: "public.a"}, 2)
	c.Put(Key{Source: "pg", Kind: KindTableStructure, Sub: "public.b"}, 3)
	c.Put(Key{Source: "kafka", Kind: KindTopicList}, 4)

	c.Invalidate("pg", KindTableStructure)
	require.Equal(t, 2, c.Len())
	_, ok := c.Get(Key{Source: "pg", Kind: KindTableList})
	require.True(t, ok)

	c.Invalidate("pg")
	require.Equal(t, 1, c.Len())
	_, ok = c.Get(Key{Source: "kafka", Kind: KindTopicList})
	require.True(t, ok)

	// Invalidating an empty source is a no-op.
	c.Invalidate("missing")
	require.Equal(t, 1, c.Len())
}

func waitForWaiters(t *testing.T, c *Cache, n int64) {
	require.Eventually(t, func() bool {
		return c.Waiters() == n
	}, 5*time.Second, time.Millisecond)
}

func TestFetchSingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New()
	key := Key{Source: "pg", Kind: KindTableList}
	release := make(chan struct{})
	var calls atomic.Int64
	fn := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Fetch(ctx, c, key, true, fn)
		}()
	}
	waitForWaiters(t, c, n)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, 42, results[i])
	}
}

func TestFetchWaiterCancellation(t *testing.T) {
	c := New()
	key := Key{Source: "pg", Kind: KindTableList}
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		<-release
		// The shared fetch is not cancelled with the first caller.
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 7, nil
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := Fetch(cancelCtx, c, key, false, fn)
		abandoned <- err
	}()
	waitForWaiters(t, c, 1)

	done := make(chan int, 1)
	go func() {
		v, err := Fetch(context.Background(), c, key, false, fn)
		require.NoError(t, err)
		done <- v
	}()
	waitForWaiters(t, c, 2)

	cancel()
	err := <-abandoned
	require.True(t, metabase.IsTimeout(err))
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.Equal(t, 7, <-done)
	e, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, 7, e.Payload)
}

func TestFetchAfterInvalidateIsLive(t *testing.T) {
	ctx := context.Background()
	c := New()
	key := Key{Source: "pg", Kind: KindTableList}
	release := make(chan struct{})
	var calls atomic.Int64

	stale := make(chan int, 1)
	go func() {
		v, _ := Fetch(ctx, c, key, false, func(ctx context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 1, nil
		})
		stale <- v
	}()
	waitForWaiters(t, c, 1)

	c.Invalidate("pg", KindTableList)
	v, err := Fetch(ctx, c, key, false, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 2, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, v)

	close(release)
	require.Equal(t, 1, <-stale)
	require.EqualValues(t, 2, calls.Load())

	// The fetch which started before the invalidation did not overwrite
	// the live result.
	e, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, 2, e.Payload)
}

func TestFetchTypeMismatch(t *testing.T) {
	c := New()
	key := Key{Source: "pg", Kind: KindTableList}
	c.Put(key, "not an int")
	_, err := Fetch(context.Background(), c, key, false, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("topic-list")
	require.NoError(t, err)
	require.Equal(t, KindTopicList, k)
	_, err = ParseKind("tables")
	require.EqualError(t, err, `unknown metadata kind "tables"`)
	require.Equal(t, "pg/table-structure/public.orders", Key{Source: "pg", Kind: KindTableStructure, Sub: "public.orders"}.String())
}

func TestKeysAreUnambiguous(t *testing.T) {
	for _, tc := range []struct {
		desc string
		a, b Key
	}{
		{
			desc: "dotted table name in the default schema",
			a:    Key{Source: "pg", Kind: KindTableStructure, Sub: TableSub("", "a.b")},
			b:    Key{Source: "pg", Kind: KindTableStructure, Sub: TableSub("a", "b")},
		},
		{
			desc: "dotted schema name",
			a:    Key{Source: "pg", Kind: KindTableStructure, Sub: TableSub("a.b", "c")},
			b:    Key{Source: "pg", Kind: KindTableStructure, Sub: TableSub("a", "b.c")},
		},
		{
			desc: "source ids containing slashes",
			a:    Key{Source: "x", Kind: KindTableStructure, Sub: "y/table-list"},
			b:    Key{Source: "x/table-structure/y", Kind: KindTableList},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.NotEqual(t, tc.a, tc.b)
			require.NotEqual(t, tc.a.flightKey(0), tc.b.flightKey(0))
		})
	}
}

func TestSlashedSourcesDoNotShareFetches(t *testing.T) {
	ctx := context.Background()
	c := New()
	a := Key{Source: "x", Kind: KindTableStructure, Sub: "y/table-list"}
	b := Key{Source: "x/table-structure/y", Kind: KindTableList}

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := Fetch(ctx, c, a, false, func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "a", nil
		})
		require.NoError(t, err)
		require.Equal(t, "a", v)
	}()
	<-started

	// With a shared flight, this would wait on the held fetch for a.
	v, err := Fetch(ctx, c, b, false, func(ctx context.Context) (string, error) {
		return "b", nil
	})
	require.NoError(t, err)
	require.Equal(t, "b", v)
	close(release)
	wg.Wait()
}
