package parallel_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Tender/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(d):
			return int(d), nil
		}
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	type given struct {
		limit int
		ctx   func(t *testing.T) context.Context
	}
	tCtx := func(t *testing.T) context.Context {
		t.Helper()
		return t.Context()
	}
	tmout1s := func(t *testing.T) context.Context {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 1*time.Second)
		t.Cleanup(cancel)
		return ctx
	}

	var testCases = []struct {
		scenario string
		given    given
		then     time.Duration
		complete bool
	}{
		{"limit 1", given{1, tCtx}, 18 * time.Second, true},
		{"limit 10", given{10, tCtx}, 10 * time.Second, true},
		{"limit 1, cancel 1s", given{1, tmout1s}, 1 * time.Second, false},
		{"limit 10, cancel 1s", given{10, tmout1s}, 1 * time.Second, false},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m1 := parallel.NewMap(tt.given.ctx(t), tt.given.limit, f).Iter(parallel.All(input))
				got := values(m1)
				if tt.complete {
					require.ElementsMatch(t, expected, got)
				} else {
					// canceled calls are dropped, only the ones done in time may show up
					require.Subset(t, expected[:1], got)
				}
				t.Logf("since: %+v", time.Since(start))
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}

}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k := range i {
		ret = append(ret, k)
	}
	return ret
}

func TestMap_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := func(_ context.Context, n int) (int, error) {
		if n%2 == 0 {
			return n, boom
		}
		return n, nil
	}

	var ok, failed []int
	for d, err := range parallel.NewMap(t.Context(), 3, f).Iter(parallel.All([]int{1, 2, 3, 4, 5})) {
		if err != nil {
			require.ErrorIs(t, err, boom)
			failed = append(failed, d)
			continue
		}
		ok = append(ok, d)
	}
	// errors are delivered per element and do not cancel the others
	require.ElementsMatch(t, []int{1, 3, 5}, ok)
	require.ElementsMatch(t, []int{2, 4}, failed)
}

func TestMap_Break(t *testing.T) {
	t.Parallel()
	f := func(_ context.Context, n int) (int, error) { return n, nil }
	count := 0
	for range parallel.NewMap(t.Context(), 1, f).Iter(parallel.All([]int{1, 2, 3, 4})) {
		count++
		break
	}
	require.Equal(t, 1, count)
}
