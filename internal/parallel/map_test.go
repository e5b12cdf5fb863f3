package parallel_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/runwarden/runwarden/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d / time.Second), nil
	}

	input := []time.Duration{10 * time.Second, 2 * time.Second, 5 * time.Second, 1 * time.Second}

	var testCases = []struct {
		scenario string
		limit    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 10 * time.Second},
		{"no limit", 0, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				got := parallel.Map(t.Context(), tt.limit, input, f)
				require.Equal(t, tt.then, time.Since(start))

				var values []int
				for _, r := range got {
					require.NoError(t, r.Err)
					values = append(values, r.Value)
				}
				require.Equal(t, []int{10, 2, 5, 1}, values)
			})
		})
	}
}

func TestMap_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	got := parallel.Map(t.Context(), 2, []int{1, 2, 3}, func(_ context.Context, i int) (int, error) {
		if i == 2 {
			return 0, boom
		}
		return i * i, nil
	})
	require.Len(t, got, 3)
	require.Equal(t, 1, got[0].Value)
	require.ErrorIs(t, got[1].Err, boom)
	require.Equal(t, 9, got[2].Value)
}

func TestMap_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var calls atomic.Int32
	got := parallel.Map(ctx, 1, []int{1, 2}, func(_ context.Context, i int) (int, error) {
		calls.Add(1)
		return i, nil
	})
	require.Zero(t, calls.Load())
	for _, r := range got {
		require.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		size     int
		then     [][]int
	}{
		{"size 2", 2, [][]int{{1, 2}, {3, 4}, {5}}},
		{"size 5", 5, [][]int{{1, 2, 3, 4, 5}}},
		{"size 10", 10, [][]int{{1, 2, 3, 4, 5}}},
		{"size 0", 0, [][]int{{1, 2, 3, 4, 5}}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got := slices.Collect(parallel.Chunks([]int{1, 2, 3, 4, 5}, tc.size))
			require.Equal(t, tc.then, got)
		})
	}

	require.Empty(t, slices.Collect(parallel.Chunks([]int(nil), 3)))
}
