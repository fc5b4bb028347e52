package parallel_test

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Agent/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(d):
		}
		return int(d / time.Second), nil
	}

	input := []time.Duration{5 * time.Second, 1 * time.Second, 10 * time.Second, 2 * time.Second}

	var testCases = []struct {
		scenario string
		limit    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 11 * time.Second},
		{"limit 10", 10, 10 * time.Second},
		{"no limit", 0, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				got, err := parallel.Map(t.Context(), tt.limit, input, f)
				require.NoError(t, err)
				require.Equal(t, []int{5, 1, 10, 2}, got)
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMap_Error(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		boom := errors.New("boom")
		f := func(ctx context.Context, d time.Duration) (int, error) {
			if d == 0 {
				return 0, boom
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(d):
			}
			return 1, nil
		}

		start := time.Now()
		got, err := parallel.Map(t.Context(), 4, []time.Duration{time.Hour, 0, time.Hour}, f)
		require.ErrorIs(t, err, boom)
		require.Nil(t, got)
		require.Zero(t, time.Since(start))
	})
}
