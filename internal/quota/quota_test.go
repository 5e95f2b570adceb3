package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/Felixdiamond/growth-hub/internal/testutil"
)

func TestMemoryReserve(t *testing.T) {
	ctx := context.Background()
	q := New(120)
	q.now = func() time.Time { return time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC) }

	var got []int
	for _, n := range []int{50, 50, 50, 10} {
		granted, err := q.Reserve(ctx, n)
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		got = append(got, granted)
	}
	if diff := cmp.Diff([]int{50, 50, 20, 0}, got); diff != "" {
		t.Errorf("granted mismatch (-want +got):\n%s", diff)
	}

	remaining, err := q.Remaining(ctx)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestMemoryResetsAtUTCMidnight(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 3, 23, 59, 0, 0, time.UTC)
	q := New(10)
	q.now = func() time.Time { return now }

	if granted, _ := q.Reserve(ctx, 10); granted != 10 {
		t.Fatalf("granted = %d, want 10", granted)
	}
	if remaining, _ := q.Remaining(ctx); remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	now = now.Add(2 * time.Minute)
	if remaining, _ := q.Remaining(ctx); remaining != 10 {
		t.Errorf("remaining after midnight = %d, want 10", remaining)
	}
}

func TestMemoryUnlimited(t *testing.T) {
	ctx := context.Background()
	q := New(0)

	granted, err := q.Reserve(ctx, 5000)
	if err != nil || granted != 5000 {
		t.Fatalf("Reserve = %d, %v; want 5000, nil", granted, err)
	}
	remaining, _ := q.Remaining(ctx)
	if remaining != Unlimited {
		t.Errorf("remaining = %d, want Unlimited", remaining)
	}
}

func TestMemoryReserveNonPositive(t *testing.T) {
	q := New(5)
	granted, err := q.Reserve(context.Background(), 0)
	if err != nil || granted != 0 {
		t.Errorf("Reserve(0) = %d, %v; want 0, nil", granted, err)
	}
}

func TestRedisQuota(t *testing.T) {
	rdb := testutil.SetupRedis(t)
	ctx := context.Background()

	day := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	q := NewRedis(rdb, 100)
	q.now = func() time.Time { return day }

	remaining, err := q.Remaining(ctx)
	require.NoError(t, err)
	require.Equal(t, 100, remaining)

	granted, err := q.Reserve(ctx, 60)
	require.NoError(t, err)
	require.Equal(t, 60, granted)

	granted, err = q.Reserve(ctx, 60)
	require.NoError(t, err)
	require.Equal(t, 40, granted)

	granted, err = q.Reserve(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 0, granted)

	ttl, err := rdb.TTL(ctx, "growthhub:quota:2024-05-03").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 47*time.Hour)

	// A second process sharing the instance sees the same counter.
	other := NewRedis(rdb, 100)
	other.now = q.now
	remaining, err = other.Remaining(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, remaining)

	q.now = func() time.Time { return day.Add(24 * time.Hour) }
	remaining, err = q.Remaining(ctx)
	require.NoError(t, err)
	require.Equal(t, 100, remaining)
}
