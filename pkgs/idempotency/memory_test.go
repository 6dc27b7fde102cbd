package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReserveCompleteReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	existing, reserved, err := s.Reserve(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)

	existing, reserved, err = s.Reserve(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, StateProcessing, existing.State)

	require.NoError(t, s.Complete(ctx, "r1", 200, []byte(`{"ok":true}`)))

	existing, reserved, err = s.Reserve(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, StateDone, existing.State)
	assert.Equal(t, 200, existing.Status)
	assert.JSONEq(t, `{"ok":true}`, string(existing.Body))

	// a Done record never changes
	assert.ErrorIs(t, s.Complete(ctx, "r1", 500, nil), ErrNotReserved)
	assert.ErrorIs(t, s.Complete(ctx, "unknown", 200, nil), ErrNotReserved)
}

func TestMemoryStore_ConcurrentReserveHasOneWinner(t *testing.T) {
	s := NewMemoryStore(0)
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := s.Reserve(context.Background(), "same")
			if err == nil && reserved {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestMemoryStore_DoneRecordsExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	s := NewMemoryStore(time.Minute)
	s.now = func() time.Time { return now }

	_, _, _ = s.Reserve(ctx, "old")
	require.NoError(t, s.Complete(ctx, "old", 200, nil))
	_, _, _ = s.Reserve(ctx, "pending")

	now = now.Add(2 * time.Minute)
	_, reserved, err := s.Reserve(ctx, "old")
	require.NoError(t, err)
	assert.True(t, reserved, "expired Done record should be evicted")

	_, reserved, _ = s.Reserve(ctx, "pending")
	assert.False(t, reserved, "Processing records never expire")
}

func TestMemoryStore_ReleaseOnlyProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	_, _, _ = s.Reserve(ctx, "r")
	require.NoError(t, s.Release(ctx, "r"))
	_, reserved, _ := s.Reserve(ctx, "r")
	assert.True(t, reserved)

	require.NoError(t, s.Complete(ctx, "r", 200, nil))
	assert.ErrorIs(t, s.Release(ctx, "r"), ErrNotReserved)
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	_, _, _ = s.Reserve(ctx, "a")
	_, _, _ = s.Reserve(ctx, "b")
	require.NoError(t, s.Complete(ctx, "a", 200, nil))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Backend: "memory", Total: 2, Processing: 1, Done: 1}, st)
}
