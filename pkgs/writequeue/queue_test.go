package writequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQueue(t *testing.T, size int) *Queue {
	t.Helper()
	q := New(size, nil)
	q.Start()
	t.Cleanup(func() { _ = q.Stop(5 * time.Second) })
	return q
}

func TestQueue_RunsInArrivalOrderWithoutOverlap(t *testing.T) {
	q := startQueue(t, 64)

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)

	futures := make([]*Future, 0, 20)
	for i := 0; i < 20; i++ {
		i := i
		f, err := q.Enqueue("job", func(ctx context.Context) (interface{}, error) {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)

			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, f := range futures {
		v, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	assert.False(t, overlap.Load(), "two jobs ran concurrently")
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestQueue_FailureDoesNotStopLaterJobs(t *testing.T) {
	q := startQueue(t, 8)
	boom := errors.New("ledger rejected")

	failing, err := q.Enqueue("fail", func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	require.NoError(t, err)
	panicking, err := q.Enqueue("panic", func(ctx context.Context) (interface{}, error) {
		panic("bad job")
	})
	require.NoError(t, err)
	ok, err := q.Enqueue("ok", func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = failing.Wait(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = panicking.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	v, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	stats := q.Stats()
	assert.Equal(t, uint64(3), stats.Processed)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, "ok", stats.LastJob)
}

func TestQueue_AbandonedWaitStillCompletesJob(t *testing.T) {
	q := startQueue(t, 8)

	release := make(chan struct{})
	var completed atomic.Bool
	f, err := q.Enqueue("slow", func(ctx context.Context) (interface{}, error) {
		<-release
		completed.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	<-f.Done()
	assert.True(t, completed.Load())
}

func TestQueue_StopDrainsAndRejects(t *testing.T) {
	q := New(8, nil)
	q.Start()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue("job", func(ctx context.Context) (interface{}, error) {
			ran.Add(1)
			return nil, nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, q.Stop(5*time.Second))
	assert.Equal(t, int32(5), ran.Load())

	_, err := q.Enqueue("late", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_ObserverSeesEveryJob(t *testing.T) {
	var seen atomic.Int32
	q := New(4, func(name string, wait, run time.Duration, err error) {
		seen.Add(1)
	})
	q.Start()

	f, err := q.Enqueue("one", func(ctx context.Context) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Stop(time.Second))

	assert.Equal(t, int32(1), seen.Load())
}
