package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/state"
)

type chunk struct{ from, to uint64 }

type fakeSource struct {
	mu       sync.Mutex
	head     uint64
	events   map[uint64][]common.Address // block -> players
	failFrom uint64
	chunks   []chunk
	block    chan struct{}
}

func (f *fakeSource) HeadBlock(ctx context.Context) (uint64, error) {
	if f.block != nil {
		<-f.block
	}
	return f.head, nil
}

func (f *fakeSource) PlayerEvents(ctx context.Context, from, to uint64) ([]ledger.PlayerEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk{from, to})
	if f.failFrom != 0 && from >= f.failFrom {
		return nil, errors.New("query returned more than 10000 results")
	}
	var out []ledger.PlayerEvent
	for b := from; b <= to; b++ {
		for _, p := range f.events[b] {
			out = append(out, ledger.PlayerEvent{Player: p, BlockNumber: b})
		}
	}
	return out, nil
}

type countingSaver struct{ n int }

func (c *countingSaver) SaveQuietly() { c.n++ }

var (
	addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestRunOnce_ScansInChunksAndPersistsEach(t *testing.T) {
	src := &fakeSource{head: 250, events: map[uint64][]common.Address{
		15:  {addrA},
		180: {addrB, addrA},
	}}
	st := state.New(5)
	saver := &countingSaver{}
	var discovered []common.Address

	ix, err := New(Config{
		Source: src, State: st, Saver: saver, StartBlock: 10, BlockSpan: 100,
		OnDiscover: func(addrs []common.Address) { discovered = append(discovered, addrs...) },
	})
	require.NoError(t, err)

	res, err := ix.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []chunk{{10, 109}, {110, 209}, {210, 250}}, src.chunks)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, saver.n)
	assert.Equal(t, 2, res.Discovered)
	assert.ElementsMatch(t, []common.Address{addrA, addrB}, discovered)

	cursor, ok := st.Cursor()
	require.True(t, ok)
	assert.Equal(t, uint64(250), cursor)
}

func TestRunOnce_ResumesFromCursorAndNoopsWhenCurrent(t *testing.T) {
	src := &fakeSource{head: 300, events: map[uint64][]common.Address{}}
	st := state.New(5)
	st.AdvanceCursor(250)

	ix, err := New(Config{Source: src, State: st, BlockSpan: 100})
	require.NoError(t, err)

	_, err = ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []chunk{{251, 300}}, src.chunks)

	res, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
	assert.Zero(t, res.Chunks)
	assert.Len(t, src.chunks, 1)
}

func TestRunOnce_ChunkErrorPreservesProgress(t *testing.T) {
	src := &fakeSource{head: 500, failFrom: 200, events: map[uint64][]common.Address{5: {addrA}}}
	st := state.New(5)

	ix, err := New(Config{Source: src, State: st, BlockSpan: 100})
	require.NoError(t, err)

	res, err := ix.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, res.Chunks)
	assert.NotEmpty(t, res.Error)

	cursor, ok := st.Cursor()
	require.True(t, ok)
	assert.Equal(t, uint64(199), cursor)
	assert.Len(t, src.chunks, 3, "run must stop at the failing chunk")

	// resumes exactly where it stopped once the backend recovers
	src.failFrom = 0
	src.chunks = nil
	_, err = ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chunk{200, 299}, src.chunks[0])
	assert.True(t, st.IsKnown(addrA))
}

func TestRunOnce_RejectsOverlappingRuns(t *testing.T) {
	src := &fakeSource{head: 10, block: make(chan struct{}), events: map[uint64][]common.Address{}}
	ix, err := New(Config{Source: src, State: state.New(5), BlockSpan: 100})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ix.RunOnce(context.Background())
	}()

	require.Eventually(t, func() bool { return ix.Status().Running }, time.Second, time.Millisecond)
	_, err = ix.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(src.block)
	<-done
	assert.Equal(t, uint64(1), ix.Status().Runs)
}

func TestNew_RequiresSpan(t *testing.T) {
	_, err := New(Config{Source: &fakeSource{}, State: state.New(1)})
	assert.Error(t, err)
}
