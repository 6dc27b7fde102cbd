package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/state"
)

var (
	addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrB = common.HexToAddress("0x2222222222222222222222222222222222222222")
	addrC = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeReader struct {
	mu       sync.Mutex
	values   map[ledger.Scope]map[common.Address]state.Totals
	failFor  map[common.Address]bool
	failAll  bool
	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		values: map[ledger.Scope]map[common.Address]state.Totals{
			ledger.ScopeCompetition: {},
			ledger.ScopeGlobal:      {},
		},
		failFor: map[common.Address]bool{},
	}
}

func (f *fakeReader) set(scope ledger.Scope, addr common.Address, score, txs uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[scope][addr] = state.Totals{Score: score, Transactions: txs}
}

func (f *fakeReader) ReadMetric(ctx context.Context, scope ledger.Scope, metric ledger.Metric, player common.Address) (uint64, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failFor[player] {
		return 0, errors.New("rpc unavailable")
	}
	t := f.values[scope][player]
	if metric == ledger.MetricTransactions {
		return t.Transactions, nil
	}
	return t.Score, nil
}

type countingTrigger struct{ n atomic.Int64 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

func newAggregator(t *testing.T, reader Reader, st *state.State, cfg Config) (*Aggregator, *countingTrigger) {
	t.Helper()
	trig := &countingTrigger{}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Second
	}
	return New(reader, st, trig, cfg, nil), trig
}

func TestGet_SortsByScoreThenTransactions(t *testing.T) {
	reader := newFakeReader()
	reader.set(ledger.ScopeCompetition, addrA, 5, 1)
	reader.set(ledger.ScopeCompetition, addrB, 5, 9)
	reader.set(ledger.ScopeCompetition, addrC, 7, 0)

	st := state.New(10)
	st.AddParticipants(addrA, addrB, addrC)
	agg, trig := newAggregator(t, reader, st, Config{MaxLimit: 10})

	board, err := agg.Get(context.Background(), ledger.ScopeCompetition, 0, false)
	require.NoError(t, err)
	require.Len(t, board.Entries, 3)

	assert.Equal(t, addrC.Hex(), board.Entries[0].Address)
	assert.Equal(t, addrB.Hex(), board.Entries[1].Address)
	assert.Equal(t, addrA.Hex(), board.Entries[2].Address)
	for i, e := range board.Entries {
		assert.Equal(t, i+1, e.Rank)
	}
	assert.Equal(t, int64(1), trig.n.Load())

	stored, ok := st.Board(string(ledger.ScopeCompetition))
	require.True(t, ok)
	assert.Equal(t, board.ComputedAt, stored.ComputedAt)
}

func TestGet_CachedWithinTTLIsByteIdentical(t *testing.T) {
	reader := newFakeReader()
	reader.set(ledger.ScopeCompetition, addrA, 1, 1)
	st := state.New(10)
	st.AddParticipants(addrA)
	agg, _ := newAggregator(t, reader, st, Config{MaxLimit: 10})

	ctx := context.Background()
	first, err := agg.Get(ctx, ledger.ScopeCompetition, 5, false)
	require.NoError(t, err)
	calls := reader.calls.Load()

	reader.set(ledger.ScopeCompetition, addrA, 100, 100)
	second, err := agg.Get(ctx, ledger.ScopeCompetition, 5, false)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, calls, reader.calls.Load())

	forced, err := agg.Get(ctx, ledger.ScopeCompetition, 5, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), forced.Entries[0].Score)
	assert.Greater(t, reader.calls.Load(), calls)
}

func TestGet_ExpiredCacheRecomputes(t *testing.T) {
	reader := newFakeReader()
	reader.set(ledger.ScopeGlobal, addrA, 1, 1)
	st := state.New(10)
	st.AddParticipants(addrA)
	agg, _ := newAggregator(t, reader, st, Config{TTL: time.Minute, MaxLimit: 10})

	now := time.Now()
	agg.now = func() time.Time { return now }

	_, err := agg.Get(context.Background(), ledger.ScopeGlobal, 1, false)
	require.NoError(t, err)

	reader.set(ledger.ScopeGlobal, addrA, 3, 1)
	now = now.Add(2 * time.Minute)
	board, err := agg.Get(context.Background(), ledger.ScopeGlobal, 1, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), board.Entries[0].Score)
}

func TestGet_ReadFailureCountsAsZero(t *testing.T) {
	reader := newFakeReader()
	reader.set(ledger.ScopeCompetition, addrA, 4, 4)
	reader.set(ledger.ScopeCompetition, addrB, 9, 9)
	reader.failFor[addrB] = true

	st := state.New(10)
	st.AddParticipants(addrA, addrB)
	agg, _ := newAggregator(t, reader, st, Config{MaxLimit: 10})

	board, err := agg.Get(context.Background(), ledger.ScopeCompetition, 10, false)
	require.NoError(t, err)
	require.Len(t, board.Entries, 2)
	assert.Equal(t, addrA.Hex(), board.Entries[0].Address)
	assert.Equal(t, uint64(0), board.Entries[1].Score)
	assert.False(t, board.Stale)
}

func TestGet_ServesStaleWhenEveryReadFails(t *testing.T) {
	reader := newFakeReader()
	reader.set(ledger.ScopeCompetition, addrA, 2, 2)
	st := state.New(10)
	st.AddParticipants(addrA)
	agg, _ := newAggregator(t, reader, st, Config{MaxLimit: 10})

	ctx := context.Background()
	_, err := agg.Get(ctx, ledger.ScopeCompetition, 10, false)
	require.NoError(t, err)

	reader.failAll = true
	board, err := agg.Get(ctx, ledger.ScopeCompetition, 10, true)
	require.NoError(t, err)
	assert.True(t, board.Stale)
	assert.Equal(t, uint64(2), board.Entries[0].Score)
}

func TestGet_LimitIsClampedAndUnionIncludesLocalTotals(t *testing.T) {
	reader := newFakeReader()
	st := state.New(10)
	st.AddParticipants(addrA, addrB)
	st.ApplyWrite([]state.Delta{{Player: addrC, Score: 1, Transactions: 1}}, state.RecentEvent{RequestID: "r1"})

	agg, _ := newAggregator(t, reader, st, Config{MaxLimit: 2, DefaultLimit: 1})

	board, err := agg.Get(context.Background(), ledger.ScopeCompetition, 50, false)
	require.NoError(t, err)
	assert.Len(t, board.Entries, 2)
	assert.Equal(t, 3, board.Participants)

	board, err = agg.Get(context.Background(), ledger.ScopeCompetition, 0, false)
	require.NoError(t, err)
	assert.Len(t, board.Entries, 1)
}

func TestGet_BoundedConcurrencyAndCollapsedRecompute(t *testing.T) {
	reader := newFakeReader()
	reader.delay = 5 * time.Millisecond
	st := state.New(10)
	for i := 1; i <= 12; i++ {
		st.AddParticipants(common.BytesToAddress([]byte{byte(i)}))
	}
	agg, _ := newAggregator(t, reader, st, Config{Concurrency: 3, MaxLimit: 50})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.Get(context.Background(), ledger.ScopeCompetition, 10, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, reader.maxSeen.Load(), int64(3))
	assert.Equal(t, uint64(1), agg.Stats().Recomputes)
	assert.Equal(t, int64(24), reader.calls.Load())
}

func TestNew_SeedsFromSnapshotBoard(t *testing.T) {
	entries := []Entry{{Rank: 1, Address: addrA.Hex(), Score: 9, Transactions: 3}}
	payload, err := json.Marshal(entries)
	require.NoError(t, err)

	st := state.New(10)
	st.SetBoard(string(ledger.ScopeCompetition), state.CachedBoard{ComputedAt: time.Now(), Payload: payload})

	reader := newFakeReader()
	agg, _ := newAggregator(t, reader, st, Config{MaxLimit: 10})

	board, err := agg.Get(context.Background(), ledger.ScopeCompetition, 10, false)
	require.NoError(t, err)
	require.Len(t, board.Entries, 1)
	assert.Equal(t, uint64(9), board.Entries[0].Score)
	assert.Zero(t, reader.calls.Load())
}

func TestGet_UnknownScope(t *testing.T) {
	agg, _ := newAggregator(t, newFakeReader(), state.New(1), Config{})
	_, err := agg.Get(context.Background(), ledger.Scope("weekly"), 1, false)
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestLookup_FallsBackToLocalTotals(t *testing.T) {
	reader := newFakeReader()
	reader.set(ledger.ScopeCompetition, addrA, 4, 2)
	st := state.New(10)
	st.ApplyWrite([]state.Delta{{Player: addrB, Score: 1, Transactions: 1}}, state.RecentEvent{RequestID: "r1"})
	agg, _ := newAggregator(t, reader, st, Config{MaxLimit: 10})

	ctx := context.Background()
	view, err := agg.Lookup(ctx, ledger.ScopeCompetition, addrA)
	require.NoError(t, err)
	assert.Equal(t, "ledger", view.Source)
	assert.Equal(t, uint64(4), view.Score)
	assert.False(t, view.Known)

	reader.failFor[addrB] = true
	view, err = agg.Lookup(ctx, ledger.ScopeCompetition, addrB)
	require.NoError(t, err)
	assert.Equal(t, "local", view.Source)
	assert.Equal(t, uint64(1), view.Score)
	assert.True(t, view.Known)

	_, err = agg.Lookup(ctx, ledger.ScopeGlobal, addrB)
	assert.Error(t, err)
}

func TestRank_TiesBrokenDeterministically(t *testing.T) {
	entries := []Entry{
		{Address: "0xB", Score: 1, Transactions: 1},
		{Address: "0xA", Score: 1, Transactions: 1},
		{Address: "0xC", Score: 1, Transactions: 2},
	}
	Rank(entries)
	assert.Equal(t, "0xC", entries[0].Address)
	assert.Equal(t, "0xA", entries[1].Address)
	assert.Equal(t, "0xB", entries[2].Address)
}
