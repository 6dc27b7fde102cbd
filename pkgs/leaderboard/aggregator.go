// Package leaderboard aggregates per-address ledger totals into ranked
// boards, memoized per scope behind a TTL cache.
package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/state"
)

// Reader is the ledger read accessor the aggregator fans out over
type Reader interface {
	ReadMetric(ctx context.Context, scope ledger.Scope, metric ledger.Metric, player common.Address) (uint64, error)
}

// Trigger schedules a best-effort snapshot write
type Trigger interface {
	Trigger()
}

// Observer receives per-recompute timing
type Observer func(scope ledger.Scope, took time.Duration, reads, failures int)

// ErrUnknownScope is returned for scopes other than competition and global
var ErrUnknownScope = errors.New("unknown leaderboard scope")

// Entry is one ranked participant
type Entry struct {
	Rank         int    `json:"rank"`
	Address      string `json:"address"`
	Score        uint64 `json:"score"`
	Transactions uint64 `json:"transactions"`
}

// Board is the payload served to clients
type Board struct {
	Scope        ledger.Scope `json:"scope"`
	ComputedAt   time.Time    `json:"computedAt"`
	Participants int          `json:"participants"`
	Entries      []Entry      `json:"entries"`
	Stale        bool         `json:"stale,omitempty"`
}

// Config bounds aggregation cost and response size
type Config struct {
	TTL              time.Duration
	Concurrency      int
	MaxLimit         int
	DefaultLimit     int
	RecomputeTimeout time.Duration
}

type cacheEntry struct {
	computedAt time.Time
	entries    []Entry
}

// Aggregator serves competition and global boards
type Aggregator struct {
	reader    Reader
	state     *state.State
	persister Trigger
	cfg       Config
	observer  Observer

	mu    sync.RWMutex
	cache map[ledger.Scope]*cacheEntry

	group      singleflight.Group
	recomputes atomic.Uint64
	staleHits  atomic.Uint64

	now func() time.Time
}

// New creates an aggregator and seeds its cache from boards in state
func New(reader Reader, st *state.State, persister Trigger, cfg Config, observer Observer) *Aggregator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 200
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.RecomputeTimeout <= 0 {
		cfg.RecomputeTimeout = 30 * time.Second
	}

	a := &Aggregator{
		reader:    reader,
		state:     st,
		persister: persister,
		cfg:       cfg,
		observer:  observer,
		cache:     make(map[ledger.Scope]*cacheEntry),
		now:       time.Now,
	}
	a.seed()
	return a
}

func (a *Aggregator) seed() {
	for _, scope := range []ledger.Scope{ledger.ScopeCompetition, ledger.ScopeGlobal} {
		stored, ok := a.state.Board(string(scope))
		if !ok {
			continue
		}
		var entries []Entry
		if err := json.Unmarshal(stored.Payload, &entries); err != nil {
			log.WithError(err).Warnf("Ignoring unreadable %s board from snapshot", scope)
			continue
		}
		a.cache[scope] = &cacheEntry{computedAt: stored.ComputedAt, entries: entries}
		log.WithFields(log.Fields{
			"scope":       scope,
			"entries":     len(entries),
			"computed_at": stored.ComputedAt,
		}).Info("Seeded leaderboard from snapshot")
	}
}

// ClampLimit maps a requested limit into [1, MaxLimit]; zero or less selects the default
func (a *Aggregator) ClampLimit(limit int) int {
	if limit <= 0 {
		return a.cfg.DefaultLimit
	}
	if limit > a.cfg.MaxLimit {
		return a.cfg.MaxLimit
	}
	return limit
}

// Get returns the board for scope. A cached board younger than the TTL is
// served as-is unless force is set.
func (a *Aggregator) Get(ctx context.Context, scope ledger.Scope, limit int, force bool) (*Board, error) {
	if scope != ledger.ScopeCompetition && scope != ledger.ScopeGlobal {
		return nil, ErrUnknownScope
	}
	limit = a.ClampLimit(limit)

	if !force {
		if entry, ok := a.fresh(scope); ok {
			return a.board(scope, entry, limit, false), nil
		}
	}

	key := string(scope)
	if force {
		key += ":force"
	}
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		return a.recompute(ctx, scope)
	})
	if err != nil {
		return nil, err
	}

	res := v.(*recomputeResult)
	return a.board(scope, res.entry, limit, res.stale), nil
}

func (a *Aggregator) fresh(scope ledger.Scope) (*cacheEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, ok := a.cache[scope]
	if !ok || a.now().Sub(entry.computedAt) >= a.cfg.TTL {
		return nil, false
	}
	return entry, true
}

func (a *Aggregator) board(scope ledger.Scope, entry *cacheEntry, limit int, stale bool) *Board {
	n := len(entry.entries)
	if n > limit {
		n = limit
	}
	entries := make([]Entry, n)
	copy(entries, entry.entries[:n])

	return &Board{
		Scope:        scope,
		ComputedAt:   entry.computedAt,
		Participants: len(entry.entries),
		Entries:      entries,
		Stale:        stale,
	}
}

type recomputeResult struct {
	entry *cacheEntry
	stale bool
}

type totals struct {
	score, transactions uint64
}

func (a *Aggregator) recompute(ctx context.Context, scope ledger.Scope) (*recomputeResult, error) {
	// shared by every waiter, so one caller going away must not cancel it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.RecomputeTimeout)
	defer cancel()

	started := a.now()
	addrs := a.state.Participants()
	results := make([]totals, len(addrs))

	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for i, addr := range addrs {
		for _, metric := range []ledger.Metric{ledger.MetricScore, ledger.MetricTransactions} {
			i, addr, metric := i, addr, metric
			g.Go(func() error {
				v, err := a.reader.ReadMetric(gctx, scope, metric, addr)
				if err != nil {
					failures.Add(1)
					log.WithError(err).WithFields(log.Fields{
						"scope":  scope,
						"metric": metric,
						"player": addr.Hex(),
					}).Debug("Ledger read failed, counting as zero")
					return nil
				}
				if metric == ledger.MetricScore {
					results[i].score = v
				} else {
					results[i].transactions = v
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	reads := len(addrs) * 2
	failed := int(failures.Load())
	took := a.now().Sub(started)
	if a.observer != nil {
		a.observer(scope, took, reads, failed)
	}

	if reads > 0 && failed == reads {
		a.mu.RLock()
		prev, ok := a.cache[scope]
		a.mu.RUnlock()
		if ok {
			a.staleHits.Add(1)
			log.WithField("scope", scope).Warn("Every ledger read failed, serving previous leaderboard")
			return &recomputeResult{entry: prev, stale: true}, nil
		}
	}

	entries := make([]Entry, len(addrs))
	for i, addr := range addrs {
		entries[i] = Entry{
			Address:      addr.Hex(),
			Score:        results[i].score,
			Transactions: results[i].transactions,
		}
	}
	Rank(entries)

	entry := &cacheEntry{computedAt: a.now(), entries: entries}
	a.mu.Lock()
	a.cache[scope] = entry
	a.mu.Unlock()
	a.recomputes.Add(1)

	a.persist(scope, entry)

	log.WithFields(log.Fields{
		"scope":        scope,
		"participants": len(addrs),
		"failures":     failed,
		"took":         took,
	}).Debug("Leaderboard recomputed")

	return &recomputeResult{entry: entry}, nil
}

func (a *Aggregator) persist(scope ledger.Scope, entry *cacheEntry) {
	payload, err := json.Marshal(entry.entries)
	if err != nil {
		log.WithError(err).Warn("Failed to encode leaderboard for snapshot")
		return
	}
	a.state.SetBoard(string(scope), state.CachedBoard{ComputedAt: entry.computedAt, Payload: payload})
	if a.persister != nil {
		a.persister.Trigger()
	}
}

// Rank sorts entries by score, then transactions, both descending, and
// assigns 1-based ranks. Address order breaks remaining ties.
func Rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Transactions != entries[j].Transactions {
			return entries[i].Transactions > entries[j].Transactions
		}
		return strings.ToLower(entries[i].Address) < strings.ToLower(entries[j].Address)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// ScopeStats describes one cached scope
type ScopeStats struct {
	Cached     bool      `json:"cached"`
	ComputedAt time.Time `json:"computedAt,omitempty"`
	AgeSeconds float64   `json:"ageSeconds,omitempty"`
	Entries    int       `json:"entries"`
}

// Stats summarizes cache state
type Stats struct {
	TTLSeconds float64                     `json:"ttlSeconds"`
	Recomputes uint64                      `json:"recomputes"`
	StaleHits  uint64                      `json:"staleServes"`
	Scopes     map[ledger.Scope]ScopeStats `json:"scopes"`
}

// Stats returns cache ages and counters
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := Stats{
		TTLSeconds: a.cfg.TTL.Seconds(),
		Recomputes: a.recomputes.Load(),
		StaleHits:  a.staleHits.Load(),
		Scopes:     make(map[ledger.Scope]ScopeStats, 2),
	}
	for _, scope := range []ledger.Scope{ledger.ScopeCompetition, ledger.ScopeGlobal} {
		entry, ok := a.cache[scope]
		if !ok {
			st.Scopes[scope] = ScopeStats{}
			continue
		}
		st.Scopes[scope] = ScopeStats{
			Cached:     true,
			ComputedAt: entry.computedAt,
			AgeSeconds: a.now().Sub(entry.computedAt).Seconds(),
			Entries:    len(entry.entries),
		}
	}
	return st
}
