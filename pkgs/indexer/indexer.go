// Package indexer discovers participants by scanning the ledger's event log
// in bounded chunks from a persisted cursor.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/state"
)

// ErrAlreadyRunning is returned when a run is requested while one is active
var ErrAlreadyRunning = errors.New("indexer run already in progress")

// LogSource is the ledger view the indexer needs
type LogSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	PlayerEvents(ctx context.Context, from, to uint64) ([]ledger.PlayerEvent, error)
}

// Saver persists state after each chunk
type Saver interface {
	SaveQuietly()
}

// Config holds indexer configuration
type Config struct {
	Source     LogSource
	State      *state.State
	Saver      Saver
	Interval   time.Duration
	StartBlock uint64
	BlockSpan  uint64

	// OnDiscover is called with addresses new to the participant set
	OnDiscover func(addrs []common.Address)
	// OnRun is called after every run that was not skipped
	OnRun func(result RunResult)
}

// RunResult describes one indexer pass
type RunResult struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Head       uint64    `json:"head"`
	From       uint64    `json:"from"`
	To         uint64    `json:"to"`
	Chunks     int       `json:"chunks"`
	Events     int       `json:"events"`
	Discovered int       `json:"discovered"`
	UpToDate   bool      `json:"upToDate"`
	Error      string    `json:"error,omitempty"`
}

// Indexer scans PlayerDataUpdated logs for the competition
type Indexer struct {
	cfg     Config
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	lastRun *RunResult
	runs    uint64
}

// New creates an indexer
func New(cfg Config) (*Indexer, error) {
	if cfg.Source == nil || cfg.State == nil {
		return nil, fmt.Errorf("indexer requires a log source and state")
	}
	if cfg.BlockSpan == 0 {
		return nil, fmt.Errorf("indexer block span must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{cfg: cfg, ctx: ctx, cancel: cancel}, nil
}

// Start runs the indexer immediately and then on every interval tick
func (ix *Indexer) Start() {
	log.WithFields(log.Fields{
		"interval":    ix.cfg.Interval,
		"block_span":  ix.cfg.BlockSpan,
		"start_block": ix.cfg.StartBlock,
	}).Info("Starting participant indexer")

	ix.wg.Add(1)
	go ix.poll()
}

// Stop halts the ticker and waits for an in-progress run to end
func (ix *Indexer) Stop() {
	ix.cancel()
	ix.wg.Wait()
	log.Info("Participant indexer stopped")
}

func (ix *Indexer) poll() {
	defer ix.wg.Done()

	ix.tick()

	ticker := time.NewTicker(ix.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ix.ctx.Done():
			return
		case <-ticker.C:
			ix.tick()
		}
	}
}

func (ix *Indexer) tick() {
	if _, err := ix.RunOnce(ix.ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		log.WithError(err).Warn("Indexer run halted early")
	}
}

// RunOnce scans from the cursor to the current head. Overlapping calls are
// rejected with ErrAlreadyRunning. A chunk failure stops the run with the
// cursor left at the last completed chunk.
func (ix *Indexer) RunOnce(ctx context.Context) (*RunResult, error) {
	if !ix.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer ix.running.Store(false)

	result := &RunResult{StartedAt: time.Now()}
	err := ix.scan(ctx, result)
	result.FinishedAt = time.Now()
	if err != nil {
		result.Error = err.Error()
	}

	ix.mu.Lock()
	ix.lastRun = result
	ix.runs++
	ix.mu.Unlock()

	if ix.cfg.OnRun != nil {
		ix.cfg.OnRun(*result)
	}
	return result, err
}

func (ix *Indexer) scan(ctx context.Context, result *RunResult) error {
	head, err := ix.cfg.Source.HeadBlock(ctx)
	if err != nil {
		return err
	}
	result.Head = head

	from := ix.cfg.StartBlock
	if cursor, ok := ix.cfg.State.Cursor(); ok && cursor+1 > from {
		from = cursor + 1
	}
	result.From = from

	if from > head {
		result.UpToDate = true
		log.WithFields(log.Fields{"from": from, "head": head}).Debug("Indexer up to date")
		return nil
	}

	for start := from; start <= head; {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + ix.cfg.BlockSpan - 1
		if end > head || end < start {
			end = head
		}

		events, err := ix.cfg.Source.PlayerEvents(ctx, start, end)
		if err != nil {
			return fmt.Errorf("chunk [%d, %d]: %w", start, end, err)
		}

		addrs := make([]common.Address, 0, len(events))
		for _, ev := range events {
			addrs = append(addrs, ev.Player)
		}
		added := ix.cfg.State.AddParticipants(addrs...)
		ix.cfg.State.AdvanceCursor(end)
		if ix.cfg.Saver != nil {
			ix.cfg.Saver.SaveQuietly()
		}

		result.To = end
		result.Chunks++
		result.Events += len(events)
		result.Discovered += len(added)

		if len(added) > 0 {
			log.WithFields(log.Fields{
				"from":       start,
				"to":         end,
				"discovered": len(added),
			}).Info("Indexer discovered participants")
			if ix.cfg.OnDiscover != nil {
				ix.cfg.OnDiscover(added)
			}
		}

		if end == head {
			break
		}
		start = end + 1
	}

	result.UpToDate = true
	return nil
}

// Status is the indexer's operator view
type Status struct {
	Running bool       `json:"running"`
	Cursor  *uint64    `json:"cursor,omitempty"`
	Runs    uint64     `json:"runs"`
	LastRun *RunResult `json:"lastRun,omitempty"`
}

// Status returns the cursor and the outcome of the latest run
func (ix *Indexer) Status() Status {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	st := Status{Running: ix.running.Load(), Runs: ix.runs}
	if cursor, ok := ix.cfg.State.Cursor(); ok {
		st.Cursor = &cursor
	}
	if ix.lastRun != nil {
		last := *ix.lastRun
		st.LastRun = &last
	}
	return st
}
