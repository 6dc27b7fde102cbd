package state

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Persister writes state snapshots in the background. Triggers that arrive
// while a save is pending coalesce into one write. Failures are logged only.
type Persister struct {
	state *State
	store *FileStore

	saveMu    sync.Mutex
	lastSaved uint64

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	saves    atomic.Uint64
	failures atomic.Uint64
	lastAt   atomic.Int64
}

// NewPersister creates a persister for state backed by store
func NewPersister(state *State, store *FileStore) *Persister {
	return &Persister{
		state:   state,
		store:   store,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Rehydrate loads the snapshot file into state. A missing or unreadable file
// leaves state empty.
func (p *Persister) Rehydrate() bool {
	snap, err := p.store.Load()
	if err != nil {
		log.WithError(err).Warn("Ignoring unreadable snapshot, starting with empty state")
		return false
	}
	if snap == nil {
		log.WithField("path", p.store.Path()).Info("No snapshot found, starting with empty state")
		return false
	}

	p.state.Restore(snap)
	p.saveMu.Lock()
	p.lastSaved = p.state.Version()
	p.saveMu.Unlock()

	cursor := "none"
	if snap.Cursor != nil {
		cursor = formatUint(*snap.Cursor)
	}
	log.WithFields(log.Fields{
		"path":         p.store.Path(),
		"participants": len(snap.Participants),
		"recent":       len(snap.Recent),
		"cursor":       cursor,
		"saved_at":     snap.SavedAt,
	}).Info("Rehydrated gateway state from snapshot")
	return true
}

// Start launches the background writer
func (p *Persister) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Trigger requests a background save without blocking
func (p *Persister) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Save writes a snapshot now if state changed since the last write
func (p *Persister) Save() error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	version := p.state.Version()
	if version == p.lastSaved && p.saves.Load() > 0 {
		return nil
	}

	if err := p.store.Save(p.state.Snapshot()); err != nil {
		p.failures.Add(1)
		return err
	}
	p.lastSaved = version
	p.saves.Add(1)
	p.lastAt.Store(time.Now().UnixMilli())
	return nil
}

// SaveQuietly saves and logs any failure
func (p *Persister) SaveQuietly() {
	if err := p.Save(); err != nil {
		log.WithError(err).Warn("Failed to persist gateway snapshot")
	}
}

// Stop ends the background writer and performs a final flush
func (p *Persister) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.SaveQuietly()
}

func (p *Persister) loop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.SaveQuietly()
		}
	}
}

// PersisterStats summarizes snapshot activity
type PersisterStats struct {
	Path     string    `json:"path"`
	Saves    uint64    `json:"saves"`
	Failures uint64    `json:"failures"`
	LastSave time.Time `json:"lastSave,omitempty"`
}

// Stats returns persistence counters
func (p *Persister) Stats() PersisterStats {
	st := PersisterStats{
		Path:     p.store.Path(),
		Saves:    p.saves.Load(),
		Failures: p.failures.Load(),
	}
	if ms := p.lastAt.Load(); ms > 0 {
		st.LastSave = time.UnixMilli(ms).UTC()
	}
	return st
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
