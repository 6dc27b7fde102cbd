package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

const snapshotVersion = 1

// Snapshot is the on-disk form of State
type Snapshot struct {
	Version      int                    `json:"version"`
	SavedAt      time.Time              `json:"savedAt"`
	Participants []string               `json:"participants"`
	Cursor       *uint64                `json:"cursor,omitempty"`
	Totals       map[string]Totals      `json:"totals"`
	Recent       []RecentEvent          `json:"recent"`
	Boards       map[string]CachedBoard `json:"boards,omitempty"`
}

// Snapshot captures a consistent copy of the state
func (s *State) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Version:      snapshotVersion,
		SavedAt:      time.Now().UTC(),
		Participants: make([]string, 0, len(s.participants)),
		Totals:       make(map[string]Totals, len(s.totals)),
		Recent:       append([]RecentEvent(nil), s.recent...),
		Boards:       make(map[string]CachedBoard, len(s.boards)),
	}
	for addr := range s.participants {
		snap.Participants = append(snap.Participants, addr.Hex())
	}
	for addr, t := range s.totals {
		snap.Totals[addr.Hex()] = *t
	}
	if s.hasCursor {
		c := s.cursor
		snap.Cursor = &c
	}
	for scope, b := range s.boards {
		snap.Boards[scope] = b
	}
	return snap
}

// Restore replaces the state's contents with a snapshot. Malformed addresses
// are skipped.
func (s *State) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.participants = make(map[common.Address]struct{}, len(snap.Participants))
	for _, raw := range snap.Participants {
		if !common.IsHexAddress(raw) {
			log.Warnf("Skipping malformed participant %q in snapshot", raw)
			continue
		}
		s.participants[common.HexToAddress(raw)] = struct{}{}
	}

	s.totals = make(map[common.Address]*Totals, len(snap.Totals))
	for raw, t := range snap.Totals {
		if !common.IsHexAddress(raw) {
			log.Warnf("Skipping malformed totals entry %q in snapshot", raw)
			continue
		}
		t := t
		s.totals[common.HexToAddress(raw)] = &t
	}

	recent := snap.Recent
	if len(recent) > s.recentCap {
		recent = recent[len(recent)-s.recentCap:]
	}
	s.recent = make([]RecentEvent, 0, s.recentCap)
	s.recent = append(s.recent, recent...)

	s.hasCursor = snap.Cursor != nil
	s.cursor = 0
	if snap.Cursor != nil {
		s.cursor = *snap.Cursor
	}

	s.boards = make(map[string]CachedBoard, len(snap.Boards))
	for scope, b := range snap.Boards {
		s.boards[scope] = b
	}
	s.version++
}

// FileStore persists snapshots to a single JSON file
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot file location
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the snapshot file. A missing file yields (nil, nil).
func (f *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", f.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", f.path, err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot %s has unsupported version %d", f.path, snap.Version)
	}
	return &snap, nil
}

// Save writes the snapshot atomically via a temp file and rename
func (f *FileStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
