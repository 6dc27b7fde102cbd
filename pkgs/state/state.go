// Package state holds the gateway's derived, process-local view of the
// ledger: known participants, running totals, recent submissions, the
// indexer cursor, and the latest leaderboard payloads. The ledger stays
// authoritative; everything here is an accelerator rebuilt from a snapshot.
package state

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Totals is a local mirror of a participant's ledger-confirmed totals
type Totals struct {
	Score        uint64 `json:"score"`
	Transactions uint64 `json:"transactions"`
}

// RecentEvent is one completed submission, kept for display
type RecentEvent struct {
	RequestID   string    `json:"requestId"`
	Kind        string    `json:"kind"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	HandID      uint64    `json:"handId,omitempty"`
	TableID     uint64    `json:"tableId,omitempty"`
	Players     []string  `json:"players"`
	Outcomes    []bool    `json:"outcomes,omitempty"`
	ScoreDelta  uint64    `json:"scoreDelta,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// CachedBoard is a serialized leaderboard and the time it was computed
type CachedBoard struct {
	ComputedAt time.Time       `json:"computedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Delta is one participant's contribution from a confirmed write
type Delta struct {
	Player       common.Address
	Score        uint64
	Transactions uint64
}

// State is the single owner of all mutable gateway data. Every method is a
// complete mutation under one lock.
type State struct {
	mu sync.RWMutex

	participants map[common.Address]struct{}
	totals       map[common.Address]*Totals
	recent       []RecentEvent
	recentCap    int
	cursor       uint64
	hasCursor    bool
	boards       map[string]CachedBoard
	version      uint64
}

// New creates an empty state with a recent-event ring of the given capacity
func New(recentCap int) *State {
	if recentCap <= 0 {
		recentCap = 50
	}
	return &State{
		participants: make(map[common.Address]struct{}),
		totals:       make(map[common.Address]*Totals),
		recent:       make([]RecentEvent, 0, recentCap),
		recentCap:    recentCap,
		boards:       make(map[string]CachedBoard),
	}
}

// AddParticipants inserts addresses into the known set and returns the ones
// not seen before. The set never shrinks.
func (s *State) AddParticipants(addrs ...common.Address) []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addParticipantsLocked(addrs)
}

func (s *State) addParticipantsLocked(addrs []common.Address) []common.Address {
	var added []common.Address
	for _, addr := range addrs {
		if _, ok := s.participants[addr]; ok {
			continue
		}
		s.participants[addr] = struct{}{}
		added = append(added, addr)
	}
	if len(added) > 0 {
		s.version++
	}
	return added
}

// ApplyWrite folds a confirmed ledger write into local state: participants,
// totals and the recent ring move together. Returns newly discovered addresses.
func (s *State) ApplyWrite(deltas []Delta, event RecentEvent) []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]common.Address, len(deltas))
	for i, d := range deltas {
		addrs[i] = d.Player
		t, ok := s.totals[d.Player]
		if !ok {
			t = &Totals{}
			s.totals[d.Player] = t
		}
		t.Score += d.Score
		t.Transactions += d.Transactions
	}
	added := s.addParticipantsLocked(addrs)

	if len(s.recent) == s.recentCap {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:len(s.recent)-1]
	}
	s.recent = append(s.recent, event)
	s.version++

	return added
}

// Participants returns the union of known participants and addresses with
// local totals, sorted for stable output
func (s *State) Participants() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[common.Address]struct{}, len(s.participants)+len(s.totals))
	out := make([]common.Address, 0, len(s.participants)+len(s.totals))
	for addr := range s.participants {
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for addr := range s.totals {
		if _, ok := seen[addr]; !ok {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// KnownCount returns the size of the participant set
func (s *State) KnownCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// IsKnown reports whether addr is in the participant set
func (s *State) IsKnown(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[addr]
	return ok
}

// TotalsOf returns the local totals for addr
func (s *State) TotalsOf(addr common.Address) (Totals, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.totals[addr]
	if !ok {
		return Totals{}, false
	}
	return *t, true
}

// Recent returns up to limit events, newest first
func (s *State) Recent(limit int) []RecentEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]RecentEvent, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

// Cursor returns the last fully scanned block, if any
func (s *State) Cursor() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, s.hasCursor
}

// AdvanceCursor moves the cursor forward to block. Moving backwards is refused.
func (s *State) AdvanceCursor(block uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasCursor && block <= s.cursor {
		return false
	}
	s.cursor = block
	s.hasCursor = true
	s.version++
	return true
}

// SetBoard stores the latest payload for a leaderboard scope
func (s *State) SetBoard(scope string, board CachedBoard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boards[scope] = board
	s.version++
}

// Board returns the latest stored payload for a scope
func (s *State) Board(scope string) (CachedBoard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[scope]
	return b, ok
}

// Version increases on every mutation
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
