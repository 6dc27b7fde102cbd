package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/feltledger/submission-gateway/pkgs/idempotency"
	"github.com/feltledger/submission-gateway/pkgs/indexer"
	"github.com/feltledger/submission-gateway/pkgs/leaderboard"
	"github.com/feltledger/submission-gateway/pkgs/state"
	"github.com/feltledger/submission-gateway/pkgs/writequeue"
)

// StatusSources are the components the operator status report reads from.
// Any of them may be nil.
type StatusSources struct {
	Started     time.Time
	Signer      string
	Game        string
	Queue       *writequeue.Queue
	Indexer     *indexer.Indexer
	Idempotency idempotency.Store
	Boards      *leaderboard.Aggregator
	State       *state.State
	Persister   *state.Persister
	Events      interface{ Metrics() map[string]interface{} }
}

// StatusReport is the operator diagnostics payload
type StatusReport struct {
	UptimeSeconds     float64                `json:"uptimeSeconds"`
	Signer            string                 `json:"signer,omitempty"`
	Game              string                 `json:"game,omitempty"`
	KnownParticipants int                    `json:"knownParticipants"`
	WriteQueue        *writequeue.Stats      `json:"writeQueue,omitempty"`
	Indexer           *indexer.Status        `json:"indexer,omitempty"`
	Idempotency       *idempotency.Stats     `json:"idempotency,omitempty"`
	Leaderboard       *leaderboard.Stats     `json:"leaderboard,omitempty"`
	Snapshot          *state.PersisterStats  `json:"snapshot,omitempty"`
	Events            map[string]interface{} `json:"events,omitempty"`
}

// Report collects a point-in-time status
func (src *StatusSources) Report(ctx context.Context) *StatusReport {
	rep := &StatusReport{
		UptimeSeconds: time.Since(src.Started).Seconds(),
		Signer:        src.Signer,
		Game:          src.Game,
	}
	if src.State != nil {
		rep.KnownParticipants = src.State.KnownCount()
	}
	if src.Queue != nil {
		st := src.Queue.Stats()
		rep.WriteQueue = &st
	}
	if src.Indexer != nil {
		st := src.Indexer.Status()
		rep.Indexer = &st
	}
	if src.Idempotency != nil {
		st, err := src.Idempotency.Stats(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to read idempotency stats")
		} else {
			rep.Idempotency = &st
		}
	}
	if src.Boards != nil {
		st := src.Boards.Stats()
		rep.Leaderboard = &st
	}
	if src.Persister != nil {
		st := src.Persister.Stats()
		rep.Snapshot = &st
	}
	if src.Events != nil {
		rep.Events = src.Events.Metrics()
	}
	return rep
}
