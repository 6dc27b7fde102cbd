// Package gateway orchestrates a submission from the idempotency check through
// the serialized ledger write to the local state update.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/feltledger/submission-gateway/pkgs/events"
	"github.com/feltledger/submission-gateway/pkgs/idempotency"
	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/metrics"
	"github.com/feltledger/submission-gateway/pkgs/state"
	"github.com/feltledger/submission-gateway/pkgs/submissions"
	"github.com/feltledger/submission-gateway/pkgs/writequeue"
)

const (
	KindHand  = "hand"
	KindScore = "score"

	completeTimeout = 10 * time.Second
)

// Writer performs the two ledger mutations
type Writer interface {
	RecordHand(ctx context.Context, sub *submissions.HandSubmission) (*ledger.Receipt, error)
	UpdatePlayerData(ctx context.Context, sub *submissions.ScoreSubmission) (*ledger.Receipt, error)
}

// Notifier receives best-effort submission events
type Notifier interface {
	SubmissionRecorded(payload *events.SubmissionPayload)
	SubmissionFailed(payload *events.SubmissionPayload)
	ParticipantsDiscovered(source string, addrs []common.Address)
}

// Trigger schedules a snapshot save
type Trigger interface {
	Trigger()
}

// Result is the stored response for a request id. Replays return it byte for byte.
type Result struct {
	Status   int
	Body     []byte
	Replayed bool
}

// Config wires the service collaborators. Notifier may be nil.
type Config struct {
	Writer    Writer
	Store     idempotency.Store
	Queue     *writequeue.Queue
	State     *state.State
	Persister Trigger
	Notifier  Notifier
}

// Service accepts normalized submissions
type Service struct {
	writer    Writer
	store     idempotency.Store
	queue     *writequeue.Queue
	state     *state.State
	persister Trigger
	notifier  Notifier
	now       func() time.Time
}

// NewService validates cfg and returns a service
func NewService(cfg Config) (*Service, error) {
	if cfg.Writer == nil || cfg.Store == nil || cfg.Queue == nil || cfg.State == nil {
		return nil, fmt.Errorf("gateway requires writer, store, queue and state")
	}
	return &Service{
		writer:    cfg.Writer,
		store:     cfg.Store,
		queue:     cfg.Queue,
		state:     cfg.State,
		persister: cfg.Persister,
		notifier:  cfg.Notifier,
		now:       time.Now,
	}, nil
}

// SubmitHand records a batch of per-hand outcomes
func (s *Service) SubmitHand(ctx context.Context, sub *submissions.HandSubmission) (*Result, error) {
	players := make([]string, len(sub.Players))
	deltas := make([]state.Delta, len(sub.Players))
	for i, p := range sub.Players {
		players[i] = p.Hex()
		deltas[i] = state.Delta{Player: p, Transactions: 1}
		if sub.Outcomes[i] {
			deltas[i].Score = 1
		}
	}

	return s.submit(ctx, &write{
		kind:    KindHand,
		key:     sub.RequestID,
		players: players,
		deltas:  deltas,
		event: state.RecentEvent{
			RequestID: sub.RequestID,
			Kind:      KindHand,
			HandID:    sub.HandID,
			TableID:   sub.TableID,
			Players:   players,
			Outcomes:  append([]bool(nil), sub.Outcomes...),
		},
		outcomes: sub.Outcomes,
		call: func(ctx context.Context) (*ledger.Receipt, error) {
			return s.writer.RecordHand(ctx, sub)
		},
	})
}

// SubmitScore records a single participant's score and transaction delta
func (s *Service) SubmitScore(ctx context.Context, sub *submissions.ScoreSubmission) (*Result, error) {
	players := []string{sub.Player.Hex()}
	return s.submit(ctx, &write{
		kind:    KindScore,
		key:     sub.RequestID,
		players: players,
		deltas: []state.Delta{{
			Player:       sub.Player,
			Score:        sub.ScoreDelta,
			Transactions: sub.TransactionDelta,
		}},
		event: state.RecentEvent{
			RequestID:  sub.RequestID,
			Kind:       KindScore,
			Players:    players,
			ScoreDelta: sub.ScoreDelta,
		},
		call: func(ctx context.Context) (*ledger.Receipt, error) {
			return s.writer.UpdatePlayerData(ctx, sub)
		},
	})
}

type write struct {
	kind     string
	key      string
	players  []string
	outcomes []bool
	deltas   []state.Delta
	event    state.RecentEvent
	call     func(ctx context.Context) (*ledger.Receipt, error)
}

func (s *Service) submit(ctx context.Context, w *write) (*Result, error) {
	logger := log.WithFields(log.Fields{"kind": w.kind, "request_id": w.key})

	existing, reserved, err := s.store.Reserve(ctx, w.key)
	if err != nil {
		metrics.Submission(w.kind, "error")
		return nil, InternalError("idempotency store unavailable", err)
	}
	if !reserved {
		if existing.State == idempotency.StateDone {
			metrics.Submission(w.kind, "replayed")
			logger.Debug("Replaying stored result")
			return &Result{Status: existing.Status, Body: existing.Body, Replayed: true}, nil
		}
		metrics.Submission(w.kind, "conflict")
		return nil, ConflictError(w.key)
	}

	future, err := s.queue.Enqueue(w.kind+":"+w.key, func(jobCtx context.Context) (interface{}, error) {
		return s.execute(jobCtx, w), nil
	})
	if err != nil {
		if relErr := s.store.Release(context.Background(), w.key); relErr != nil {
			logger.WithError(relErr).Warn("Failed to release idempotency reservation")
		}
		metrics.Submission(w.kind, "rejected")
		if errors.Is(err, writequeue.ErrQueueClosed) {
			return nil, NewError(KindInternal, http.StatusServiceUnavailable, "gateway is shutting down", err)
		}
		return nil, InternalError("failed to queue submission", err)
	}
	metrics.SetWriteQueueDepth(s.queue.Stats().Pending)

	value, err := future.Wait(ctx)
	if err != nil {
		// The job keeps running; a retry with the same key will replay its result.
		return nil, NewError(KindInternal, http.StatusServiceUnavailable, "request abandoned before the write completed", err)
	}
	return value.(*Result), nil
}

// execute runs on the write queue worker. Whatever happens, the key leaves
// Processing: a panic is stored as an internal error so retries replay it.
func (s *Service) execute(ctx context.Context, w *write) (result *Result) {
	logger := log.WithFields(log.Fields{"kind": w.kind, "request_id": w.key})

	defer func() {
		if r := recover(); r != nil {
			gerr := InternalError("submission failed", fmt.Errorf("write job panicked: %v", r))
			logger.WithError(gerr.Err).Error("Write job panicked, storing failure")
			metrics.Submission(w.kind, "failed")
			result = &Result{Status: gerr.Status, Body: Fail(gerr).Marshal()}
		}

		cctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
		defer cancel()
		if err := s.store.Complete(cctx, w.key, result.Status, result.Body); err != nil {
			logger.WithError(err).Error("Failed to store idempotency result")
		}
	}()

	receipt, err := w.call(ctx)
	if err != nil {
		gerr := WriteFailure(err)
		logger.WithError(err).WithField("status", gerr.Status).Warn("Ledger write failed")
		metrics.Submission(w.kind, "failed")
		result = &Result{Status: gerr.Status, Body: Fail(gerr).Marshal()}
		if s.notifier != nil {
			payload := &events.SubmissionPayload{
				RequestID: w.key,
				Kind:      w.kind,
				Players:   w.players,
				Outcomes:  w.outcomes,
				Reason:    gerr.Reason,
			}
			var we *ledger.WriteError
			if errors.As(err, &we) {
				payload.TxHash = we.TxHash
			}
			s.notifier.SubmissionFailed(payload)
		}
	} else {
		result = s.apply(w, receipt)
		logger.WithFields(log.Fields{
			"tx_hash": receipt.TxHash,
			"block":   receipt.BlockNumber,
		}).Info("Submission recorded")
		metrics.Submission(w.kind, "recorded")
	}
	return result
}

func (s *Service) apply(w *write, receipt *ledger.Receipt) *Result {
	recordedAt := s.now().UTC()

	event := w.event
	event.TxHash = receipt.TxHash
	event.BlockNumber = receipt.BlockNumber
	event.RecordedAt = recordedAt

	added := s.state.ApplyWrite(w.deltas, event)
	metrics.SetKnownParticipants(s.state.KnownCount())
	if s.persister != nil {
		s.persister.Trigger()
	}

	if s.notifier != nil {
		s.notifier.SubmissionRecorded(&events.SubmissionPayload{
			RequestID:   w.key,
			Kind:        w.kind,
			TxHash:      event.TxHash,
			BlockNumber: receipt.BlockNumber,
			Players:     w.players,
			Outcomes:    w.outcomes,
		})
		s.notifier.ParticipantsDiscovered("submission", added)
	}

	body := OK(&submissions.RecordedSubmission{
		RequestID:   w.key,
		Kind:        w.kind,
		TxHash:      event.TxHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
		Players:     w.players,
		RecordedAt:  recordedAt,
	}).Marshal()
	return &Result{Status: http.StatusOK, Body: body}
}
