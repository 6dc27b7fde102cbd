package submissions

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HandSubmission is the strict internal form of a batch of per-hand outcomes.
// Players and Outcomes are parallel: Outcomes[i] is true when Players[i] won.
type HandSubmission struct {
	Players   []common.Address
	Outcomes  []bool
	HandID    uint64
	TableID   uint64
	DeckID    string
	RequestID string
}

// ScoreSubmission is a single participant's score/transaction delta
type ScoreSubmission struct {
	Player           common.Address
	ScoreDelta       uint64
	TransactionDelta uint64
	RequestID        string
}

// HandPayload is the canonical wire shape used when the gateway forwards a
// hand submission (browser proxy -> service endpoint)
type HandPayload struct {
	Players   []string `json:"players"`
	Outcomes  []bool   `json:"outcomes"`
	HandID    uint64   `json:"handId"`
	TableID   uint64   `json:"tableId"`
	DeckID    string   `json:"deckId"`
	RequestID string   `json:"requestId"`
}

// ScorePayload is the canonical wire shape of a score delta
type ScorePayload struct {
	Player           string `json:"player"`
	ScoreDelta       uint64 `json:"scoreAmount"`
	TransactionDelta uint64 `json:"transactionAmount"`
	RequestID        string `json:"requestId"`
}

// Payload converts the submission back to its canonical wire shape
func (h *HandSubmission) Payload() *HandPayload {
	players := make([]string, len(h.Players))
	for i, p := range h.Players {
		players[i] = p.Hex()
	}
	return &HandPayload{
		Players:   players,
		Outcomes:  append([]bool(nil), h.Outcomes...),
		HandID:    h.HandID,
		TableID:   h.TableID,
		DeckID:    h.DeckID,
		RequestID: h.RequestID,
	}
}

// Payload converts the submission back to its canonical wire shape
func (s *ScoreSubmission) Payload() *ScorePayload {
	return &ScorePayload{
		Player:           s.Player.Hex(),
		ScoreDelta:       s.ScoreDelta,
		TransactionDelta: s.TransactionDelta,
		RequestID:        s.RequestID,
	}
}

// RecordedSubmission is what the gateway returns (and replays) once a ledger
// write has been confirmed
type RecordedSubmission struct {
	RequestID   string    `json:"requestId"`
	Kind        string    `json:"kind"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	GasUsed     uint64    `json:"gasUsed"`
	Players     []string  `json:"players"`
	RecordedAt  time.Time `json:"recordedAt"`
}
