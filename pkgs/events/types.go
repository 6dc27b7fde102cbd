package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// EventSubmissionRecorded follows every confirmed ledger write
	EventSubmissionRecorded EventType = "submission_recorded"
	// EventSubmissionFailed follows a ledger write that was rejected or reverted
	EventSubmissionFailed EventType = "submission_failed"
	// EventParticipantDiscovered fires when the known set grows
	EventParticipantDiscovered EventType = "participant_discovered"
)

// Event is the envelope published on every channel
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Component string          `json:"component"`
	Payload   json.RawMessage `json:"payload"`
}

// SubmissionPayload describes a ledger write outcome
type SubmissionPayload struct {
	RequestID   string   `json:"requestId"`
	Kind        string   `json:"kind"`
	TxHash      string   `json:"txHash,omitempty"`
	BlockNumber uint64   `json:"blockNumber,omitempty"`
	Players     []string `json:"players"`
	Outcomes    []bool   `json:"outcomes,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// DiscoveryPayload lists newly known participants
type DiscoveryPayload struct {
	Source    string   `json:"source"` // "submission" or "indexer"
	Addresses []string `json:"addresses"`
}

// NewEvent wraps payload in an envelope with a fresh id
func NewEvent(eventType EventType, component string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Component: component,
		Payload:   payloadBytes,
	}, nil
}

// String returns a short description of the event
func (e *Event) String() string {
	return fmt.Sprintf("[%s] %s (component=%s, id=%s)",
		e.Timestamp.Format(time.RFC3339), e.Type, e.Component, e.ID)
}

// ToJSON serializes the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
