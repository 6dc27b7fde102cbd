// Package idempotency maps client-supplied request ids to in-flight or
// completed outcomes so retried requests never trigger a second ledger write.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State of an idempotency record
type State string

const (
	StateProcessing State = "processing"
	StateDone       State = "done"
)

// ErrNotReserved is returned for a key that was never reserved or has
// already resolved
var ErrNotReserved = errors.New("idempotency key is not reserved")

// Record is the stored outcome for a request id. Once State is Done the
// record is never modified again.
type Record struct {
	Key         string          `json:"key"`
	State       State           `json:"state"`
	Status      int             `json:"status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

// Stats summarizes store contents for diagnostics
type Stats struct {
	Backend    string `json:"backend"`
	Total      int    `json:"total"`
	Processing int    `json:"processing,omitempty"`
	Done       int    `json:"done,omitempty"`
}

// Store is implemented by the in-memory and Redis backends
type Store interface {
	// Reserve atomically creates a Processing record for key. When a record
	// already exists it is returned and reserved is false.
	Reserve(ctx context.Context, key string) (existing *Record, reserved bool, err error)

	// Complete resolves a Processing record to Done with the response that
	// every later replay of key will receive.
	Complete(ctx context.Context, key string, status int, body []byte) error

	// Release drops a Processing record whose write never started, so the
	// client can retry the same key.
	Release(ctx context.Context, key string) error

	Stats(ctx context.Context) (Stats, error)
}
