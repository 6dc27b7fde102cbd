package gateway

import (
	"encoding/json"
	"net/http"
)

// Envelope is the body of every API response
type Envelope struct {
	Success bool        `json:"success"`
	Status  int         `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    Kind        `json:"kind,omitempty"`
}

// OK wraps data in a success envelope
func OK(data interface{}) *Envelope {
	return &Envelope{Success: true, Status: http.StatusOK, Data: data}
}

// Fail renders a classified error
func Fail(e *Error) *Envelope {
	return &Envelope{Success: false, Status: e.Status, Error: e.Reason, Kind: e.Kind}
}

// Marshal encodes the envelope. Encoding an envelope of plain structs cannot
// fail, but a fallback body is returned if it ever does.
func (e *Envelope) Marshal() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"success":false,"status":500,"error":"response encoding failed","kind":"internal"}`)
	}
	return data
}
