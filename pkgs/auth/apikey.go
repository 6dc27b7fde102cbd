package auth

import (
	"crypto/subtle"
	"errors"
)

const (
	// HeaderAPIKey carries the server-only key on service-to-service calls
	HeaderAPIKey = "X-API-Key"
	// HeaderClientKey carries the public browser-facing key
	HeaderClientKey = "X-Client-Key"
)

var (
	ErrMissingAPIKey = errors.New("missing api key")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Keys holds the two API-key tiers. The public key only ever authorizes the
// browser-facing proxy routes; ledger writes require the server key.
type Keys struct {
	server []byte
	public []byte
}

// NewKeys creates the key tiers. An empty public key disables the proxy tier.
func NewKeys(serverKey, publicKey string) *Keys {
	return &Keys{server: []byte(serverKey), public: []byte(publicKey)}
}

// CheckServer validates a server-tier key
func (k *Keys) CheckServer(provided string) error {
	return check(k.server, provided)
}

// CheckPublic validates a public-tier key
func (k *Keys) CheckPublic(provided string) error {
	if len(k.public) == 0 {
		return ErrInvalidAPIKey
	}
	return check(k.public, provided)
}

func check(expected []byte, provided string) error {
	if provided == "" {
		return ErrMissingAPIKey
	}
	if len(expected) == 0 || subtle.ConstantTimeCompare(expected, []byte(provided)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
