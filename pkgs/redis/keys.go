package redis

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// KeyBuilder provides methods to generate namespaced Redis keys
type KeyBuilder struct {
	Ledger string
	Game   string
}

// checksumAddress converts an Ethereum address to checksummed format (EIP-55).
// If the input is not a valid Ethereum address, it returns the input unchanged.
func checksumAddress(addr string) string {
	if addr == "" {
		return addr
	}
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// NewKeyBuilder creates a new KeyBuilder namespaced by ledger contract and game.
// All Ethereum addresses are converted to EIP-55 checksummed format for consistent Redis keys.
func NewKeyBuilder(ledger, game string) *KeyBuilder {
	return &KeyBuilder{
		Ledger: checksumAddress(ledger),
		Game:   checksumAddress(game),
	}
}

// Idempotency Keys

// IdempotencyRecord returns the key holding the record for a client request id
func (kb *KeyBuilder) IdempotencyRecord(requestID string) string {
	return fmt.Sprintf("%s:%s:idempotency:%s", kb.Ledger, kb.Game, requestID)
}

// IdempotencyPattern matches every idempotency record in this namespace
func (kb *KeyBuilder) IdempotencyPattern() string {
	return fmt.Sprintf("%s:%s:idempotency:*", kb.Ledger, kb.Game)
}

// Signature Keys

// Nonce returns the key marking a signature nonce as used
func (kb *KeyBuilder) Nonce(nonce string) string {
	return fmt.Sprintf("%s:%s:nonce:%s", kb.Ledger, kb.Game, nonce)
}

// Event Channels

// EventChannel returns the pub/sub channel for a topic
func (kb *KeyBuilder) EventChannel(prefix, topic string) string {
	return fmt.Sprintf("%s:%s:%s:%s", prefix, kb.Ledger, kb.Game, topic)
}
