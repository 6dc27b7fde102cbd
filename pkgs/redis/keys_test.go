package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilder_NamespacesByChecksummedAddresses(t *testing.T) {
	kb := NewKeyBuilder("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")
	prefix := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed:0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"

	assert.Equal(t, prefix+":idempotency:r1", kb.IdempotencyRecord("r1"))
	assert.Equal(t, prefix+":idempotency:*", kb.IdempotencyPattern())
	assert.Equal(t, prefix+":nonce:n1", kb.Nonce("n1"))
	assert.Equal(t, "events:"+prefix+":submission_recorded", kb.EventChannel("events", "submission_recorded"))
}

func TestKeyBuilder_NonAddressInputsKeptVerbatim(t *testing.T) {
	kb := NewKeyBuilder("local", "")
	assert.Equal(t, "local::nonce:x", kb.Nonce("x"))
}
