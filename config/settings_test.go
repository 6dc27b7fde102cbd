package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseViper() *viper.Viper {
	v := viper.New()
	v.Set("LEDGER_RPC_URL", "http://localhost:8545")
	v.Set("LEDGER_CONTRACT", "0x00000000000000000000000000000000000000c1")
	v.Set("GAME_ADDRESS", "0x00000000000000000000000000000000000000d2")
	v.Set("SIGNER_PRIVATE_KEY", "0xabc123")
	v.Set("SERVER_API_KEY", "server")
	v.Set("SIGNING_SECRET", "secret")
	return v
}

func TestLoad_DefaultsAndParsing(t *testing.T) {
	v := baseViper()
	v.Set("ALLOWED_ORIGINS", `["https://a.example", "https://b.example"]`)
	v.Set("API_PORT", 9000)

	s, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "abc123", s.SignerPrivateKey)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000d2"), s.GameAddress)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.AllowedOrigins)
	assert.Equal(t, 60*time.Second, s.SignatureMaxSkew)
	assert.Equal(t, 24*time.Hour, s.IdempotencyTTL)
	assert.Equal(t, "memory", s.IdempotencyBackend)
	assert.Equal(t, 30*time.Second, s.LeaderboardTTL)
	assert.Equal(t, uint64(100), s.IndexerBlockSpan)
	assert.Equal(t, "http://127.0.0.1:9000", s.ServiceBaseURL)
	assert.False(t, s.RedisRequired())
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := map[string]func(v *viper.Viper){
		"missing secret":       func(v *viper.Viper) { v.Set("SIGNING_SECRET", "") },
		"missing server key":   func(v *viper.Viper) { v.Set("SERVER_API_KEY", "") },
		"same key tiers":       func(v *viper.Viper) { v.Set("PUBLIC_CLIENT_KEY", "server") },
		"bad contract":         func(v *viper.Viper) { v.Set("LEDGER_CONTRACT", "nope") },
		"unknown backend":      func(v *viper.Viper) { v.Set("IDEMPOTENCY_BACKEND", "etcd") },
		"zero span":            func(v *viper.Viper) { v.Set("INDEXER_BLOCK_SPAN", 0) },
		"non-positive rate":    func(v *viper.Viper) { v.Set("RATE_LIMIT_MAX", 0) },
		"missing game address": func(v *viper.Viper) { v.Set("GAME_ADDRESS", "") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			v := baseViper()
			mutate(v)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}

func TestLoad_DefaultLimitIsClampedToMax(t *testing.T) {
	v := baseViper()
	v.Set("LEADERBOARD_MAX_LIMIT", 10)
	v.Set("LEADERBOARD_DEFAULT_LIMIT", 25)

	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 10, s.LeaderboardDefaultLimit)
}

func TestLoad_RedisBackend(t *testing.T) {
	v := baseViper()
	v.Set("IDEMPOTENCY_BACKEND", "REDIS")
	v.Set("REDIS_HOST", "cache")

	s, err := Load(v)
	require.NoError(t, err)
	assert.True(t, s.RedisRequired())
	assert.Equal(t, "cache:6379", s.RedisAddr())
}

func TestParseList(t *testing.T) {
	items, err := parseList(" a , b,, c ")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	items, err = parseList("[]")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = parseList(`["unterminated`)
	assert.Error(t, err)
}
