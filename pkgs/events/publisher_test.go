package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediskeys "github.com/feltledger/submission-gateway/pkgs/redis"
)

const (
	ledgerAddr = "0x00000000000000000000000000000000000000c0"
	gameAddr   = "0x00000000000000000000000000000000000000aa"
)

func newTestPublisher(t *testing.T, buffer int) *Publisher {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	p, err := NewPublisher(&PublisherConfig{
		RedisClient:   client,
		Keys:          rediskeys.NewKeyBuilder(ledgerAddr, gameAddr),
		ChannelPrefix: "gateway:events",
		BufferSize:    buffer,
		FlushInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return p
}

func TestChannel_MapsTypesUnderNamespace(t *testing.T) {
	p := newTestPublisher(t, 4)
	kb := rediskeys.NewKeyBuilder(ledgerAddr, gameAddr)

	assert.Equal(t, kb.EventChannel("gateway:events", "submission"), p.Channel(EventSubmissionRecorded))
	assert.Equal(t, p.Channel(EventSubmissionRecorded), p.Channel(EventSubmissionFailed))
	assert.Equal(t, kb.EventChannel("gateway:events", "participant"), p.Channel(EventParticipantDiscovered))
}

func TestPublish_RequiresRunningAndDropsOnOverflow(t *testing.T) {
	p := newTestPublisher(t, 1)

	evt, err := NewEvent(EventSubmissionRecorded, "test", &SubmissionPayload{RequestID: "r1"})
	require.NoError(t, err)
	assert.Error(t, p.Publish(evt))

	// fill the buffer without a worker draining it
	p.running.Store(true)
	require.NoError(t, p.Publish(evt))
	assert.Error(t, p.Publish(evt))
	assert.Equal(t, uint64(1), p.Metrics()["events_dropped"])
}

func TestPublisher_UnreachableRedisCountsErrors(t *testing.T) {
	p := newTestPublisher(t, 8)
	require.NoError(t, p.Start())

	p.ParticipantsDiscovered("indexer", []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")})
	p.Stop()

	assert.Equal(t, uint64(0), p.Metrics()["events_published"])
	assert.GreaterOrEqual(t, p.Metrics()["publish_errors"], uint64(1))
}

func TestNewEvent_WrapsPayload(t *testing.T) {
	evt, err := NewEvent(EventParticipantDiscovered, "indexer", &DiscoveryPayload{Source: "indexer", Addresses: []string{"0xabc"}})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)

	data, err := evt.ToJSON()
	require.NoError(t, err)

	var decoded struct {
		Type    EventType        `json:"type"`
		Payload DiscoveryPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EventParticipantDiscovered, decoded.Type)
	assert.Equal(t, []string{"0xabc"}, decoded.Payload.Addresses)
}
