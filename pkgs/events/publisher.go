package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	rediskeys "github.com/feltledger/submission-gateway/pkgs/redis"
)

const (
	// DefaultBatchSize is the default batch size for publishing
	DefaultBatchSize = 100

	// DefaultFlushInterval is the default interval for flushing batched events
	DefaultFlushInterval = 1 * time.Second

	// DefaultBufferSize bounds events waiting to be published
	DefaultBufferSize = 1024
)

// PublisherConfig contains configuration for the Redis publisher
type PublisherConfig struct {
	RedisClient   *redis.Client
	Keys          *rediskeys.KeyBuilder
	ChannelPrefix string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// Publisher fans gateway events out over Redis Pub/Sub. Publishing never
// blocks the caller: events are buffered, batched, and dropped on overflow.
type Publisher struct {
	config     *PublisherConfig
	client     *redis.Client
	channelMap map[EventType]string

	queue chan *Event

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewPublisher creates a new Redis event publisher
func NewPublisher(config *PublisherConfig) (*Publisher, error) {
	if config == nil || config.RedisClient == nil || config.Keys == nil {
		return nil, fmt.Errorf("invalid publisher configuration")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		config:     config,
		client:     config.RedisClient,
		channelMap: make(map[EventType]string),
		queue:      make(chan *Event, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.initChannelMap()
	return p, nil
}

// initChannelMap sets up the mapping from event types to Redis channels
func (p *Publisher) initChannelMap() {
	kb, prefix := p.config.Keys, p.config.ChannelPrefix

	p.channelMap[EventSubmissionRecorded] = kb.EventChannel(prefix, "submission")
	p.channelMap[EventSubmissionFailed] = kb.EventChannel(prefix, "submission")
	p.channelMap[EventParticipantDiscovered] = kb.EventChannel(prefix, "participant")
}

// Channel returns the Redis channel for an event type
func (p *Publisher) Channel(eventType EventType) string {
	if channel, ok := p.channelMap[eventType]; ok {
		return channel
	}
	return p.config.Keys.EventChannel(p.config.ChannelPrefix, "misc")
}

// Start begins the publisher
func (p *Publisher) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	log.Info("Starting Redis event publisher")

	p.wg.Add(1)
	go p.flushWorker()
	return nil
}

// Stop flushes buffered events and shuts down
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	log.Info("Stopping Redis event publisher")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Redis event publisher stopped gracefully")
	case <-time.After(5 * time.Second):
		log.Warn("Redis event publisher shutdown timeout")
	}
}

// Publish queues an event. It returns an error when the publisher is stopped
// or its buffer is full; the event is dropped in both cases.
func (p *Publisher) Publish(event *Event) error {
	if !p.running.Load() {
		return fmt.Errorf("publisher not running")
	}

	select {
	case p.queue <- event:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

// SubmissionRecorded publishes a confirmed write
func (p *Publisher) SubmissionRecorded(payload *SubmissionPayload) {
	p.emit(EventSubmissionRecorded, "gateway", payload)
}

// SubmissionFailed publishes a failed write
func (p *Publisher) SubmissionFailed(payload *SubmissionPayload) {
	p.emit(EventSubmissionFailed, "gateway", payload)
}

// ParticipantsDiscovered publishes addresses new to the known set
func (p *Publisher) ParticipantsDiscovered(source string, addrs []common.Address) {
	if len(addrs) == 0 {
		return
	}
	hex := make([]string, len(addrs))
	for i, a := range addrs {
		hex[i] = a.Hex()
	}
	p.emit(EventParticipantDiscovered, source, &DiscoveryPayload{Source: source, Addresses: hex})
}

func (p *Publisher) emit(eventType EventType, component string, payload interface{}) {
	event, err := NewEvent(eventType, component, payload)
	if err != nil {
		p.errors.Add(1)
		log.WithError(err).Warn("Failed to build event")
		return
	}
	if err := p.Publish(event); err != nil {
		log.WithError(err).Debug("Event not published")
	}
}

// flushWorker drains the buffer in batches
func (p *Publisher) flushWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, p.config.BatchSize)
	for {
		select {
		case event := <-p.queue:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				batch = p.flush(batch)
			}
		case <-ticker.C:
			batch = p.flush(batch)
		case <-p.ctx.Done():
			for {
				select {
				case event := <-p.queue:
					batch = append(batch, event)
				default:
					p.flush(batch)
					return
				}
			}
		}
	}
}

// flush publishes a batch through one pipeline and returns the emptied slice
func (p *Publisher) flush(batch []*Event) []*Event {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := p.client.Pipeline()
	queued := 0
	for _, evt := range batch {
		data, err := evt.ToJSON()
		if err != nil {
			log.WithError(err).Error("Failed to serialize event")
			p.errors.Add(1)
			continue
		}
		pipe.Publish(ctx, p.Channel(evt.Type), string(data))
		queued++
	}

	if queued > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			p.errors.Add(1)
			log.WithError(err).WithField("events", queued).Warn("Failed to publish event batch")
		} else {
			p.published.Add(uint64(queued))
		}
	}
	return batch[:0]
}

// Metrics returns publisher counters
func (p *Publisher) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"events_published": p.published.Load(),
		"events_dropped":   p.dropped.Load(),
		"publish_errors":   p.errors.Load(),
		"buffered":         len(p.queue),
		"running":          p.running.Load(),
	}
}
