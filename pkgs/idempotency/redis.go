package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	rediskeys "github.com/feltledger/submission-gateway/pkgs/redis"
)

// DefaultProcessingTTL bounds how long a Processing marker survives in Redis
// once the gateway that owns it stops refreshing it
const DefaultProcessingTTL = 15 * time.Minute

// RedisClient is the subset of *redis.Client the store uses
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisStore shares records across gateway replicas. Done records are also
// kept in a local LRU so hot replays skip the network round trip.
//
// Processing markers this replica owns are refreshed in the background, so a
// job waiting behind a long write backlog keeps its reservation. A marker
// only lapses when its owner stops running.
type RedisStore struct {
	client        RedisClient
	keys          *rediskeys.KeyBuilder
	localDone     *lru.Cache[string, *Record]
	ttl           time.Duration
	processingTTL time.Duration

	mu    sync.Mutex
	owned map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client RedisClient, keys *rediskeys.KeyBuilder, localCacheSize int, ttl time.Duration) (*RedisStore, error) {
	if localCacheSize <= 0 {
		localCacheSize = 1024
	}
	cache, err := lru.New[string, *Record](localCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &RedisStore{
		client:        client,
		keys:          keys,
		localDone:     cache,
		ttl:           ttl,
		processingTTL: DefaultProcessingTTL,
		owned:         make(map[string]struct{}),
		stopCh:        make(chan struct{}),
	}, nil
}

// Start begins refreshing owned Processing markers
func (s *RedisStore) Start() {
	s.wg.Add(1)
	go s.keepAlive()
}

// Stop halts the refresher. Markers still owned then expire on their own.
func (s *RedisStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *RedisStore) keepAlive() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.processingTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.processingTTL/3)
			s.refresh(ctx)
			cancel()
		}
	}
}

// refresh extends every owned marker. The lock is held throughout so Complete
// cannot write a Done record that a late PEXPIRE would then shorten.
func (s *RedisStore) refresh(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	refreshed := 0
	for key := range s.owned {
		ok, err := s.client.PExpire(ctx, s.keys.IdempotencyRecord(key), s.processingTTL).Result()
		if err != nil {
			log.WithError(err).WithField("request_id", key).Warn("Failed to refresh idempotency marker")
			continue
		}
		if !ok {
			log.WithField("request_id", key).Warn("Idempotency marker vanished while its write was pending")
			continue
		}
		refreshed++
	}
	return refreshed
}

func (s *RedisStore) own(key string) {
	s.mu.Lock()
	s.owned[key] = struct{}{}
	s.mu.Unlock()
}

func (s *RedisStore) disown(key string) {
	s.mu.Lock()
	delete(s.owned, key)
	s.mu.Unlock()
}

// Reserve implements Store using SETNX on the record key
func (s *RedisStore) Reserve(ctx context.Context, key string) (*Record, bool, error) {
	if rec, ok := s.localDone.Get(key); ok {
		cp := *rec
		return &cp, false, nil
	}

	fullKey := s.keys.IdempotencyRecord(key)
	marker, err := json.Marshal(&Record{Key: key, State: StateProcessing, CreatedAt: time.Now()})
	if err != nil {
		return nil, false, err
	}

	// A record can expire between SETNX and GET; one retry covers that.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, fullKey, marker, s.processingTTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis SetNX failed: %w", err)
		}
		if ok {
			s.own(key)
			return nil, true, nil
		}

		raw, err := s.client.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis Get failed: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, false, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
		}
		if rec.State == StateDone {
			s.localDone.Add(key, &rec)
		}
		return &rec, false, nil
	}
	return nil, false, fmt.Errorf("idempotency key %s flapped during reservation", key)
}

// Complete implements Store. The caller owns the reservation, so a marker
// that lapsed is not a reason to lose the result: the Done record is written
// regardless. Only an existing Done record is left untouched.
func (s *RedisStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	fullKey := s.keys.IdempotencyRecord(key)
	s.disown(key)

	rec := Record{Key: key, CreatedAt: time.Now()}
	raw, err := s.client.Get(ctx, fullKey).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		log.WithField("request_id", key).Warn("Idempotency marker expired before completion, storing result anyway")
	case err != nil:
		return fmt.Errorf("redis Get failed: %w", err)
	default:
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("corrupt idempotency record %s: %w", key, err)
		}
		if rec.State == StateDone {
			return ErrNotReserved
		}
	}

	rec.State = StateDone
	rec.Status = status
	rec.Body = append([]byte(nil), body...)
	rec.CompletedAt = time.Now()

	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, fullKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis Set failed: %w", err)
	}

	s.localDone.Add(key, &rec)
	log.Debugf("Idempotency record %s resolved with status %d", key, status)
	return nil
}

// Release implements Store
func (s *RedisStore) Release(ctx context.Context, key string) error {
	fullKey := s.keys.IdempotencyRecord(key)
	s.disown(key)

	raw, err := s.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotReserved
	}
	if err != nil {
		return fmt.Errorf("redis Get failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	if rec.State != StateProcessing {
		return ErrNotReserved
	}
	if err := s.client.Del(ctx, fullKey).Err(); err != nil {
		return fmt.Errorf("redis Del failed: %w", err)
	}
	return nil
}

// Stats implements Store. Uses SCAN so it never blocks Redis.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: "redis"}

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keys.IdempotencyPattern(), 100).Result()
		if err != nil {
			return st, err
		}
		st.Total += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	// SCAN only counts keys; the split between states is not tracked remotely.
	s.mu.Lock()
	st.Processing = len(s.owned)
	s.mu.Unlock()
	return st, nil
}
