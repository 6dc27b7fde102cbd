package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/feltledger/submission-gateway/config"
	"github.com/feltledger/submission-gateway/pkgs/api"
	"github.com/feltledger/submission-gateway/pkgs/auth"
	"github.com/feltledger/submission-gateway/pkgs/events"
	"github.com/feltledger/submission-gateway/pkgs/gateway"
	"github.com/feltledger/submission-gateway/pkgs/idempotency"
	"github.com/feltledger/submission-gateway/pkgs/indexer"
	"github.com/feltledger/submission-gateway/pkgs/leaderboard"
	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/metrics"
	"github.com/feltledger/submission-gateway/pkgs/ratelimit"
	rediskeys "github.com/feltledger/submission-gateway/pkgs/redis"
	"github.com/feltledger/submission-gateway/pkgs/state"
	"github.com/feltledger/submission-gateway/pkgs/writequeue"
)

const (
	queueDrainTimeout = 3 * time.Minute
	pruneInterval     = 5 * time.Minute
)

func main() {
	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := config.SettingsObj
	started := time.Now()

	// Gateway state, rehydrated from the last snapshot
	st := state.New(cfg.RecentEventsCapacity)
	persister := state.NewPersister(st, state.NewFileStore(cfg.SnapshotPath))
	persister.Rehydrate()
	persister.Start()
	metrics.SetKnownParticipants(st.KnownCount())

	// Ledger
	client, err := ledger.Dial(ledger.Config{
		RPCURL:     cfg.LedgerRPCURL,
		ChainID:    cfg.ChainID,
		Contract:   cfg.LedgerContract,
		Game:       cfg.GameAddress,
		PrivateKey: cfg.SignerPrivateKey,
		ABIPath:    cfg.LedgerABIPath,
		TxTimeout:  cfg.LedgerTxTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize ledger client")
	}
	defer client.Close()

	// Redis, only when a component needs it
	var redisClient *redis.Client
	keys := rediskeys.NewKeyBuilder(cfg.LedgerContract.Hex(), cfg.GameAddress.Hex())
	if cfg.RedisRequired() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		log.WithField("addr", cfg.RedisAddr()).Info("Connected to Redis")
	}

	// Idempotency + nonce replay window
	var store idempotency.Store
	var redisStore *idempotency.RedisStore
	var nonces auth.NonceCache
	nonceTTL := 2 * cfg.SignatureMaxSkew
	if cfg.IdempotencyBackend == "redis" {
		rs, err := idempotency.NewRedisStore(redisClient, keys, cfg.IdempotencyCacheSize, cfg.IdempotencyTTL)
		if err != nil {
			log.WithError(err).Fatal("Failed to create Redis idempotency store")
		}
		rs.Start()
		redisStore = rs
		store = rs
		nonces = auth.NewRedisNonceCache(redisClient, keys, nonceTTL)
	} else {
		store = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		nonces = auth.NewMemoryNonceCache(cfg.NonceCacheSize, nonceTTL)
	}

	// Event publishing
	var publisher *events.Publisher
	if cfg.EventsEnabled {
		publisher, err = events.NewPublisher(&events.PublisherConfig{
			RedisClient:   redisClient,
			Keys:          keys,
			ChannelPrefix: cfg.EventsChannelPrefix,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to create event publisher")
		}
		if err := publisher.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start event publisher")
		}
	}

	// Write serializer
	queue := writequeue.New(cfg.WriteQueueSize, func(job string, wait, run time.Duration, err error) {
		metrics.ObserveWriteJob(job, wait, run, err)
	})
	queue.Start()

	var notifier gateway.Notifier
	if publisher != nil {
		notifier = publisher
	}
	service, err := gateway.NewService(gateway.Config{
		Writer:    client,
		Store:     store,
		Queue:     queue,
		State:     st,
		Persister: persister,
		Notifier:  notifier,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create gateway service")
	}

	// Read aggregator
	boards := leaderboard.New(client, st, persister, leaderboard.Config{
		TTL:          cfg.LeaderboardTTL,
		Concurrency:  cfg.LeaderboardConcurrency,
		MaxLimit:     cfg.LeaderboardMaxLimit,
		DefaultLimit: cfg.LeaderboardDefaultLimit,
	}, func(scope ledger.Scope, took time.Duration, reads, failures int) {
		metrics.ObserveRecompute(string(scope), took, failures)
	})

	// Incremental indexer
	var ix *indexer.Indexer
	if cfg.IndexerEnabled {
		ix, err = indexer.New(indexer.Config{
			Source:     client,
			State:      st,
			Saver:      persister,
			Interval:   cfg.IndexerInterval,
			StartBlock: cfg.IndexerStartBlock,
			BlockSpan:  cfg.IndexerBlockSpan,
			OnDiscover: func(addrs []common.Address) {
				metrics.SetKnownParticipants(st.KnownCount())
				if publisher != nil {
					publisher.ParticipantsDiscovered("indexer", addrs)
				}
			},
			OnRun: func(result indexer.RunResult) {
				cursor, ok := st.Cursor()
				metrics.ObserveIndexerRun(result.Error != "", cursor, ok)
			},
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to create indexer")
		}
		ix.Start()
	}

	// HTTP API
	limiter := ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow)
	statusSources := &api.StatusSources{
		Started:     started,
		Signer:      client.Signer().Hex(),
		Game:        client.Game().Hex(),
		Queue:       queue,
		Indexer:     ix,
		Idempotency: store,
		Boards:      boards,
		State:       st,
		Persister:   persister,
	}
	if publisher != nil {
		statusSources.Events = publisher
	}

	var forwarder *api.Forwarder
	if cfg.PublicClientKey != "" {
		forwarder = api.NewForwarder(cfg.ServiceBaseURL, cfg.ServerAPIKey, auth.NewSigner(cfg.SigningSecret), cfg.ProxyTimeout)
	}

	apiServer := api.NewServer(api.Config{
		Submitter:      service,
		Boards:         boards,
		State:          st,
		Keys:           auth.NewKeys(cfg.ServerAPIKey, cfg.PublicClientKey),
		Verifier:       auth.NewVerifier(cfg.SigningSecret, cfg.SignatureMaxSkew, nonces),
		Limiter:        limiter,
		Forwarder:      forwarder,
		Auditor:        client,
		Status:         statusSources,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxRequestBodyLen,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MetricsEnabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())

			log.WithField("port", cfg.MetricsPort).Info("Starting metrics server")
			if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("Starting gateway API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// Bound rate limiter memory for clients that went quiet
	pruneDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pruneDone:
				return
			case <-ticker.C:
				if n := limiter.Prune(); n > 0 {
					log.Debugf("Pruned %d expired rate limit windows", n)
				}
			}
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gateway...")
	close(pruneDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to gracefully shutdown HTTP server")
	}

	if ix != nil {
		ix.Stop()
	}
	if err := queue.Stop(queueDrainTimeout); err != nil {
		log.WithError(err).Error("Write queue did not drain")
	}
	if redisStore != nil {
		redisStore.Stop()
	}
	if publisher != nil {
		publisher.Stop()
	}
	persister.Stop()

	log.Info("Gateway stopped")
}
