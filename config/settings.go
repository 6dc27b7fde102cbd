package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings holds all configuration for the submission gateway
type Settings struct {
	// Ledger
	LedgerRPCURL     string
	ChainID          int64
	LedgerContract   common.Address
	GameAddress      common.Address // competition identity on the ledger
	SignerPrivateKey string         // hex, no 0x prefix required
	LedgerABIPath    string         // optional override of the embedded ABI
	LedgerTxTimeout  time.Duration  // bound on send + confirmation of one write

	// Authentication
	ServerAPIKey      string
	PublicClientKey   string
	SigningSecret     string
	SignatureMaxSkew  time.Duration
	NonceCacheSize    int
	AllowedOrigins    []string
	ServiceBaseURL    string // where browser-facing proxies forward to
	ProxyTimeout      time.Duration
	MaxRequestBodyLen int64

	// Rate limiting
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Idempotency
	IdempotencyBackend   string // memory | redis
	IdempotencyTTL       time.Duration
	IdempotencyCacheSize int

	// Redis
	RedisHost     string
	RedisPort     string
	RedisDB       int
	RedisPassword string

	// Write serializer
	WriteQueueSize int

	// Leaderboard
	LeaderboardTTL          time.Duration
	LeaderboardConcurrency  int
	LeaderboardMaxLimit     int
	LeaderboardDefaultLimit int

	// Indexer
	IndexerEnabled    bool
	IndexerInterval   time.Duration
	IndexerStartBlock uint64
	IndexerBlockSpan  uint64

	// Durable snapshot
	SnapshotPath         string
	RecentEventsCapacity int

	// API
	APIHost string
	APIPort int

	// Events
	EventsEnabled       bool
	EventsChannelPrefix string

	// Monitoring & Debugging
	MetricsEnabled bool
	MetricsPort    int
	LogLevel       string
	LogFormat      string
	DebugMode      bool
}

var (
	// SettingsObj is the global settings instance
	SettingsObj *Settings
)

// LoadConfig loads configuration from the environment (and an optional config file)
// into SettingsObj
func LoadConfig() error {
	settings, err := Load(viper.New())
	if err != nil {
		return err
	}
	SettingsObj = settings
	return nil
}

// Load builds Settings from the given viper instance. Environment variables
// always take precedence over file values.
func Load(v *viper.Viper) (*Settings, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("GATEWAY_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	s := &Settings{
		LedgerRPCURL:     v.GetString("LEDGER_RPC_URL"),
		ChainID:          v.GetInt64("CHAIN_ID"),
		SignerPrivateKey: strings.TrimPrefix(v.GetString("SIGNER_PRIVATE_KEY"), "0x"),
		LedgerABIPath:    v.GetString("LEDGER_ABI_PATH"),
		LedgerTxTimeout:  time.Duration(v.GetInt("LEDGER_TX_TIMEOUT")) * time.Second,

		ServerAPIKey:      v.GetString("SERVER_API_KEY"),
		PublicClientKey:   v.GetString("PUBLIC_CLIENT_KEY"),
		SigningSecret:     v.GetString("SIGNING_SECRET"),
		SignatureMaxSkew:  time.Duration(v.GetInt("SIGNATURE_MAX_SKEW")) * time.Second,
		NonceCacheSize:    v.GetInt("NONCE_CACHE_SIZE"),
		ServiceBaseURL:    strings.TrimRight(v.GetString("SERVICE_BASE_URL"), "/"),
		ProxyTimeout:      time.Duration(v.GetInt("PROXY_TIMEOUT")) * time.Second,
		MaxRequestBodyLen: v.GetInt64("MAX_REQUEST_BODY_BYTES"),

		RateLimitMax:    v.GetInt("RATE_LIMIT_MAX"),
		RateLimitWindow: time.Duration(v.GetInt("RATE_LIMIT_WINDOW")) * time.Second,

		IdempotencyBackend:   strings.ToLower(v.GetString("IDEMPOTENCY_BACKEND")),
		IdempotencyTTL:       time.Duration(v.GetInt("IDEMPOTENCY_TTL")) * time.Second,
		IdempotencyCacheSize: v.GetInt("IDEMPOTENCY_CACHE_SIZE"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetString("REDIS_PORT"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),

		WriteQueueSize: v.GetInt("WRITE_QUEUE_SIZE"),

		LeaderboardTTL:          time.Duration(v.GetInt("LEADERBOARD_TTL")) * time.Second,
		LeaderboardConcurrency:  v.GetInt("LEADERBOARD_CONCURRENCY"),
		LeaderboardMaxLimit:     v.GetInt("LEADERBOARD_MAX_LIMIT"),
		LeaderboardDefaultLimit: v.GetInt("LEADERBOARD_DEFAULT_LIMIT"),

		IndexerEnabled:    v.GetBool("INDEXER_ENABLED"),
		IndexerInterval:   time.Duration(v.GetInt("INDEXER_INTERVAL")) * time.Second,
		IndexerStartBlock: v.GetUint64("INDEXER_START_BLOCK"),
		IndexerBlockSpan:  v.GetUint64("INDEXER_BLOCK_SPAN"),

		SnapshotPath:         v.GetString("SNAPSHOT_PATH"),
		RecentEventsCapacity: v.GetInt("RECENT_EVENTS_CAPACITY"),

		APIHost: v.GetString("API_HOST"),
		APIPort: v.GetInt("API_PORT"),

		EventsEnabled:       v.GetBool("EVENTS_ENABLED"),
		EventsChannelPrefix: v.GetString("EVENTS_CHANNEL_PREFIX"),

		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		MetricsPort:    v.GetInt("METRICS_PORT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogFormat:      v.GetString("LOG_FORMAT"),
		DebugMode:      v.GetBool("DEBUG_MODE"),
	}

	if addr := v.GetString("LEDGER_CONTRACT"); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid LEDGER_CONTRACT address: %s", addr)
		}
		s.LedgerContract = common.HexToAddress(addr)
	}
	if addr := v.GetString("GAME_ADDRESS"); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid GAME_ADDRESS: %s", addr)
		}
		s.GameAddress = common.HexToAddress(addr)
	}

	origins, err := parseList(v.GetString("ALLOWED_ORIGINS"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ALLOWED_ORIGINS: %w", err)
	}
	s.AllowedOrigins = origins

	if s.ServiceBaseURL == "" {
		s.ServiceBaseURL = fmt.Sprintf("http://127.0.0.1:%d", s.APIPort)
	}

	configureLogging(s)

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logConfigSummary(s)

	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CHAIN_ID", 10143)
	v.SetDefault("LEDGER_TX_TIMEOUT", 120)
	v.SetDefault("SIGNATURE_MAX_SKEW", 60)
	v.SetDefault("NONCE_CACHE_SIZE", 100000)
	v.SetDefault("PROXY_TIMEOUT", 30)
	v.SetDefault("MAX_REQUEST_BODY_BYTES", 64*1024)

	v.SetDefault("RATE_LIMIT_MAX", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", 60)

	v.SetDefault("IDEMPOTENCY_BACKEND", "memory")
	v.SetDefault("IDEMPOTENCY_TTL", 86400)
	v.SetDefault("IDEMPOTENCY_CACHE_SIZE", 10000)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("WRITE_QUEUE_SIZE", 1024)

	v.SetDefault("LEADERBOARD_TTL", 30)
	v.SetDefault("LEADERBOARD_CONCURRENCY", 8)
	v.SetDefault("LEADERBOARD_MAX_LIMIT", 200)
	v.SetDefault("LEADERBOARD_DEFAULT_LIMIT", 50)

	v.SetDefault("INDEXER_ENABLED", true)
	v.SetDefault("INDEXER_INTERVAL", 30)
	v.SetDefault("INDEXER_START_BLOCK", 0)
	v.SetDefault("INDEXER_BLOCK_SPAN", 100)

	v.SetDefault("SNAPSHOT_PATH", "./data/gateway-state.json")
	v.SetDefault("RECENT_EVENTS_CAPACITY", 50)

	v.SetDefault("API_HOST", "0.0.0.0")
	v.SetDefault("API_PORT", 8080)

	v.SetDefault("EVENTS_ENABLED", false)
	v.SetDefault("EVENTS_CHANNEL_PREFIX", "gateway:events")

	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_PORT", 9090)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("DEBUG_MODE", false)
}

// parseList accepts a comma-separated list or a JSON array of strings
func parseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil, nil
	}

	var items []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, err
		}
	} else {
		items = strings.Split(raw, ",")
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(strings.Trim(item, "\" "))
		if item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// configureLogging sets up the logger based on configuration
func configureLogging(s *Settings) {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if s.DebugMode {
		log.SetLevel(log.DebugLevel)
	}

	if strings.EqualFold(s.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}

// Validate checks required fields and value ranges
func (s *Settings) Validate() error {
	if s.ServerAPIKey == "" {
		return fmt.Errorf("SERVER_API_KEY is required")
	}
	if s.SigningSecret == "" {
		return fmt.Errorf("SIGNING_SECRET is required")
	}
	if s.PublicClientKey != "" && s.PublicClientKey == s.ServerAPIKey {
		return fmt.Errorf("PUBLIC_CLIENT_KEY must differ from SERVER_API_KEY")
	}
	if s.LedgerRPCURL == "" {
		return fmt.Errorf("LEDGER_RPC_URL is required")
	}
	if s.LedgerContract == (common.Address{}) {
		return fmt.Errorf("LEDGER_CONTRACT is required")
	}
	if s.GameAddress == (common.Address{}) {
		return fmt.Errorf("GAME_ADDRESS is required")
	}
	if s.SignerPrivateKey == "" {
		return fmt.Errorf("SIGNER_PRIVATE_KEY is required")
	}
	if s.SignatureMaxSkew <= 0 {
		return fmt.Errorf("SIGNATURE_MAX_SKEW must be positive")
	}
	if s.RateLimitMax <= 0 || s.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	switch s.IdempotencyBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("IDEMPOTENCY_BACKEND must be memory or redis, got %q", s.IdempotencyBackend)
	}
	if s.LeaderboardConcurrency <= 0 {
		return fmt.Errorf("LEADERBOARD_CONCURRENCY must be positive")
	}
	if s.LeaderboardMaxLimit <= 0 || s.LeaderboardDefaultLimit <= 0 {
		return fmt.Errorf("leaderboard limits must be positive")
	}
	if s.LeaderboardDefaultLimit > s.LeaderboardMaxLimit {
		s.LeaderboardDefaultLimit = s.LeaderboardMaxLimit
	}
	if s.IndexerEnabled && s.IndexerBlockSpan == 0 {
		return fmt.Errorf("INDEXER_BLOCK_SPAN must be positive when the indexer is enabled")
	}
	if s.RecentEventsCapacity <= 0 {
		return fmt.Errorf("RECENT_EVENTS_CAPACITY must be positive")
	}
	if len(s.AllowedOrigins) == 0 {
		log.Warn("No ALLOWED_ORIGINS configured - browser origins will not be restricted")
	}
	return nil
}

// RedisRequired reports whether any enabled component needs Redis
func (s *Settings) RedisRequired() bool {
	return s.IdempotencyBackend == "redis" || s.EventsEnabled
}

// RedisAddr returns host:port for the Redis client
func (s *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%s", s.RedisHost, s.RedisPort)
}

// logConfigSummary logs a summary of the configuration
func logConfigSummary(s *Settings) {
	log.Info("=== Configuration Loaded ===")
	log.Infof("Ledger: %s (chain %d), contract %s, game %s",
		s.LedgerRPCURL, s.ChainID, s.LedgerContract.Hex(), s.GameAddress.Hex())
	log.Infof("Auth: server key set=%v, public key set=%v, max skew %v, origins %d",
		s.ServerAPIKey != "", s.PublicClientKey != "", s.SignatureMaxSkew, len(s.AllowedOrigins))
	log.Infof("Rate limit: %d req / %v", s.RateLimitMax, s.RateLimitWindow)
	log.Infof("Idempotency: backend=%s ttl=%v cache=%d", s.IdempotencyBackend, s.IdempotencyTTL, s.IdempotencyCacheSize)
	log.Infof("Leaderboard: ttl=%v concurrency=%d max limit=%d", s.LeaderboardTTL, s.LeaderboardConcurrency, s.LeaderboardMaxLimit)
	log.Infof("Indexer: enabled=%v interval=%v span=%d start=%d", s.IndexerEnabled, s.IndexerInterval, s.IndexerBlockSpan, s.IndexerStartBlock)
	log.Infof("Snapshot: %s (recent events %d)", s.SnapshotPath, s.RecentEventsCapacity)
	if s.RedisRequired() {
		log.Infof("Redis: %s (DB %d)", s.RedisAddr(), s.RedisDB)
	}
	log.Info("============================")
}
