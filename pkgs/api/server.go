// Package api exposes the gateway over HTTP
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/feltledger/submission-gateway/pkgs/auth"
	"github.com/feltledger/submission-gateway/pkgs/gateway"
	"github.com/feltledger/submission-gateway/pkgs/leaderboard"
	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/ratelimit"
	"github.com/feltledger/submission-gateway/pkgs/state"
	"github.com/feltledger/submission-gateway/pkgs/submissions"
)

const (
	// HeaderIdempotencyKey carries the client request id
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from the idempotency store
	HeaderReplayed = "Idempotent-Replayed"

	defaultMaxBody = 64 << 10
)

// Submitter accepts normalized submissions
type Submitter interface {
	SubmitHand(ctx context.Context, sub *submissions.HandSubmission) (*gateway.Result, error)
	SubmitScore(ctx context.Context, sub *submissions.ScoreSubmission) (*gateway.Result, error)
}

// Boards serves leaderboards and single-address lookups
type Boards interface {
	Get(ctx context.Context, scope ledger.Scope, limit int, force bool) (*leaderboard.Board, error)
	Lookup(ctx context.Context, scope ledger.Scope, addr common.Address) (*leaderboard.PlayerView, error)
}

// Auditor decodes the ledger events of a write receipt
type Auditor interface {
	AuditReceipt(ctx context.Context, txHash common.Hash) (*ledger.Audit, error)
}

// Config wires the server. Forwarder, Auditor and Status may be nil, which
// disables the routes that need them.
type Config struct {
	Submitter      Submitter
	Boards         Boards
	State          *state.State
	Keys           *auth.Keys
	Verifier       *auth.Verifier
	Limiter        *ratelimit.Limiter
	Forwarder      *Forwarder
	Auditor        Auditor
	Status         *StatusSources
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// Server provides the HTTP API
type Server struct {
	cfg     Config
	origins map[string]struct{}
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = struct{}{}
	}
	return &Server{cfg: cfg, origins: origins}
}

// Router creates the HTTP router with all endpoints
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Service-to-service writes
	writes := api.NewRoute().Subrouter()
	writes.Use(s.serverKeyMiddleware, s.signatureMiddleware, s.writeLimitMiddleware)
	writes.HandleFunc("/hands", s.handleSubmitHand).Methods(http.MethodPost)
	writes.HandleFunc("/scores", s.handleSubmitScore).Methods(http.MethodPost)

	// Browser-facing proxies
	if s.cfg.Forwarder != nil {
		public := api.PathPrefix("/public").Subrouter()
		public.Use(s.requireOriginMiddleware, s.publicKeyMiddleware, s.rateLimitMiddleware)
		public.HandleFunc("/hands", s.handleProxyHand).Methods(http.MethodPost)
		public.HandleFunc("/scores", s.handleProxyScore).Methods(http.MethodPost)
	}

	// Reads
	reads := api.NewRoute().Subrouter()
	reads.Use(s.rateLimitMiddleware, s.checkOriginMiddleware)
	reads.HandleFunc("/leaderboard", s.handleLeaderboard(ledger.ScopeCompetition)).Methods(http.MethodGet)
	reads.HandleFunc("/leaderboard/global", s.handleLeaderboard(ledger.ScopeGlobal)).Methods(http.MethodGet)
	reads.HandleFunc("/events/recent", s.handleRecentEvents).Methods(http.MethodGet)
	reads.HandleFunc("/players/{address}", s.handlePlayer).Methods(http.MethodGet)

	// Operator
	ops := api.NewRoute().Subrouter()
	ops.Use(s.serverKeyMiddleware)
	ops.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	ops.HandleFunc("/audit/{txHash}", s.handleAudit).Methods(http.MethodGet)

	api.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)

	return r
}

// Handler wraps the router with CORS so preflight requests are answered
// before route method matching.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", auth.HeaderClientKey, HeaderIdempotencyKey},
		ExposedHeaders: []string{
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", HeaderReplayed,
		},
		AllowCredentials: false,
		MaxAge:           300,
	})(s.Router())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) writeOK(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, gateway.OK(data))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	gerr := gateway.AsError(err)
	if gerr.Status >= http.StatusInternalServerError {
		log.WithError(err).WithField("kind", gerr.Kind).Warn("Request failed")
	}
	s.writeJSON(w, gerr.Status, gateway.Fail(gerr))
}

// writeRaw writes a stored response body unchanged
func (s *Server) writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
