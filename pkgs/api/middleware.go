package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/feltledger/submission-gateway/pkgs/auth"
	"github.com/feltledger/submission-gateway/pkgs/gateway"
	"github.com/feltledger/submission-gateway/pkgs/metrics"
)

type ctxKey int

const rawBodyKey ctxKey = iota

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware tracks API request metrics
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.ObserveRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// writeLimitMiddleware runs after the server key and signature checks, so
// the forwarded client header can be trusted here. Proxied writes were
// already charged to the browser client on the public route.
func (s *Server) writeLimitMiddleware(next http.Handler) http.Handler {
	limited := s.rateLimitMiddleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if client := r.Header.Get(HeaderForwardedClient); client != "" {
			log.WithField("client", client).Debug("Proxied write, limited on the public route")
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies the per-client fixed window
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.cfg.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.cfg.Limiter.Allow(clientIP(r))

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			metrics.RateLimited()
			s.writeError(w, gateway.NewError(gateway.KindRateLimited, http.StatusTooManyRequests,
				"rate limit exceeded, retry later", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serverKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Keys.CheckServer(r.Header.Get(auth.HeaderAPIKey)); err != nil {
			metrics.AuthFailure("server_key")
			s.writeError(w, gateway.AuthError(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) publicKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Keys.CheckPublic(r.Header.Get(auth.HeaderClientKey)); err != nil {
			metrics.AuthFailure("public_key")
			s.writeError(w, gateway.AuthError(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// signatureMiddleware verifies the HMAC over the exact body bytes and hands
// those bytes to the handler through the request context.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := s.readBody(w, r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.cfg.Verifier.VerifyRequest(r, body); err != nil {
			metrics.AuthFailure(signatureReason(err))
			log.WithError(err).WithField("remote", clientIP(r)).Debug("Signature rejected")
			s.writeError(w, gateway.AuthError(err))
			return
		}
		ctx := context.WithValue(r.Context(), rawBodyKey, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireOriginMiddleware rejects browser proxy calls from origins outside
// the allow-list. An empty allow-list accepts any origin.
func (s *Server) requireOriginMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.origins) > 0 {
			if _, ok := s.origins[r.Header.Get("Origin")]; !ok {
				metrics.AuthFailure("origin")
				s.writeError(w, gateway.NewError(gateway.KindAuthFailure, http.StatusForbidden, "origin not allowed", nil))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// checkOriginMiddleware only rejects a present, disallowed Origin; reads
// without one come from non-browser clients.
func (s *Server) checkOriginMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && len(s.origins) > 0 {
			if _, ok := s.origins[origin]; !ok {
				metrics.AuthFailure("origin")
				s.writeError(w, gateway.NewError(gateway.KindAuthFailure, http.StatusForbidden, "origin not allowed", nil))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, gateway.NewError(gateway.KindValidationFailure, http.StatusRequestEntityTooLarge,
				"request body too large", err)
		}
		return nil, gateway.NewError(gateway.KindValidationFailure, http.StatusBadRequest, "failed to read body", err)
	}
	return body, nil
}

func rawBody(r *http.Request) []byte {
	if body, ok := r.Context().Value(rawBodyKey).([]byte); ok {
		return body
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func signatureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingSignature):
		return "signature_missing"
	case errors.Is(err, auth.ErrBadTimestamp), errors.Is(err, auth.ErrStaleTimestamp):
		return "timestamp"
	case errors.Is(err, auth.ErrNonceReplayed):
		return "nonce_replayed"
	default:
		return "signature"
	}
}
