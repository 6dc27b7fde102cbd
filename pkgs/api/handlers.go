package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/feltledger/submission-gateway/pkgs/gateway"
	"github.com/feltledger/submission-gateway/pkgs/leaderboard"
	"github.com/feltledger/submission-gateway/pkgs/ledger"
	"github.com/feltledger/submission-gateway/pkgs/submissions"
)

const maxRecentLimit = 200

func (s *Server) handleSubmitHand(w http.ResponseWriter, r *http.Request) {
	sub, err := submissions.DecodeHand(rawBody(r), r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		s.writeError(w, gateway.ValidationError(err))
		return
	}
	res, err := s.cfg.Submitter.SubmitHand(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}

func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	sub, err := submissions.DecodeScore(rawBody(r), r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		s.writeError(w, gateway.ValidationError(err))
		return
	}
	res, err := s.cfg.Submitter.SubmitScore(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}

func (s *Server) writeResult(w http.ResponseWriter, res *gateway.Result) {
	if res.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	s.writeRaw(w, res.Status, res.Body)
}

// handleProxyHand validates a browser submission and forwards it in
// canonical form to the signed endpoint
func (s *Server) handleProxyHand(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := submissions.DecodeHand(body, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		s.writeError(w, gateway.ValidationError(err))
		return
	}
	s.forward(w, r, "/api/v1/hands", sub.Payload(), sub.RequestID)
}

func (s *Server) handleProxyScore(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := submissions.DecodeScore(body, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		s.writeError(w, gateway.ValidationError(err))
		return
	}
	s.forward(w, r, "/api/v1/scores", sub.Payload(), sub.RequestID)
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, path string, payload interface{}, key string) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, gateway.InternalError("failed to encode submission", err))
		return
	}
	resp, err := s.cfg.Forwarder.Forward(r.Context(), path, body, key, clientIP(r))
	if err != nil {
		s.writeError(w, gateway.NewError(gateway.KindInternal, http.StatusBadGateway, "submission service unavailable", err))
		return
	}
	if resp.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	s.writeRaw(w, resp.Status, resp.Body)
}

func (s *Server) handleLeaderboard(scope ledger.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				s.writeError(w, gateway.NewError(gateway.KindValidationFailure, http.StatusBadRequest,
					"limit must be a non-negative integer", err))
				return
			}
			limit = n
		}
		force := parseBool(q.Get("force"))

		board, err := s.cfg.Boards.Get(r.Context(), scope, limit, force)
		if err != nil {
			s.writeError(w, gateway.NewError(gateway.KindInternal, http.StatusBadGateway, "leaderboard unavailable", err))
			return
		}
		s.writeOK(w, board)
	}
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, gateway.NewError(gateway.KindValidationFailure, http.StatusBadRequest,
				"limit must be a positive integer", err))
			return
		}
		limit = n
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	events := s.cfg.State.Recent(limit)
	s.writeOK(w, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	addr, err := submissions.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, gateway.NewError(gateway.KindValidationFailure, http.StatusBadRequest, err.Error(), err))
		return
	}
	scope, ok := ledger.ParseScope(r.URL.Query().Get("scope"))
	if !ok {
		s.writeError(w, gateway.NewError(gateway.KindValidationFailure, http.StatusBadRequest,
			"scope must be competition or global", nil))
		return
	}

	view, err := s.cfg.Boards.Lookup(r.Context(), scope, addr)
	if err != nil {
		if errors.Is(err, leaderboard.ErrUnknownScope) {
			s.writeError(w, gateway.NewError(gateway.KindValidationFailure, http.StatusBadRequest, err.Error(), err))
			return
		}
		s.writeError(w, gateway.NewError(gateway.KindInternal, http.StatusBadGateway, "ledger read failed", err))
		return
	}
	s.writeOK(w, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		s.writeOK(w, map[string]string{"status": "ok"})
		return
	}
	s.writeOK(w, s.cfg.Status.Report(r.Context()))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auditor == nil {
		s.writeError(w, gateway.NewError(gateway.KindInternal, http.StatusNotImplemented, "audit is not configured", nil))
		return
	}
	hash, err := hexutil.Decode(mux.Vars(r)["txHash"])
	if err != nil || len(hash) != common.HashLength {
		s.writeError(w, gateway.NewError(gateway.KindValidationFailure, http.StatusBadRequest,
			"txHash must be a 0x-prefixed 32-byte hex value", nil))
		return
	}

	audit, err := s.cfg.Auditor.AuditReceipt(r.Context(), common.BytesToHash(hash))
	if err != nil {
		if errors.Is(err, ledger.ErrReceiptNotFound) {
			s.writeError(w, gateway.NewError(gateway.KindValidationFailure, http.StatusNotFound, "receipt not found", err))
			return
		}
		s.writeError(w, gateway.NewError(gateway.KindInternal, http.StatusBadGateway, "ledger read failed", err))
		return
	}
	s.writeOK(w, audit)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, map[string]string{"status": "healthy"})
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}
