package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/quantrelay/quantrelay/audit"
	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
	"github.com/quantrelay/quantrelay/webhook"
)

const maxWebhookBody = 1 << 20

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /queue/stats", s.handleQueueStats)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.app.limiter.Allow(clientKey(r)); err != nil {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	resp, err := s.app.Dispatcher.HandleWebhook(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrAuth):
			// No detail: auth failures never explain themselves
			writeError(w, http.StatusUnauthorized, "unauthorized")
		case errors.Is(err, errors.ErrValidation):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			// Includes queue persistence failures: never claim success
			// when a deferral was lost
			s.app.log.Errorw("webhook processing failed", logger.FieldError, err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snapshot := s.app.readiness.snapshot()
	status := http.StatusOK
	if !snapshot.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snapshot)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.app.Audit.Recent(limit)
	if err != nil {
		s.app.log.Errorw("failed to read audit log", logger.FieldError, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Queue.Stats()
	if err != nil {
		s.app.log.Errorw("failed to read queue stats", logger.FieldError, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// clientKey identifies the caller for rate limiting, preferring the proxy
// header when present.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("failed to encode response", logger.FieldError, err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
