package controlplane

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"beacon/internal/auth"
)

type authRequest struct {
	APIKey string `json:"api_key"`
}

type authResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
	ExpiresAt string `json:"expires_at"`
	Scope     string `json:"scope"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// handleAuth exchanges an API key for a control token.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.opts.Exchanger == nil {
		writeError(w, http.StatusNotFound, auth.ErrExchangeOff.Error())
		return
	}

	apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if apiKey == "" {
		var body authRequest
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read request body")
			return
		}
		if len(strings.TrimSpace(string(raw))) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		apiKey = body.APIKey
	}

	grant, err := s.opts.Exchanger.Exchange(apiKey)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrMissingAPIKey):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrUnauthenticated):
		s.logger.Warn("control plane auth rejected", slog.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	case errors.Is(err, auth.ErrExchangeOff):
		writeError(w, http.StatusNotFound, err.Error())
		return
	default:
		s.logger.Error("control plane token issue failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Success:   true,
		Token:     grant.Token,
		TokenType: grant.TokenType,
		ExpiresIn: grant.ExpiresIn,
		ExpiresAt: grant.ExpiresAt.UTC().Format(time.RFC3339),
		Scope:     grant.Scope,
	})
}

// handleCapture accepts one event from an authorized local caller.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.opts.Exchanger == nil || s.opts.Capture == nil {
		writeError(w, http.StatusNotFound, "capture endpoint is disabled")
		return
	}

	if !s.authorize(w, r, s.opts.CaptureScope) {
		return
	}

	var req CaptureRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	writeJSON(w, http.StatusAccepted, s.opts.Capture(r.Context(), req))
}

type dedupEntry struct {
	Fingerprint string `json:"fingerprint"`
	LastSentAt  string `json:"last_sent_at"`
}

type dedupResponse struct {
	Count   int          `json:"count"`
	Entries []dedupEntry `json:"entries"`
}

type touchRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// handleDedup lists remembered fingerprints (GET) or refreshes one on inspection (POST).
func (s *Server) handleDedup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodGet+", "+http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.opts.Exchanger == nil || s.opts.Dedup == nil {
		writeError(w, http.StatusNotFound, "dedup inspection is disabled")
		return
	}
	if !s.authorize(w, r, s.opts.InspectScope) {
		return
	}

	if r.Method == http.MethodPost {
		var req touchRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Fingerprint) == "" {
			writeError(w, http.StatusBadRequest, "fingerprint is required")
			return
		}
		if !s.opts.Dedup.Touch(req.Fingerprint) {
			writeError(w, http.StatusNotFound, "fingerprint not remembered")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "fingerprint": req.Fingerprint})
		return
	}

	snapshot := s.opts.Dedup.Snapshot()
	out := dedupResponse{Count: len(snapshot), Entries: make([]dedupEntry, 0, len(snapshot))}
	for _, entry := range snapshot {
		out.Entries = append(out.Entries, dedupEntry{
			Fingerprint: entry.Fingerprint,
			LastSentAt:  entry.LastSentAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// authorize checks the bearer control token against scope and writes 401 on failure.
// Params: w writer; r request; scope required scope.
// Returns: true when the caller may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scope string) bool {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "bearer token required")
		return false
	}
	if _, err := s.opts.Exchanger.Authorize(token, scope); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return false
	}
	return true
}

// handleHealthz reports telemetry status.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.opts.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bearerToken extracts the Authorization bearer token.
// Params: r request.
// Returns: token and presence flag.
func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// writeJSON writes a JSON response.
// Params: w writer; status HTTP status; body value.
// Returns: none.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes a structured error.
// Params: w writer; status HTTP status; message error text.
// Returns: none.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}
