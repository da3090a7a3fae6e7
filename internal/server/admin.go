package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/dispatch"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		dispatch.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ccflare.ErrNotFound):
		dispatch.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ccflare.ErrConflict):
		dispatch.WriteError(w, http.StatusConflict, "conflict")
	case errors.Is(err, ccflare.ErrBadRequest):
		dispatch.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ccflare.ErrLastAdminKey):
		dispatch.WriteError(w, http.StatusConflict, ccflare.ErrLastAdminKey.Error())
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		dispatch.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Health ---

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "degraded",
			"timestamp": now,
		})
		return
	}
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"accounts":  len(accounts),
		"timestamp": now,
	})
}

// --- Stats and analytics ---

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Queue != nil {
		stats.QueueDepth = s.deps.Queue.Depth()
		stats.QueueDropped = s.deps.Queue.Dropped()
	}
	writeJSON(w, http.StatusOK, stats)
}

// analyticsRanges maps the range query parameter to window and bucket sizes.
var analyticsRanges = map[string]struct{ window, bucket time.Duration }{
	"1h":  {time.Hour, time.Minute},
	"6h":  {6 * time.Hour, 5 * time.Minute},
	"24h": {24 * time.Hour, 30 * time.Minute},
	"7d":  {7 * 24 * time.Hour, 3 * time.Hour},
}

func (s *server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = "24h"
	}
	spec, ok := analyticsRanges[rng]
	if !ok {
		dispatch.WriteError(w, http.StatusBadRequest, "range must be one of 1h, 6h, 24h, 7d")
		return
	}
	since := ccflare.NowMs() - spec.window.Milliseconds()
	report, err := s.deps.Store.Analytics(r.Context(), since, spec.bucket.Milliseconds())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	report.RangeMs = spec.window.Milliseconds()
	report.BucketMs = spec.bucket.Milliseconds()
	writeJSON(w, http.StatusOK, report)
}

// --- Requests ---

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.deps.Store.ListRequests(r.Context(), limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if recs == nil {
		recs = []ccflare.RequestRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetPayload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.JSON)
}

// --- Config ---

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy":         s.deps.Runtime.Strategy(),
		"session_duration": s.deps.Runtime.SessionDuration().String(),
	})
}

func (s *server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if !decodeJSON(w, r, &patch) {
		return
	}
	for k, v := range patch {
		switch k {
		case "strategy":
			str, ok := v.(string)
			if !ok || str != "session" {
				dispatch.WriteError(w, http.StatusBadRequest, "unknown strategy")
				return
			}
			s.deps.Runtime.setStrategy(str)
		default:
			dispatch.WriteError(w, http.StatusBadRequest, "unsupported config key: "+k)
			return
		}
	}
	s.handleGetConfig(w, r)
}

func (s *server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"strategy": s.deps.Runtime.Strategy()})
}

func (s *server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Strategy != "session" {
		dispatch.WriteError(w, http.StatusBadRequest, "unknown strategy")
		return
	}
	s.deps.Runtime.setStrategy(req.Strategy)
	s.handleGetStrategy(w, r)
}

// --- Accounts ---

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*ccflare.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePauseAccount(w http.ResponseWriter, r *http.Request) {
	s.setAccountFlag(w, r, true)
}

func (s *server) handleResumeAccount(w http.ResponseWriter, r *http.Request) {
	s.setAccountFlag(w, r, false)
}

func (s *server) setAccountFlag(w http.ResponseWriter, r *http.Request, paused bool) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetPaused(r.Context(), id, paused); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.respondAccount(w, r, id)
}

func (s *server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier int `json:"tier"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tier < 1 {
		dispatch.WriteError(w, http.StatusBadRequest, "tier must be positive")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetTier(r.Context(), id, req.Tier); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.respondAccount(w, r, id)
}

func (s *server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority int `json:"priority"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetPriority(r.Context(), id, req.Priority); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.respondAccount(w, r, id)
}

func (s *server) handleSetAutoFallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetAutoFallback(r.Context(), id, req.Enabled); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.respondAccount(w, r, id)
}

func (s *server) handleSetCustomEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetCustomEndpoint(r.Context(), id, req.Endpoint); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.respondAccount(w, r, id)
}

func (s *server) respondAccount(w http.ResponseWriter, r *http.Request, id string) {
	a, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- API keys ---

// keyCreateResponse includes the plaintext key, shown only once.
type keyCreateResponse struct {
	*ccflare.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*ccflare.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), req.Name, ccflare.Role(req.Role))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyCreateResponse{APIKey: key, PlaintextKey: plaintext})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Keys.DeleteKey(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleEnableKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyActive(w, r, true)
}

func (s *server) handleDisableKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyActive(w, r, false)
}

func (s *server) setKeyActive(w http.ResponseWriter, r *http.Request, active bool) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Keys.SetActive(r.Context(), name, active); err != nil {
		writeAdminError(w, r, err)
		return
	}
	key, err := s.deps.Store.GetKeyByName(r.Context(), name)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}
