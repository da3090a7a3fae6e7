package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/dispatch"
	"github.com/ccflare/ccflare/internal/provider/anthropic"
)

// oauthSessionTTL bounds how long a pending authorization stays valid.
const oauthSessionTTL = 10 * time.Minute

// handleOAuthInit starts a PKCE authorization for a new subscription account.
// The caller opens the returned URL in a browser, approves, and posts the
// resulting code to /api/oauth/callback with the same session id.
func (s *server) handleOAuthInit(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		dispatch.WriteError(w, http.StatusServiceUnavailable, "oauth account add is not configured")
		return
	}
	var req struct {
		Name string `json:"name"`
		Mode string `json:"mode"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		dispatch.WriteError(w, http.StatusBadRequest, "account name required")
		return
	}
	switch req.Mode {
	case "":
		req.Mode = "max"
	case "max", "console":
	default:
		dispatch.WriteError(w, http.StatusBadRequest, "mode must be max or console")
		return
	}
	if existing, _ := s.deps.Store.GetAccountByName(r.Context(), req.Name); existing != nil {
		dispatch.WriteError(w, http.StatusConflict, "account name already in use")
		return
	}

	id := uuid.Must(uuid.NewV7()).String()
	authorizeURL, verifier := anthropic.BeginAuthorize(req.Mode, id)
	sess := &ccflare.OAuthSession{
		ID:          id,
		AccountName: req.Name,
		Verifier:    verifier,
		Mode:        req.Mode,
		ExpiresAt:   time.Now().Add(oauthSessionTTL),
	}
	if err := s.deps.Store.CreateOAuthSession(r.Context(), sess); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":    id,
		"authorize_url": authorizeURL,
	})
}

// handleOAuthCallback finishes the flow: exchanges the code for tokens and
// creates the account. The pending session is single use.
func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		dispatch.WriteError(w, http.StatusServiceUnavailable, "oauth account add is not configured")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Code == "" {
		dispatch.WriteError(w, http.StatusBadRequest, "session_id and code required")
		return
	}

	sess, err := s.deps.Store.GetOAuthSession(r.Context(), req.SessionID)
	if err != nil {
		dispatch.WriteError(w, http.StatusNotFound, "unknown or expired oauth session")
		return
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.deps.Store.DeleteOAuthSession(r.Context(), sess.ID)
		dispatch.WriteError(w, http.StatusGone, "oauth session expired")
		return
	}

	tok, err := s.deps.OAuth.ExchangeCode(r.Context(), req.Code, sess.Verifier, sess.ID)
	if err != nil {
		dispatch.WriteError(w, http.StatusBadGateway, "code exchange failed")
		return
	}

	acct := &ccflare.Account{
		ID:                   uuid.New().String(),
		Name:                 sess.AccountName,
		Kind:                 ccflare.KindAnthropicOAuth,
		RefreshToken:         tok.RefreshToken,
		AccessToken:          tok.AccessToken,
		AccessTokenExpiresAt: tok.Expiry.UnixMilli(),
		Tier:                 1,
		AutoRefreshEnabled:   true,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.deps.Store.CreateAccount(r.Context(), acct); err != nil {
		writeAdminError(w, r, err)
		return
	}
	_ = s.deps.Store.DeleteOAuthSession(r.Context(), sess.ID)

	writeJSON(w, http.StatusCreated, acct)
}
