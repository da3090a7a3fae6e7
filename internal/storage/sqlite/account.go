package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
)

const accountCols = `id, name, provider, refresh_token, access_token, access_token_expires_at,
	api_key, custom_endpoint, model_mappings, tier, priority, paused,
	auto_fallback_enabled, auto_refresh_enabled,
	rate_limited_until, rate_limit_remaining, rate_limit_reset, rate_limit_status,
	session_start, session_request_count, request_count, total_requests, last_used, created_at`

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, a *ccflare.Account) error {
	mappings, err := marshalJSON(a.ModelMappings)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO accounts (`+accountCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Kind),
		nullStr(a.RefreshToken), nullStr(a.AccessToken), a.AccessTokenExpiresAt,
		nullStr(a.APIKey), nullStr(a.CustomEndpoint), mappings,
		a.Tier, a.Priority, boolToInt(a.Paused),
		boolToInt(a.AutoFallbackEnabled), boolToInt(a.AutoRefreshEnabled),
		a.RateLimitedUntil, a.RateLimitRemaining, a.RateLimitReset, a.RateLimitStatus,
		a.SessionStart, a.SessionRequestCount, a.RequestCount, a.TotalRequests,
		a.LastUsed, a.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*ccflare.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByName retrieves an account by its unique name.
func (s *Store) GetAccountByName(ctx context.Context, name string) (*ccflare.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by priority, then name.
// Stable ordering matters: the selector keeps equal priorities in input order.
func (s *Store) ListAccounts(ctx context.Context) ([]*ccflare.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ccflare.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// UpdateTokens stores a refreshed access token. An empty refreshToken leaves
// the stored refresh token unchanged.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAtMs int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET access_token = ?,
		 refresh_token = COALESCE(NULLIF(?, ''), refresh_token),
		 access_token_expires_at = ?
		 WHERE id = ?`,
		accessToken, refreshToken, expiresAtMs, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// MarkRateLimited records a rate-limit hold. rate_limited_until only
// advances; a stale until earlier than the stored value is ignored so the
// hold never regresses under concurrent markers.
func (s *Store) MarkRateLimited(ctx context.Context, id string, untilMs int64, status string, remaining, resetMs *int64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET
		 rate_limited_until = MAX(COALESCE(rate_limited_until, 0), ?),
		 rate_limit_status = ?,
		 rate_limit_remaining = COALESCE(?, rate_limit_remaining),
		 rate_limit_reset = COALESCE(?, rate_limit_reset)
		 WHERE id = ?`,
		untilMs, status, remaining, resetMs, id)
	return err
}

// UpdateRateLimitWindow refreshes window fields from the usage poller without
// touching any active hold.
func (s *Store) UpdateRateLimitWindow(ctx context.Context, id string, remaining, resetMs *int64, status string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET
		 rate_limit_remaining = COALESCE(?, rate_limit_remaining),
		 rate_limit_reset = COALESCE(?, rate_limit_reset),
		 rate_limit_status = COALESCE(NULLIF(?, ''), rate_limit_status)
		 WHERE id = ?`,
		remaining, resetMs, status, id)
	return err
}

// ClearExpiredRateLimits clears holds that expired before nowMs.
func (s *Store) ClearExpiredRateLimits(ctx context.Context, nowMs int64) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET rate_limited_until = NULL, rate_limit_status = ''
		 WHERE rate_limited_until IS NOT NULL AND rate_limited_until <= ?`, nowMs)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ResetSession starts a fresh sticky-session window.
func (s *Store) ResetSession(ctx context.Context, id string, nowMs int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET session_start = ?, session_request_count = 0, request_count = 0
		 WHERE id = ?`, nowMs, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// IncrementRequestCounters bumps usage counters on the serving account.
func (s *Store) IncrementRequestCounters(ctx context.Context, id string, nowMs int64, countSession bool) error {
	session := 0
	if countSession {
		session = 1
	}
	_, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET
		 request_count = request_count + 1,
		 total_requests = total_requests + 1,
		 session_request_count = session_request_count + ?,
		 last_used = ?
		 WHERE id = ?`,
		session, nowMs, id)
	return err
}

// SetPaused pauses or resumes an account.
func (s *Store) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.setAccountField(ctx, id, "paused", boolToInt(paused))
}

// SetPriority changes an account's routing priority.
func (s *Store) SetPriority(ctx context.Context, id string, priority int) error {
	return s.setAccountField(ctx, id, "priority", priority)
}

// SetTier changes an account's subscription tier.
func (s *Store) SetTier(ctx context.Context, id string, tier int) error {
	return s.setAccountField(ctx, id, "tier", tier)
}

// SetAutoFallback toggles auto-fallback reclaim.
func (s *Store) SetAutoFallback(ctx context.Context, id string, enabled bool) error {
	return s.setAccountField(ctx, id, "auto_fallback_enabled", boolToInt(enabled))
}

// SetCustomEndpoint changes an account's upstream base URL override.
func (s *Store) SetCustomEndpoint(ctx context.Context, id, endpoint string) error {
	return s.setAccountField(ctx, id, "custom_endpoint", nullStr(endpoint))
}

func (s *Store) setAccountField(ctx context.Context, id, col string, val any) error {
	result, err := s.write.ExecContext(ctx,
		fmt.Sprintf(`UPDATE accounts SET %s = ? WHERE id = ?`, col), val, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func scanAccount(sc scanner) (*ccflare.Account, error) {
	var a ccflare.Account
	var kind string
	var refreshToken, accessToken, apiKey, endpoint, mappings sql.NullString
	var paused, autoFallback, autoRefresh int
	var createdAt string

	err := sc.Scan(
		&a.ID, &a.Name, &kind, &refreshToken, &accessToken, &a.AccessTokenExpiresAt,
		&apiKey, &endpoint, &mappings, &a.Tier, &a.Priority, &paused,
		&autoFallback, &autoRefresh,
		&a.RateLimitedUntil, &a.RateLimitRemaining, &a.RateLimitReset, &a.RateLimitStatus,
		&a.SessionStart, &a.SessionRequestCount, &a.RequestCount, &a.TotalRequests,
		&a.LastUsed, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.Kind = ccflare.ProviderKind(kind)
	a.RefreshToken = refreshToken.String
	a.AccessToken = accessToken.String
	a.APIKey = apiKey.String
	a.CustomEndpoint = endpoint.String
	a.Paused = paused != 0
	a.AutoFallbackEnabled = autoFallback != 0
	a.AutoRefreshEnabled = autoRefresh != 0

	if mappings.Valid {
		if err := json.Unmarshal([]byte(mappings.String), &a.ModelMappings); err != nil {
			return nil, fmt.Errorf("unmarshal model mappings: %w", err)
		}
	}
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to ccflare.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ccflare.ErrNotFound
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]string); ok && len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, ccflare.ErrNotFound)
	}
	return nil
}
