package sqlite

import (
	"context"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
)

// CreateOAuthSession stores a transient PKCE session for an account add flow.
func (s *Store) CreateOAuthSession(ctx context.Context, sess *ccflare.OAuthSession) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO oauth_sessions (id, account_name, verifier, mode, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.AccountName, sess.Verifier, sess.Mode,
		sess.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetOAuthSession retrieves a PKCE session by ID.
func (s *Store) GetOAuthSession(ctx context.Context, id string) (*ccflare.OAuthSession, error) {
	var sess ccflare.OAuthSession
	var expiresAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT id, account_name, verifier, mode, expires_at
		 FROM oauth_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.AccountName, &sess.Verifier, &sess.Mode, &expiresAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if t, e := time.Parse(time.RFC3339, expiresAt); e == nil {
		sess.ExpiresAt = t
	}
	return &sess, nil
}

// DeleteOAuthSession removes a PKCE session after completion or cancellation.
func (s *Store) DeleteOAuthSession(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM oauth_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

// DeleteExpiredOAuthSessions removes sessions whose expiry has passed.
func (s *Store) DeleteExpiredOAuthSessions(ctx context.Context) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM oauth_sessions WHERE expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
