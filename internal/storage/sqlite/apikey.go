package sqlite

import (
	"context"
	"database/sql"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
)

// CreateKey inserts a new inbound API key.
func (s *Store) CreateKey(ctx context.Context, k *ccflare.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, hashed_key, prefix_last, role, is_active, usage_count, last_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.HashedKey, k.PrefixLast, string(k.Role),
		boolToInt(k.IsActive), k.UsageCount, timePtrToStr(k.LastUsed),
		k.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByName retrieves an API key by its unique name.
func (s *Store) GetKeyByName(ctx context.Context, name string) (*ccflare.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, hashed_key, prefix_last, role, is_active, usage_count, last_used, created_at
		 FROM api_keys WHERE name = ?`, name)
	return scanAPIKey(row)
}

// ListKeys returns all API keys ordered by creation time.
func (s *Store) ListKeys(ctx context.Context) ([]*ccflare.APIKey, error) {
	return s.listKeys(ctx, false)
}

// ListActiveKeys returns only active keys. The auth gate verifies inbound
// credentials against this set.
func (s *Store) ListActiveKeys(ctx context.Context) ([]*ccflare.APIKey, error) {
	return s.listKeys(ctx, true)
}

func (s *Store) listKeys(ctx context.Context, activeOnly bool) ([]*ccflare.APIKey, error) {
	q := `SELECT id, name, hashed_key, prefix_last, role, is_active, usage_count, last_used, created_at
	      FROM api_keys`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.read.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ccflare.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteKey removes an API key by name.
func (s *Store) DeleteKey(ctx context.Context, name string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// SetKeyActive enables or disables an API key.
func (s *Store) SetKeyActive(ctx context.Context, name string, active bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET is_active = ? WHERE name = ?`, boolToInt(active), name)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed bumps the usage counter and last-used timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func scanAPIKey(sc scanner) (*ccflare.APIKey, error) {
	var k ccflare.APIKey
	var role string
	var active int
	var lastUsed sql.NullString
	var createdAt string

	err := sc.Scan(&k.ID, &k.Name, &k.HashedKey, &k.PrefixLast, &role,
		&active, &k.UsageCount, &lastUsed, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Role = ccflare.Role(role)
	k.IsActive = active != 0
	if lastUsed.Valid {
		if t, e := time.Parse(time.RFC3339, lastUsed.String); e == nil {
			k.LastUsed = &t
		}
	}
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		k.CreatedAt = t
	}
	return &k, nil
}

func timePtrToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
