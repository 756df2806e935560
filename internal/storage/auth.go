package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type AuthSession struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issued_at"`
	LastSeen  time.Time `json:"last_seen"`
	ExpiresAt time.Time `json:"expires_at"`
}

type APIKey struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	Scopes     []string  `json:"scopes"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
}

// PasswordHash returns the stored operator password hash, or "" if no
// password has been set yet.
func (s *Store) PasswordHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM auth_users WHERE id = 1;`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select password hash: %w", err)
	}
	return hash, nil
}

// SetPasswordHash stores (or replaces) the single operator password hash.
func (s *Store) SetPasswordHash(ctx context.Context, hash string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO auth_users (id, password_hash)
			VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET password_hash = excluded.password_hash, updated_at = CURRENT_TIMESTAMP;
		`, hash)
		return err
	})
	if err != nil {
		return fmt.Errorf("set password hash: %w", err)
	}
	return nil
}

// CreateAuthSession inserts a cookie session with the given idle expiry.
func (s *Store) CreateAuthSession(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, expires_at) VALUES (?, ?);
	`, id, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("create auth session: %w", err)
	}
	return nil
}

// TouchAuthSession validates a cookie session and slides its expiry. Returns
// false for unknown or expired sessions; expired sessions are removed.
func (s *Store) TouchAuthSession(ctx context.Context, id string, newExpiry time.Time) (bool, error) {
	var expires time.Time
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM auth_sessions WHERE id = ?;`, id).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select auth session: %w", err)
	}
	if time.Now().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?;`, id)
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions SET last_seen = CURRENT_TIMESTAMP, expires_at = ? WHERE id = ?;
	`, newExpiry.UTC(), id); err != nil {
		return false, fmt.Errorf("touch auth session: %w", err)
	}
	return true, nil
}

// DeleteAuthSession removes a cookie session (logout).
func (s *Store) DeleteAuthSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete auth session: %w", err)
	}
	return nil
}

// CreateAPIKey stores a named key with its hashed secret and scope set.
func (s *Store) CreateAPIKey(ctx context.Context, name, secretHash string, scopes []string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (name, secret_hash, scopes) VALUES (?, ?, ?);
	`, name, secretHash, strings.Join(scopes, ","))
	if err != nil {
		return 0, fmt.Errorf("create api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("api key id: %w", err)
	}
	return id, nil
}

// ActiveAPIKeys returns all unrevoked keys for constant-time matching.
func (s *Store) ActiveAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, secret_hash, scopes, revoked, created_at
		FROM api_keys WHERE revoked = 0;
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var k APIKey
		var scopes string
		if err := rows.Scan(&k.ID, &k.Name, &k.SecretHash, &scopes, &k.Revoked, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if scopes != "" {
			k.Scopes = strings.Split(scopes, ",")
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("api key rows: %w", err)
	}
	return out, nil
}

// RevokeAPIKey marks a key revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}
