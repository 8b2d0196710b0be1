package connections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/theagencyiq/agencyiq/backend/internal/models"
)

// ErrNotConnected is returned when a user has no active connection for a platform.
var ErrNotConnected = errors.New("not_connected")

// Store performs all platform_connections reads and writes. No other package
// reads raw tokens from the table directly; callers go through the Refresher.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const connColumns = `id, user_id, platform, platform_user_id, access_token, refresh_token, expires_at, is_active, reauth_reason, created_at, updated_at`

func scanConnection(row *sql.Row) (*models.PlatformConnection, error) {
	var c models.PlatformConnection
	err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.PlatformUserID, &c.AccessToken,
		&c.RefreshToken, &c.ExpiresAt, &c.IsActive, &c.ReauthReason, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("connections: scan: %w", err)
	}
	return &c, nil
}

// ActiveConnection loads the single active connection for (user, platform).
func (s *Store) ActiveConnection(ctx context.Context, userID, platform string) (*models.PlatformConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+connColumns+`
		  FROM public.platform_connections
		 WHERE user_id = $1 AND platform = $2 AND is_active = true
		 LIMIT 1
	`, userID, platform)
	return scanConnection(row)
}

// ListForUser returns every connection for the user, active first, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]models.PlatformConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connColumns+`
		  FROM public.platform_connections
		 WHERE user_id = $1
		 ORDER BY is_active DESC, created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("connections: list: %w", err)
	}
	defer rows.Close()

	out := make([]models.PlatformConnection, 0)
	for rows.Next() {
		var c models.PlatformConnection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Platform, &c.PlatformUserID, &c.AccessToken,
			&c.RefreshToken, &c.ExpiresAt, &c.IsActive, &c.ReauthReason, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("connections: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Upsert stores a connection from an OAuth callback. Any previous active
// connection for the same (user, platform) is deactivated first; old rows are
// kept for audit, never deleted.
func (s *Store) Upsert(ctx context.Context, c *models.PlatformConnection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("connections: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE public.platform_connections
		   SET is_active = false, updated_at = NOW()
		 WHERE user_id = $1 AND platform = $2 AND is_active = true
	`, c.UserID, c.Platform); err != nil {
		return fmt.Errorf("connections: deactivate previous: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO public.platform_connections
		  (id, user_id, platform, platform_user_id, access_token, refresh_token, expires_at, is_active, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4, $5, $6, $7, true, NOW(), NOW())
		RETURNING created_at, updated_at
	`, c.ID, c.UserID, c.Platform, c.PlatformUserID, c.AccessToken, c.RefreshToken, c.ExpiresAt).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("connections: insert: %w", err)
	}
	c.IsActive = true
	return tx.Commit()
}

// SaveRefreshedToken persists a refreshed token in a single UPDATE so concurrent
// readers never observe a partial write.
func (s *Store) SaveRefreshedToken(ctx context.Context, connID, accessToken string, refreshToken *string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE public.platform_connections
		   SET access_token = $2,
		       refresh_token = COALESCE($3, refresh_token),
		       expires_at = $4,
		       updated_at = NOW()
		 WHERE id = $1 AND is_active = true
	`, connID, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("connections: save refreshed token: %w", err)
	}
	return nil
}

// MarkReauthRequired deactivates a connection whose refresh was rejected.
// The row stays in place so the UI can show why reconnection is needed.
func (s *Store) MarkReauthRequired(ctx context.Context, connID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE public.platform_connections
		   SET is_active = false,
		       reauth_reason = $2,
		       updated_at = NOW()
		 WHERE id = $1
	`, connID, reason)
	if err != nil {
		return fmt.Errorf("connections: mark reauth: %w", err)
	}
	return nil
}

// Deactivate turns off a connection on user request.
func (s *Store) Deactivate(ctx context.Context, connID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.platform_connections
		   SET is_active = false, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND is_active = true
	`, connID, userID)
	if err != nil {
		return false, fmt.Errorf("connections: deactivate: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
