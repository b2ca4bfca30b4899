package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
)

const connectionColumns = `student_id, provider, status, account_email, access_token_enc, refresh_token_enc,
	token_expiry, scope, last_sync_at, created_at, updated_at`

// TokenUpdate carries freshly encrypted token material. A nil RefreshTokenEnc keeps the stored one.
type TokenUpdate struct {
	AccessTokenEnc  *string
	RefreshTokenEnc *string
	Expiry          *time.Time
}

func (s *Store) GetConnection(ctx context.Context, studentID uuid.UUID) (*models.Connection, error) {
	var c models.Connection
	err := s.db.GetContext(ctx, &c,
		s.q(`SELECT `+connectionColumns+` FROM mailbox_connections WHERE student_id = ?`), studentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}
	return &c, nil
}

// SaveConnection inserts or replaces the authorization fields of a connection.
// created_at and last_sync_at survive a reconnect.
func (s *Store) SaveConnection(ctx context.Context, c *models.Connection) error {
	now := s.now()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO mailbox_connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id) DO UPDATE SET
			provider = excluded.provider,
			status = excluded.status,
			account_email = excluded.account_email,
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			token_expiry = excluded.token_expiry,
			scope = excluded.scope,
			updated_at = excluded.updated_at`),
		c.StudentID, c.Provider, string(c.Status), c.AccountEmail, c.AccessTokenEnc, c.RefreshTokenEnc,
		utcPtr(c.TokenExpiry), c.Scope, utcPtr(c.LastSyncAt), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving connection: %w", err)
	}
	return nil
}

// UpdateTokens stores refreshed tokens and marks the connection connected.
// Disconnected records are left alone and reported as ErrNotFound.
func (s *Store) UpdateTokens(ctx context.Context, studentID uuid.UUID, u TokenUpdate) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE mailbox_connections SET
			access_token_enc = ?,
			refresh_token_enc = COALESCE(?, refresh_token_enc),
			token_expiry = ?,
			status = 'connected',
			updated_at = ?
		WHERE student_id = ? AND status <> 'disconnected'`),
		u.AccessTokenEnc, u.RefreshTokenEnc, utcPtr(u.Expiry), s.now(), studentID,
	)
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardAccessToken drops the cached access token when it is still the one the provider
// rejected, so the next Acquire refreshes. A token replaced in the meantime is kept.
func (s *Store) DiscardAccessToken(ctx context.Context, studentID uuid.UUID, rejectedEnc string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE mailbox_connections SET access_token_enc = NULL, token_expiry = NULL, updated_at = ?
		WHERE student_id = ? AND status = 'connected' AND access_token_enc = ?`),
		s.now(), studentID, rejectedEnc,
	)
	if err != nil {
		return false, fmt.Errorf("discarding access token: %w", err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// MarkExpired moves a connected record to expired. It reports whether the status changed.
func (s *Store) MarkExpired(ctx context.Context, studentID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE mailbox_connections SET status = 'expired', updated_at = ?
		WHERE student_id = ? AND status = 'connected'`),
		s.now(), studentID,
	)
	if err != nil {
		return false, fmt.Errorf("marking connection expired: %w", err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// ClearConnection drops all token material and marks the record disconnected.
// It reports whether anything changed; clearing an absent or disconnected record is not an error.
func (s *Store) ClearConnection(ctx context.Context, studentID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE mailbox_connections SET
			status = 'disconnected',
			access_token_enc = NULL,
			refresh_token_enc = NULL,
			token_expiry = NULL,
			updated_at = ?
		WHERE student_id = ? AND status <> 'disconnected'`),
		s.now(), studentID,
	)
	if err != nil {
		return false, fmt.Errorf("clearing connection: %w", err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// MarkSynced records the start time of the last sync that completed without a fatal error
func (s *Store) MarkSynced(ctx context.Context, studentID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE mailbox_connections SET last_sync_at = ?, updated_at = ?
		WHERE student_id = ? AND status <> 'disconnected'`),
		at.UTC(), s.now(), studentID,
	)
	if err != nil {
		return fmt.Errorf("marking sync time: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeStudent removes everything owned by a student except the audit trail
func (s *Store) PurgeStudent(ctx context.Context, studentID uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting purge: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM mirrored_messages WHERE student_id = ?`,
		`DELETE FROM saved_filters WHERE student_id = ?`,
		`DELETE FROM mailbox_connections WHERE student_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), studentID); err != nil {
			return fmt.Errorf("purging student data: %w", err)
		}
	}
	return tx.Commit()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
