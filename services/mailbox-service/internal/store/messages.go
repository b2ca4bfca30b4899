package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
)

const messageColumns = `id, student_id, provider_message_id, thread_id, rfc_message_id, sender, recipient,
	subject, snippet, body_html, labels, provider_timestamp, created_at, updated_at`

type UpsertOutcome int

const (
	Unchanged UpsertOutcome = iota
	Created
	Updated
)

func (o UpsertOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// MessageQuery filters a student's mirror. Label matches by exact membership,
// SenderContains by case-insensitive substring.
type MessageQuery struct {
	ThreadID       string
	Label          string
	SenderContains string
	Limit          int
	Offset         int
}

// UpsertMessage inserts m or refreshes its mutable fields (labels, snippet, body).
// Thread id and provider timestamp of an existing row are never rewritten.
// On return m reflects the stored row.
func (s *Store) UpsertMessage(ctx context.Context, m *models.MirroredMessage) (UpsertOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Unchanged, fmt.Errorf("starting upsert: %w", err)
	}
	defer tx.Rollback()

	var existing models.MirroredMessage
	err = tx.GetContext(ctx, &existing, s.q(`SELECT `+messageColumns+` FROM mirrored_messages
		WHERE student_id = ? AND provider_message_id = ?`), m.StudentID, m.ProviderMessageID)

	outcome := Unchanged
	now := s.now()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.CreatedAt, m.UpdatedAt = now, now
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO mirrored_messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (student_id, provider_message_id) DO NOTHING`),
			m.ID, m.StudentID, m.ProviderMessageID, m.ThreadID, m.RFCMessageID, m.Sender, m.Recipient,
			m.Subject, m.Snippet, m.BodyHTML, m.Labels.String(), m.ProviderTimestamp.UTC(), m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return Unchanged, fmt.Errorf("inserting message: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return Unchanged, err
		}
		if n > 0 {
			outcome = Created
		}

	case err != nil:
		return Unchanged, fmt.Errorf("looking up message: %w", err)

	default:
		m.ID = existing.ID
		m.ThreadID = existing.ThreadID
		m.ProviderTimestamp = existing.ProviderTimestamp
		m.CreatedAt = existing.CreatedAt
		if existing.SameContent(m) {
			m.UpdatedAt = existing.UpdatedAt
			break
		}
		m.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE mirrored_messages SET labels = ?, snippet = ?, body_html = ?, updated_at = ?
			WHERE id = ?`),
			m.Labels.String(), m.Snippet, m.BodyHTML, m.UpdatedAt, m.ID,
		); err != nil {
			return Unchanged, fmt.Errorf("updating message: %w", err)
		}
		outcome = Updated
	}

	if err := tx.Commit(); err != nil {
		return Unchanged, fmt.Errorf("committing upsert: %w", err)
	}
	return outcome, nil
}

// GetMessage looks a message up by its natural key
func (s *Store) GetMessage(ctx context.Context, studentID uuid.UUID, providerMessageID string) (*models.MirroredMessage, error) {
	var m models.MirroredMessage
	err := s.db.GetContext(ctx, &m, s.q(`SELECT `+messageColumns+` FROM mirrored_messages
		WHERE student_id = ? AND provider_message_id = ?`), studentID, providerMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return &m, nil
}

func (s *Store) GetMessageByID(ctx context.Context, id uuid.UUID) (*models.MirroredMessage, error) {
	var m models.MirroredMessage
	err := s.db.GetContext(ctx, &m, s.q(`SELECT `+messageColumns+` FROM mirrored_messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return &m, nil
}

// ListMessages returns a student's messages, newest first
func (s *Store) ListMessages(ctx context.Context, studentID uuid.UUID, q MessageQuery) ([]models.MirroredMessage, error) {
	where := []string{"student_id = ?"}
	args := []any{studentID}

	if q.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, q.ThreadID)
	}
	if q.Label != "" {
		where = append(where, `(',' || labels || ',') LIKE ? ESCAPE '\'`)
		args = append(args, "%,"+likePattern(q.Label)+",%")
	}
	if q.SenderContains != "" {
		where = append(where, `LOWER(sender) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likePattern(strings.ToLower(q.SenderContains))+"%")
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := `SELECT ` + messageColumns + ` FROM mirrored_messages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY provider_timestamp DESC, id LIMIT ? OFFSET ?`

	var out []models.MirroredMessage
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, studentID uuid.UUID) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM mirrored_messages WHERE student_id = ?`), studentID); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}
