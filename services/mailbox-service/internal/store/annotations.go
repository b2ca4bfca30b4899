package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
)

func (s *Store) CreateTag(ctx context.Context, t *models.Tag) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = s.now()

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tags (id, name, color, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING`),
		t.ID, t.Name, t.Color, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating tag: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *Store) ListTags(ctx context.Context) ([]models.Tag, error) {
	var tags []models.Tag
	if err := s.db.SelectContext(ctx, &tags, `SELECT id, name, color, created_at FROM tags ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	return tags, nil
}

func (s *Store) GetTag(ctx context.Context, id uuid.UUID) (*models.Tag, error) {
	var t models.Tag
	err := s.db.GetContext(ctx, &t, s.q(`SELECT id, name, color, created_at FROM tags WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tag: %w", err)
	}
	return &t, nil
}

// TagMessage attaches a tag; attaching twice is a no-op
func (s *Store) TagMessage(ctx context.Context, messageID, tagID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO message_tags (message_id, tag_id) VALUES (?, ?)
		ON CONFLICT (message_id, tag_id) DO NOTHING`),
		messageID, tagID,
	)
	if err != nil {
		return fmt.Errorf("tagging message: %w", err)
	}
	return nil
}

func (s *Store) UntagMessage(ctx context.Context, messageID, tagID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM message_tags WHERE message_id = ? AND tag_id = ?`), messageID, tagID); err != nil {
		return fmt.Errorf("untagging message: %w", err)
	}
	return nil
}

func (s *Store) MessageTags(ctx context.Context, messageID uuid.UUID) ([]models.Tag, error) {
	var tags []models.Tag
	err := s.db.SelectContext(ctx, &tags, s.q(`
		SELECT t.id, t.name, t.color, t.created_at
		FROM tags t JOIN message_tags mt ON mt.tag_id = t.id
		WHERE mt.message_id = ?
		ORDER BY t.name`), messageID)
	if err != nil {
		return nil, fmt.Errorf("listing message tags: %w", err)
	}
	return tags, nil
}

func (s *Store) AddNote(ctx context.Context, n *models.InternalNote) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO internal_notes (id, message_id, author, body, created_at) VALUES (?, ?, ?, ?, ?)`),
		n.ID, n.MessageID, n.Author, n.Body, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("adding note: %w", err)
	}
	return nil
}

func (s *Store) ListNotes(ctx context.Context, messageID uuid.UUID) ([]models.InternalNote, error) {
	var notes []models.InternalNote
	err := s.db.SelectContext(ctx, &notes, s.q(`
		SELECT id, message_id, author, body, created_at FROM internal_notes
		WHERE message_id = ? ORDER BY created_at, id`), messageID)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	return notes, nil
}

func (s *Store) CreateFolder(ctx context.Context, f *models.SavedFilter) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = s.now()

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO saved_filters (id, student_id, name, sender_match, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (student_id, name) DO NOTHING`),
		f.ID, f.StudentID, f.Name, f.SenderMatch, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating folder: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *Store) ListFolders(ctx context.Context, studentID uuid.UUID) ([]models.SavedFilter, error) {
	var folders []models.SavedFilter
	err := s.db.SelectContext(ctx, &folders, s.q(`
		SELECT id, student_id, name, sender_match, created_at FROM saved_filters
		WHERE student_id = ? ORDER BY name`), studentID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

func (s *Store) GetFolder(ctx context.Context, studentID, id uuid.UUID) (*models.SavedFilter, error) {
	var f models.SavedFilter
	err := s.db.GetContext(ctx, &f, s.q(`
		SELECT id, student_id, name, sender_match, created_at FROM saved_filters
		WHERE student_id = ? AND id = ?`), studentID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder: %w", err)
	}
	return &f, nil
}

func (s *Store) DeleteFolder(ctx context.Context, studentID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM saved_filters WHERE student_id = ? AND id = ?`), studentID, id)
	if err != nil {
		return fmt.Errorf("deleting folder: %w", err)
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
