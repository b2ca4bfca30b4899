package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
)

func (s *Store) InsertAudit(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_log (id, actor, student_id, action, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.Actor, e.StudentID, e.Action, e.Message, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a student's most recent audit entries, newest first
func (s *Store) ListAudit(ctx context.Context, studentID uuid.UUID, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.AuditEntry
	err := s.db.SelectContext(ctx, &entries, s.q(`
		SELECT id, actor, student_id, action, message, created_at FROM audit_log
		WHERE student_id = ? ORDER BY created_at DESC, id LIMIT ?`), studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}
