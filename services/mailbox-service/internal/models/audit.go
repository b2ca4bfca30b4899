package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionConnect       = "connect"
	ActionDisconnect    = "disconnect"
	ActionRefreshFailed = "refresh_failed"
	ActionExpired       = "expired"
	ActionSend          = "send"
)

type AuditEntry struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Actor     string    `db:"actor" json:"actor"`
	StudentID uuid.UUID `db:"student_id" json:"studentId"`
	Action    string    `db:"action" json:"action"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
