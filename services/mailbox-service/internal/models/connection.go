package models

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusExpired      Status = "expired"
)

// Connection is the per-student authorization record.
// Token fields hold vault ciphertext, never plaintext.
type Connection struct {
	StudentID       uuid.UUID  `db:"student_id" json:"studentId"`
	Provider        string     `db:"provider" json:"provider"`
	Status          Status     `db:"status" json:"status"`
	AccountEmail    string     `db:"account_email" json:"accountEmail,omitempty"`
	AccessTokenEnc  *string    `db:"access_token_enc" json:"-"`
	RefreshTokenEnc *string    `db:"refresh_token_enc" json:"-"`
	TokenExpiry     *time.Time `db:"token_expiry" json:"tokenExpiry,omitempty"`
	Scope           string     `db:"scope" json:"scope,omitempty"`
	LastSyncAt      *time.Time `db:"last_sync_at" json:"lastSyncAt,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// Disconnected is the implicit record of a student who never authorized
func Disconnected(studentID uuid.UUID) *Connection {
	return &Connection{StudentID: studentID, Status: StatusDisconnected}
}

// AccessTokenValid reports whether a cached access token can be used at now,
// keeping skew of headroom before expiry.
func (c *Connection) AccessTokenValid(now time.Time, skew time.Duration) bool {
	if c.AccessTokenEnc == nil {
		return false
	}
	if c.TokenExpiry == nil {
		return true
	}
	return now.Add(skew).Before(*c.TokenExpiry)
}
