package models

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MirroredMessage is the local copy of one provider message, unique per (StudentID, ProviderMessageID)
type MirroredMessage struct {
	ID                uuid.UUID `db:"id" json:"id"`
	StudentID         uuid.UUID `db:"student_id" json:"studentId"`
	ProviderMessageID string    `db:"provider_message_id" json:"providerMessageId"`
	ThreadID          string    `db:"thread_id" json:"threadId"`
	RFCMessageID      string    `db:"rfc_message_id" json:"rfcMessageId,omitempty"`
	Sender            string    `db:"sender" json:"sender"`
	Recipient         string    `db:"recipient" json:"recipient"`
	Subject           string    `db:"subject" json:"subject"`
	Snippet           string    `db:"snippet" json:"snippet"`
	BodyHTML          *string   `db:"body_html" json:"bodyHtml,omitempty"`
	Labels            LabelSet  `db:"labels" json:"labels"`
	ProviderTimestamp time.Time `db:"provider_timestamp" json:"providerTimestamp"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// SameContent reports whether the mutable fields of m and o match
func (m *MirroredMessage) SameContent(o *MirroredMessage) bool {
	if m.Snippet != o.Snippet || m.Labels.String() != o.Labels.String() {
		return false
	}
	switch {
	case m.BodyHTML == nil && o.BodyHTML == nil:
		return true
	case m.BodyHTML == nil || o.BodyHTML == nil:
		return false
	default:
		return *m.BodyHTML == *o.BodyHTML
	}
}

// Tag is a staff-defined label that can be attached to mirrored messages
type Tag struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Color     string    `db:"color" json:"color,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// InternalNote is a staff-only annotation, never shown to the student
type InternalNote struct {
	ID        uuid.UUID `db:"id" json:"id"`
	MessageID uuid.UUID `db:"message_id" json:"messageId"`
	Author    string    `db:"author" json:"author"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// SavedFilter ("folder") selects mirror rows whose sender contains SenderMatch
type SavedFilter struct {
	ID          uuid.UUID `db:"id" json:"id"`
	StudentID   uuid.UUID `db:"student_id" json:"studentId"`
	Name        string    `db:"name" json:"name"`
	SenderMatch string    `db:"sender_match" json:"senderMatch"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// LabelSet is a set of provider label ids, persisted as a sorted comma-delimited string
type LabelSet []string

func NewLabelSet(labels ...string) LabelSet {
	seen := make(map[string]bool, len(labels))
	var out LabelSet
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || strings.Contains(l, ",") || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ParseLabelSet decodes the persisted form
func ParseLabelSet(s string) LabelSet {
	if s == "" {
		return nil
	}
	return NewLabelSet(strings.Split(s, ",")...)
}

func (l LabelSet) String() string {
	return strings.Join(NewLabelSet(l...), ",")
}

// Has is exact membership: "IMPORTANT" does not contain "PORT"
func (l LabelSet) Has(label string) bool {
	for _, x := range l {
		if x == label {
			return true
		}
	}
	return false
}

func (l LabelSet) Value() (driver.Value, error) {
	return l.String(), nil
}

func (l *LabelSet) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
	case string:
		*l = ParseLabelSet(v)
	case []byte:
		*l = ParseLabelSet(string(v))
	default:
		return fmt.Errorf("scanning labels: unsupported type %T", src)
	}
	return nil
}
