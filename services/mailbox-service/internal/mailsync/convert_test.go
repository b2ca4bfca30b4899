package mailsync

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func TestToMirror(t *testing.T) {
	received := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	msg := &models.ProviderMessage{
		ID:           "msg-1",
		ThreadID:     "thr-1",
		LabelIDs:     []string{"UNREAD", "INBOX", "INBOX"},
		Snippet:      "Your offer &amp; next steps",
		InternalDate: "1741944600000",
		Payload: models.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []models.Header{
				{Name: "From", Value: "Admissions <admissions@university.edu>"},
				{Name: "To", Value: "student@example.com"},
				{Name: "Subject", Value: "Offer\r\n letter"},
				{Name: "Message-ID", Value: "<abc@university.edu>"},
			},
			Parts: []models.MessagePart{
				{MimeType: "multipart/alternative", Parts: []models.MessagePart{
					{MimeType: "text/plain", Body: models.PartBody{Data: b64("plain version")}},
					{MimeType: "text/html", Body: models.PartBody{Data: b64(`<p onclick="x()">Welcome</p><script>alert(1)</script>`)}},
				}},
				{MimeType: "text/html", Filename: "page.html", Body: models.PartBody{AttachmentID: "att"}},
			},
		},
	}

	m, err := toMirror(uuid.New(), msg)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", m.ProviderMessageID)
	assert.Equal(t, "thr-1", m.ThreadID)
	assert.Equal(t, "<abc@university.edu>", m.RFCMessageID)
	assert.Equal(t, "Offer letter", m.Subject)
	assert.Equal(t, "Your offer & next steps", m.Snippet)
	assert.True(t, received.Equal(m.ProviderTimestamp))
	assert.Equal(t, "INBOX,UNREAD", m.Labels.String())

	require.NotNil(t, m.BodyHTML)
	assert.Contains(t, *m.BodyHTML, "Welcome")
	assert.NotContains(t, *m.BodyHTML, "script")
	assert.NotContains(t, *m.BodyHTML, "onclick")
}

func TestToMirrorPlainTextFallback(t *testing.T) {
	msg := &models.ProviderMessage{
		ID: "msg-2", ThreadID: "thr-2", InternalDate: "0",
		Payload: models.MessagePart{MimeType: "text/plain", Body: models.PartBody{Data: b64("a < b")}},
	}
	m, err := toMirror(uuid.New(), msg)
	require.NoError(t, err)
	require.NotNil(t, m.BodyHTML)
	assert.Contains(t, *m.BodyHTML, "a &lt; b")
}

func TestToMirrorRejectsBadInput(t *testing.T) {
	for name, msg := range map[string]*models.ProviderMessage{
		"no id":        {ThreadID: "t", InternalDate: "1"},
		"no thread":    {ID: "m", InternalDate: "1"},
		"bad date":     {ID: "m", ThreadID: "t", InternalDate: "yesterday"},
		"bad encoding": {ID: "m", ThreadID: "t", InternalDate: "1", Payload: models.MessagePart{MimeType: "text/html", Body: models.PartBody{Data: "!!!"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := toMirror(uuid.New(), msg)
			assert.Error(t, err)
		})
	}
}
