package mailsync

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/internal/models"
	svcmodels "github.com/stoik/mailbridge/services/mailbox-service/internal/models"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/provider"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/sanitize"
)

// toMirror converts a full provider message into its mirror row
func toMirror(studentID uuid.UUID, msg *models.ProviderMessage) (*svcmodels.MirroredMessage, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("message without id")
	}
	if msg.ThreadID == "" {
		return nil, fmt.Errorf("message %s has no thread id", msg.ID)
	}
	ms, err := strconv.ParseInt(msg.InternalDate, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("message %s: invalid internal date %q: %w", msg.ID, msg.InternalDate, err)
	}

	body, err := renderBody(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	h := msg.Payload
	return &svcmodels.MirroredMessage{
		StudentID:         studentID,
		ProviderMessageID: msg.ID,
		ThreadID:          msg.ThreadID,
		RFCMessageID:      sanitize.Header(h.Header("Message-ID"), sanitize.MaxAddressHeader),
		Sender:            sanitize.Address(h.Header("From")),
		Recipient:         sanitize.Address(h.Header("To")),
		Subject:           sanitize.Subject(h.Header("Subject")),
		Snippet:           html.UnescapeString(msg.Snippet),
		BodyHTML:          body,
		Labels:            svcmodels.NewLabelSet(msg.LabelIDs...),
		ProviderTimestamp: time.UnixMilli(ms).UTC(),
	}, nil
}

// renderBody picks the html alternative, falling back to escaped plain text. Nil when the
// message carries neither.
func renderBody(root models.MessagePart) (*string, error) {
	if p := findInline(root, "text/html"); p != nil {
		raw, err := provider.DecodeBase64URL(p.Body.Data)
		if err != nil {
			return nil, fmt.Errorf("decoding html body: %w", err)
		}
		out := sanitize.HTML(string(raw))
		return &out, nil
	}
	if p := findInline(root, "text/plain"); p != nil {
		raw, err := provider.DecodeBase64URL(p.Body.Data)
		if err != nil {
			return nil, fmt.Errorf("decoding text body: %w", err)
		}
		out := sanitize.HTML("<pre>" + html.EscapeString(string(raw)) + "</pre>")
		return &out, nil
	}
	return nil, nil
}

// findInline returns the first non-attachment part of the given type, depth first
func findInline(p models.MessagePart, mimeType string) *models.MessagePart {
	if strings.EqualFold(p.MimeType, mimeType) && p.Body.AttachmentID == "" && p.Filename == "" {
		return &p
	}
	for _, child := range p.Parts {
		if found := findInline(child, mimeType); found != nil {
			return found
		}
	}
	return nil
}
