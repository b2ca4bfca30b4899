// Package send composes outbound mail as a student and hands it to the provider.
package send

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/audit"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/connection"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/sanitize"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/store"
)

type Attachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// Message is an outbound mail. ReplyTo is the provider id of a mirrored message to answer.
type Message struct {
	To          string
	Cc          string
	Bcc         string
	Subject     string
	HTML        string
	ReplyTo     string
	Attachments []Attachment
}

type Gateway struct {
	store  *store.Store
	conns  *connection.Manager
	audit  audit.Recorder
	cfg    config.SendConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewGateway(st *store.Store, conns *connection.Manager, rec audit.Recorder, cfg config.SendConfig, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:  st,
		conns:  conns,
		audit:  rec,
		cfg:    cfg,
		logger: logger.With("component", "send"),
		now:    time.Now,
	}
}

// Send transmits msg from the student's mailbox and returns the provider message id.
// It is attempted exactly once; a provider failure is returned, never retried.
func (g *Gateway) Send(ctx context.Context, actor string, studentID uuid.UUID, msg Message) (string, error) {
	clean, err := g.validate(msg)
	if err != nil {
		return "", err
	}

	sess, err := g.conns.Acquire(ctx, studentID)
	if err != nil {
		return "", err
	}
	defer sess.Release()

	var parent *models.MirroredMessage
	if clean.ReplyTo != "" {
		parent, err = g.store.GetMessage(ctx, studentID, clean.ReplyTo)
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.NotFound("send.Send", "message to reply to not found", err)
		}
		if err != nil {
			return "", err
		}
	}

	raw, err := g.compose(sess.Connection.AccountEmail, clean, parent)
	if err != nil {
		return "", fmt.Errorf("composing message: %w", err)
	}

	var threadID string
	if parent != nil {
		threadID = parent.ThreadID
	}

	ref, err := sess.Mailbox.SendMessage(ctx, raw, threadID)
	if err != nil {
		if apperr.IsAuth(err) {
			// renew so the next attempt can go through; the message itself is not resent
			if rerr := sess.Renew(ctx); rerr != nil {
				return "", rerr
			}
			return "", apperr.Provider("send.Send", "access token was renewed, retry the send", err)
		}
		g.logger.Warn("send failed", "student_id", studentID, "error", err)
		return "", err
	}

	g.logger.Info("message sent", "student_id", studentID, "message_id", ref.ID, "thread_id", ref.ThreadID,
		"attachments", len(clean.Attachments))
	g.audit.Record(actor, studentID, models.ActionSend, "sent to "+clean.To)
	return ref.ID, nil
}

// validate flattens header-bound fields and checks the message against the configured limits
func (g *Gateway) validate(msg Message) (Message, error) {
	const op = "send.Send"

	clean := Message{
		To:      sanitize.Address(msg.To),
		Cc:      sanitize.Address(msg.Cc),
		Bcc:     sanitize.Address(msg.Bcc),
		Subject: sanitize.Subject(msg.Subject),
		HTML:    sanitize.HTML(msg.HTML),
		ReplyTo: strings.TrimSpace(msg.ReplyTo),
	}
	if clean.To == "" {
		return Message{}, apperr.Validation(op, "recipient is required")
	}
	if clean.Subject == "" {
		return Message{}, apperr.Validation(op, "subject is required")
	}

	if g.cfg.MaxAttachments > 0 && len(msg.Attachments) > g.cfg.MaxAttachments {
		return Message{}, apperr.Validation(op, fmt.Sprintf("at most %d attachments allowed", g.cfg.MaxAttachments))
	}
	var total int64
	for i, a := range msg.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			return Message{}, apperr.Validation(op, fmt.Sprintf("attachment %d has no filename", i+1))
		}
		mediaType, _, err := mime.ParseMediaType(a.MIMEType)
		if err != nil || !strings.Contains(mediaType, "/") {
			return Message{}, apperr.Validation(op, fmt.Sprintf("attachment %q has an invalid MIME type", a.Filename))
		}
		if len(a.Content) == 0 {
			return Message{}, apperr.Validation(op, fmt.Sprintf("attachment %q is empty", a.Filename))
		}
		total += int64(len(a.Content))
		clean.Attachments = append(clean.Attachments, Attachment{
			Filename: sanitize.Filename(a.Filename),
			MIMEType: mediaType,
			Content:  a.Content,
		})
	}
	if g.cfg.MaxAttachmentBytes > 0 && total > g.cfg.MaxAttachmentBytes {
		return Message{}, apperr.Validation(op, fmt.Sprintf("attachments exceed %d bytes", g.cfg.MaxAttachmentBytes))
	}
	return clean, nil
}

// compose renders an RFC 5322 multipart/mixed message: a text/html alternative pair followed by
// the attachments. Replies carry In-Reply-To and References pointing at parent.
func (g *Gateway) compose(from string, msg Message, parent *models.MirroredMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(g.now())
	if from != "" {
		h.SetAddressList("From", []*mail.Address{{Address: from}})
	}
	h.Set("To", msg.To)
	if msg.Cc != "" {
		h.Set("Cc", msg.Cc)
	}
	if msg.Bcc != "" {
		h.Set("Bcc", msg.Bcc)
	}
	h.SetSubject(msg.Subject)
	h.SetMessageID(uuid.NewString() + "@" + messageIDDomain(from))

	if parent != nil {
		if id := strings.Trim(parent.RFCMessageID, "<> "); id != "" {
			h.SetMsgIDList("In-Reply-To", []string{id})
			h.SetMsgIDList("References", []string{id})
		}
	}

	var buf bytes.Buffer
	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	iw, err := w.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writeInline(iw, "text/plain", sanitize.PlainText(msg.HTML)); err != nil {
		return nil, err
	}
	if err := writeInline(iw, "text/html", msg.HTML); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(a.MIMEType, nil)
		ah.SetFilename(a.Filename)
		aw, err := w.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(a.Content); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}

func messageIDDomain(from string) string {
	if _, domain, ok := strings.Cut(from, "@"); ok && domain != "" {
		return domain
	}
	return "mailbridge.local"
}
