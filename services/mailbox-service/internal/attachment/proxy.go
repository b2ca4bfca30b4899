// Package attachment streams attachment bytes from the provider on demand. Nothing is cached.
package attachment

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"sync"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/connection"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/provider"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/sanitize"
)

const defaultMIMEType = "application/octet-stream"

// Attachment is an open attachment stream. Closing Body releases the student's session.
type Attachment struct {
	Filename string
	MIMEType string
	Size     int64
	Body     io.ReadCloser
}

type Proxy struct {
	conns  *connection.Manager
	logger *slog.Logger
}

func NewProxy(conns *connection.Manager, logger *slog.Logger) *Proxy {
	return &Proxy{conns: conns, logger: logger.With("component", "attachment")}
}

// Fetch resolves the attachment's metadata from the message part listing and opens its bytes.
// An unknown message or attachment id is a NotFoundError.
func (p *Proxy) Fetch(ctx context.Context, actor string, studentID uuid.UUID, messageID, attachmentID string) (*Attachment, error) {
	const op = "attachment.Fetch"

	sess, err := p.conns.Acquire(ctx, studentID)
	if err != nil {
		return nil, err
	}

	var metas []provider.AttachmentMeta
	err = sess.Do(ctx, actor, func(mb provider.Mailbox) (err error) {
		metas, err = mb.ListAttachments(ctx, messageID)
		return err
	})
	if err != nil {
		sess.Release()
		return nil, providerError(op, "message not found", err)
	}

	var meta *provider.AttachmentMeta
	for i := range metas {
		if metas[i].AttachmentID == attachmentID {
			meta = &metas[i]
			break
		}
	}
	if meta == nil {
		sess.Release()
		return nil, apperr.NotFound(op, "attachment not found", nil)
	}

	var body io.ReadCloser
	err = sess.Do(ctx, actor, func(mb provider.Mailbox) (err error) {
		body, err = mb.GetAttachment(ctx, messageID, attachmentID)
		return err
	})
	if err != nil {
		sess.Release()
		return nil, providerError(op, "attachment not found", err)
	}

	mediaType := defaultMIMEType
	if mt, _, err := mime.ParseMediaType(meta.MimeType); err == nil {
		mediaType = mt
	}

	p.logger.Debug("streaming attachment", "student_id", studentID, "message_id", messageID, "size", meta.Size)
	return &Attachment{
		Filename: sanitize.Filename(meta.Filename),
		MIMEType: mediaType,
		Size:     meta.Size,
		Body:     &sessionBody{ReadCloser: body, release: sess.Release},
	}, nil
}

func providerError(op, notFound string, err error) error {
	if apperr.IsNotFound(err) {
		return apperr.NotFound(op, notFound, err)
	}
	return err
}

// ContentDisposition returns an attachment disposition header carrying the cleaned filename
func ContentDisposition(filename string) string {
	v := mime.FormatMediaType("attachment", map[string]string{"filename": sanitize.Filename(filename)})
	if v == "" {
		return `attachment; filename="attachment"`
	}
	return v
}

type sessionBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *sessionBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
