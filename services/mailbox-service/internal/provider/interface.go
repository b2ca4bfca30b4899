package provider

import (
	"context"
	"io"
	"time"

	"github.com/stoik/mailbridge/internal/models"
)

// Mailbox is a provider mail API client bound to one student's access token.
// Instances are cheap and short-lived; build one per operation through a Factory.
type Mailbox interface {
	// Profile returns the account the token belongs to
	Profile(ctx context.Context) (*models.Profile, error)

	// ListMessages returns one page of message references, newest first
	ListMessages(ctx context.Context, q ListQuery) (*models.MessageList, error)

	// GetMessage returns the full message including its MIME tree
	GetMessage(ctx context.Context, id string) (*models.ProviderMessage, error)

	// ListAttachments returns the attachment metadata of a message
	ListAttachments(ctx context.Context, messageID string) ([]AttachmentMeta, error)

	// GetAttachment streams the decoded bytes of one attachment
	GetAttachment(ctx context.Context, messageID, attachmentID string) (io.ReadCloser, error)

	// SendMessage transmits a raw RFC 5322 message, optionally inside an existing thread.
	// It is never retried.
	SendMessage(ctx context.Context, raw []byte, threadID string) (*models.MessageRef, error)
}

// Factory builds a Mailbox from a resolved, decrypted access token
type Factory interface {
	NewMailbox(accessToken string) Mailbox
}

// Authorizer runs the OAuth authorization code flow against the provider
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
	Revoke(ctx context.Context, token string) error
}

// ListQuery selects messages received after After (when set), one page at a time
type ListQuery struct {
	After      time.Time
	MaxResults int
	PageToken  string
}

type AttachmentMeta struct {
	AttachmentID string
	Filename     string
	MimeType     string
	Size         int64
}

// Grant is the token set returned by an exchange or a refresh.
// Expiry is zero when the provider did not report one.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}
