package models

import "strings"

// ProviderMessage is a message as returned by the provider mail API (format=full)
type ProviderMessage struct {
	ID           string      `json:"id"`
	ThreadID     string      `json:"threadId"`
	LabelIDs     []string    `json:"labelIds,omitempty"`
	Snippet      string      `json:"snippet"`
	InternalDate string      `json:"internalDate"` // epoch milliseconds, as a string
	SizeEstimate int64       `json:"sizeEstimate,omitempty"`
	Payload      MessagePart `json:"payload"`
}

// MessagePart is one node of the provider's MIME tree
type MessagePart struct {
	PartID   string        `json:"partId,omitempty"`
	MimeType string        `json:"mimeType"`
	Filename string        `json:"filename,omitempty"`
	Headers  []Header      `json:"headers,omitempty"`
	Body     PartBody      `json:"body"`
	Parts    []MessagePart `json:"parts,omitempty"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PartBody carries either inline data (base64url) or a reference to an attachment
type PartBody struct {
	AttachmentID string `json:"attachmentId,omitempty"`
	Size         int64  `json:"size"`
	Data         string `json:"data,omitempty"`
}

// Attachment body as returned by the attachments endpoint
type AttachmentBody struct {
	AttachmentID string `json:"attachmentId,omitempty"`
	Size         int64  `json:"size"`
	Data         string `json:"data"`
}

// MessageRef is the lightweight id pair returned by list and send calls
type MessageRef struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds,omitempty"`
}

type MessageList struct {
	Messages           []MessageRef `json:"messages"`
	NextPageToken      string       `json:"nextPageToken,omitempty"`
	ResultSizeEstimate int          `json:"resultSizeEstimate"`
}

// SendRequest is the body of a send call: a base64url RFC 5322 message plus optional thread linkage
type SendRequest struct {
	Raw      string `json:"raw"`
	ThreadID string `json:"threadId,omitempty"`
}

// Header looks up a header value by case-insensitive name
func (p MessagePart) Header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
