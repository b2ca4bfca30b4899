package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stoik/mailbridge/internal/models"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	"golang.org/x/time/rate"
)

const (
	userPath       = "/gmail/v1/users/me"
	maxErrorBody   = 4096
	maxRetryWait   = 2 * time.Second
	defaultTimeout = 30 * time.Second
)

// HTTPFactory shares one HTTP client and one rate limiter across every Mailbox it builds
type HTTPFactory struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewFactory creates the mailbox client factory for the configured provider.
// provider.name currently supports "google".
func NewFactory(cfg config.ProviderConfig) (*HTTPFactory, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "google":
	default:
		return nil, apperr.Configuration("provider.NewFactory", fmt.Sprintf("unsupported provider %q", cfg.Name), nil)
	}

	baseURL := strings.TrimRight(cfg.APIURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPFactory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (f *HTTPFactory) NewMailbox(accessToken string) Mailbox {
	return &Client{
		baseURL: f.baseURL,
		token:   accessToken,
		client:  f.client,
		limiter: f.limiter,
	}
}

// Client implements Mailbox over the provider's REST API
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func (c *Client) Profile(ctx context.Context) (*models.Profile, error) {
	var p models.Profile
	if err := c.get(ctx, "provider.Profile", "/profile", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListMessages(ctx context.Context, q ListQuery) (*models.MessageList, error) {
	params := url.Values{}
	if !q.After.IsZero() {
		params.Set("q", "after:"+strconv.FormatInt(q.After.Unix(), 10))
	}
	if q.MaxResults > 0 {
		params.Set("maxResults", strconv.Itoa(q.MaxResults))
	}
	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}

	var list models.MessageList
	if err := c.get(ctx, "provider.ListMessages", "/messages", params, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*models.ProviderMessage, error) {
	var msg models.ProviderMessage
	params := url.Values{"format": {"full"}}
	if err := c.get(ctx, "provider.GetMessage", "/messages/"+url.PathEscape(id), params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) ListAttachments(ctx context.Context, messageID string) ([]AttachmentMeta, error) {
	msg, err := c.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return Attachments(msg.Payload), nil
}

func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) (io.ReadCloser, error) {
	var body models.AttachmentBody
	path := "/messages/" + url.PathEscape(messageID) + "/attachments/" + url.PathEscape(attachmentID)
	if err := c.get(ctx, "provider.GetAttachment", path, nil, &body); err != nil {
		return nil, err
	}
	data := strings.TrimRight(body.Data, "=")
	return io.NopCloser(base64.NewDecoder(base64.RawURLEncoding, strings.NewReader(data))), nil
}

func (c *Client) SendMessage(ctx context.Context, raw []byte, threadID string) (*models.MessageRef, error) {
	req := models.SendRequest{
		Raw:      base64.RawURLEncoding.EncodeToString(raw),
		ThreadID: threadID,
	}
	var ref models.MessageRef
	if err := c.do(ctx, "provider.SendMessage", http.MethodPost, "/messages/send", nil, req, &ref, false); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, path, params, nil, out, true)
}

// do performs one API call. Idempotent calls get a single retry on 429/503.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body, out any, retry bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	endpoint := c.baseURL + userPath + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperr.Provider(op, "rate limit wait aborted", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return apperr.Provider(op, "provider unreachable", err)
		}

		if retry && attempt == 0 && retryable(resp.StatusCode) {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			select {
			case <-ctx.Done():
				return apperr.Provider(op, "provider request cancelled", ctx.Err())
			case <-time.After(wait):
			}
			continue
		}

		err = decode(op, resp, out)
		resp.Body.Close()
		return err
	}
}

func decode(op string, resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Provider(op, "malformed provider response", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.Auth(op, "provider rejected the access token", err)
	case resp.StatusCode == http.StatusForbidden && credentialDenied(body):
		return apperr.Auth(op, "provider denied access to the mailbox", err)
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound(op, "not found at provider", err)
	default:
		return apperr.Provider(op, "provider request failed", err)
	}
}

// credentialDenied reports whether a 403 body blames the grant rather than quota or rate limits.
// Reasons win over status: quota errors also carry PERMISSION_DENIED.
func credentialDenied(body []byte) bool {
	var apiErr models.APIError
	if json.Unmarshal(body, &apiErr) != nil {
		return false
	}
	if len(apiErr.Error.Errors) > 0 {
		for _, e := range apiErr.Error.Errors {
			switch e.Reason {
			case "authError", "insufficientPermissions", "forbidden":
				return true
			}
		}
		return false
	}
	switch apiErr.Error.Status {
	case "PERMISSION_DENIED", "UNAUTHENTICATED":
		return true
	}
	return false
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		if d := time.Duration(secs) * time.Second; d < maxRetryWait {
			return d
		}
		return maxRetryWait
	}
	return 200 * time.Millisecond
}

// Attachments walks a MIME tree and returns every part that references an attachment
func Attachments(root models.MessagePart) []AttachmentMeta {
	var out []AttachmentMeta
	var walk func(p models.MessagePart)
	walk = func(p models.MessagePart) {
		if p.Body.AttachmentID != "" {
			out = append(out, AttachmentMeta{
				AttachmentID: p.Body.AttachmentID,
				Filename:     p.Filename,
				MimeType:     p.MimeType,
				Size:         p.Body.Size,
			})
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(root)
	return out
}

// DecodeBase64URL decodes provider body data, which may or may not carry padding
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
