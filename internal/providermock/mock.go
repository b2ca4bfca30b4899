// Package providermock is an in-memory mailbox provider: an OAuth token endpoint plus a
// Gmail-shaped mail API. It backs the mock-provider binary and the service tests.
package providermock

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stoik/mailbridge/internal/models"
)

// Attachment is an attachment of a seeded message
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// MessageInput describes a message placed into the mailbox
type MessageInput struct {
	From        string
	To          string
	Subject     string
	HTML        string
	Snippet     string
	ThreadID    string
	MessageID   string // RFC 5322 Message-ID header
	Labels      []string
	ReceivedAt  time.Time
	Attachments []Attachment
}

// SentMessage is a message accepted by the send endpoint
type SentMessage struct {
	ID       string
	ThreadID string
	Raw      []byte
}

type grant struct {
	withRefresh bool
}

type storedMessage struct {
	msg      models.ProviderMessage
	received time.Time
}

// Server holds the state of one mailbox account
type Server struct {
	mu sync.Mutex

	account     string
	seq         int
	messages    map[string]*storedMessage
	attachments map[string]map[string][]byte

	codes         map[string]grant
	accessTokens  map[string]bool
	refreshTokens map[string]bool

	failing       map[string]int
	sendStatus    int
	rotate        bool
	refreshDelay  time.Duration
	autoIssue     bool
	refreshCalls  int
	exchangeCalls int
	listCalls     int
	sendCalls     int
	revoked       []string
	sent          []SentMessage
}

func New(account string) *Server {
	return &Server{
		account:       account,
		messages:      make(map[string]*storedMessage),
		attachments:   make(map[string]map[string][]byte),
		codes:         make(map[string]grant),
		accessTokens:  make(map[string]bool),
		refreshTokens: make(map[string]bool),
		failing:       make(map[string]int),
	}
}

// Handler returns the gin engine serving the provider endpoints
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	oauth := r.Group("/oauth2")
	{
		oauth.GET("/auth", s.handleAuthorize)
		oauth.POST("/token", s.handleToken)
		oauth.POST("/revoke", s.handleRevoke)
	}

	api := r.Group("/gmail/v1/users/me", s.requireToken)
	{
		api.GET("/profile", s.handleProfile)
		api.GET("/messages", s.handleListMessages)
		api.GET("/messages/:id", s.handleGetMessage)
		api.GET("/messages/:id/attachments/:attachmentId", s.handleGetAttachment)
		api.POST("/messages/send", s.handleSend)
	}
	return r
}

// IssueCode makes code redeemable once. Without withRefresh the token response omits the refresh token.
func (s *Server) IssueCode(code string, withRefresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = grant{withRefresh: withRefresh}
}

// AutoIssueCodes lets the authorize endpoint mint a code for every request
func (s *Server) AutoIssueCodes(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoIssue = on
}

// IssueTokens registers a token pair as if it had been granted earlier
func (s *Server) IssueTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if access != "" {
		s.accessTokens[access] = true
	}
	if refresh != "" {
		s.refreshTokens[refresh] = true
	}
}

// ExpireAccessTokens invalidates every access token issued so far
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens = make(map[string]bool)
}

func (s *Server) RevokeRefreshToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, token)
}

// RotateRefreshTokens makes every refresh invalidate the refresh token it used
func (s *Server) RotateRefreshTokens(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate = on
}

// SetRefreshDelay slows the refresh grant down, to widen race windows in tests
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailMessage makes fetching message id answer with status
func (s *Server) FailMessage(id string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[id] = status
}

// FailSends makes the send endpoint answer with status; 0 restores normal behaviour
func (s *Server) FailSends(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendStatus = status
}

// AddMessage stores a message and returns its provider id
func (s *Server) AddMessage(in MessageInput) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessageLocked(in)
}

// SetLabels replaces the labels of a stored message
func (s *Server) SetLabels(id string, labels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.msg.LabelIDs = append([]string(nil), labels...)
	}
}

// Message returns a copy of a stored message
func (s *Server) Message(id string) (models.ProviderMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return models.ProviderMessage{}, false
	}
	return m.msg, true
}

func (s *Server) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *Server) RefreshCalls() int  { return s.counter(&s.refreshCalls) }
func (s *Server) ExchangeCalls() int { return s.counter(&s.exchangeCalls) }
func (s *Server) ListCalls() int     { return s.counter(&s.listCalls) }
func (s *Server) SendCalls() int     { return s.counter(&s.sendCalls) }

func (s *Server) counter(n *int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *n
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%06d", prefix, s.seq)
}

func (s *Server) addMessageLocked(in MessageInput) string {
	id := s.nextID("msg-")
	received := in.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	thread := in.ThreadID
	if thread == "" {
		thread = "thr-" + id
	}
	rfcID := in.MessageID
	if rfcID == "" {
		rfcID = "<" + id + "@mock.provider>"
	}
	snippet := in.Snippet
	if snippet == "" {
		snippet = in.Subject
	}

	payload := models.MessagePart{
		MimeType: "multipart/mixed",
		Headers: []models.Header{
			{Name: "From", Value: in.From},
			{Name: "To", Value: in.To},
			{Name: "Subject", Value: in.Subject},
			{Name: "Date", Value: received.Format(time.RFC1123Z)},
			{Name: "Message-ID", Value: rfcID},
		},
		Parts: []models.MessagePart{{
			PartID:   "0",
			MimeType: "text/html",
			Body: models.PartBody{
				Size: int64(len(in.HTML)),
				Data: base64.RawURLEncoding.EncodeToString([]byte(in.HTML)),
			},
		}},
	}

	for i, a := range in.Attachments {
		attID := fmt.Sprintf("att-%s-%d", id, i)
		if s.attachments[id] == nil {
			s.attachments[id] = make(map[string][]byte)
		}
		s.attachments[id][attID] = a.Data
		payload.Parts = append(payload.Parts, models.MessagePart{
			PartID:   strconv.Itoa(i + 1),
			MimeType: a.MimeType,
			Filename: a.Filename,
			Body:     models.PartBody{AttachmentID: attID, Size: int64(len(a.Data))},
		})
	}

	labels := in.Labels
	if labels == nil {
		labels = []string{"INBOX", "UNREAD"}
	}

	s.messages[id] = &storedMessage{
		received: received,
		msg: models.ProviderMessage{
			ID:           id,
			ThreadID:     thread,
			LabelIDs:     append([]string(nil), labels...),
			Snippet:      snippet,
			InternalDate: strconv.FormatInt(received.UnixMilli(), 10),
			Payload:      payload,
		},
	}
	return id
}

// sortedLocked returns messages newest first
func (s *Server) sortedLocked() []*storedMessage {
	out := make([]*storedMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].received.Equal(out[j].received) {
			return out[i].msg.ID > out[j].msg.ID
		}
		return out[i].received.After(out[j].received)
	})
	return out
}
