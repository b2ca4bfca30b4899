package providermock

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gin-gonic/gin"
	"github.com/stoik/mailbridge/internal/models"
)

const tokenLifetime = time.Hour

func (s *Server) handleAuthorize(c *gin.Context) {
	redirect := c.Query("redirect_uri")
	if redirect == "" {
		c.JSON(http.StatusBadRequest, models.OAuthError{Error: "invalid_request"})
		return
	}
	target, err := url.Parse(redirect)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.OAuthError{Error: "invalid_request"})
		return
	}

	s.mu.Lock()
	auto := s.autoIssue
	var code string
	if auto {
		code = s.nextID("code-")
		s.codes[code] = grant{withRefresh: true}
	}
	s.mu.Unlock()

	q := target.Query()
	q.Set("state", c.Query("state"))
	if auto {
		q.Set("code", code)
	} else {
		q.Set("error", "access_denied")
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

func (s *Server) handleToken(c *gin.Context) {
	switch c.PostForm("grant_type") {
	case "authorization_code":
		s.exchangeCode(c)
	case "refresh_token":
		s.refresh(c)
	default:
		c.JSON(http.StatusBadRequest, models.OAuthError{Error: "unsupported_grant_type"})
	}
}

func (s *Server) exchangeCode(c *gin.Context) {
	code := c.PostForm("code")

	s.mu.Lock()
	s.exchangeCalls++
	g, ok := s.codes[code]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusBadRequest, models.OAuthError{Error: "invalid_grant", ErrorDescription: "unknown or used code"})
		return
	}
	delete(s.codes, code)

	resp := models.TokenResponse{
		AccessToken: s.nextID("at-"),
		TokenType:   "Bearer",
		ExpiresIn:   int(tokenLifetime.Seconds()),
		Scope:       "https://www.googleapis.com/auth/gmail.readonly https://www.googleapis.com/auth/gmail.send",
	}
	s.accessTokens[resp.AccessToken] = true
	if g.withRefresh {
		resp.RefreshToken = s.nextID("rt-")
		s.refreshTokens[resp.RefreshToken] = true
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, resp)
}

func (s *Server) refresh(c *gin.Context) {
	rt := c.PostForm("refresh_token")

	s.mu.Lock()
	s.refreshCalls++
	delay := s.refreshDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refreshTokens[rt] {
		c.JSON(http.StatusBadRequest, models.OAuthError{Error: "invalid_grant", ErrorDescription: "token revoked"})
		return
	}

	resp := models.TokenResponse{
		AccessToken: s.nextID("at-"),
		TokenType:   "Bearer",
		ExpiresIn:   int(tokenLifetime.Seconds()),
	}
	s.accessTokens[resp.AccessToken] = true
	if s.rotate {
		delete(s.refreshTokens, rt)
		resp.RefreshToken = s.nextID("rt-")
		s.refreshTokens[resp.RefreshToken] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRevoke(c *gin.Context) {
	token := c.PostForm("token")
	if token == "" {
		token = c.Query("token")
	}

	s.mu.Lock()
	delete(s.refreshTokens, token)
	delete(s.accessTokens, token)
	s.revoked = append(s.revoked, token)
	s.mu.Unlock()

	c.Status(http.StatusOK)
}

func (s *Server) requireToken(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")

	s.mu.Lock()
	valid := ok && s.accessTokens[token]
	s.mu.Unlock()

	if !valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": 401, "message": "invalid credentials"}})
		return
	}
	c.Next()
}

func (s *Server) handleProfile(c *gin.Context) {
	s.mu.Lock()
	p := models.Profile{EmailAddress: s.account, MessagesTotal: len(s.messages)}
	s.mu.Unlock()
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleListMessages(c *gin.Context) {
	var after time.Time
	if q := c.Query("q"); q != "" {
		secs, ok := strings.CutPrefix(q, "after:")
		n, err := strconv.ParseInt(secs, 10, 64)
		if !ok || err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported query"})
			return
		}
		after = time.Unix(n, 0)
	}

	maxResults := 100
	if v := c.Query("maxResults"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maxResults"})
			return
		}
		maxResults = min(n, 500)
	}
	offset := 0
	if v := c.Query("pageToken"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pageToken"})
			return
		}
		offset = n
	}

	s.mu.Lock()
	s.listCalls++
	var matched []models.MessageRef
	for _, m := range s.sortedLocked() {
		if !after.IsZero() && !m.received.After(after) {
			continue
		}
		matched = append(matched, models.MessageRef{ID: m.msg.ID, ThreadID: m.msg.ThreadID})
	}
	s.mu.Unlock()

	list := models.MessageList{Messages: []models.MessageRef{}, ResultSizeEstimate: len(matched)}
	if offset < len(matched) {
		end := min(offset+maxResults, len(matched))
		list.Messages = matched[offset:end]
		if end < len(matched) {
			list.NextPageToken = strconv.Itoa(end)
		}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetMessage(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	status, failing := s.failing[id]
	m, ok := s.messages[id]
	var msg models.ProviderMessage
	if ok {
		msg = m.msg
	}
	s.mu.Unlock()

	switch {
	case failing:
		c.JSON(status, gin.H{"error": gin.H{"code": status, "message": "backend error"}})
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": 404, "message": "Requested entity was not found."}})
	default:
		c.JSON(http.StatusOK, msg)
	}
}

func (s *Server) handleGetAttachment(c *gin.Context) {
	s.mu.Lock()
	data, ok := s.attachments[c.Param("id")][c.Param("attachmentId")]
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": 404, "message": "Requested entity was not found."}})
		return
	}
	c.JSON(http.StatusOK, models.AttachmentBody{
		AttachmentID: c.Param("attachmentId"),
		Size:         int64(len(data)),
		Data:         base64.URLEncoding.EncodeToString(data),
	})
}

func (s *Server) handleSend(c *gin.Context) {
	s.mu.Lock()
	s.sendCalls++
	status := s.sendStatus
	s.mu.Unlock()

	if status != 0 {
		c.JSON(status, gin.H{"error": gin.H{"code": status, "message": "backend error"}})
		return
	}

	var req models.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(req.Raw, "="))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "raw is not base64url"})
		return
	}
	in, err := parseRaw(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if req.ThreadID != "" && s.threadExistsLocked(req.ThreadID) {
		in.ThreadID = req.ThreadID
	}
	in.Labels = []string{"SENT"}
	id := s.addMessageLocked(in)
	ref := models.MessageRef{ID: id, ThreadID: s.messages[id].msg.ThreadID, LabelIDs: in.Labels}
	s.sent = append(s.sent, SentMessage{ID: id, ThreadID: ref.ThreadID, Raw: raw})
	s.mu.Unlock()

	c.JSON(http.StatusOK, ref)
}

func (s *Server) threadExistsLocked(thread string) bool {
	for _, m := range s.messages {
		if m.msg.ThreadID == thread {
			return true
		}
	}
	return false
}

// parseRaw reads a sent RFC 5322 message back into a MessageInput
func parseRaw(raw []byte) (MessageInput, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return MessageInput{}, err
	}
	defer mr.Close()

	subject, _ := mr.Header.Subject()
	in := MessageInput{
		From:      mr.Header.Get("From"),
		To:        mr.Header.Get("To"),
		Subject:   subject,
		MessageID: mr.Header.Get("Message-Id"),
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return MessageInput{}, err
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct == "text/html" {
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return MessageInput{}, err
				}
				in.HTML = string(b)
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			ct, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return MessageInput{}, err
			}
			in.Attachments = append(in.Attachments, Attachment{Filename: name, MimeType: ct, Data: b})
		}
	}
	return in, nil
}
