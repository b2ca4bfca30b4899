package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/attachment"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/send"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/store"
)

type sendRequest struct {
	To          string              `json:"to"`
	Cc          string              `json:"cc"`
	Bcc         string              `json:"bcc"`
	Subject     string              `json:"subject"`
	HTML        string              `json:"html"`
	ReplyTo     string              `json:"replyTo"`
	Attachments []attachmentRequest `json:"attachments"`
}

// attachmentRequest carries its content base64 encoded
type attachmentRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

func (h *handler) status(c *gin.Context) {
	conn, err := h.conns.Status(c.Request.Context(), studentFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *handler) authorize(c *gin.Context) {
	authURL, err := h.conns.BeginAuthorization(studentFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": authURL})
}

// oauthCallback is the provider redirect target. The signed state identifies the student,
// so it sits outside the bearer token check.
func (h *handler) oauthCallback(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		h.logger.Info("authorization denied at provider", "reason", reason)
		c.Redirect(http.StatusFound, redirectURL(h.cfg.DenialRedirect, url.Values{"reason": {reason}}))
		return
	}

	conn, err := h.conns.CompleteAuthorization(c.Request.Context(), "oauth-callback", c.Query("code"), c.Query("state"))
	if err != nil {
		h.logger.Warn("completing authorization", "error", err)
		c.Redirect(http.StatusFound, redirectURL(h.cfg.DenialRedirect, url.Values{"reason": {apperr.KindOf(err).String()}}))
		return
	}
	c.Redirect(http.StatusFound, redirectURL(h.cfg.SuccessRedirect, url.Values{"studentId": {conn.StudentID.String()}}))
}

func (h *handler) syncMailbox(c *gin.Context) {
	res, err := h.sync.Sync(c.Request.Context(), actor(c), studentFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation("api.send", "invalid request body"))
		return
	}

	msg := send.Message{
		To:      req.To,
		Cc:      req.Cc,
		Bcc:     req.Bcc,
		Subject: req.Subject,
		HTML:    req.HTML,
		ReplyTo: req.ReplyTo,
	}
	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, send.Attachment{
			Filename: a.Filename,
			MIMEType: a.MimeType,
			Content:  a.Content,
		})
	}

	id, err := h.send.Send(c.Request.Context(), actor(c), studentFrom(c), msg)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": id})
}

func (h *handler) listMessages(c *gin.Context) {
	ctx := c.Request.Context()
	studentID := studentFrom(c)

	q := store.MessageQuery{
		ThreadID:       c.Query("threadId"),
		Label:          c.Query("label"),
		SenderContains: c.Query("sender"),
	}
	var err error
	if q.Limit, err = intQuery(c, "limit"); err != nil {
		h.fail(c, err)
		return
	}
	if q.Offset, err = intQuery(c, "offset"); err != nil {
		h.fail(c, err)
		return
	}

	if v := c.Query("folder"); v != "" {
		folderID, err := uuid.Parse(v)
		if err != nil {
			h.fail(c, apperr.Validation("api.listMessages", "invalid folder id"))
			return
		}
		f, err := h.store.GetFolder(ctx, studentID, folderID)
		if err != nil {
			h.fail(c, err)
			return
		}
		q.SenderContains = f.SenderMatch
	}

	msgs, err := h.store.ListMessages(ctx, studentID, q)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.MirroredMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *handler) downloadAttachment(c *gin.Context) {
	a, err := h.attachments.Fetch(c.Request.Context(), actor(c), studentFrom(c), c.Param("messageId"), c.Param("attachmentId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	defer a.Body.Close()

	size := a.Size
	if size <= 0 {
		size = -1
	}
	c.DataFromReader(http.StatusOK, size, a.MIMEType, a.Body, map[string]string{
		"Content-Disposition":    attachment.ContentDisposition(a.Filename),
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
	})
}

func (h *handler) disconnect(c *gin.Context) {
	if err := h.conns.Disconnect(c.Request.Context(), actor(c), studentFrom(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("api.listMessages", key+" must be a non-negative integer")
	}
	return n, nil
}
