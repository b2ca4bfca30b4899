// Package api exposes the mailbox engine over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/attachment"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/connection"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/mailsync"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/send"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/store"
)

type Deps struct {
	Store       *store.Store
	Connections *connection.Manager
	Sync        *mailsync.Service
	Send        *send.Gateway
	Attachments *attachment.Proxy
	Config      config.APIConfig
	Logger      *slog.Logger
}

type handler struct {
	store       *store.Store
	conns       *connection.Manager
	sync        *mailsync.Service
	send        *send.Gateway
	attachments *attachment.Proxy
	cfg         config.APIConfig
	logger      *slog.Logger
}

// NewRouter builds the gin engine. The JWT secret must be configured.
func NewRouter(d Deps) (*gin.Engine, error) {
	if len(d.Config.JWTSecret) < config.MinSecretLength {
		return nil, apperr.Configuration("api.NewRouter", "api.jwt_secret must be at least 32 bytes", nil)
	}

	h := &handler{
		store:       d.Store,
		conns:       d.Connections,
		sync:        d.Sync,
		send:        d.Send,
		attachments: d.Attachments,
		cfg:         d.Config,
		logger:      d.Logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/oauth/callback", h.oauthCallback)

	api := r.Group("/api", authenticate([]byte(d.Config.JWTSecret)))

	student := api.Group("/students/:studentId", scopeStudent)
	{
		mailbox := student.Group("/mailbox")
		mailbox.GET("", h.status)
		mailbox.DELETE("", h.disconnect)
		mailbox.POST("/authorize", h.authorize)
		mailbox.POST("/sync", h.syncMailbox)
		mailbox.POST("/send", h.sendMessage)
		mailbox.GET("/messages", h.listMessages)
		mailbox.GET("/messages/:messageId/attachments/:attachmentId", h.downloadAttachment)

		folders := student.Group("/folders", requireStaff)
		folders.GET("", h.listFolders)
		folders.POST("", h.createFolder)
		folders.DELETE("/:folderId", h.deleteFolder)
	}

	staff := api.Group("", requireStaff)
	{
		staff.GET("/messages/:id/notes", h.listNotes)
		staff.POST("/messages/:id/notes", h.addNote)
		staff.GET("/messages/:id/tags", h.messageTags)
		staff.POST("/messages/:id/tags/:tagId", h.tagMessage)
		staff.DELETE("/messages/:id/tags/:tagId", h.untagMessage)
		staff.GET("/tags", h.listTags)
		staff.POST("/tags", h.createTag)
	}

	return r, nil
}

func (h *handler) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Info("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start).Round(time.Microsecond),
	)
}

// fail writes err as {"error", "kind"} with the status of its kind
func (h *handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = apperr.NotFound(c.FullPath(), "not found", err)
	case errors.Is(err, store.ErrDuplicate):
		err = apperr.Validation(c.FullPath(), "already exists")
	}

	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.Message(err), "kind": kind.String()})
}

func redirectURL(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
