package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
)

// Staff-only annotations over the mirror: internal notes, tags and saved filters

func (h *handler) listNotes(c *gin.Context) {
	msg, ok := h.mirrored(c)
	if !ok {
		return
	}
	notes, err := h.store.ListNotes(c.Request.Context(), msg.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if notes == nil {
		notes = []models.InternalNote{}
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

func (h *handler) addNote(c *gin.Context) {
	msg, ok := h.mirrored(c)
	if !ok {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		h.fail(c, apperr.Validation("api.addNote", "note body is required"))
		return
	}

	note := &models.InternalNote{MessageID: msg.ID, Author: claimsFrom(c).Subject, Body: req.Body}
	if err := h.store.AddNote(c.Request.Context(), note); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *handler) messageTags(c *gin.Context) {
	msg, ok := h.mirrored(c)
	if !ok {
		return
	}
	tags, err := h.store.MessageTags(c.Request.Context(), msg.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if tags == nil {
		tags = []models.Tag{}
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func (h *handler) tagMessage(c *gin.Context) {
	msg, tag, ok := h.messageAndTag(c)
	if !ok {
		return
	}
	if err := h.store.TagMessage(c.Request.Context(), msg.ID, tag.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handler) untagMessage(c *gin.Context) {
	msg, tag, ok := h.messageAndTag(c)
	if !ok {
		return
	}
	if err := h.store.UntagMessage(c.Request.Context(), msg.ID, tag.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handler) listTags(c *gin.Context) {
	tags, err := h.store.ListTags(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if tags == nil {
		tags = []models.Tag{}
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func (h *handler) createTag(c *gin.Context) {
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		h.fail(c, apperr.Validation("api.createTag", "tag name is required"))
		return
	}

	tag := &models.Tag{Name: strings.TrimSpace(req.Name), Color: req.Color}
	if err := h.store.CreateTag(c.Request.Context(), tag); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tag)
}

func (h *handler) listFolders(c *gin.Context) {
	folders, err := h.store.ListFolders(c.Request.Context(), studentFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if folders == nil {
		folders = []models.SavedFilter{}
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

func (h *handler) createFolder(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		SenderMatch string `json:"senderMatch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.SenderMatch) == "" {
		h.fail(c, apperr.Validation("api.createFolder", "name and senderMatch are required"))
		return
	}

	f := &models.SavedFilter{
		StudentID:   studentFrom(c),
		Name:        strings.TrimSpace(req.Name),
		SenderMatch: strings.TrimSpace(req.SenderMatch),
	}
	if err := h.store.CreateFolder(c.Request.Context(), f); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h *handler) deleteFolder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("folderId"))
	if err != nil {
		h.fail(c, apperr.Validation("api.deleteFolder", "invalid folder id"))
		return
	}
	if err := h.store.DeleteFolder(c.Request.Context(), studentFrom(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// mirrored loads the mirror row named by :id, writing the error response itself
func (h *handler) mirrored(c *gin.Context) (*models.MirroredMessage, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.fail(c, apperr.Validation("api.message", "invalid message id"))
		return nil, false
	}
	msg, err := h.store.GetMessageByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return msg, true
}

func (h *handler) messageAndTag(c *gin.Context) (*models.MirroredMessage, *models.Tag, bool) {
	msg, ok := h.mirrored(c)
	if !ok {
		return nil, nil, false
	}
	tagID, err := uuid.Parse(c.Param("tagId"))
	if err != nil {
		h.fail(c, apperr.Validation("api.tag", "invalid tag id"))
		return nil, nil, false
	}
	tag, err := h.store.GetTag(c.Request.Context(), tagID)
	if err != nil {
		h.fail(c, err)
		return nil, nil, false
	}
	return msg, tag, true
}
