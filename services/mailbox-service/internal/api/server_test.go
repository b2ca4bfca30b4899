package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stoik/mailbridge/internal/providermock"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/api"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/attachment"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/logging"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/mailsync"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/send"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/store"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	h      *testutil.Harness
	router *gin.Engine
	staff  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	h := testutil.NewHarness(t)
	logger := logging.Discard()

	cfg := h.Config.API
	cfg.SuccessRedirect = "https://portal.test/mailbox/connected"
	cfg.DenialRedirect = "https://portal.test/mailbox/denied"

	r, err := api.NewRouter(api.Deps{
		Store:       h.Store,
		Connections: h.Manager,
		Sync:        mailsync.NewService(h.Store, h.Manager, h.Config.Sync, logger),
		Send:        send.NewGateway(h.Store, h.Manager, h.Audit, h.Config.Send, logger),
		Attachments: attachment.NewProxy(h.Manager, logger),
		Config:      cfg,
		Logger:      logger,
	})
	require.NoError(t, err)

	return &env{h: h, router: r, staff: token(t, "advisor@consultancy.test", api.RoleStaff, uuid.Nil)}
}

func token(t *testing.T, subject, role string, studentID uuid.UUID) string {
	t.Helper()
	tok, err := api.IssueToken(testutil.JWTSecret, subject, role, studentID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, target, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Kind string `json:"kind"`
	}
	decode(t, w, &body)
	return body.Kind
}

func mailboxPath(studentID uuid.UUID, suffix string) string {
	return "/api/students/" + studentID.String() + "/mailbox" + suffix
}

func TestNewRouterRequiresSecret(t *testing.T) {
	_, err := api.NewRouter(api.Deps{Config: config.APIConfig{JWTSecret: "short"}, Logger: logging.Discard()})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)
	studentID := uuid.New()
	path := mailboxPath(studentID, "")

	w := e.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", errorKind(t, w))

	forged, err := api.IssueToken("another-secret-that-is-long-enough!!", "x", api.RoleStaff, uuid.Nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, path, forged, nil).Code)

	expired, err := api.IssueToken(testutil.JWTSecret, "x", api.RoleStaff, uuid.Nil, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, path, expired, nil).Code)

	unknownRole := token(t, "x", "admin", uuid.Nil)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, path, unknownRole, nil).Code)
}

func TestStudentScope(t *testing.T) {
	e := newEnv(t)
	self := uuid.New()
	other := uuid.New()
	tok := token(t, "student-1", api.RoleStudent, self)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, mailboxPath(self, ""), tok, nil).Code)

	w := e.do(t, http.MethodGet, mailboxPath(other, ""), tok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errorKind(t, w))

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/students/not-a-uuid/mailbox", e.staff, nil).Code)

	// folders and annotations are staff only
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/api/students/"+self.String()+"/folders", tok, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/api/tags", tok, nil).Code)
}

func TestStatusOfUnknownStudent(t *testing.T) {
	e := newEnv(t)
	studentID := uuid.New()

	w := e.do(t, http.MethodGet, mailboxPath(studentID, ""), e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var conn models.Connection
	decode(t, w, &conn)
	assert.Equal(t, models.StatusDisconnected, conn.Status)
	assert.Equal(t, studentID, conn.StudentID)
	assert.NotContains(t, w.Body.String(), "token_enc")
}

func TestAuthorizeAndCallback(t *testing.T) {
	e := newEnv(t)
	studentID := uuid.New()

	w := e.do(t, http.MethodPost, mailboxPath(studentID, "/authorize"), e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		URL string `json:"url"`
	}
	decode(t, w, &body)
	authURL, err := url.Parse(body.URL)
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	e.h.Provider.IssueCode("api-code", true)
	cb := e.do(t, http.MethodGet, "/oauth/callback?code=api-code&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusFound, cb.Code)
	loc, err := url.Parse(cb.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/mailbox/connected", loc.Path)
	assert.Equal(t, studentID.String(), loc.Query().Get("studentId"))

	status := e.do(t, http.MethodGet, mailboxPath(studentID, ""), e.staff, nil)
	var conn models.Connection
	decode(t, status, &conn)
	assert.Equal(t, models.StatusConnected, conn.Status)
	assert.Equal(t, testutil.Account, conn.AccountEmail)
}

func TestCallbackDenied(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/oauth/callback?error=access_denied&state=x", "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/mailbox/denied", loc.Path)
	assert.Equal(t, "access_denied", loc.Query().Get("reason"))

	w = e.do(t, http.MethodGet, "/oauth/callback?code=c&state=tampered", "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err = url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "state_token", loc.Query().Get("reason"))
	assert.Zero(t, e.h.Provider.ExchangeCalls())
}

func TestSyncAndListMessages(t *testing.T) {
	e := newEnv(t)
	studentID := uuid.New()
	e.h.Connect(t, studentID)

	now := time.Now()
	e.h.Provider.AddMessage(providermock.MessageInput{
		From: "admissions@university.edu", Subject: "Offer", ThreadID: "thr-offer",
		Labels: []string{"INBOX", "IMPORTANT"}, ReceivedAt: now.Add(-time.Hour),
	})
	e.h.Provider.AddMessage(providermock.MessageInput{
		From: "news@letters.example", Subject: "Weekly digest",
		Labels: []string{"INBOX"}, ReceivedAt: now.Add(-2 * time.Hour),
	})

	w := e.do(t, http.MethodPost, mailboxPath(studentID, "/sync"), e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res mailsync.Result
	decode(t, w, &res)
	assert.Equal(t, 2, res.Created)

	var list struct {
		Messages []models.MirroredMessage `json:"messages"`
	}
	w = e.do(t, http.MethodGet, mailboxPath(studentID, "/messages?label=IMPORTANT"), e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "Offer", list.Messages[0].Subject)

	w = e.do(t, http.MethodGet, mailboxPath(studentID, "/messages?threadId=thr-none"), e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, mailboxPath(studentID, "/messages?limit=-1"), e.staff, nil).Code)

	// a saved folder narrows by sender
	folders := "/api/students/" + studentID.String() + "/folders"
	w = e.do(t, http.MethodPost, folders, e.staff, map[string]string{"name": "University", "senderMatch": "university.edu"})
	require.Equal(t, http.StatusCreated, w.Code)
	var folder models.SavedFilter
	decode(t, w, &folder)

	w = e.do(t, http.MethodGet, mailboxPath(studentID, "/messages?folder="+folder.ID.String()), e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "admissions@university.edu", list.Messages[0].Sender)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, folders, e.staff, map[string]string{"name": "University", "senderMatch": "x"}).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, folders+"/"+folder.ID.String(), e.staff, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, folders+"/"+folder.ID.String(), e.staff, nil).Code)
}

func TestSyncWithoutConnection(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, mailboxPath(uuid.New(), "/sync"), e.staff, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "auth", errorKind(t, w))
}

func TestSendMessage(t *testing.T) {
	e := newEnv(t)
	studentID := uuid.New()
	e.h.Connect(t, studentID)

	w := e.do(t, http.MethodPost, mailboxPath(studentID, "/send"), e.staff, map[string]any{
		"to":      "registrar@university.edu",
		"subject": "Transcript request",
		"html":    "<p>Please find my form attached.</p>",
		"attachments": []map[string]any{
			{"filename": "form.pdf", "mimeType": "application/pdf", "content": []byte("%PDF-1.4 form")},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		MessageID string `json:"messageId"`
	}
	decode(t, w, &body)
	assert.NotEmpty(t, body.MessageID)
	require.Len(t, e.h.Provider.Sent(), 1)

	w = e.do(t, http.MethodPost, mailboxPath(studentID, "/send"), e.staff, map[string]any{"subject": "no recipient"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", errorKind(t, w))
	assert.Len(t, e.h.Provider.Sent(), 1)
}

func TestDownloadAttachment(t *testing.T) {
	e := newEnv(t)
	studentID := uuid.New()
	e.h.Connect(t, studentID)

	msgID := e.h.Provider.AddMessage(providermock.MessageInput{
		Subject: "Visa letter",
		HTML:    "<p>attached</p>",
		Attachments: []providermock.Attachment{
			{Filename: "letter.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.4 letter")},
		},
	})
	msg, ok := e.h.Provider.Message(msgID)
	require.True(t, ok)
	var attID string
	for _, p := range msg.Payload.Parts {
		if p.Filename == "letter.pdf" {
			attID = p.Body.AttachmentID
		}
	}
	require.NotEmpty(t, attID)

	w := e.do(t, http.MethodGet, mailboxPath(studentID, "/messages/"+msgID+"/attachments/"+attID), e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.4 letter", w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename=letter.pdf`)

	w = e.do(t, http.MethodGet, mailboxPath(studentID, "/messages/"+msgID+"/attachments/missing"), e.staff, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDisconnect(t *testing.T) {
	e := newEnv(t)
	studentID := uuid.New()
	e.h.Connect(t, studentID)

	w := e.do(t, http.MethodDelete, mailboxPath(studentID, ""), e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	conn, err := e.h.Store.GetConnection(context.Background(), studentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, conn.Status)
	assert.Nil(t, conn.AccessTokenEnc)

	// idempotent
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, mailboxPath(studentID, ""), e.staff, nil).Code)
}

func TestNotesAndTags(t *testing.T) {
	e := newEnv(t)
	studentID := uuid.New()
	e.h.Connect(t, studentID)
	e.h.Provider.AddMessage(providermock.MessageInput{From: "visa@embassy.example", Subject: "Appointment", ReceivedAt: time.Now()})

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, mailboxPath(studentID, "/sync"), e.staff, nil).Code)
	msgs, err := e.h.Store.ListMessages(context.Background(), studentID, store.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	base := "/api/messages/" + msgs[0].ID.String()

	w := e.do(t, http.MethodPost, base+"/notes", e.staff, map[string]string{"body": "Bring passport copies"})
	require.Equal(t, http.StatusCreated, w.Code)
	var note models.InternalNote
	decode(t, w, &note)
	assert.Equal(t, "advisor@consultancy.test", note.Author)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, base+"/notes", e.staff, map[string]string{"body": " "}).Code)

	w = e.do(t, http.MethodGet, base+"/notes", e.staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var notes struct {
		Notes []models.InternalNote `json:"notes"`
	}
	decode(t, w, &notes)
	require.Len(t, notes.Notes, 1)

	w = e.do(t, http.MethodPost, "/api/tags", e.staff, map[string]string{"name": "urgent", "color": "#ff0000"})
	require.Equal(t, http.StatusCreated, w.Code)
	var tag models.Tag
	decode(t, w, &tag)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/tags", e.staff, map[string]string{"name": "urgent"}).Code)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, base+"/tags/"+tag.ID.String(), e.staff, nil).Code)
	w = e.do(t, http.MethodGet, base+"/tags", e.staff, nil)
	var tags struct {
		Tags []models.Tag `json:"tags"`
	}
	decode(t, w, &tags)
	require.Len(t, tags.Tags, 1)
	assert.Equal(t, "urgent", tags.Tags[0].Name)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, base+"/tags/"+tag.ID.String(), e.staff, nil).Code)
	w = e.do(t, http.MethodGet, base+"/tags", e.staff, nil)
	assert.JSONEq(t, `{"tags":[]}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, base+"/tags/"+uuid.NewString(), e.staff, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/messages/"+uuid.NewString()+"/notes", e.staff, nil).Code)
}
