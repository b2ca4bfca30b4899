package providermock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stoik/mailbridge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, h http.Handler, method, target, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost && strings.HasPrefix(target, "/oauth2") {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestTokenFlow(t *testing.T) {
	s := New("student@example.com")
	h := s.Handler()
	s.IssueCode("c1", true)

	w := do(t, h, http.MethodPost, "/oauth2/token", "", url.Values{"grant_type": {"authorization_code"}, "code": {"c1"}}.Encode())
	require.Equal(t, http.StatusOK, w.Code)
	var tok models.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)

	// codes are single use
	w = do(t, h, http.MethodPost, "/oauth2/token", "", url.Values{"grant_type": {"authorization_code"}, "code": {"c1"}}.Encode())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.RotateRefreshTokens(true)
	w = do(t, h, http.MethodPost, "/oauth2/token", "", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {tok.RefreshToken}}.Encode())
	require.Equal(t, http.StatusOK, w.Code)
	var refreshed models.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	assert.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, 1, s.RefreshCalls())

	// the rotated-out token no longer works
	w = do(t, h, http.MethodPost, "/oauth2/token", "", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {tok.RefreshToken}}.Encode())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListFiltersAndPages(t *testing.T) {
	s := New("student@example.com")
	h := s.Handler()
	s.IssueTokens("at", "rt")

	now := time.Now()
	old := s.AddMessage(MessageInput{Subject: "old", ReceivedAt: now.Add(-2 * time.Hour)})
	for i := 0; i < 3; i++ {
		s.AddMessage(MessageInput{Subject: "new", ReceivedAt: now.Add(-time.Duration(i) * time.Minute)})
	}

	w := do(t, h, http.MethodGet, "/gmail/v1/users/me/messages?maxResults=2", "at", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list models.MessageList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Messages, 2)
	assert.Equal(t, "2", list.NextPageToken)

	after := now.Add(-time.Hour).Unix()
	w = do(t, h, http.MethodGet, "/gmail/v1/users/me/messages?q=after:"+itoa(after), "at", "")
	require.Equal(t, http.StatusOK, w.Code)
	list = models.MessageList{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Messages, 3)
	for _, m := range list.Messages {
		assert.NotEqual(t, old, m.ID)
	}
}

func TestRequiresValidToken(t *testing.T) {
	s := New("student@example.com")
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/gmail/v1/users/me/profile", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	s.IssueTokens("at", "")
	w = do(t, h, http.MethodGet, "/gmail/v1/users/me/profile", "at", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "student@example.com")

	s.ExpireAccessTokens()
	w = do(t, h, http.MethodGet, "/gmail/v1/users/me/profile", "at", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSeed(t *testing.T) {
	s := New("student@example.com")
	s.Seed(5)
	assert.Len(t, s.sortedLocked(), 5)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
