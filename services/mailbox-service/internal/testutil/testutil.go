// Package testutil wires the service components against an in-memory SQLite store
// and the provider mock, for package tests.
package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stoik/mailbridge/internal/providermock"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/connection"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/db"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/logging"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/provider"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/statetoken"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/store"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/vault"
	"github.com/stretchr/testify/require"
)

const Account = "student@example.com"

var (
	VaultKey    = strings.Repeat("v", 32) + "-vault"
	StateSecret = strings.Repeat("s", 32) + "-state"
	JWTSecret   = strings.Repeat("j", 32) + "-jwt"
)

// NewStore returns a migrated store over a private in-memory SQLite database
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	h, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(h.Close)

	s := store.New(h.DB)
	require.NoError(t, s.Migrate(ctx))
	return s
}

// Config returns a validated configuration pointing at baseURL
func Config(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	v := viper.New()
	v.Set("database.driver", "sqlite")
	v.Set("database.url", ":memory:")
	v.Set("vault.key", VaultKey)
	v.Set("state.secret", StateSecret)
	v.Set("oauth.client_id", "mailbridge-test")
	v.Set("oauth.client_secret", "test-client-secret")
	v.Set("oauth.auth_url", baseURL+"/oauth2/auth")
	v.Set("oauth.token_url", baseURL+"/oauth2/token")
	v.Set("oauth.revoke_url", baseURL+"/oauth2/revoke")
	v.Set("oauth.redirect_url", "http://mailbridge.test/oauth/callback")
	v.Set("provider.api_url", baseURL)
	v.Set("provider.rate_limit", 1000.0)
	v.Set("provider.burst", 1000)
	v.Set("api.jwt_secret", JWTSecret)

	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

// Recorder keeps audit entries in memory
type Recorder struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (r *Recorder) Record(actor string, studentID uuid.UUID, action, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, models.AuditEntry{
		ID:        uuid.New(),
		Actor:     actor,
		StudentID: studentID,
		Action:    action,
		Message:   message,
	})
}

func (r *Recorder) Entries() []models.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditEntry(nil), r.entries...)
}

// Actions lists the recorded actions for studentID in order
func (r *Recorder) Actions(studentID uuid.UUID) []string {
	var out []string
	for _, e := range r.Entries() {
		if e.StudentID == studentID {
			out = append(out, e.Action)
		}
	}
	return out
}

// Harness is a fully wired connection manager talking to a provider mock over HTTP
type Harness struct {
	Config   *config.Config
	Store    *store.Store
	Vault    *vault.Vault
	Signer   *statetoken.Signer
	Provider *providermock.Server
	Server   *httptest.Server
	OAuth    *provider.OAuth
	Factory  *provider.HTTPFactory
	Audit    *Recorder
	Manager  *connection.Manager
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()

	mock := providermock.New(Account)
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	cfg := Config(t, srv.URL)

	v, err := vault.New(cfg.Vault.Key)
	require.NoError(t, err)
	signer, err := statetoken.New(cfg.State.Secret, cfg.State.TTL)
	require.NoError(t, err)
	factory, err := provider.NewFactory(cfg.Provider)
	require.NoError(t, err)

	h := &Harness{
		Config:   cfg,
		Store:    NewStore(t),
		Vault:    v,
		Signer:   signer,
		Provider: mock,
		Server:   srv,
		OAuth:    provider.NewOAuth(cfg.OAuth, cfg.Provider.Timeout),
		Factory:  factory,
		Audit:    &Recorder{},
	}
	h.Manager = connection.NewManager(connection.Deps{
		Store:      h.Store,
		Vault:      h.Vault,
		Signer:     h.Signer,
		Authorizer: h.OAuth,
		Factory:    h.Factory,
		Audit:      h.Audit,
		Logger:     logging.Discard(),
		Provider:   cfg.Provider.Name,
	})
	return h
}

var codeSeq struct {
	sync.Mutex
	n int
}

// Connect runs the authorization flow for studentID against the mock
func (h *Harness) Connect(t *testing.T, studentID uuid.UUID) *models.Connection {
	t.Helper()

	codeSeq.Lock()
	codeSeq.n++
	code := fmt.Sprintf("code-%d", codeSeq.n)
	codeSeq.Unlock()

	h.Provider.IssueCode(code, true)
	state, err := h.Signer.Sign(studentID)
	require.NoError(t, err)

	c, err := h.Manager.CompleteAuthorization(context.Background(), "test", code, state)
	require.NoError(t, err)
	return c
}

// AccessToken decrypts the stored access token of studentID
func (h *Harness) AccessToken(t *testing.T, studentID uuid.UUID) string {
	t.Helper()
	c, err := h.Store.GetConnection(context.Background(), studentID)
	require.NoError(t, err)
	require.NotNil(t, c.AccessTokenEnc)
	tok, err := h.Vault.Decrypt(*c.AccessTokenEnc)
	require.NoError(t, err)
	return tok
}

// RefreshToken decrypts the stored refresh token of studentID
func (h *Harness) RefreshToken(t *testing.T, studentID uuid.UUID) string {
	t.Helper()
	c, err := h.Store.GetConnection(context.Background(), studentID)
	require.NoError(t, err)
	require.NotNil(t, c.RefreshTokenEnc)
	tok, err := h.Vault.Decrypt(*c.RefreshTokenEnc)
	require.NoError(t, err)
	return tok
}
