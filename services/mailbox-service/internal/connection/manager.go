// Package connection owns the per-student mailbox authorization record: the OAuth handshake,
// lazy token refresh, expiry and disconnect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/audit"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/keyed"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/provider"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/statetoken"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/store"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/vault"
	"golang.org/x/sync/singleflight"
)

const (
	// ExpirySkew is the headroom kept before an access token's expiry
	ExpirySkew     = 30 * time.Second
	refreshTimeout = 30 * time.Second
)

var (
	// ErrNoRefreshToken aborts an authorization whose grant carries no refresh token
	ErrNoRefreshToken = apperr.Auth("connection.CompleteAuthorization", "provider granted no refresh token, reconnect with consent", nil)

	// ErrNotConnected is returned when a student has no active connection
	ErrNotConnected = apperr.Auth("connection.Acquire", "mailbox not connected", nil)

	errReconnect = apperr.Auth("connection.Acquire", "reconnect required", nil)
)

// Deps are the collaborators of a Manager
type Deps struct {
	Store      *store.Store
	Vault      *vault.Vault
	Signer     *statetoken.Signer
	Authorizer provider.Authorizer
	Factory    provider.Factory
	Audit      audit.Recorder
	Logger     *slog.Logger
	// Provider is recorded on new connections
	Provider string
}

type Manager struct {
	store      *store.Store
	vault      *vault.Vault
	signer     *statetoken.Signer
	authorizer provider.Authorizer
	factory    provider.Factory
	audit      audit.Recorder
	logger     *slog.Logger
	provider   string

	locks   keyed.RWMutex
	refresh singleflight.Group
	now     func() time.Time
}

func NewManager(d Deps) *Manager {
	name := d.Provider
	if name == "" {
		name = "google"
	}
	return &Manager{
		store:      d.Store,
		vault:      d.Vault,
		signer:     d.Signer,
		authorizer: d.Authorizer,
		factory:    d.Factory,
		audit:      d.Audit,
		logger:     d.Logger.With("component", "connection"),
		provider:   name,
		now:        time.Now,
	}
}

// WithClock replaces the clock used for token expiry checks
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// BeginAuthorization returns the provider consent URL for studentID. Nothing is persisted.
func (m *Manager) BeginAuthorization(studentID uuid.UUID) (string, error) {
	state, err := m.signer.Sign(studentID)
	if err != nil {
		return "", err
	}
	return m.authorizer.AuthCodeURL(state), nil
}

// CompleteAuthorization finishes the consent flow. The state token is verified before the code
// is exchanged; any failure leaves the previous connection record untouched.
func (m *Manager) CompleteAuthorization(ctx context.Context, actor, code, state string) (*models.Connection, error) {
	studentID, err := m.signer.Verify(state)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, apperr.Validation("connection.CompleteAuthorization", "authorization code missing")
	}

	grant, err := m.authorizer.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if grant.RefreshToken == "" {
		m.logger.Warn("authorization granted without refresh token", "student_id", studentID)
		return nil, ErrNoRefreshToken
	}

	var email string
	if grant.AccessToken != "" {
		if p, err := m.factory.NewMailbox(grant.AccessToken).Profile(ctx); err != nil {
			m.logger.Warn("fetching account profile", "student_id", studentID, "error", err)
		} else {
			email = p.EmailAddress
		}
	}

	// without an access token the column stays NULL and the first Acquire refreshes
	accessEnc, err := m.vault.EncryptOptional(grant.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc, err := m.vault.Encrypt(grant.RefreshToken)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(studentID.String())
	defer unlock()

	c := &models.Connection{
		StudentID:       studentID,
		Provider:        m.provider,
		Status:          models.StatusConnected,
		AccountEmail:    email,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: &refreshEnc,
		TokenExpiry:     expiryPtr(grant.Expiry),
		Scope:           grant.Scope,
	}
	if prev, err := m.store.GetConnection(ctx, studentID); err == nil {
		c.CreatedAt = prev.CreatedAt
		c.LastSyncAt = prev.LastSyncAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := m.store.SaveConnection(ctx, c); err != nil {
		return nil, err
	}

	m.logger.Info("mailbox connected", "student_id", studentID, "account", email)
	m.audit.Record(actor, studentID, models.ActionConnect, "connected "+email)
	return c, nil
}

// Status returns the connection record, or a disconnected one when the student never connected
func (m *Manager) Status(ctx context.Context, studentID uuid.UUID) (*models.Connection, error) {
	c, err := m.store.GetConnection(ctx, studentID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Disconnected(studentID), nil
	}
	return c, err
}

// Session is a usable mailbox for one student. It holds the student's read lock,
// so a disconnect waits until Release.
type Session struct {
	Connection *models.Connection
	Mailbox    provider.Mailbox

	m      *Manager
	once   sync.Once
	unlock func()
}

// Release is safe to call more than once
func (s *Session) Release() {
	s.once.Do(s.unlock)
}

// Renew replaces an access token the provider rejected. The cached token is discarded and a
// refresh forced; the session is then bound to the new token. A refresh token the provider
// rejects expires the connection. On error the session is released.
func (s *Session) Renew(ctx context.Context) error {
	studentID := s.Connection.StudentID
	rejected := s.Connection.AccessTokenEnc
	s.Release()

	if rejected != nil {
		if _, err := s.m.store.DiscardAccessToken(ctx, studentID, *rejected); err != nil {
			return err
		}
	}
	next, err := s.m.Acquire(ctx, studentID)
	if err != nil {
		return err
	}

	s.m.logger.Info("access token rejected by provider, renewed", "student_id", studentID)
	s.Connection, s.Mailbox, s.unlock = next.Connection, next.Mailbox, next.unlock
	s.once = sync.Once{}
	return nil
}

// Do runs an idempotent provider call. If the provider rejects the access token the session
// is renewed and fn runs once more; a freshly refreshed token that is rejected too expires the
// connection. Errors from the renewal itself are wrapped in a SessionLostError, after which the
// session is released and must not be used.
func (s *Session) Do(ctx context.Context, actor string, fn func(provider.Mailbox) error) error {
	err := fn(s.Mailbox)
	if !apperr.IsAuth(err) {
		return err
	}
	if rerr := s.Renew(ctx); rerr != nil {
		return &SessionLostError{Err: rerr}
	}
	err = fn(s.Mailbox)
	if !apperr.IsAuth(err) {
		return err
	}
	if merr := s.m.MarkExpired(context.WithoutCancel(ctx), actor, s.Connection.StudentID, "refreshed access token rejected by provider"); merr != nil {
		s.m.logger.Error("marking connection expired", "student_id", s.Connection.StudentID, "error", merr)
	}
	return apperr.Auth("connection.Session", "reconnect required", err)
}

// SessionLostError reports that a session could not be renewed
type SessionLostError struct {
	Err error
}

func (e *SessionLostError) Error() string { return "renewing session: " + e.Err.Error() }
func (e *SessionLostError) Unwrap() error { return e.Err }

// Acquire resolves a usable access token for studentID, refreshing it when absent or expired,
// and returns a session bound to it.
func (m *Manager) Acquire(ctx context.Context, studentID uuid.UUID) (*Session, error) {
	key := studentID.String()

	for attempt := 0; attempt < 2; attempt++ {
		unlock := m.locks.RLock(key)
		c, err := m.loadActive(ctx, studentID)
		if err != nil {
			unlock()
			return nil, err
		}
		if c.AccessTokenValid(m.now(), ExpirySkew) {
			token, err := m.vault.Decrypt(*c.AccessTokenEnc)
			if err != nil {
				unlock()
				return nil, err
			}
			return &Session{Connection: c, Mailbox: m.factory.NewMailbox(token), m: m, unlock: unlock}, nil
		}
		unlock()

		_, err, shared := m.refresh.Do(key, func() (any, error) {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
			defer cancel()
			return nil, m.refreshTokens(rctx, studentID)
		})
		if err != nil {
			return nil, err
		}
		if shared {
			m.logger.Debug("joined in-flight token refresh", "student_id", studentID)
		}
	}
	return nil, apperr.Provider("connection.Acquire", "access token unusable after refresh", nil)
}

// loadActive reads the record and rejects anything that is not connected
func (m *Manager) loadActive(ctx context.Context, studentID uuid.UUID) (*models.Connection, error) {
	c, err := m.store.GetConnection(ctx, studentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.StatusConnected:
		return c, nil
	case models.StatusExpired:
		return nil, errReconnect
	default:
		return nil, ErrNotConnected
	}
}

func (m *Manager) refreshTokens(ctx context.Context, studentID uuid.UUID) error {
	unlock := m.locks.Lock(studentID.String())
	defer unlock()

	// another caller may have refreshed while we waited for the lock
	c, err := m.loadActive(ctx, studentID)
	if err != nil {
		return err
	}
	if c.AccessTokenValid(m.now(), ExpirySkew) {
		return nil
	}
	if c.RefreshTokenEnc == nil {
		return m.expire(ctx, studentID, models.ActionRefreshFailed, "no refresh token stored")
	}

	refreshToken, err := m.vault.Decrypt(*c.RefreshTokenEnc)
	if err != nil {
		return err
	}

	grant, err := m.authorizer.Refresh(ctx, refreshToken)
	if apperr.IsAuth(err) {
		m.logger.Warn("refresh token rejected", "student_id", studentID, "error", err)
		return m.expire(ctx, studentID, models.ActionRefreshFailed, "refresh token rejected by provider")
	}
	if err != nil {
		return err
	}

	if grant.AccessToken == "" {
		return apperr.Provider("connection.refresh", "refresh returned no access token", nil)
	}
	accessEnc, err := m.vault.EncryptOptional(grant.AccessToken)
	if err != nil {
		return err
	}
	update := store.TokenUpdate{AccessTokenEnc: accessEnc, Expiry: expiryPtr(grant.Expiry)}
	if grant.RefreshToken != "" && grant.RefreshToken != refreshToken {
		rotated, err := m.vault.Encrypt(grant.RefreshToken)
		if err != nil {
			return err
		}
		update.RefreshTokenEnc = &rotated
	}
	if err := m.store.UpdateTokens(ctx, studentID, update); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotConnected
		}
		return err
	}

	m.logger.Info("access token refreshed", "student_id", studentID, "rotated", update.RefreshTokenEnc != nil)
	return nil
}

// MarkExpired flags a connection whose access token the provider rejected. The caller's
// session read lock may be held, so this never takes the write lock.
func (m *Manager) MarkExpired(ctx context.Context, actor string, studentID uuid.UUID, reason string) error {
	changed, err := m.store.MarkExpired(ctx, studentID)
	if err != nil {
		return err
	}
	if changed {
		m.logger.Warn("mailbox connection expired", "student_id", studentID, "reason", reason)
		m.audit.Record(actor, studentID, models.ActionExpired, reason)
	}
	return nil
}

func (m *Manager) expire(ctx context.Context, studentID uuid.UUID, action, reason string) error {
	changed, err := m.store.MarkExpired(ctx, studentID)
	if err != nil {
		return err
	}
	if changed {
		m.audit.Record("system", studentID, action, reason)
	}
	return errReconnect
}

// Disconnect drops the student's tokens and revokes the refresh token at the provider.
// It waits for in-flight sessions and is idempotent.
func (m *Manager) Disconnect(ctx context.Context, actor string, studentID uuid.UUID) error {
	unlock := m.locks.Lock(studentID.String())
	defer unlock()

	c, err := m.store.GetConnection(ctx, studentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status == models.StatusDisconnected {
		return nil
	}

	var refreshToken string
	if c.RefreshTokenEnc != nil {
		if refreshToken, err = m.vault.Decrypt(*c.RefreshTokenEnc); err != nil {
			m.logger.Warn("stored refresh token unreadable, skipping revoke", "student_id", studentID, "error", err)
		}
	}

	changed, err := m.store.ClearConnection(ctx, studentID)
	if err != nil {
		return err
	}

	if refreshToken != "" {
		if err := m.authorizer.Revoke(ctx, refreshToken); err != nil {
			m.logger.Warn("revoking refresh token at provider", "student_id", studentID, "error", err)
		}
	}

	if changed {
		m.logger.Info("mailbox disconnected", "student_id", studentID)
		m.audit.Record(actor, studentID, models.ActionDisconnect, fmt.Sprintf("disconnected %s", c.AccountEmail))
	}
	return nil
}

func expiryPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
