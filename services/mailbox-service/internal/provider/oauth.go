package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	"golang.org/x/oauth2"
)

// OAuth implements Authorizer on top of golang.org/x/oauth2
type OAuth struct {
	cfg       *oauth2.Config
	revokeURL string
	client    *http.Client
}

func NewOAuth(oc config.OAuthConfig, timeout time.Duration) *OAuth {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			RedirectURL:  oc.RedirectURL,
			Scopes:       oc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   oc.AuthURL,
				TokenURL:  oc.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL: oc.RevokeURL,
		client:    &http.Client{Timeout: timeout},
	}
}

// AuthCodeURL asks for offline access and forces the consent screen so a refresh token is issued
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (o *OAuth) Exchange(ctx context.Context, code string) (*Grant, error) {
	tok, err := o.cfg.Exchange(o.context(ctx), code)
	if err != nil {
		return nil, classify("oauth.Exchange", "authorization grant rejected", err)
	}
	return grantFrom(tok), nil
}

// Refresh trades a refresh token for a new access token. When the provider does not
// rotate the refresh token, the returned grant carries the one passed in.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	src := o.cfg.TokenSource(o.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify("oauth.Refresh", "refresh token rejected, reconnect required", err)
	}
	return grantFrom(tok), nil
}

// Revoke invalidates a token at the provider. Without a configured revoke URL it does nothing.
func (o *OAuth) Revoke(ctx context.Context, token string) error {
	if o.revokeURL == "" || token == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.client.Do(req)
	if err != nil {
		return apperr.Provider("oauth.Revoke", "provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperr.Provider("oauth.Revoke", "revoke failed",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}

func (o *OAuth) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.client)
}

func grantFrom(tok *oauth2.Token) *Grant {
	g := &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		g.Scope = scope
	}
	return g
}

// classify maps a token endpoint rejection to an AuthError and anything else to a ProviderError
func classify(op, msg string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
		return apperr.Auth(op, msg, err)
	}
	return apperr.Provider(op, "token endpoint unavailable", err)
}
